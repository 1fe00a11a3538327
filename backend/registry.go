package backend

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/winsys"
)

// Factory opens a device.
type Factory func() (winsys.Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	// HAL > Sim (HAL drives a real queue, Sim is the fallback).
	backendPriority = []string{BackendHAL, BackendSim}
)

// Register registers a backend factory with the given name.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open opens a device of the named backend.
func Open(name string) (winsys.Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return factory()
}

// OpenDefault opens the best available backend based on priority and
// returns its name with the device.
func OpenDefault() (string, winsys.Device, error) {
	for _, name := range backendPriority {
		if !IsRegistered(name) {
			continue
		}
		dev, err := Open(name)
		if err == nil {
			return name, dev, nil
		}
		winsys.Logger().Warn("backend: open failed, trying next", "backend", name, "err", err)
	}

	// Fallback: first available.
	for _, name := range Available() {
		if slices.Contains(backendPriority, name) {
			continue
		}
		if dev, err := Open(name); err == nil {
			return name, dev, nil
		}
	}
	return "", nil, ErrBackendNotAvailable
}

// Close releases a device opened from the registry if it holds resources.
func Close(dev winsys.Device) {
	if c, ok := dev.(interface{ Close() }); ok {
		c.Close()
	}
}
