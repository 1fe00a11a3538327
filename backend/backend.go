package backend

import (
	"errors"

	"github.com/gogpu/winsys"
	"github.com/gogpu/winsys/backend/halgpu"
	"github.com/gogpu/winsys/backend/sim"
)

// Backend name constants.
const (
	// BackendSim is the name of the in-memory simulated kernel.
	BackendSim = "sim"
	// BackendHAL is the name of the gogpu/wgpu HAL backend.
	BackendHAL = "hal"
)

// ErrBackendNotAvailable is returned when a requested backend is not available.
var ErrBackendNotAvailable = errors.New("backend: not available")

// init registers the built-in backends on package import.
func init() {
	Register(BackendSim, func() (winsys.Device, error) {
		return sim.New(), nil
	})
	Register(BackendHAL, func() (winsys.Device, error) {
		dev, err := halgpu.OpenNoop()
		if err != nil {
			return nil, err
		}
		return dev, nil
	})
}
