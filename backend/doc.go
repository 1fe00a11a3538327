// Package backend selects the device a submission engine runs on.
//
// # Backend Registration
//
// Backends are registered by name. The built-in ones are registered on
// import:
//
//	import "github.com/gogpu/winsys/backend"
//
// # Backend Selection
//
// Use OpenDefault to get the best available backend, or Open to request a
// specific backend by name:
//
//	name, dev, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer backend.Close(dev)
//
//	ws, err := winsys.New(dev)
//
// # Available Backends
//
//   - "hal": gogpu/wgpu HAL device, opened on the noop adapter
//   - "sim": in-memory kernel that records submissions (always available)
package backend
