//go:build !(linux && cuda)

package device

// CUDARuntime is unavailable in builds without the cuda tag on Linux.
type CUDARuntime struct{}

func NewCUDARuntime(index int) (*CUDARuntime, error) {
	return nil, accelErr("init", ErrNotSupported)
}

func DeviceCount() int {
	return 0
}

func openCUDA(index int) (Runtime, error) {
	return nil, accelErr("init", ErrNotSupported)
}
