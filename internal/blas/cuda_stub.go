//go:build !(linux && cuda)

package blas

import "github.com/23skdu/longbow-bertcore/internal/device"

func newAcceleratorEngine(rt device.Runtime) (Engine, error) {
	return nil, &device.AcceleratorError{Op: "cublas create", Err: device.ErrNotSupported}
}
