package blas

import "github.com/23skdu/longbow-bertcore/internal/device"

// NewEngine returns the GEMM engine that operates on rt's memory.
func NewEngine(rt device.Runtime) (Engine, error) {
	if cpu, ok := rt.(*device.CPURuntime); ok {
		return NewCPUEngine(cpu), nil
	}
	return newAcceleratorEngine(rt)
}
