package device

import (
	"errors"
	"fmt"
)

// Ptr is an address in device memory. The zero Ptr is null.
type Ptr uintptr

var (
	// ErrAccelerator matches every failure reported by a Runtime.
	ErrAccelerator = errors.New("accelerator failure")

	// ErrNotSupported is returned by runtimes compiled out of this build.
	ErrNotSupported = errors.New("runtime not supported on this platform")

	// ErrInvalidArgument reports a size or type mismatch detected before any
	// device call is made.
	ErrInvalidArgument = errors.New("invalid argument")
)

// AcceleratorError wraps a non-success status from the device layer.
type AcceleratorError struct {
	Op  string
	Err error
}

func (e *AcceleratorError) Error() string {
	return fmt.Sprintf("accelerator %s: %v", e.Op, e.Err)
}

func (e *AcceleratorError) Unwrap() error {
	return e.Err
}

func (e *AcceleratorError) Is(target error) bool {
	return target == ErrAccelerator
}

func accelErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AcceleratorError
	if errors.As(err, &ae) {
		return err
	}
	return &AcceleratorError{Op: op, Err: err}
}

// Runtime owns device memory and the copies in and out of it. All copies
// are synchronous with respect to the calling goroutine.
//
// A Runtime may be used from several goroutines, each staging its own
// buffers.
type Runtime interface {
	Name() string

	// Malloc allocates nbBytes of device memory.
	Malloc(nbBytes int64) (Ptr, error)
	Free(p Ptr) error

	CopyHostToDevice(dst Ptr, src []byte) error
	CopyDeviceToHost(dst []byte, src Ptr) error
	CopyDeviceToDevice(dst, src Ptr, nbBytes int64) error

	// Properties returns the compute capability of the current device.
	Properties() (major, minor int, err error)

	// MemInfo returns used and total device memory in bytes.
	MemInfo() (used, total int64)
}

// Open returns the runtime for a backend name: "cpu" or "cuda".
func Open(backend string, index int) (Runtime, error) {
	switch backend {
	case "", "cpu":
		return NewCPURuntime(), nil
	case "cuda":
		return openCUDA(index)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidArgument, backend)
	}
}
