package device

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// DeviceBuffer is an exclusively owned device allocation of count elements
// of T. The zero value is the empty buffer, which consumers treat as an
// absent optional input.
//
// Release the memory with Free, usually deferred. A finalizer frees buffers
// that are dropped without it.
type DeviceBuffer[T any] struct {
	rt    Runtime
	ptr   Ptr
	count int
}

func elemSize[T any]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// allocBuffer allocates room for count elements.
func allocBuffer[T any](rt Runtime, count int) (*DeviceBuffer[T], error) {
	nbBytes := int64(count) * elemSize[T]()
	p, err := rt.Malloc(nbBytes)
	if err != nil {
		return nil, accelErr("malloc", err)
	}

	allocations.Inc()
	allocatedBytes.Add(float64(nbBytes))

	b := &DeviceBuffer[T]{rt: rt, ptr: p, count: count}
	runtime.SetFinalizer(b, func(b *DeviceBuffer[T]) {
		if err := b.release(); err != nil {
			log.Warn().Err(err).Msg("failed to free leaked device buffer")
		}
	})
	return b, nil
}

// Ptr returns the device address, or 0 for an empty buffer.
func (b *DeviceBuffer[T]) Ptr() Ptr {
	if b == nil {
		return 0
	}
	return b.ptr
}

// Len returns the element count.
func (b *DeviceBuffer[T]) Len() int {
	if b == nil {
		return 0
	}
	return b.count
}

func (b *DeviceBuffer[T]) SizeBytes() int64 {
	return int64(b.Len()) * elemSize[T]()
}

func (b *DeviceBuffer[T]) Empty() bool {
	return b == nil || b.ptr == 0
}

// Runtime returns the runtime owning the memory, nil for an empty buffer.
func (b *DeviceBuffer[T]) Runtime() Runtime {
	if b == nil {
		return nil
	}
	return b.rt
}

// Free releases the device memory. It is safe to call more than once.
func (b *DeviceBuffer[T]) Free() error {
	if b.Empty() {
		return nil
	}
	runtime.SetFinalizer(b, nil)
	return b.release()
}

func (b *DeviceBuffer[T]) release() error {
	if b.ptr == 0 {
		return nil
	}
	size := b.SizeBytes()
	err := b.rt.Free(b.ptr)
	b.ptr = 0
	b.count = 0
	allocatedBytes.Sub(float64(size))
	if err != nil {
		return accelErr("free", err)
	}
	return nil
}

// SharedBuffer is a device buffer referenced by several independent
// consumers. Memory is freed when the last holder releases it. Shared
// buffers are read-only after staging.
type SharedBuffer[T any] struct {
	buf  *DeviceBuffer[T]
	refs atomic.Int64
}

// Share takes ownership of b and returns a handle with one reference.
func Share[T any](b *DeviceBuffer[T]) *SharedBuffer[T] {
	s := &SharedBuffer[T]{buf: b}
	s.refs.Store(1)
	return s
}

// Retain adds a holder and returns s. A buffer whose last holder has
// already released it cannot be revived.
func (s *SharedBuffer[T]) Retain() (*SharedBuffer[T], error) {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return nil, fmt.Errorf("%w: retain of released shared buffer", ErrInvalidArgument)
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return s, nil
		}
	}
}

// Release drops one holder and frees the memory when none remain.
func (s *SharedBuffer[T]) Release() error {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return fmt.Errorf("%w: shared buffer already released", ErrInvalidArgument)
		}
		if !s.refs.CompareAndSwap(n, n-1) {
			continue
		}
		if n == 1 {
			return s.buf.Free()
		}
		return nil
	}
}

// Refs returns the number of live holders.
func (s *SharedBuffer[T]) Refs() int64 {
	return s.refs.Load()
}

func (s *SharedBuffer[T]) Ptr() Ptr {
	return s.buf.Ptr()
}

func (s *SharedBuffer[T]) Len() int {
	return s.buf.Len()
}

func (s *SharedBuffer[T]) Empty() bool {
	return s.buf.Empty()
}
