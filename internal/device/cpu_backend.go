package device

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// ensure interface compliance
var _ Runtime = (*CPURuntime)(nil)

const (
	cpuBaseAddress = 0x10000
	cpuAlignment   = 256
)

// CPURuntime emulates device memory in host memory. It hands out stable fake
// addresses so interior pointers (base + stride offsets) resolve the way
// they would on a real device.
type CPURuntime struct {
	mu     sync.Mutex
	next   Ptr
	allocs map[Ptr][]byte
	used   int64
	limit  int64

	major, minor int

	mallocs int64
	frees   int64
}

type CPUOption func(*CPURuntime)

// WithCapability sets the compute capability the runtime reports.
func WithCapability(major, minor int) CPUOption {
	return func(r *CPURuntime) {
		r.major, r.minor = major, minor
	}
}

// WithMemoryLimit makes Malloc fail once more than limit bytes are live.
func WithMemoryLimit(limit int64) CPUOption {
	return func(r *CPURuntime) {
		r.limit = limit
	}
}

func NewCPURuntime(opts ...CPUOption) *CPURuntime {
	r := &CPURuntime{
		next:   cpuBaseAddress,
		allocs: make(map[Ptr][]byte),
		major:  8,
		minor:  0,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CPURuntime) Name() string {
	return "CPU"
}

func (r *CPURuntime) Malloc(nbBytes int64) (Ptr, error) {
	if nbBytes <= 0 {
		return 0, accelErr("malloc", fmt.Errorf("device alloc size must be > 0, got %d", nbBytes))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && r.used+nbBytes > r.limit {
		return 0, accelErr("malloc", fmt.Errorf("out of memory: %d bytes requested, %d of %d in use", nbBytes, r.used, r.limit))
	}

	p := r.next
	r.allocs[p] = make([]byte, nbBytes)
	// Leave a gap so an overrun never lands inside the next allocation.
	r.next += Ptr(dtype.AlignTo(nbBytes, cpuAlignment) + cpuAlignment)
	r.used += nbBytes
	r.mallocs++
	return p, nil
}

func (r *CPURuntime) Free(p Ptr) error {
	if p == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.allocs[p]
	if !ok {
		return accelErr("free", fmt.Errorf("invalid device pointer %#x", uintptr(p)))
	}
	delete(r.allocs, p)
	r.used -= int64(len(buf))
	r.frees++
	return nil
}

// resolveLocked finds the allocation containing [p, p+n).
func (r *CPURuntime) resolveLocked(p Ptr, n int64) ([]byte, error) {
	for base, buf := range r.allocs {
		if p < base {
			continue
		}
		off := int64(p - base)
		if off+n <= int64(len(buf)) {
			return buf[off : off+n], nil
		}
	}
	return nil, fmt.Errorf("device range %#x+%d is not allocated", uintptr(p), n)
}

// Resolve returns the host memory backing the device range [p, p+n).
// The slice aliases the emulated device memory.
func (r *CPURuntime) Resolve(p Ptr, n int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.resolveLocked(p, n)
	if err != nil {
		return nil, accelErr("resolve", err)
	}
	return b, nil
}

func (r *CPURuntime) CopyHostToDevice(dst Ptr, src []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.resolveLocked(dst, int64(len(src)))
	if err != nil {
		return accelErr("memcpy htod", err)
	}
	copy(d, src)
	return nil
}

func (r *CPURuntime) CopyDeviceToHost(dst []byte, src Ptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.resolveLocked(src, int64(len(dst)))
	if err != nil {
		return accelErr("memcpy dtoh", err)
	}
	copy(dst, s)
	return nil
}

func (r *CPURuntime) CopyDeviceToDevice(dst, src Ptr, nbBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.resolveLocked(src, nbBytes)
	if err != nil {
		return accelErr("memcpy dtod", err)
	}
	d, err := r.resolveLocked(dst, nbBytes)
	if err != nil {
		return accelErr("memcpy dtod", err)
	}
	copy(d, s)
	return nil
}

func (r *CPURuntime) Properties() (int, int, error) {
	return r.major, r.minor, nil
}

func (r *CPURuntime) MemInfo() (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used, r.limit
}

// Stats returns how many allocations and frees the runtime has served.
func (r *CPURuntime) Stats() (mallocs, frees int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mallocs, r.frees
}

// Live returns the number of allocations not yet freed.
func (r *CPURuntime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.allocs)
}
