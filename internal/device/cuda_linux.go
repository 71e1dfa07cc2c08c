//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudart

// Forward declarations so the CUDA headers are not needed at compile time.
// The linker still requires libcudart when building with the cuda tag.
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDevice(int* device);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaDeviceGetAttribute(int* value, int attr, int device);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaMemGetInfo(unsigned long long* free, unsigned long long* total);

#define BERTCORE_MEMCPY_HOST_TO_DEVICE 1
#define BERTCORE_MEMCPY_DEVICE_TO_HOST 2
#define BERTCORE_MEMCPY_DEVICE_TO_DEVICE 3

#define BERTCORE_ATTR_CC_MAJOR 75
#define BERTCORE_ATTR_CC_MINOR 76

static int bertcoreMalloc(unsigned long long* out, unsigned long long size) {
	void* p = 0;
	cudaError_t err = cudaMalloc(&p, size);
	*out = (unsigned long long)p;
	return (int)err;
}

static int bertcoreFree(unsigned long long p) {
	return (int)cudaFree((void*)p);
}

static int bertcoreMemcpyHtoD(unsigned long long dst, const void* src, unsigned long long size) {
	return (int)cudaMemcpy((void*)dst, src, size, BERTCORE_MEMCPY_HOST_TO_DEVICE);
}

static int bertcoreMemcpyDtoH(void* dst, unsigned long long src, unsigned long long size) {
	return (int)cudaMemcpy(dst, (const void*)src, size, BERTCORE_MEMCPY_DEVICE_TO_HOST);
}

static int bertcoreMemcpyDtoD(unsigned long long dst, unsigned long long src, unsigned long long size) {
	return (int)cudaMemcpy((void*)dst, (const void*)src, size, BERTCORE_MEMCPY_DEVICE_TO_DEVICE);
}

static int bertcoreComputeCapability(int* major, int* minor) {
	int dev = -1;
	cudaError_t err = cudaGetDevice(&dev);
	if (err != 0) {
		return (int)err;
	}
	err = cudaDeviceGetAttribute(major, BERTCORE_ATTR_CC_MAJOR, dev);
	if (err != 0) {
		return (int)err;
	}
	return (int)cudaDeviceGetAttribute(minor, BERTCORE_ATTR_CC_MINOR, dev);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Check interface compliance
var _ Runtime = (*CUDARuntime)(nil)

// CUDARuntime stages buffers through the CUDA runtime API on the current
// device of the calling thread.
type CUDARuntime struct {
	device int
}

// NewCUDARuntime selects device index and returns a runtime bound to it.
func NewCUDARuntime(index int) (*CUDARuntime, error) {
	var count C.int
	if err := cudaErr(C.int(C.cudaGetDeviceCount(&count))); err != nil {
		return nil, accelErr("device count", err)
	}
	if index < 0 || index >= int(count) {
		return nil, fmt.Errorf("%w: device %d of %d", ErrInvalidArgument, index, int(count))
	}
	if err := cudaErr(C.int(C.cudaSetDevice(C.int(index)))); err != nil {
		return nil, accelErr("set device", err)
	}
	return &CUDARuntime{device: index}, nil
}

func (r *CUDARuntime) Name() string {
	return fmt.Sprintf("CUDA:%d", r.device)
}

func (r *CUDARuntime) Malloc(nbBytes int64) (Ptr, error) {
	if nbBytes <= 0 {
		return 0, accelErr("malloc", fmt.Errorf("device alloc size must be > 0, got %d", nbBytes))
	}
	var p C.ulonglong
	if err := cudaErr(C.bertcoreMalloc(&p, C.ulonglong(nbBytes))); err != nil {
		return 0, accelErr("malloc", err)
	}
	return Ptr(p), nil
}

func (r *CUDARuntime) Free(p Ptr) error {
	if p == 0 {
		return nil
	}
	return accelErr("free", cudaErr(C.bertcoreFree(C.ulonglong(p))))
}

func (r *CUDARuntime) CopyHostToDevice(dst Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return accelErr("memcpy htod", cudaErr(C.bertcoreMemcpyHtoD(C.ulonglong(dst), unsafe.Pointer(&src[0]), C.ulonglong(len(src)))))
}

func (r *CUDARuntime) CopyDeviceToHost(dst []byte, src Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	return accelErr("memcpy dtoh", cudaErr(C.bertcoreMemcpyDtoH(unsafe.Pointer(&dst[0]), C.ulonglong(src), C.ulonglong(len(dst)))))
}

func (r *CUDARuntime) CopyDeviceToDevice(dst, src Ptr, nbBytes int64) error {
	if nbBytes <= 0 {
		return nil
	}
	return accelErr("memcpy dtod", cudaErr(C.bertcoreMemcpyDtoD(C.ulonglong(dst), C.ulonglong(src), C.ulonglong(nbBytes))))
}

func (r *CUDARuntime) Properties() (int, int, error) {
	var major, minor C.int
	if err := cudaErr(C.bertcoreComputeCapability(&major, &minor)); err != nil {
		return 0, 0, accelErr("device properties", err)
	}
	return int(major), int(minor), nil
}

func (r *CUDARuntime) MemInfo() (int64, int64) {
	var free, total C.ulonglong
	if err := cudaErr(C.int(C.cudaMemGetInfo(&free, &total))); err != nil {
		return 0, 0
	}
	return int64(total - free), int64(total)
}

// DeviceCount returns the number of visible CUDA devices.
func DeviceCount() int {
	var count C.int
	if C.cudaGetDeviceCount(&count) != 0 {
		return 0
	}
	return int(count)
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.cudaGetErrorString(C.cudaError_t(code)))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}

func openCUDA(index int) (Runtime, error) {
	rt, err := NewCUDARuntime(index)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
