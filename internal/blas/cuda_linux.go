//go:build linux && cuda

package blas

/*
#cgo LDFLAGS: -lcublas -lcudart

typedef struct cublasContext* cublasHandle_t;
typedef int cublasStatus_t;
typedef unsigned short bertcoreHalf;

extern cublasStatus_t cublasCreate_v2(cublasHandle_t* handle);
extern cublasStatus_t cublasDestroy_v2(cublasHandle_t handle);
extern cublasStatus_t cublasGetPointerMode_v2(cublasHandle_t handle, int* mode);
extern cublasStatus_t cublasSetPointerMode_v2(cublasHandle_t handle, int mode);
extern cublasStatus_t cublasGetMathMode(cublasHandle_t handle, int* mode);
extern cublasStatus_t cublasSetMathMode(cublasHandle_t handle, int mode);

extern cublasStatus_t cublasSgemm_v2(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k, const float* alpha, const float* A, int lda,
	const float* B, int ldb, const float* beta, float* C, int ldc);
extern cublasStatus_t cublasHgemm(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k, const bertcoreHalf* alpha, const bertcoreHalf* A, int lda,
	const bertcoreHalf* B, int ldb, const bertcoreHalf* beta, bertcoreHalf* C, int ldc);
extern cublasStatus_t cublasSgemmStridedBatched(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k, const float* alpha,
	const float* A, int lda, long long strideA,
	const float* B, int ldb, long long strideB,
	const float* beta, float* C, int ldc, long long strideC, int batchCount);
extern cublasStatus_t cublasHgemmStridedBatched(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k, const bertcoreHalf* alpha,
	const bertcoreHalf* A, int lda, long long strideA,
	const bertcoreHalf* B, int ldb, long long strideB,
	const bertcoreHalf* beta, bertcoreHalf* C, int ldc, long long strideC, int batchCount);
extern cublasStatus_t cublasGemmStridedBatchedEx(cublasHandle_t handle, int transa, int transb,
	int m, int n, int k, const void* alpha,
	const void* A, int Atype, int lda, long long strideA,
	const void* B, int Btype, int ldb, long long strideB,
	const void* beta, void* C, int Ctype, int ldc, long long strideC,
	int batchCount, int computeType, int algo);

static int bertcoreCublasCreate(cublasHandle_t* out) {
	return (int)cublasCreate_v2(out);
}

static int bertcoreCublasDestroy(cublasHandle_t h) {
	return (int)cublasDestroy_v2(h);
}

static int bertcoreSgemm(cublasHandle_t h, int ta, int tb, int m, int n, int k,
	const float* alpha, unsigned long long A, int lda, unsigned long long B, int ldb,
	const float* beta, unsigned long long C, int ldc) {
	return (int)cublasSgemm_v2(h, ta, tb, m, n, k, alpha, (const float*)A, lda,
		(const float*)B, ldb, beta, (float*)C, ldc);
}

static int bertcoreHgemm(cublasHandle_t h, int ta, int tb, int m, int n, int k,
	const bertcoreHalf* alpha, unsigned long long A, int lda, unsigned long long B, int ldb,
	const bertcoreHalf* beta, unsigned long long C, int ldc) {
	return (int)cublasHgemm(h, ta, tb, m, n, k, alpha, (const bertcoreHalf*)A, lda,
		(const bertcoreHalf*)B, ldb, beta, (bertcoreHalf*)C, ldc);
}

static int bertcoreSgemmStridedBatched(cublasHandle_t h, int ta, int tb, int m, int n, int k,
	const float* alpha, unsigned long long A, int lda, long long sA,
	unsigned long long B, int ldb, long long sB,
	const float* beta, unsigned long long C, int ldc, long long sC, int batch) {
	return (int)cublasSgemmStridedBatched(h, ta, tb, m, n, k, alpha,
		(const float*)A, lda, sA, (const float*)B, ldb, sB, beta, (float*)C, ldc, sC, batch);
}

static int bertcoreHgemmStridedBatched(cublasHandle_t h, int ta, int tb, int m, int n, int k,
	const bertcoreHalf* alpha, unsigned long long A, int lda, long long sA,
	unsigned long long B, int ldb, long long sB,
	const bertcoreHalf* beta, unsigned long long C, int ldc, long long sC, int batch) {
	return (int)cublasHgemmStridedBatched(h, ta, tb, m, n, k, alpha,
		(const bertcoreHalf*)A, lda, sA, (const bertcoreHalf*)B, ldb, sB, beta, (bertcoreHalf*)C, ldc, sC, batch);
}

static int bertcoreGemmStridedBatchedEx(cublasHandle_t h, int ta, int tb, int m, int n, int k,
	const void* alpha, unsigned long long A, int at, int lda, long long sA,
	unsigned long long B, int bt, int ldb, long long sB,
	const void* beta, unsigned long long C, int ct, int ldc, long long sC,
	int batch, int compute, int algo) {
	return (int)cublasGemmStridedBatchedEx(h, ta, tb, m, n, k, alpha,
		(const void*)A, at, lda, sA, (const void*)B, bt, ldb, sB,
		beta, (void*)C, ct, ldc, sC, batch, compute, algo);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

const (
	cudaR32F = 0
	cudaR16F = 2

	cublasCompute16F = 64
	cublasCompute32F = 68
)

// Check interface compliance
var _ Engine = (*CUDAEngine)(nil)

// CUDAEngine wraps a cuBLAS handle. Matrix pointers must come from a
// CUDARuntime on the same device.
type CUDAEngine struct {
	handle C.cublasHandle_t
}

func NewCUDAEngine(rt *device.CUDARuntime) (*CUDAEngine, error) {
	if rt == nil {
		return nil, fmt.Errorf("%w: nil runtime", device.ErrInvalidArgument)
	}
	var h C.cublasHandle_t
	if err := cublasErr("create", C.bertcoreCublasCreate(&h)); err != nil {
		return nil, err
	}
	return &CUDAEngine{handle: h}, nil
}

func (e *CUDAEngine) Close() error {
	if e.handle == nil {
		return nil
	}
	err := cublasErr("destroy", C.bertcoreCublasDestroy(e.handle))
	e.handle = nil
	return err
}

func (e *CUDAEngine) Name() string {
	return "cublas"
}

func (e *CUDAEngine) PointerMode() (PointerMode, error) {
	var m C.int
	if err := cublasErr("get pointer mode", C.int(C.cublasGetPointerMode_v2(e.handle, &m))); err != nil {
		return 0, err
	}
	return PointerMode(m), nil
}

func (e *CUDAEngine) SetPointerMode(m PointerMode) error {
	return cublasErr("set pointer mode", C.int(C.cublasSetPointerMode_v2(e.handle, C.int(m))))
}

func (e *CUDAEngine) MathMode() (MathMode, error) {
	var m C.int
	if err := cublasErr("get math mode", C.int(C.cublasGetMathMode(e.handle, &m))); err != nil {
		return 0, err
	}
	return MathMode(m), nil
}

func (e *CUDAEngine) SetMathMode(m MathMode) error {
	return cublasErr("set math mode", C.int(C.cublasSetMathMode(e.handle, C.int(m))))
}

func (e *CUDAEngine) Sgemm(transA, transB Op, m, n, k int, alpha float32, a device.Ptr, lda int, b device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) error {
	al, be := C.float(alpha), C.float(beta)
	return cublasErr("sgemm", C.bertcoreSgemm(e.handle, C.int(transA), C.int(transB),
		C.int(m), C.int(n), C.int(k), &al,
		devPtr(a), C.int(lda), devPtr(b), C.int(ldb),
		&be, devPtr(c), C.int(ldc)))
}

func (e *CUDAEngine) Hgemm(transA, transB Op, m, n, k int, alpha float16.Float16, a device.Ptr, lda int, b device.Ptr, ldb int, beta float16.Float16, c device.Ptr, ldc int) error {
	al, be := C.bertcoreHalf(alpha.Bits()), C.bertcoreHalf(beta.Bits())
	return cublasErr("hgemm", C.bertcoreHgemm(e.handle, C.int(transA), C.int(transB),
		C.int(m), C.int(n), C.int(k), &al,
		devPtr(a), C.int(lda), devPtr(b), C.int(ldb),
		&be, devPtr(c), C.int(ldc)))
}

func (e *CUDAEngine) SgemmStridedBatched(transA, transB Op, m, n, k int, alpha float32,
	a device.Ptr, lda int, strideA int64,
	b device.Ptr, ldb int, strideB int64,
	beta float32, c device.Ptr, ldc int, strideC int64, batchCount int) error {
	al, be := C.float(alpha), C.float(beta)
	return cublasErr("sgemm strided batched", C.bertcoreSgemmStridedBatched(e.handle,
		C.int(transA), C.int(transB), C.int(m), C.int(n), C.int(k), &al,
		devPtr(a), C.int(lda), C.longlong(strideA),
		devPtr(b), C.int(ldb), C.longlong(strideB),
		&be, devPtr(c), C.int(ldc), C.longlong(strideC), C.int(batchCount)))
}

func (e *CUDAEngine) HgemmStridedBatched(transA, transB Op, m, n, k int, alpha float16.Float16,
	a device.Ptr, lda int, strideA int64,
	b device.Ptr, ldb int, strideB int64,
	beta float16.Float16, c device.Ptr, ldc int, strideC int64, batchCount int) error {
	al, be := C.bertcoreHalf(alpha.Bits()), C.bertcoreHalf(beta.Bits())
	return cublasErr("hgemm strided batched", C.bertcoreHgemmStridedBatched(e.handle,
		C.int(transA), C.int(transB), C.int(m), C.int(n), C.int(k), &al,
		devPtr(a), C.int(lda), C.longlong(strideA),
		devPtr(b), C.int(ldb), C.longlong(strideB),
		&be, devPtr(c), C.int(ldc), C.longlong(strideC), C.int(batchCount)))
}

func (e *CUDAEngine) GemmStridedBatchedEx(transA, transB Op, m, n, k int, alpha Scalar,
	a device.Ptr, aType dtype.DataType, lda int, strideA int64,
	b device.Ptr, bType dtype.DataType, ldb int, strideB int64,
	beta Scalar, c device.Ptr, cType dtype.DataType, ldc int, strideC int64,
	batchCount int, computeType dtype.DataType, algo Algo) error {
	at, err := cudaDataType(aType)
	if err != nil {
		return err
	}
	bt, err := cudaDataType(bType)
	if err != nil {
		return err
	}
	ct, err := cudaDataType(cType)
	if err != nil {
		return err
	}
	compute := C.int(cublasCompute32F)
	if computeType == dtype.Float16 {
		compute = cublasCompute16F
	}

	// Scalars are passed as their raw bits in the compute precision.
	al, be := C.uint(alpha.Bits()), C.uint(beta.Bits())
	return cublasErr("gemm strided batched ex", C.bertcoreGemmStridedBatchedEx(e.handle,
		C.int(transA), C.int(transB), C.int(m), C.int(n), C.int(k), unsafe.Pointer(&al),
		devPtr(a), at, C.int(lda), C.longlong(strideA),
		devPtr(b), bt, C.int(ldb), C.longlong(strideB),
		unsafe.Pointer(&be), devPtr(c), ct, C.int(ldc), C.longlong(strideC),
		C.int(batchCount), compute, C.int(algo)))
}

func devPtr(p device.Ptr) C.ulonglong {
	return C.ulonglong(p)
}

func cudaDataType(t dtype.DataType) (C.int, error) {
	switch t {
	case dtype.Float32:
		return cudaR32F, nil
	case dtype.Float16:
		return cudaR16F, nil
	default:
		return 0, fmt.Errorf("%w: %s", dtype.ErrUnsupportedPrecision, t)
	}
}

func cublasErr(op string, code C.int) error {
	if code == 0 {
		return nil
	}
	return &StatusError{Op: op, Status: int(code)}
}

func newAcceleratorEngine(rt device.Runtime) (Engine, error) {
	cuda, ok := rt.(*device.CUDARuntime)
	if !ok {
		return nil, fmt.Errorf("%w: no gemm engine for %s runtime", device.ErrNotSupported, rt.Name())
	}
	e, err := NewCUDAEngine(cuda)
	if err != nil {
		return nil, err
	}
	return e, nil
}
