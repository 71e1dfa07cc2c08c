package blas

import (
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// Kernel is the multiply contract implemented once per precision. Callers
// pick Float or Half statically, so no call inspects types at runtime.
// alpha and beta are passed in the data precision, not promoted.
type Kernel[T Element] interface {
	DataType() dtype.DataType

	Gemm(e Engine, transA, transB Op, m, n, k int, alpha T,
		a device.Ptr, lda int, b device.Ptr, ldb int,
		beta T, c device.Ptr, ldc int) error

	// GemmStridedBatched computes batchCount independent products whose
	// operands sit at fixed element strides inside flat buffers.
	GemmStridedBatched(e Engine, transA, transB Op, m, n, k int, alpha T,
		a device.Ptr, lda int, strideA int64,
		b device.Ptr, ldb int, strideB int64,
		beta T, c device.Ptr, ldc int, strideC int64, batchCount int) error

	// GemmStridedBatchedEx is GemmStridedBatched through the typed Ex entry
	// point with an explicit algorithm. Compute type equals the data type.
	GemmStridedBatchedEx(e Engine, transA, transB Op, m, n, k int, alpha T,
		a device.Ptr, lda int, strideA int64,
		b device.Ptr, ldb int, strideB int64,
		beta T, c device.Ptr, ldc int, strideC int64, batchCount int, algo Algo) error
}

var (
	// Float dispatches to the single precision entry points.
	Float Kernel[float32] = floatKernel{}

	// Half dispatches to the half precision entry points.
	Half Kernel[float16.Float16] = halfKernel{}
)

type floatKernel struct{}

func (floatKernel) DataType() dtype.DataType {
	return dtype.Float32
}

func (floatKernel) Gemm(e Engine, transA, transB Op, m, n, k int, alpha float32,
	a device.Ptr, lda int, b device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) error {
	gemmCalls.WithLabelValues("fp32", "gemm").Inc()
	return e.Sgemm(transA, transB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

func (floatKernel) GemmStridedBatched(e Engine, transA, transB Op, m, n, k int, alpha float32,
	a device.Ptr, lda int, strideA int64, b device.Ptr, ldb int, strideB int64,
	beta float32, c device.Ptr, ldc int, strideC int64, batchCount int) error {
	gemmCalls.WithLabelValues("fp32", "strided_batched").Inc()
	gemmBatches.WithLabelValues("fp32").Add(float64(batchCount))
	return e.SgemmStridedBatched(transA, transB, m, n, k, alpha, a, lda, strideA, b, ldb, strideB, beta, c, ldc, strideC, batchCount)
}

func (floatKernel) GemmStridedBatchedEx(e Engine, transA, transB Op, m, n, k int, alpha float32,
	a device.Ptr, lda int, strideA int64, b device.Ptr, ldb int, strideB int64,
	beta float32, c device.Ptr, ldc int, strideC int64, batchCount int, algo Algo) error {
	gemmCalls.WithLabelValues("fp32", "strided_batched_ex").Inc()
	gemmBatches.WithLabelValues("fp32").Add(float64(batchCount))
	return e.GemmStridedBatchedEx(transA, transB, m, n, k, Float32Scalar(alpha),
		a, dtype.Float32, lda, strideA, b, dtype.Float32, ldb, strideB,
		Float32Scalar(beta), c, dtype.Float32, ldc, strideC, batchCount, dtype.Float32, algo)
}

type halfKernel struct{}

func (halfKernel) DataType() dtype.DataType {
	return dtype.Float16
}

func (halfKernel) Gemm(e Engine, transA, transB Op, m, n, k int, alpha float16.Float16,
	a device.Ptr, lda int, b device.Ptr, ldb int, beta float16.Float16, c device.Ptr, ldc int) error {
	gemmCalls.WithLabelValues("fp16", "gemm").Inc()
	return e.Hgemm(transA, transB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

func (halfKernel) GemmStridedBatched(e Engine, transA, transB Op, m, n, k int, alpha float16.Float16,
	a device.Ptr, lda int, strideA int64, b device.Ptr, ldb int, strideB int64,
	beta float16.Float16, c device.Ptr, ldc int, strideC int64, batchCount int) error {
	gemmCalls.WithLabelValues("fp16", "strided_batched").Inc()
	gemmBatches.WithLabelValues("fp16").Add(float64(batchCount))
	return e.HgemmStridedBatched(transA, transB, m, n, k, alpha, a, lda, strideA, b, ldb, strideB, beta, c, ldc, strideC, batchCount)
}

func (halfKernel) GemmStridedBatchedEx(e Engine, transA, transB Op, m, n, k int, alpha float16.Float16,
	a device.Ptr, lda int, strideA int64, b device.Ptr, ldb int, strideB int64,
	beta float16.Float16, c device.Ptr, ldc int, strideC int64, batchCount int, algo Algo) error {
	gemmCalls.WithLabelValues("fp16", "strided_batched_ex").Inc()
	gemmBatches.WithLabelValues("fp16").Add(float64(batchCount))
	return e.GemmStridedBatchedEx(transA, transB, m, n, k, Float16Scalar(alpha),
		a, dtype.Float16, lda, strideA, b, dtype.Float16, ldb, strideB,
		Float16Scalar(beta), c, dtype.Float16, ldc, strideC, batchCount, dtype.Float16, algo)
}
