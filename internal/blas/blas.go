// Package blas dispatches batched matrix multiplies to the entry point that
// matches each supported precision, and scopes changes to an engine's
// compute mode.
package blas

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// Op selects whether an operand is used as stored or transposed.
type Op int

const (
	OpN Op = 0
	OpT Op = 1
)

func (o Op) String() string {
	if o == OpT {
		return "T"
	}
	return "N"
}

// PointerMode says where scalar arguments such as alpha and beta live.
type PointerMode int

const (
	PointerModeHost   PointerMode = 0
	PointerModeDevice PointerMode = 1
)

// MathMode trades numeric precision for throughput.
type MathMode int

const (
	DefaultMath      MathMode = 0
	TensorOpMath     MathMode = 1
	PedanticMath     MathMode = 2
	TF32TensorOpMath MathMode = 3
)

// Algo picks a GEMM algorithm for the Ex entry points.
type Algo int

const (
	AlgoDefault         Algo = -1
	AlgoDefaultTensorOp Algo = 99
)

// Element is the set of element types with a multiply kernel.
type Element interface {
	float32 | float16.Float16
}

// Scalar is an alpha or beta value tagged with its precision, passed to the
// Ex entry points whose scalar type follows the compute type.
type Scalar struct {
	Type dtype.DataType
	bits uint32
}

func Float32Scalar(f float32) Scalar {
	return Scalar{Type: dtype.Float32, bits: math.Float32bits(f)}
}

func Float16Scalar(h float16.Float16) Scalar {
	return Scalar{Type: dtype.Float16, bits: uint32(h.Bits())}
}

// Float32 returns the value widened to float32.
func (s Scalar) Float32() float32 {
	if s.Type == dtype.Float16 {
		return float16.Frombits(uint16(s.bits)).Float32()
	}
	return math.Float32frombits(s.bits)
}

// Bits returns the raw bit pattern in the scalar's own precision.
func (s Scalar) Bits() uint32 {
	return s.bits
}

// Engine is a BLAS handle. Matrices are column-major with cuBLAS semantics:
// C = alpha*op(A)*op(B) + beta*C, op(A) is m×k, op(B) is k×n, C is m×n.
// Strides are in elements.
//
// An Engine's modes are shared state. Changing them while another call
// chain uses the same engine is not safe without external locking.
type Engine interface {
	Name() string

	PointerMode() (PointerMode, error)
	SetPointerMode(PointerMode) error
	MathMode() (MathMode, error)
	SetMathMode(MathMode) error

	Sgemm(transA, transB Op, m, n, k int, alpha float32, a device.Ptr, lda int, b device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) error
	Hgemm(transA, transB Op, m, n, k int, alpha float16.Float16, a device.Ptr, lda int, b device.Ptr, ldb int, beta float16.Float16, c device.Ptr, ldc int) error

	SgemmStridedBatched(transA, transB Op, m, n, k int, alpha float32,
		a device.Ptr, lda int, strideA int64,
		b device.Ptr, ldb int, strideB int64,
		beta float32, c device.Ptr, ldc int, strideC int64, batchCount int) error
	HgemmStridedBatched(transA, transB Op, m, n, k int, alpha float16.Float16,
		a device.Ptr, lda int, strideA int64,
		b device.Ptr, ldb int, strideB int64,
		beta float16.Float16, c device.Ptr, ldc int, strideC int64, batchCount int) error

	GemmStridedBatchedEx(transA, transB Op, m, n, k int, alpha Scalar,
		a device.Ptr, aType dtype.DataType, lda int, strideA int64,
		b device.Ptr, bType dtype.DataType, ldb int, strideB int64,
		beta Scalar, c device.Ptr, cType dtype.DataType, ldc int, strideC int64,
		batchCount int, computeType dtype.DataType, algo Algo) error
}

// StatusError is a non-success status returned by a BLAS library.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cublas %s failed with status %d", e.Op, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == device.ErrAccelerator
}

func executionError(op string, rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("%s execution failed: %w", op, recErr)
	}
	return fmt.Errorf("%s execution failed: %v", op, rec)
}
