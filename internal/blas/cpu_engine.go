package blas

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	gblas "gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// ensure interface compliance
var _ Engine = (*CPUEngine)(nil)

// CPUEngine runs GEMMs on memory owned by a CPURuntime using gonum's blas32.
// Half precision operands are widened to float32, multiplied, and the
// result is rounded back to half.
type CPUEngine struct {
	rt      *device.CPURuntime
	workers int

	mu          sync.Mutex
	pointerMode PointerMode
	mathMode    MathMode
}

type CPUEngineOption func(*CPUEngine)

// WithWorkers bounds how many batch entries are multiplied concurrently.
func WithWorkers(n int) CPUEngineOption {
	return func(e *CPUEngine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func NewCPUEngine(rt *device.CPURuntime, opts ...CPUEngineOption) *CPUEngine {
	e := &CPUEngine{
		rt:      rt,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *CPUEngine) Name() string {
	return "cpu"
}

func (e *CPUEngine) PointerMode() (PointerMode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pointerMode, nil
}

func (e *CPUEngine) SetPointerMode(m PointerMode) error {
	if m != PointerModeHost && m != PointerModeDevice {
		return fmt.Errorf("%w: pointer mode %d", device.ErrInvalidArgument, m)
	}
	e.mu.Lock()
	e.pointerMode = m
	e.mu.Unlock()
	return nil
}

func (e *CPUEngine) MathMode() (MathMode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mathMode, nil
}

func (e *CPUEngine) SetMathMode(m MathMode) error {
	if m < DefaultMath || m > TF32TensorOpMath {
		return fmt.Errorf("%w: math mode %d", device.ErrInvalidArgument, m)
	}
	e.mu.Lock()
	e.mathMode = m
	e.mu.Unlock()
	return nil
}

func (e *CPUEngine) Sgemm(transA, transB Op, m, n, k int, alpha float32, a device.Ptr, lda int, b device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) error {
	return e.run(&gemmCall{
		op: "sgemm", dt: dtype.Float32,
		transA: transA, transB: transB, m: m, n: n, k: k,
		alpha: alpha, beta: beta,
		a: a, lda: lda, b: b, ldb: ldb, c: c, ldc: ldc,
		batch: 1,
	})
}

func (e *CPUEngine) Hgemm(transA, transB Op, m, n, k int, alpha float16.Float16, a device.Ptr, lda int, b device.Ptr, ldb int, beta float16.Float16, c device.Ptr, ldc int) error {
	return e.run(&gemmCall{
		op: "hgemm", dt: dtype.Float16,
		transA: transA, transB: transB, m: m, n: n, k: k,
		alpha: alpha.Float32(), beta: beta.Float32(),
		a: a, lda: lda, b: b, ldb: ldb, c: c, ldc: ldc,
		batch: 1,
	})
}

func (e *CPUEngine) SgemmStridedBatched(transA, transB Op, m, n, k int, alpha float32,
	a device.Ptr, lda int, strideA int64,
	b device.Ptr, ldb int, strideB int64,
	beta float32, c device.Ptr, ldc int, strideC int64, batchCount int) error {
	return e.run(&gemmCall{
		op: "sgemm strided batched", dt: dtype.Float32,
		transA: transA, transB: transB, m: m, n: n, k: k,
		alpha: alpha, beta: beta,
		a: a, lda: lda, strideA: strideA,
		b: b, ldb: ldb, strideB: strideB,
		c: c, ldc: ldc, strideC: strideC,
		batch: batchCount,
	})
}

func (e *CPUEngine) HgemmStridedBatched(transA, transB Op, m, n, k int, alpha float16.Float16,
	a device.Ptr, lda int, strideA int64,
	b device.Ptr, ldb int, strideB int64,
	beta float16.Float16, c device.Ptr, ldc int, strideC int64, batchCount int) error {
	return e.run(&gemmCall{
		op: "hgemm strided batched", dt: dtype.Float16,
		transA: transA, transB: transB, m: m, n: n, k: k,
		alpha: alpha.Float32(), beta: beta.Float32(),
		a: a, lda: lda, strideA: strideA,
		b: b, ldb: ldb, strideB: strideB,
		c: c, ldc: ldc, strideC: strideC,
		batch: batchCount,
	})
}

// GemmStridedBatchedEx requires A, B and C to share one storage type. The
// compute type may be that type or Float32, and alpha and beta must be
// given in the compute type.
func (e *CPUEngine) GemmStridedBatchedEx(transA, transB Op, m, n, k int, alpha Scalar,
	a device.Ptr, aType dtype.DataType, lda int, strideA int64,
	b device.Ptr, bType dtype.DataType, ldb int, strideB int64,
	beta Scalar, c device.Ptr, cType dtype.DataType, ldc int, strideC int64,
	batchCount int, computeType dtype.DataType, algo Algo) error {
	if aType != bType || aType != cType {
		return fmt.Errorf("%w: mixed operand types %s/%s/%s", device.ErrInvalidArgument, aType, bType, cType)
	}
	if computeType != aType && computeType != dtype.Float32 {
		return fmt.Errorf("%w: compute type %s for %s operands", device.ErrInvalidArgument, computeType, aType)
	}
	if alpha.Type != computeType || beta.Type != computeType {
		return fmt.Errorf("%w: scalars must be %s", device.ErrInvalidArgument, computeType)
	}
	if algo < AlgoDefault {
		return fmt.Errorf("%w: algo %d", device.ErrInvalidArgument, algo)
	}
	return e.run(&gemmCall{
		op: "gemm strided batched ex", dt: aType,
		transA: transA, transB: transB, m: m, n: n, k: k,
		alpha: alpha.Float32(), beta: beta.Float32(),
		a: a, lda: lda, strideA: strideA,
		b: b, ldb: ldb, strideB: strideB,
		c: c, ldc: ldc, strideC: strideC,
		batch: batchCount,
	})
}

type gemmCall struct {
	op             string
	dt             dtype.DataType
	transA, transB Op
	m, n, k        int
	alpha, beta    float32

	a, b, c                   device.Ptr
	lda, ldb, ldc             int
	strideA, strideB, strideC int64
	batch                     int
}

// extent is the number of elements a column-major rows×cols matrix with
// leading dimension ld spans.
func extent(rows, cols, ld int) int64 {
	if rows == 0 || cols == 0 {
		return 0
	}
	return int64(ld)*int64(cols-1) + int64(rows)
}

func (g *gemmCall) shapeA() (rows, cols int) {
	if g.transA == OpT {
		return g.k, g.m
	}
	return g.m, g.k
}

func (g *gemmCall) shapeB() (rows, cols int) {
	if g.transB == OpT {
		return g.n, g.k
	}
	return g.k, g.n
}

func (g *gemmCall) validate() error {
	if g.dt != dtype.Float32 && g.dt != dtype.Float16 {
		return fmt.Errorf("%s: %w: %s", g.op, dtype.ErrUnsupportedPrecision, g.dt)
	}
	if (g.transA != OpN && g.transA != OpT) || (g.transB != OpN && g.transB != OpT) {
		return fmt.Errorf("%s: %w: transpose %d/%d", g.op, device.ErrInvalidArgument, g.transA, g.transB)
	}
	if g.m < 0 || g.n < 0 || g.k < 0 || g.batch < 0 {
		return fmt.Errorf("%s: %w: m=%d n=%d k=%d batch=%d", g.op, device.ErrInvalidArgument, g.m, g.n, g.k, g.batch)
	}
	ar, _ := g.shapeA()
	br, _ := g.shapeB()
	if g.lda < max(1, ar) || g.ldb < max(1, br) || g.ldc < max(1, g.m) {
		return fmt.Errorf("%s: %w: lda=%d ldb=%d ldc=%d", g.op, device.ErrInvalidArgument, g.lda, g.ldb, g.ldc)
	}
	if g.strideA < 0 || g.strideB < 0 || g.strideC < 0 {
		return fmt.Errorf("%s: %w: negative stride", g.op, device.ErrInvalidArgument)
	}
	return nil
}

func (e *CPUEngine) run(g *gemmCall) error {
	if err := g.validate(); err != nil {
		return err
	}
	if pm, _ := e.PointerMode(); pm != PointerModeHost {
		return fmt.Errorf("%s: %w: scalars are host values but engine is in device pointer mode", g.op, device.ErrInvalidArgument)
	}
	if g.m == 0 || g.n == 0 || g.batch == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		gemmDuration.WithLabelValues(g.dt.String()).Observe(time.Since(start).Seconds())
	}()

	// Overlapping outputs are read and written in order.
	cExt := extent(g.m, g.n, g.ldc)
	if g.batch == 1 || e.workers == 1 || g.strideC < cExt {
		for i := 0; i < g.batch; i++ {
			if err := e.gemmOne(g, i); err != nil {
				return err
			}
		}
		return nil
	}

	log.Trace().Str("op", g.op).Int("batch", g.batch).Int("workers", e.workers).Msg("fanning out gemm batch")
	var eg errgroup.Group
	eg.SetLimit(e.workers)
	for i := 0; i < g.batch; i++ {
		eg.Go(func() error {
			return e.gemmOne(g, i)
		})
	}
	return eg.Wait()
}

func (e *CPUEngine) resolve(p device.Ptr, offElems, elems int64, es int64) ([]byte, error) {
	if elems == 0 {
		return nil, nil
	}
	return e.rt.Resolve(p+device.Ptr(offElems*es), elems*es)
}

func (e *CPUEngine) gemmOne(g *gemmCall, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = executionError(g.op, r)
		}
	}()

	es := int64(g.dt.Size())
	ar, ac := g.shapeA()
	br, bc := g.shapeB()
	idx := int64(i)

	aBytes, err := e.resolve(g.a, idx*g.strideA, extent(ar, ac, g.lda), es)
	if err != nil {
		return fmt.Errorf("%s batch %d operand A: %w", g.op, i, err)
	}
	bBytes, err := e.resolve(g.b, idx*g.strideB, extent(br, bc, g.ldb), es)
	if err != nil {
		return fmt.Errorf("%s batch %d operand B: %w", g.op, i, err)
	}
	cBytes, err := e.resolve(g.c, idx*g.strideC, extent(g.m, g.n, g.ldc), es)
	if err != nil {
		return fmt.Errorf("%s batch %d operand C: %w", g.op, i, err)
	}

	cv := decode(g.dt, cBytes)
	if g.k == 0 {
		scale(cv, g.m, g.n, g.ldc, g.beta)
	} else {
		av := decode(g.dt, aBytes)
		bv := decode(g.dt, bBytes)
		// Column-major C = op(A)op(B) is row-major Cᵀ = op(B)ᵀop(A)ᵀ, so the
		// row-major routine gets the operands swapped.
		blas32.Implementation().Sgemm(transpose(g.transB), transpose(g.transA),
			g.n, g.m, g.k, g.alpha, bv, g.ldb, av, g.lda, g.beta, cv, g.ldc)
	}
	encode(g.dt, cBytes, cv)
	return nil
}

func scale(c []float32, m, n, ldc int, beta float32) {
	for j := 0; j < n; j++ {
		col := c[j*ldc : j*ldc+m]
		for i := range col {
			if beta == 0 {
				col[i] = 0
			} else {
				col[i] *= beta
			}
		}
	}
}

func transpose(op Op) gblas.Transpose {
	if op == OpT {
		return gblas.Trans
	}
	return gblas.NoTrans
}

func decode(dt dtype.DataType, b []byte) []float32 {
	es := dt.Size()
	out := make([]float32, len(b)/es)
	for i := range out {
		if dt == dtype.Float16 {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		} else {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	}
	return out
}

func encode(dt dtype.DataType, dst []byte, src []float32) {
	for i, v := range src {
		if dt == dtype.Float16 {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		} else {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	}
}
