package device

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
	"github.com/23skdu/longbow-bertcore/internal/weights"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPURuntime_Memory(t *testing.T) {
	rt := NewCPURuntime(WithCapability(8, 6))

	t.Run("CopyRoundTrip", func(t *testing.T) {
		p, err := rt.Malloc(16)
		require.NoError(t, err)
		defer rt.Free(p)

		src := []byte("0123456789abcdef")
		require.NoError(t, rt.CopyHostToDevice(p, src))

		dst := make([]byte, 16)
		require.NoError(t, rt.CopyDeviceToHost(dst, p))
		assert.Equal(t, src, dst)

		// Interior pointers resolve into the same allocation.
		tail := make([]byte, 4)
		require.NoError(t, rt.CopyDeviceToHost(tail, p+12))
		assert.Equal(t, []byte("cdef"), tail)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		p, err := rt.Malloc(8)
		require.NoError(t, err)
		defer rt.Free(p)

		err = rt.CopyHostToDevice(p+4, make([]byte, 8))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAccelerator)

		var ae *AcceleratorError
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, "memcpy htod", ae.Op)
	})

	t.Run("InvalidFree", func(t *testing.T) {
		assert.ErrorIs(t, rt.Free(Ptr(0xdead)), ErrAccelerator)
		assert.NoError(t, rt.Free(0))
	})

	t.Run("MemoryLimit", func(t *testing.T) {
		small := NewCPURuntime(WithMemoryLimit(32))
		p, err := small.Malloc(24)
		require.NoError(t, err)
		_, err = small.Malloc(16)
		assert.ErrorIs(t, err, ErrAccelerator)
		require.NoError(t, small.Free(p))

		used, total := small.MemInfo()
		assert.Equal(t, int64(0), used)
		assert.Equal(t, int64(32), total)
	})

	t.Run("Properties", func(t *testing.T) {
		major, minor, err := rt.Properties()
		require.NoError(t, err)
		assert.Equal(t, 8, major)
		assert.Equal(t, 6, minor)
	})
}

func TestStage_EmptySource(t *testing.T) {
	rt := NewCPURuntime()

	buf, err := Stage[float32](rt, nil)
	require.NoError(t, err)
	assert.True(t, buf.Empty())
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, Ptr(0), buf.Ptr())
	assert.NoError(t, buf.Free())

	released, err := weights.Convert(weights.RawFloat32([]float32{1}), dtype.Float32)
	require.NoError(t, err)
	released.Release()
	buf, err = Stage[float32](rt, released)
	require.NoError(t, err)
	assert.True(t, buf.Empty())

	buf16, err := StageBytes[float16.Float16](rt, nil, 0)
	require.NoError(t, err)
	assert.True(t, buf16.Empty())

	mallocs, _ := rt.Stats()
	assert.Equal(t, int64(0), mallocs, "empty staging must not allocate")
}

func TestStage_CopiesWeights(t *testing.T) {
	rt := NewCPURuntime()
	startAllocs := getMetricValue(allocations)

	w, err := weights.Convert(weights.RawFloat32([]float32{1, 2, 3, 4.5}), dtype.Float16)
	require.NoError(t, err)

	buf, err := Stage[float16.Float16](rt, w)
	require.NoError(t, err)
	assert.False(t, buf.Empty())
	assert.Equal(t, 4, buf.Len())
	assert.Equal(t, int64(8), buf.SizeBytes())
	assert.Equal(t, float64(1), getMetricValue(allocations)-startAllocs)

	host := make([]byte, buf.SizeBytes())
	n, err := CopyToHost(buf, host)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, w.Bytes(), host)

	require.NoError(t, buf.Free())
	require.NoError(t, buf.Free())
	assert.Equal(t, 0, rt.Live())

	_, err = Stage[float32](rt, w)
	assert.ErrorIs(t, err, ErrInvalidArgument, "fp16 weights cannot be staged as 4-byte elements")
}

func TestStageBytes_Validation(t *testing.T) {
	rt := NewCPURuntime()

	_, err := StageBytes[float32](rt, make([]byte, 6), 6)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = StageBytes[float32](rt, make([]byte, 4), 8)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	full := NewCPURuntime(WithMemoryLimit(4))
	_, err = StageBytes[float32](full, make([]byte, 8), 8)
	assert.ErrorIs(t, err, ErrAccelerator)
	assert.Equal(t, 0, full.Live())
}

func TestStageFromCursor(t *testing.T) {
	rt := NewCPURuntime()
	stream := weights.RawFloat32([]float32{1, 2, 3}).Values
	c := weights.NewCursor(stream)

	a, err := StageFromCursor[float32](rt, c, 2)
	require.NoError(t, err)
	defer a.Free()
	assert.Equal(t, int64(8), c.Offset())

	b, err := StageFromCursor[float32](rt, c, 1)
	require.NoError(t, err)
	defer b.Free()
	assert.Equal(t, int64(0), c.Remaining())

	var out bytes.Buffer
	require.NoError(t, Serialize(&out, a))
	require.NoError(t, Serialize(&out, b))
	assert.Equal(t, stream, out.Bytes())

	_, err = StageFromCursor[float32](rt, c, 1)
	assert.ErrorIs(t, err, weights.ErrShortBuffer)
}

func TestDuplicate(t *testing.T) {
	rt := NewCPURuntime()
	w, err := weights.Convert(weights.RawBytes(dtype.Int32, 2, []byte{1, 0, 0, 0, 2, 0, 0, 0}), dtype.Int32)
	require.NoError(t, err)

	src, err := Stage[int32](rt, w)
	require.NoError(t, err)

	dup, err := Duplicate(src)
	require.NoError(t, err)
	assert.NotEqual(t, src.Ptr(), dup.Ptr())
	assert.Equal(t, src.Len(), dup.Len())

	require.NoError(t, src.Free())

	host := make([]byte, 8)
	_, err = CopyToHost(dup, host)
	require.NoError(t, err)
	assert.Equal(t, w.Bytes(), host)
	require.NoError(t, dup.Free())

	empty, err := Duplicate(&DeviceBuffer[int32]{})
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

func TestSharedBuffer_Lifetime(t *testing.T) {
	rt := NewCPURuntime()
	buf, err := StageBytes[int8](rt, []byte{1, 2, 3}, 3)
	require.NoError(t, err)

	shared := Share(buf)
	second, err := shared.Retain()
	require.NoError(t, err)
	assert.Equal(t, int64(2), shared.Refs())

	require.NoError(t, shared.Release())
	assert.Equal(t, 1, rt.Live(), "memory lives while a holder remains")
	assert.Equal(t, 3, second.Len())

	require.NoError(t, second.Release())
	assert.Equal(t, 0, rt.Live())
	assert.True(t, second.Empty())

	assert.ErrorIs(t, second.Release(), ErrInvalidArgument)
	assert.Equal(t, int64(0), second.Refs())

	revived, err := second.Retain()
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Nil(t, revived)
	assert.Equal(t, int64(0), second.Refs())
	assert.Equal(t, 0, rt.Live())
}

func TestSharedBuffer_ConcurrentHolders(t *testing.T) {
	rt := NewCPURuntime()
	buf, err := StageBytes[byte](rt, make([]byte, 64), 64)
	require.NoError(t, err)
	shared := Share(buf)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := shared.Retain()
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, h.Release())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), shared.Refs())
	assert.Equal(t, 1, rt.Live())
	require.NoError(t, shared.Release())
	assert.Equal(t, 0, rt.Live())
}

func TestConvertAndCopy(t *testing.T) {
	rt := NewCPURuntime()
	dst, err := rt.Malloc(4)
	require.NoError(t, err)
	defer rt.Free(dst)

	require.NoError(t, ConvertAndCopy(rt, weights.RawFloat32([]float32{1, -2}), dst, dtype.Float16))

	host := make([]byte, 4)
	require.NoError(t, rt.CopyDeviceToHost(host, dst))
	assert.Equal(t, []byte{0x00, 0x3c, 0x00, 0xc0}, host)

	err = ConvertAndCopy(rt, weights.RawBytes(dtype.Int8, 1, []byte{1}), dst, dtype.Float16)
	assert.ErrorIs(t, err, dtype.ErrUnsupportedPrecision)
}

func TestCUDARuntimeUnavailable(t *testing.T) {
	if DeviceCount() > 0 {
		t.Skip("CUDA device present")
	}
	_, err := NewCUDARuntime(0)
	assert.Error(t, err)
}
