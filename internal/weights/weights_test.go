package weights

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

func TestConvert_SamePrecisionIsByteIdentical(t *testing.T) {
	for _, dt := range dtype.All() {
		t.Run(dt.String(), func(t *testing.T) {
			count := int64(7)
			src := make([]byte, dtype.WeightsSize(count, dt))
			for i := range src {
				src[i] = byte(i*31 + 7)
			}

			w, err := Convert(RawBytes(dt, count, src), dt)
			require.NoError(t, err)
			assert.Equal(t, dt, w.Type())
			assert.Equal(t, count, w.Count())
			assert.Equal(t, int64(len(src)), w.Size())
			assert.Equal(t, src, w.Bytes())

			// The owned buffer must not alias the caller's memory.
			src[0] ^= 0xff
			assert.NotEqual(t, src[0], w.Bytes()[0])
		})
	}
}

func TestConvert_FloatRoundTrip(t *testing.T) {
	denorm := float32(math.Ldexp(1, -24))
	in := []float32{0, 1, -1.5, 65504, -65504, 65000.7, denorm, 3.14159, 1e-3}

	half, err := Convert(RawFloat32(in), dtype.Float16)
	require.NoError(t, err)
	assert.Equal(t, dtype.Float16, half.Type())
	assert.Equal(t, int64(len(in)*2), half.Size())

	back, err := Convert(half.Raw(), dtype.Float32)
	require.NoError(t, err)
	assert.Equal(t, int64(len(in)*4), back.Size())

	got, err := back.Float32s()
	require.NoError(t, err)
	require.Len(t, got, len(in))

	for i, v := range in {
		nearest := float16.Fromfloat32(v).Float32()
		assert.Equal(t, nearest, got[i], "index %d (%v)", i, v)
	}
	assert.Equal(t, float32(0), got[0])
	assert.Equal(t, float32(65504), got[3])
	assert.Equal(t, denorm, got[6])

	// Converting the already rounded values again changes nothing.
	again, err := Convert(RawFloat32(got), dtype.Float16)
	require.NoError(t, err)
	assert.Equal(t, half.Bytes(), again.Bytes())
}

func TestConvert_Float16ToFloat32IsExact(t *testing.T) {
	in := []float16.Float16{float16.Fromfloat32(0.25), float16.Fromfloat32(-7), float16.Frombits(0x0001)}
	w, err := Convert(RawFloat16(in), dtype.Float32)
	require.NoError(t, err)

	got, err := w.Float32s()
	require.NoError(t, err)
	for i, h := range in {
		assert.Equal(t, h.Float32(), got[i])
	}

	_, err = w.Float16s()
	assert.ErrorIs(t, err, dtype.ErrUnsupportedPrecision)
}

func TestConvert_Unsupported(t *testing.T) {
	cases := []struct {
		name   string
		src    Raw
		target dtype.DataType
	}{
		{"int8 to fp32", RawBytes(dtype.Int8, 4, make([]byte, 4)), dtype.Float32},
		{"fp32 to int8", RawFloat32([]float32{1, 2}), dtype.Int8},
		{"fp16 to int32", RawFloat16([]float16.Float16{1}), dtype.Int32},
		{"unknown target", RawFloat32([]float32{1}), dtype.DataType(42)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := Convert(tc.src, tc.target)
			require.Error(t, err)
			assert.ErrorIs(t, err, dtype.ErrUnsupportedPrecision)
			assert.Nil(t, w)
		})
	}
}

func TestConvert_ShortSource(t *testing.T) {
	w, err := Convert(RawBytes(dtype.Float32, 4, make([]byte, 15)), dtype.Float16)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Nil(t, w)
}

func TestConvert_CountOverflow(t *testing.T) {
	for _, target := range []dtype.DataType{dtype.Float16, dtype.Float32} {
		w, err := Convert(RawBytes(dtype.Float32, 1<<62, nil), target)
		assert.ErrorIs(t, err, dtype.ErrSizeOverflow)
		assert.Nil(t, w)
	}

	// Wraps to a small byte count when multiplied without a guard.
	w, err := Convert(RawBytes(dtype.Float16, 1<<63-1, make([]byte, 8)), dtype.Float32)
	assert.ErrorIs(t, err, dtype.ErrSizeOverflow)
	assert.Nil(t, w)
}

func TestConvertFromBytes_CountOverflow(t *testing.T) {
	c := NewCursor([]byte{1, 2, 3, 4})

	w, err := ConvertFromBytes(c, 1<<62+1, dtype.Float32)
	assert.ErrorIs(t, err, dtype.ErrSizeOverflow)
	assert.Nil(t, w)
	assert.Equal(t, int64(0), c.Offset())

	w, err = ConvertFromBytes(c, -1, dtype.Float32)
	assert.Error(t, err)
	assert.Nil(t, w)

	w, err = ConvertFromBytes(c, 1, dtype.Float32)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count())
	assert.Equal(t, w.Size(), int64(len(w.Bytes())))
}

func TestDecodeBundle_RejectsOversizedCount(t *testing.T) {
	w, err := Convert(RawFloat32([]float32{1}), dtype.Float32)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeBundle(&buf, []Named{{Name: "w", Weight: w}}))
	data := buf.Bytes()

	hdrLen := binary.LittleEndian.Uint32(data)
	var hdr bundleHeader
	require.NoError(t, cbor.Unmarshal(data[4:4+hdrLen], &hdr))
	hdr.Entries[0].Count = 1<<62 + 1
	forged, err := cbor.Marshal(hdr)
	require.NoError(t, err)

	out := binary.LittleEndian.AppendUint32(nil, uint32(len(forged)))
	out = append(out, forged...)
	out = append(out, data[4+hdrLen:]...)

	_, err = DecodeBundle(out)
	assert.ErrorIs(t, err, dtype.ErrSizeOverflow)
}

func TestConvertFromBytes(t *testing.T) {
	stream := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	c := NewCursor(stream)

	w, err := ConvertFromBytes(c, 2, dtype.Float16)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, w.Bytes())
	assert.Equal(t, int64(4), c.Offset())

	w, err = ConvertFromBytes(c, 1, dtype.Int32)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, w.Bytes())
	assert.Equal(t, int64(8), c.Offset())
	assert.Equal(t, int64(3), c.Remaining())

	w, err = ConvertFromBytes(c, 1, dtype.Float32)
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Nil(t, w)
	assert.Equal(t, int64(8), c.Offset(), "cursor must not move on failure")

	w, err = ConvertFromBytes(c, 3, dtype.UInt8)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 10, 11}, w.Bytes())
	assert.Equal(t, int64(0), c.Remaining())
}

func TestOwned_Lifecycle(t *testing.T) {
	w, err := Convert(RawFloat32([]float32{1, 2, 3}), dtype.Float32)
	require.NoError(t, err)

	clone := w.Clone()
	assert.Equal(t, w.Bytes(), clone.Bytes())

	w.Release()
	assert.True(t, w.Empty())
	assert.Equal(t, int64(0), w.Size())
	assert.False(t, clone.Empty())

	var nilOwned *Owned
	assert.True(t, nilOwned.Empty())
	assert.Equal(t, int64(0), nilOwned.Size())
}

func TestBundle_RoundTrip(t *testing.T) {
	q, err := Convert(RawFloat32([]float32{1, 2, 3, 4}), dtype.Float16)
	require.NoError(t, err)
	mask, err := Convert(RawBytes(dtype.Int32, 2, []byte{1, 0, 0, 0, 2, 0, 0, 0}), dtype.Int32)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeBundle(&buf, []Named{{"q", q}, {"mask", mask}}))

	got, err := DecodeBundle(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "q", got[0].Name)
	assert.Equal(t, dtype.Float16, got[0].Weight.Type())
	assert.Equal(t, q.Bytes(), got[0].Weight.Bytes())

	assert.Equal(t, "mask", got[1].Name)
	assert.Equal(t, int64(2), got[1].Weight.Count())
	assert.Equal(t, mask.Bytes(), got[1].Weight.Bytes())

	_, err = DecodeBundle(buf.Bytes()[:buf.Len()-1])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestLoadRaw(t *testing.T) {
	raw, err := LoadRaw(bytes.NewReader(RawFloat32([]float32{1, 2}).Values), dtype.Float32)
	require.NoError(t, err)
	assert.Equal(t, int64(2), raw.Count)

	_, err = LoadRaw(bytes.NewReader([]byte{1, 2, 3}), dtype.Float16)
	assert.Error(t, err)

	_, err = LoadRawFile("non_existent_file", dtype.Float32)
	assert.Error(t, err)
}
