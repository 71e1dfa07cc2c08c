package dtype

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// ErrSizeOverflow is returned when an element count cannot be expressed as
// an int64 byte size.
var ErrSizeOverflow = errors.New("weight size overflows int64")

// Float32ToFloat16 converts a float32 to its IEEE 754 binary16 bit pattern,
// rounding to nearest even. Values beyond the half range become ±Inf and
// subnormal halves are kept rather than flushed to zero.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 widens a binary16 bit pattern to float32. The conversion is exact.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// WeightsSize returns the number of bytes count elements of t occupy. The
// caller must have bounded count; see CheckedWeightsSize.
func WeightsSize(count int64, t DataType) int64 {
	return count * int64(ElementSize(t))
}

// CheckedWeightsSize is WeightsSize for untrusted counts. Negative counts and
// products past math.MaxInt64 are rejected.
func CheckedWeightsSize(count int64, t DataType) (int64, error) {
	size := int64(ElementSize(t))
	if size == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedPrecision, t)
	}
	if count < 0 {
		return 0, fmt.Errorf("negative weight count %d", count)
	}
	if count > math.MaxInt64/size {
		return 0, fmt.Errorf("%w: %d %s elements", ErrSizeOverflow, count, t)
	}
	return count * size, nil
}

// Integer is the set of integer types accepted by CeilDiv and AlignTo.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

func CeilDiv[T Integer](a, b T) T {
	return (a + b - 1) / b
}

// AlignTo rounds a up to the next multiple of b.
func AlignTo[T Integer](a, b T) T {
	return CeilDiv(a, b) * b
}

// Volume returns the element count of a shape. An empty shape has volume 1.
func Volume(dims ...int64) int64 {
	v := int64(1)
	for _, d := range dims {
		v *= d
	}
	return v
}
