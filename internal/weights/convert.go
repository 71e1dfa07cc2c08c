package weights

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// Convert copies src into a new host buffer of the target precision.
//
// Matching precisions are copied byte for byte. Float32 and Float16 convert
// into each other element by element; every other mismatch fails with
// dtype.ErrUnsupportedPrecision. On failure no buffer is returned.
func Convert(src Raw, target dtype.DataType) (*Owned, error) {
	if dtype.ElementSize(target) == 0 {
		return nil, fmt.Errorf("%w: target %s", dtype.ErrUnsupportedPrecision, target)
	}
	if err := src.validate(); err != nil {
		return nil, err
	}

	var values []byte
	switch {
	case src.Type == target:
		log.Debug().Str("type", target.String()).Int64("count", src.Count).Msg("Weights(Host) => Array(Host), same precision")
		values = make([]byte, src.Size())
		copy(values, src.Values)
	case target == dtype.Float32 && src.Type == dtype.Float16:
		log.Debug().Int64("count", src.Count).Msg("Half Weights(Host) => Float Array(Host)")
		values = widen(src.Values, src.Count)
	case target == dtype.Float16 && src.Type == dtype.Float32:
		log.Debug().Int64("count", src.Count).Msg("Float Weights(Host) => Half Array(Host)")
		values = narrow(src.Values, src.Count)
	default:
		return nil, fmt.Errorf("%w: cannot convert %s weights to %s", dtype.ErrUnsupportedPrecision, src.Type, target)
	}

	convertedTotal.WithLabelValues(src.Type.String(), target.String()).Inc()
	convertedBytes.Add(float64(len(values)))

	return &Owned{typ: target, count: src.Count, values: values}, nil
}

// ConvertFromBytes treats the next count elements of t at the cursor as
// canonical serialized bytes, copies them verbatim and advances the cursor.
// The cursor is left untouched on error.
func ConvertFromBytes(c *Cursor, count int64, t dtype.DataType) (*Owned, error) {
	nbBytes, err := dtype.CheckedWeightsSize(count, t)
	if err != nil {
		return nil, err
	}
	src, err := c.Next(nbBytes)
	if err != nil {
		return nil, err
	}
	values := make([]byte, nbBytes)
	copy(values, src)

	convertedTotal.WithLabelValues(t.String(), t.String()).Inc()
	convertedBytes.Add(float64(nbBytes))

	return &Owned{typ: t, count: count, values: values}, nil
}

func widen(src []byte, count int64) []byte {
	out := make([]byte, count*4)
	for i := int64(0); i < count; i++ {
		h := float16.Frombits(binary.LittleEndian.Uint16(src[i*2:]))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(h.Float32()))
	}
	return out
}

func narrow(src []byte, count int64) []byte {
	out := make([]byte, count*2)
	for i := int64(0); i < count; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(f).Bits())
	}
	return out
}
