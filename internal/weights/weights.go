// Package weights converts externally supplied weights into host buffers of
// the precision the compute kernels need.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// ErrShortBuffer is returned when a source holds fewer bytes than its
// declared element count requires.
var ErrShortBuffer = errors.New("short weight buffer")

// Raw is a caller owned view of weight data. Values holds Count elements of
// Type in little-endian order and is never retained past a call.
type Raw struct {
	Type   dtype.DataType
	Count  int64
	Values []byte
}

// RawFloat32 encodes v as a Float32 Raw view.
func RawFloat32(v []float32) Raw {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return Raw{Type: dtype.Float32, Count: int64(len(v)), Values: buf}
}

// RawFloat16 encodes v as a Float16 Raw view.
func RawFloat16(v []float16.Float16) Raw {
	buf := make([]byte, len(v)*2)
	for i, h := range v {
		binary.LittleEndian.PutUint16(buf[i*2:], h.Bits())
	}
	return Raw{Type: dtype.Float16, Count: int64(len(v)), Values: buf}
}

// RawBytes wraps already encoded bytes.
func RawBytes(t dtype.DataType, count int64, b []byte) Raw {
	return Raw{Type: t, Count: count, Values: b}
}

// Size is the number of bytes the view claims to hold.
func (r Raw) Size() int64 {
	return dtype.WeightsSize(r.Count, r.Type)
}

func (r Raw) validate() error {
	need, err := dtype.CheckedWeightsSize(r.Count, r.Type)
	if err != nil {
		return err
	}
	if int64(len(r.Values)) < need {
		return fmt.Errorf("%w: %d %s elements need %d bytes, have %d",
			ErrShortBuffer, r.Count, r.Type, need, len(r.Values))
	}
	return nil
}

// noCopy makes go vet's copylocks check flag copies of an Owned value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Owned is a host weight buffer exclusively owned by its holder. It is always
// handled through a pointer; duplicating it requires an explicit Clone.
type Owned struct {
	noCopy noCopy

	typ    dtype.DataType
	count  int64
	values []byte
}

func (w *Owned) Type() dtype.DataType {
	return w.typ
}

func (w *Owned) Count() int64 {
	if w == nil {
		return 0
	}
	return w.count
}

// Size returns the byte size of the buffer, derived from the owned precision.
func (w *Owned) Size() int64 {
	if w == nil {
		return 0
	}
	return dtype.WeightsSize(w.count, w.typ)
}

// Bytes returns the owned buffer. Callers must not modify it.
func (w *Owned) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.values
}

// Empty reports whether the weight holds no data, which staging treats as
// an absent optional input.
func (w *Owned) Empty() bool {
	return w == nil || len(w.values) == 0
}

// Release drops the buffer. The Owned value reads as empty afterwards.
func (w *Owned) Release() {
	if w == nil {
		return
	}
	w.values = nil
	w.count = 0
}

// Clone re-materialises the weight into a new, independently owned buffer.
func (w *Owned) Clone() *Owned {
	if w == nil {
		return nil
	}
	buf := make([]byte, len(w.values))
	copy(buf, w.values)
	return &Owned{typ: w.typ, count: w.count, values: buf}
}

// Raw returns a borrowed Raw view over the owned buffer.
func (w *Owned) Raw() Raw {
	return Raw{Type: w.typ, Count: w.count, Values: w.values}
}

// Float32s decodes a Float32 weight.
func (w *Owned) Float32s() ([]float32, error) {
	if w.typ != dtype.Float32 {
		return nil, fmt.Errorf("%w: weight is %s, not fp32", dtype.ErrUnsupportedPrecision, w.typ)
	}
	out := make([]float32, w.count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(w.values[i*4:]))
	}
	return out, nil
}

// Float16s decodes a Float16 weight.
func (w *Owned) Float16s() ([]float16.Float16, error) {
	if w.typ != dtype.Float16 {
		return nil, fmt.Errorf("%w: weight is %s, not fp16", dtype.ErrUnsupportedPrecision, w.typ)
	}
	out := make([]float16.Float16, w.count)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(w.values[i*2:]))
	}
	return out, nil
}
