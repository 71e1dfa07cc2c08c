package client

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bertcore/internal/capability"
	"github.com/23skdu/longbow-bertcore/internal/weights"
)

var (
	MaskTableSchema = arrow.NewSchema(
		[]arrow.Field{
			{Name: "sm", Type: arrow.PrimitiveTypes.Int32},
			{Name: "precision", Type: arrow.BinaryTypes.String},
			{Name: "seq_len", Type: arrow.PrimitiveTypes.Int32},
			{Name: "packed_size", Type: arrow.PrimitiveTypes.Int64},
		},
		nil,
	)

	WeightManifestSchema = arrow.NewSchema(
		[]arrow.Field{
			{Name: "name", Type: arrow.BinaryTypes.String},
			{Name: "precision", Type: arrow.BinaryTypes.String},
			{Name: "count", Type: arrow.PrimitiveTypes.Int64},
			{Name: "bytes", Type: arrow.PrimitiveTypes.Int64},
		},
		nil,
	)
)

// RecordBatchBuilder turns capability tables and weight listings into
// Arrow record batches.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildMaskTable returns one row per entry. An empty input yields a nil
// batch.
func (b *RecordBatchBuilder) BuildMaskTable(entries []capability.Entry) (arrow.RecordBatch, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	sm := array.NewInt32Builder(b.mem)
	defer sm.Release()
	prec := array.NewStringBuilder(b.mem)
	defer prec.Release()
	seq := array.NewInt32Builder(b.mem)
	defer seq.Release()
	size := array.NewInt64Builder(b.mem)
	defer size.Release()

	for _, e := range entries {
		sm.Append(int32(e.SM))
		prec.Append(e.Precision.String())
		seq.Append(int32(e.SeqLen))
		size.Append(int64(e.PackedSize))
	}
	return newRecordBatch(MaskTableSchema, len(entries), sm, prec, seq, size), nil
}

// BuildWeightManifest lists each named weight with its precision and size.
func (b *RecordBatchBuilder) BuildWeightManifest(ws []weights.Named) (arrow.RecordBatch, error) {
	if len(ws) == 0 {
		return nil, nil
	}

	name := array.NewStringBuilder(b.mem)
	defer name.Release()
	prec := array.NewStringBuilder(b.mem)
	defer prec.Release()
	count := array.NewInt64Builder(b.mem)
	defer count.Release()
	size := array.NewInt64Builder(b.mem)
	defer size.Release()

	for _, w := range ws {
		name.Append(w.Name)
		prec.Append(w.Weight.Type().String())
		count.Append(w.Weight.Count())
		size.Append(w.Weight.Size())
	}
	return newRecordBatch(WeightManifestSchema, len(ws), name, prec, count, size), nil
}

func newRecordBatch(schema *arrow.Schema, rows int, builders ...array.Builder) arrow.RecordBatch {
	cols := make([]arrow.Array, len(builders))
	for i, bld := range builders {
		cols[i] = bld.NewArray()
		defer cols[i].Release()
	}
	return array.NewRecordBatch(schema, cols, int64(rows))
}
