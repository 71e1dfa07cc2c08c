package dtype

import (
	"errors"
	"fmt"
	"strings"
)

// DataType is the element precision of a weight or tensor buffer.
type DataType int

const (
	Float32 DataType = iota
	Float16
	Int8
	Int32
	Bool
	UInt8
	FP8
)

// ErrUnsupportedPrecision is returned when a precision, or a pairing of
// source and target precisions, is not handled.
var ErrUnsupportedPrecision = errors.New("unsupported precision")

// All lists every known DataType in declaration order.
func All() []DataType {
	return []DataType{Float32, Float16, Int8, Int32, Bool, UInt8, FP8}
}

// ElementSize returns the width in bytes of one element of t.
// It returns 0 only for values outside the enumeration.
func ElementSize(t DataType) uint32 {
	switch t {
	case Int32, Float32:
		return 4
	case Float16:
		return 2
	case Bool, UInt8, Int8, FP8:
		return 1
	}
	return 0
}

// Size is a method form of ElementSize.
func (t DataType) Size() int {
	return int(ElementSize(t))
}

func (t DataType) String() string {
	switch t {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case Bool:
		return "bool"
	case UInt8:
		return "uint8"
	case FP8:
		return "fp8"
	default:
		return fmt.Sprintf("DataType(%d)", int(t))
	}
}

// IsFloat reports whether t is one of the two convertible float widths.
func (t DataType) IsFloat() bool {
	return t == Float32 || t == Float16
}

// Parse maps a user supplied precision name to a DataType.
func Parse(name string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fp32", "float32", "float", "f32":
		return Float32, nil
	case "fp16", "float16", "half", "f16":
		return Float16, nil
	case "int8", "i8":
		return Int8, nil
	case "int32", "i32":
		return Int32, nil
	case "bool":
		return Bool, nil
	case "uint8", "u8":
		return UInt8, nil
	case "fp8":
		return FP8, nil
	default:
		return 0, fmt.Errorf("%w: unknown precision %q", ErrUnsupportedPrecision, name)
	}
}

// FieldType is the element type tag attached to a plugin creation field.
type FieldType int

const (
	FieldFloat16 FieldType = iota
	FieldFloat32
	FieldFloat64
	FieldInt8
	FieldInt16
	FieldInt32
	FieldChar
	FieldDimensions
	FieldUnknown
)

// FromFieldType returns the DataType used to hold values of a plugin field.
// Only float32, float16, int32 and int8 fields have a counterpart.
func FromFieldType(ft FieldType) (DataType, error) {
	switch ft {
	case FieldFloat32:
		return Float32, nil
	case FieldFloat16:
		return Float16, nil
	case FieldInt32:
		return Int32, nil
	case FieldInt8:
		return Int8, nil
	default:
		return 0, fmt.Errorf("%w: no data type for field type %d", ErrUnsupportedPrecision, int(ft))
	}
}
