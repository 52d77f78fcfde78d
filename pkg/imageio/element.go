package imageio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// elementType describes how one sample is stored on disk.
type elementType struct {
	name     string
	size     int
	min, max float64
	integer  bool
	decode   func(b []byte, order binary.ByteOrder) float64
	encode   func(b []byte, order binary.ByteOrder, v float64)
}

// DefaultElementType is used for volumes that were not read from disk.
const DefaultElementType = "MET_DOUBLE"

var elementTypes = map[string]elementType{
	"MET_UCHAR": {
		name: "MET_UCHAR", size: 1, integer: true, min: 0, max: math.MaxUint8,
		decode: func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) },
		encode: func(b []byte, _ binary.ByteOrder, v float64) { b[0] = uint8(v) },
	},
	"MET_CHAR": {
		name: "MET_CHAR", size: 1, integer: true, min: math.MinInt8, max: math.MaxInt8,
		decode: func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) },
		encode: func(b []byte, _ binary.ByteOrder, v float64) { b[0] = uint8(int8(v)) },
	},
	"MET_USHORT": {
		name: "MET_USHORT", size: 2, integer: true, min: 0, max: math.MaxUint16,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint16(b, uint16(v)) },
	},
	"MET_SHORT": {
		name: "MET_SHORT", size: 2, integer: true, min: math.MinInt16, max: math.MaxInt16,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint16(b, uint16(int16(v))) },
	},
	"MET_UINT": {
		name: "MET_UINT", size: 4, integer: true, min: 0, max: math.MaxUint32,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, uint32(v)) },
	},
	"MET_INT": {
		name: "MET_INT", size: 4, integer: true, min: math.MinInt32, max: math.MaxInt32,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, uint32(int32(v))) },
	},
	"MET_ULONG_LONG": {
		name: "MET_ULONG_LONG", size: 8, integer: true, min: 0, max: 1 << 53,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint64(b)) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, uint64(v)) },
	},
	"MET_LONG_LONG": {
		name: "MET_LONG_LONG", size: 8, integer: true, min: -(1 << 53), max: 1 << 53,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(int64(o.Uint64(b))) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, uint64(int64(v))) },
	},
	"MET_FLOAT": {
		name: "MET_FLOAT", size: 4,
		decode: func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, math.Float32bits(float32(v))) },
	},
	"MET_DOUBLE": {
		name: "MET_DOUBLE", size: 8,
		decode: func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) },
		encode: func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, math.Float64bits(v)) },
	},
}

func lookupElementType(name string) (elementType, error) {
	if name == "" {
		name = DefaultElementType
	}
	et, ok := elementTypes[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return elementType{}, fmt.Errorf("%w: unsupported element type %q", ErrFormat, name)
	}
	return et, nil
}

// cast converts a sample to the range of the element type. Integer types
// round half away from zero and saturate; NaN becomes 0.
func (et elementType) cast(v float64) float64 {
	if !et.integer {
		return v
	}
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(et.min, math.Min(et.max, math.Round(v)))
}
