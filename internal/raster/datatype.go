package raster

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// DataType is the numeric type of a band's pixels.
type DataType int

const (
	Unknown DataType = iota
	Byte
	Int8
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
	CInt16
	CInt32
	CFloat32
	CFloat64
)

var typeNames = [...]string{
	Unknown:  "Unknown",
	Byte:     "Byte",
	Int8:     "Int8",
	UInt16:   "UInt16",
	Int16:    "Int16",
	UInt32:   "UInt32",
	Int32:    "Int32",
	Float32:  "Float32",
	Float64:  "Float64",
	CInt16:   "CInt16",
	CInt32:   "CInt32",
	CFloat32: "CFloat32",
	CFloat64: "CFloat64",
}

func (t DataType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return typeNames[Unknown]
	}
	return typeNames[t]
}

// ParseDataType converts a type name such as "Float32" to a DataType.
// Matching is case-insensitive.
func ParseDataType(s string) (DataType, error) {
	for i, name := range typeNames {
		if i != int(Unknown) && strings.EqualFold(name, strings.TrimSpace(s)) {
			return DataType(i), nil
		}
	}
	return Unknown, errors.Errorf("unknown data type %q", s)
}

// Size is the number of bytes one pixel occupies.
func (t DataType) Size() int {
	switch t {
	case Byte, Int8:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32, CInt16:
		return 4
	case Float64, CInt32, CFloat32:
		return 8
	case CFloat64:
		return 16
	}
	return 0
}

// IsComplex reports whether pixels carry a real and an imaginary part.
func (t DataType) IsComplex() bool {
	return t >= CInt16 && t <= CFloat64
}

// IsFloat reports whether the (component) type is floating point.
func (t DataType) IsFloat() bool {
	switch t {
	case Float32, Float64, CFloat32, CFloat64:
		return true
	}
	return false
}

// Component returns the type of one component of a complex type, or t itself.
func (t DataType) Component() DataType {
	switch t {
	case CInt16:
		return Int16
	case CInt32:
		return Int32
	case CFloat32:
		return Float32
	case CFloat64:
		return Float64
	}
	return t
}

// Range returns the smallest and largest representable component values.
func (t DataType) Range() (lo, hi float64) {
	switch t.Component() {
	case Byte:
		return rangeOf[uint8]()
	case Int8:
		return rangeOf[int8]()
	case UInt16:
		return rangeOf[uint16]()
	case Int16:
		return rangeOf[int16]()
	case UInt32:
		return rangeOf[uint32]()
	case Int32:
		return rangeOf[int32]()
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	}
	return -math.MaxFloat64, math.MaxFloat64
}

func rangeOf[T constraints.Integer]() (float64, float64) {
	var zero T
	lo := ^zero
	if lo < 0 {
		// signed: the all-ones pattern is -1
		bits := 8 * sizeOf(zero)
		return -math.Exp2(float64(bits - 1)), math.Exp2(float64(bits-1)) - 1
	}
	return 0, float64(lo)
}

func sizeOf[T constraints.Integer](T) int {
	var v T = 1
	n := 0
	for v != 0 {
		v <<= 1
		n++
	}
	return n / 8
}

// Clamp converts v to the nearest value representable in the component type
// of t. Integer types round half away from zero and saturate; NaN becomes 0.
// Float32 rounds to single precision and saturates finite values.
func (t DataType) Clamp(v float64) float64 {
	switch c := t.Component(); c {
	case Float64, Unknown:
		return v
	case Float32:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return v
		}
		if v > math.MaxFloat32 {
			return math.MaxFloat32
		}
		if v < -math.MaxFloat32 {
			return -math.MaxFloat32
		}
		return float64(float32(v))
	default:
		if math.IsNaN(v) {
			return 0
		}
		lo, hi := c.Range()
		r := math.Round(v)
		if r < lo {
			return lo
		}
		if r > hi {
			return hi
		}
		return r
	}
}

// Number is the set of Go types a buffer can be exported to or imported from.
type Number interface {
	constraints.Integer | constraints.Float
}
