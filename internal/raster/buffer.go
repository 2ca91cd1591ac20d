package raster

import (
	"math"
)

// Buffer holds a rectangle of pixels of one band. Samples are kept as
// float64 but always hold values representable in Type. Imag is only
// allocated for complex types.
type Buffer struct {
	Type   DataType
	Width  int
	Height int
	Real   []float64
	Imag   []float64
}

// NewBuffer allocates a zero-filled buffer.
func NewBuffer(t DataType, w, h int) *Buffer {
	b := &Buffer{Type: t, Width: w, Height: h, Real: make([]float64, w*h)}
	if t.IsComplex() {
		b.Imag = make([]float64, w*h)
	}
	return b
}

// At returns the real part of the pixel at (x, y).
func (b *Buffer) At(x, y int) float64 {
	return b.Real[y*b.Width+x]
}

// ComplexAt returns the pixel at (x, y) as a complex number.
func (b *Buffer) ComplexAt(x, y int) complex128 {
	i := y*b.Width + x
	if b.Imag == nil {
		return complex(b.Real[i], 0)
	}
	return complex(b.Real[i], b.Imag[i])
}

// Set stores v at (x, y), converted to the buffer type.
func (b *Buffer) Set(x, y int, v float64) {
	b.Real[y*b.Width+x] = b.Type.Clamp(v)
}

// SetComplex stores c at (x, y). The imaginary part is dropped for
// non-complex buffers.
func (b *Buffer) SetComplex(x, y int, c complex128) {
	i := y*b.Width + x
	b.Real[i] = b.Type.Clamp(real(c))
	if b.Imag != nil {
		b.Imag[i] = b.Type.Clamp(imag(c))
	}
}

// Fill sets every pixel to v.
func (b *Buffer) Fill(v float64) {
	v = b.Type.Clamp(v)
	for i := range b.Real {
		b.Real[i] = v
	}
	clear(b.Imag)
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{Type: b.Type, Width: b.Width, Height: b.Height}
	c.Real = append([]float64(nil), b.Real...)
	if b.Imag != nil {
		c.Imag = append([]float64(nil), b.Imag...)
	}
	return c
}

// Convert returns a copy of the buffer converted to type t. Values are
// rounded and saturated to the target range.
func (b *Buffer) Convert(t DataType) *Buffer {
	if t == b.Type || t == Unknown {
		return b
	}
	c := NewBuffer(t, b.Width, b.Height)
	for i, v := range b.Real {
		c.Real[i] = t.Clamp(v)
	}
	if c.Imag != nil && b.Imag != nil {
		for i, v := range b.Imag {
			c.Imag[i] = t.Clamp(v)
		}
	}
	return c
}

// Window copies the w × h rectangle starting at (x, y).
func (b *Buffer) Window(x, y, w, h int) *Buffer {
	c := NewBuffer(b.Type, w, h)
	for row := 0; row < h; row++ {
		src := (y+row)*b.Width + x
		copy(c.Real[row*w:(row+1)*w], b.Real[src:src+w])
		if b.Imag != nil {
			copy(c.Imag[row*w:(row+1)*w], b.Imag[src:src+w])
		}
	}
	return c
}

// Paste copies src into b with its top-left corner at (x, y). Values are
// converted to b's type. Parts falling outside b are dropped.
func (b *Buffer) Paste(src *Buffer, x, y int) {
	for row := 0; row < src.Height; row++ {
		dy := y + row
		if dy < 0 || dy >= b.Height {
			continue
		}
		for col := 0; col < src.Width; col++ {
			dx := x + col
			if dx < 0 || dx >= b.Width {
				continue
			}
			si := row*src.Width + col
			di := dy*b.Width + dx
			b.Real[di] = b.Type.Clamp(src.Real[si])
			if b.Imag != nil {
				if src.Imag != nil {
					b.Imag[di] = b.Type.Clamp(src.Imag[si])
				} else {
					b.Imag[di] = 0
				}
			}
		}
	}
}

// Equal reports whether two buffers have the same shape and samples.
// NaN compares equal to NaN.
func (b *Buffer) Equal(o *Buffer) bool {
	if b.Width != o.Width || b.Height != o.Height || len(b.Imag) != len(o.Imag) {
		return false
	}
	same := func(x, y []float64) bool {
		for i := range x {
			if x[i] != y[i] && !(math.IsNaN(x[i]) && math.IsNaN(y[i])) {
				return false
			}
		}
		return true
	}
	return same(b.Real, o.Real) && same(b.Imag, o.Imag)
}

// Values returns the real samples converted to T.
func Values[T Number](b *Buffer) []T {
	out := make([]T, len(b.Real))
	for i, v := range b.Real {
		out[i] = T(v)
	}
	return out
}

// FromValues builds a buffer of type t from row-major samples.
func FromValues[T Number](t DataType, w, h int, vals []T) *Buffer {
	b := NewBuffer(t, w, h)
	for i := range b.Real {
		if i < len(vals) {
			b.Real[i] = t.Clamp(float64(vals[i]))
		}
	}
	return b
}
