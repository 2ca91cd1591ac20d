package raster

import (
	"math"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/resample"
)

// Window is a rectangle in pixel space. Offsets and sizes may be
// fractional.
type Window struct {
	XOff, YOff, XSize, YSize float64
}

// Rect builds a window from integer coordinates.
func Rect(x, y, w, h int) Window {
	return Window{float64(x), float64(y), float64(w), float64(h)}
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w == Window{}
}

// IsIntegral reports whether all four values are whole numbers.
func (w Window) IsIntegral() bool {
	for _, v := range [4]float64{w.XOff, w.YOff, w.XSize, w.YSize} {
		if v != math.Trunc(v) {
			return false
		}
	}
	return true
}

// Valid reports whether offsets are finite and sizes are finite and
// strictly positive.
func (w Window) Valid() bool {
	for _, v := range [4]float64{w.XOff, w.YOff, w.XSize, w.YSize} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return w.XSize > 0 && w.YSize > 0
}

// Intersect returns the overlap of two windows.
func (w Window) Intersect(o Window) (Window, bool) {
	x0 := math.Max(w.XOff, o.XOff)
	y0 := math.Max(w.YOff, o.YOff)
	x1 := math.Min(w.XOff+w.XSize, o.XOff+o.XSize)
	y1 := math.Min(w.YOff+w.YSize, o.YOff+o.YSize)
	if x1 <= x0 || y1 <= y0 {
		return Window{}, false
	}
	return Window{x0, y0, x1 - x0, y1 - y0}, true
}

// Snap rounds values lying within eps of an integer to that integer.
func (w Window) Snap(eps float64) Window {
	s := func(v float64) float64 {
		if r := math.Round(v); math.Abs(v-r) < eps {
			return r
		}
		return v
	}
	return Window{s(w.XOff), s(w.YOff), s(w.XSize), s(w.YSize)}
}

// Ints returns the window rounded to integer pixel coordinates.
func (w Window) Ints() (x, y, width, height int) {
	return int(math.Round(w.XOff)), int(math.Round(w.YOff)), int(math.Round(w.XSize)), int(math.Round(w.YSize))
}

// Request describes a pixel read: a window of the band resampled into a
// BufWidth × BufHeight buffer of BufType.
type Request struct {
	Window     Window
	BufWidth   int
	BufHeight  int
	BufType    DataType
	Resampling resample.Alg
	// NoOverviews forces the read to use full-resolution pixels even when
	// an overview would satisfy a downsampling request.
	NoOverviews bool
}

// NewRequest reads the integer window at full resolution.
func NewRequest(x, y, w, h int) Request {
	return Request{Window: Rect(x, y, w, h), BufWidth: w, BufHeight: h}
}

// boundsEpsilon tolerates windows that overshoot the band by rounding noise.
const boundsEpsilon = 1e-6

// Normalize fills in defaults for a read against a width × height band of
// type t: a zero window selects the whole band, zero buffer sizes follow the
// window and an Unknown BufType follows the band.
func (r Request) Normalize(width, height int, t DataType) (Request, error) {
	if r.Window.IsZero() {
		r.Window = Rect(0, 0, width, height)
	}
	if !r.Window.Valid() {
		return r, errors.Wrapf(ErrOutOfBounds, "invalid window %+v", r.Window)
	}
	if r.Window.XOff < -boundsEpsilon || r.Window.YOff < -boundsEpsilon ||
		r.Window.XOff+r.Window.XSize > float64(width)+boundsEpsilon ||
		r.Window.YOff+r.Window.YSize > float64(height)+boundsEpsilon {
		return r, errors.Wrapf(ErrOutOfBounds, "window %+v outside %dx%d raster", r.Window, width, height)
	}
	if r.BufWidth == 0 {
		r.BufWidth = int(math.Round(r.Window.XSize))
	}
	if r.BufHeight == 0 {
		r.BufHeight = int(math.Round(r.Window.YSize))
	}
	if r.BufWidth <= 0 || r.BufHeight <= 0 {
		return r, errors.Wrapf(ErrOutOfBounds, "invalid buffer size %dx%d", r.BufWidth, r.BufHeight)
	}
	if r.BufType == Unknown {
		r.BufType = t
	}
	return r, nil
}

// Downsampling reports whether the buffer is smaller than the window.
func (r Request) Downsampling() bool {
	return float64(r.BufWidth) < r.Window.XSize-boundsEpsilon || float64(r.BufHeight) < r.Window.YSize-boundsEpsilon
}
