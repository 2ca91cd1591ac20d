// Package resample implements the pixel resampling kernels used when a read
// request does not map one-to-one onto source pixels.
package resample

import (
	"fmt"
	"strings"
)

// Alg selects the interpolation used when the output grid differs from the
// source grid.
type Alg int

const (
	Nearest Alg = iota
	Bilinear
	Cubic
	CubicSpline
	Lanczos
	Average
	Mode
)

var algNames = map[Alg]string{
	Nearest:     "nearest",
	Bilinear:    "bilinear",
	Cubic:       "cubic",
	CubicSpline: "cubicspline",
	Lanczos:     "lanczos",
	Average:     "average",
	Mode:        "mode",
}

func (a Alg) String() string {
	if s, ok := algNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Alg(%d)", int(a))
}

// Parse converts a resampling name to an Alg. Matching is case-insensitive
// and accepts "near" as an alias for nearest. An empty string is nearest.
func Parse(s string) (Alg, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "near", "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	case "cubic", "bicubic":
		return Cubic, nil
	case "cubicspline":
		return CubicSpline, nil
	case "lanczos":
		return Lanczos, nil
	case "average":
		return Average, nil
	case "mode":
		return Mode, nil
	default:
		return Nearest, fmt.Errorf("unknown resampling method %q (use nearest, bilinear, cubic, cubicspline, lanczos, average or mode)", s)
	}
}

// radius is the kernel half-width in source pixels at scale 1.
func (a Alg) radius() float64 {
	switch a {
	case Bilinear:
		return 1
	case Cubic, CubicSpline:
		return 2
	case Lanczos:
		return 3
	default:
		return 0.5
	}
}

// kernel returns the weight function for convolution algorithms.
func (a Alg) kernel() func(float64) float64 {
	switch a {
	case Bilinear:
		return triangle
	case Cubic:
		return bicubicLUT
	case CubicSpline:
		return bspline
	case Lanczos:
		return lanczos3LUT
	}
	return nil
}

// IsConvolution reports whether the algorithm blends neighbouring pixels with
// a kernel.
func (a Alg) IsConvolution() bool {
	return a.kernel() != nil
}
