package resample

import "math"

// triangle is the bilinear tent kernel.
func triangle(x float64) float64 {
	if x < 0 {
		x = -x
	}
	if x >= 1 {
		return 0
	}
	return 1 - x
}

// lanczos3 computes the Lanczos-3 kernel value. The kernel is a windowed sinc:
//
//	L₃(x) = sinc(x) · sinc(x/3)   for |x| < 3
//	       = 0                      for |x| ≥ 3
//
// where sinc(x) = sin(πx)/(πx). At x = 0 the limit is 1.
func lanczos3(x float64) float64 {
	if x == 0 {
		return 1
	}
	if x < -3 || x > 3 {
		return 0
	}
	xPi := x * math.Pi
	return 3 * math.Sin(xPi) * math.Sin(xPi/3) / (xPi * xPi)
}

// lanczos3LUTSize is the number of entries in the positive half of the table.
const lanczos3LUTSize = 1024

var lanczos3Table [lanczos3LUTSize]float64

// bicubic computes the Catmull-Rom (a = -0.5) bicubic kernel value:
//
//	W(x) = 1.5|x|³ - 2.5|x|² + 1         for |x| ≤ 1
//	W(x) = -0.5|x|³ + 2.5|x|² - 4|x| + 2 for 1 < |x| ≤ 2
//	W(x) = 0                                for |x| > 2
func bicubic(x float64) float64 {
	if x < 0 {
		x = -x
	}
	if x >= 2 {
		return 0
	}
	x2 := x * x
	x3 := x2 * x
	if x <= 1 {
		return 1.5*x3 - 2.5*x2 + 1
	}
	return -0.5*x3 + 2.5*x2 - 4*x + 2
}

const bicubicLUTSize = 1024

var bicubicTable [bicubicLUTSize]float64

func init() {
	for i := 0; i < lanczos3LUTSize; i++ {
		lanczos3Table[i] = lanczos3(float64(i) * 3.0 / float64(lanczos3LUTSize))
	}
	for i := 0; i < bicubicLUTSize; i++ {
		bicubicTable[i] = bicubic(float64(i) * 2.0 / float64(bicubicLUTSize))
	}
}

// lanczos3LUT evaluates the Lanczos-3 kernel via table lookup with linear
// interpolation between entries.
func lanczos3LUT(x float64) float64 {
	return lookup(lanczos3Table[:], 3, x)
}

// bicubicLUT evaluates the Catmull-Rom kernel via table lookup.
func bicubicLUT(x float64) float64 {
	return lookup(bicubicTable[:], 2, x)
}

func lookup(table []float64, support, x float64) float64 {
	if x < 0 {
		x = -x
	}
	if x >= support {
		return 0
	}
	n := len(table)
	pos := x * (float64(n) / support)
	idx := int(pos)
	if idx >= n-1 {
		return table[n-1]
	}
	frac := pos - float64(idx)
	return table[idx]*(1-frac) + table[idx+1]*frac
}

// bspline is the cubic B-spline kernel used by cubicspline resampling.
func bspline(x float64) float64 {
	if x < 0 {
		x = -x
	}
	switch {
	case x < 1:
		return (4 - 6*x*x + 3*x*x*x) / 6
	case x < 2:
		t := 2 - x
		return t * t * t / 6
	}
	return 0
}
