package resample

import "math"

// Plane is a row-major grid of float64 samples.
type Plane struct {
	Data          []float64
	Width, Height int
}

// At returns the sample at (x, y).
func (p Plane) At(x, y int) float64 {
	return p.Data[y*p.Width+x]
}

// centerEpsilon absorbs rounding when a pixel center lands exactly on a
// source pixel boundary, so the boundary resolves to the pixel on its right.
const centerEpsilon = 1e-10

// Grid maps an output raster of OutWidth × OutHeight pixels onto the
// fractional window (XOff, YOff, XSize, YSize) of a band that is
// BandWidth × BandHeight pixels large.
//
// Kernels are clipped to the band extent, never to the window, so that two
// overlapping windows of the same band agree on their shared pixels.
type Grid struct {
	XOff, YOff, XSize, YSize float64
	OutWidth, OutHeight      int
	BandWidth, BandHeight    int
	Alg                      Alg
	NoData                   float64
	HasNoData                bool
}

func (s Grid) scale() (float64, float64) {
	return s.XSize / float64(s.OutWidth), s.YSize / float64(s.OutHeight)
}

func nearestIndex(off, scale float64, i, size int) int {
	c := off + (float64(i)+0.5)*scale
	return clamp(int(math.Floor(c+centerEpsilon)), 0, size-1)
}

// Region returns the band pixel rectangle [x0,x1) × [y0,y1) that Apply
// needs as input.
func (s Grid) Region() (x0, y0, x1, y1 int) {
	sx, sy := s.scale()
	x0, x1 = axisRegion(s.Alg, s.XOff, s.XSize, sx, s.OutWidth, s.BandWidth)
	y0, y1 = axisRegion(s.Alg, s.YOff, s.YSize, sy, s.OutHeight, s.BandHeight)
	return
}

func axisRegion(alg Alg, off, size, scale float64, out, band int) (lo, hi int) {
	switch {
	case alg == Nearest:
		lo = nearestIndex(off, scale, 0, band)
		hi = nearestIndex(off, scale, out-1, band) + 1
	case alg.IsConvolution():
		r := alg.radius() * math.Max(1, scale)
		lo = int(math.Floor(off-r)) - 1
		hi = int(math.Ceil(off+size+r)) + 1
	default:
		lo = int(math.Floor(off + centerEpsilon))
		hi = int(math.Ceil(off + size - centerEpsilon))
	}
	lo = clamp(lo, 0, band-1)
	hi = clamp(hi, lo+1, band)
	return lo, hi
}

// Apply resamples src, which must hold the band pixels of Region() with its
// top-left sample at band pixel (x0, y0). Output pixels with no valid
// contributor receive NoData, or 0 when the band has no nodata value.
func (s Grid) Apply(src Plane, x0, y0 int) []float64 {
	out := make([]float64, s.OutWidth*s.OutHeight)
	sx, sy := s.scale()

	if s.Alg == Nearest {
		xi := make([]int, s.OutWidth)
		for i := range xi {
			xi[i] = nearestIndex(s.XOff, sx, i, s.BandWidth) - x0
		}
		for k := 0; k < s.OutHeight; k++ {
			row := (nearestIndex(s.YOff, sy, k, s.BandHeight) - y0) * src.Width
			dst := out[k*s.OutWidth : (k+1)*s.OutWidth]
			for i, x := range xi {
				dst[i] = src.Data[row+x]
			}
		}
		return out
	}

	var wx, wy [][]tap
	if s.Alg.IsConvolution() {
		wx = convolutionTaps(s.Alg, s.XOff, sx, s.OutWidth, s.BandWidth)
		wy = convolutionTaps(s.Alg, s.YOff, sy, s.OutHeight, s.BandHeight)
	} else {
		wx = boxTaps(s.XOff, sx, s.OutWidth, s.BandWidth)
		wy = boxTaps(s.YOff, sy, s.OutHeight, s.BandHeight)
	}

	fill := 0.0
	if s.HasNoData {
		fill = s.NoData
	}
	for k := 0; k < s.OutHeight; k++ {
		for i := 0; i < s.OutWidth; i++ {
			var v float64
			var ok bool
			if s.Alg == Mode {
				v, ok = s.mode(src, x0, y0, wx[i], wy[k])
			} else {
				v, ok = s.weighted(src, x0, y0, wx[i], wy[k])
			}
			if !ok {
				v = fill
			}
			out[k*s.OutWidth+i] = v
		}
	}
	return out
}

func (s Grid) valid(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	return !s.HasNoData || v != s.NoData
}

func (s Grid) weighted(src Plane, x0, y0 int, tx, ty []tap) (float64, bool) {
	var acc, wsum float64
	for _, y := range ty {
		row := (y.idx - y0) * src.Width
		for _, x := range tx {
			v := src.Data[row+x.idx-x0]
			if !s.valid(v) {
				continue
			}
			w := x.w * y.w
			acc += v * w
			wsum += w
		}
	}
	if math.Abs(wsum) < 1e-12 {
		return 0, false
	}
	return acc / wsum, true
}

func (s Grid) mode(src Plane, x0, y0 int, tx, ty []tap) (float64, bool) {
	counts := make(map[float64]int)
	best, bestCount := 0.0, 0
	for _, y := range ty {
		row := (y.idx - y0) * src.Width
		for _, x := range tx {
			v := src.Data[row+x.idx-x0]
			if !s.valid(v) {
				continue
			}
			counts[v]++
			if c := counts[v]; c > bestCount {
				best, bestCount = v, c
			}
		}
	}
	return best, bestCount > 0
}

// tap is one weighted source pixel along an axis.
type tap struct {
	idx int
	w   float64
}

// convolutionTaps lists, for each output pixel, the source pixels within
// the kernel support. The kernel is stretched when downsampling.
func convolutionTaps(alg Alg, off, scale float64, out, band int) [][]tap {
	k := alg.kernel()
	ks := math.Max(1, scale)
	r := alg.radius() * ks
	taps := make([][]tap, out)
	for i := range taps {
		c := off + (float64(i)+0.5)*scale
		lo := int(math.Ceil(c - 0.5 - r))
		hi := int(math.Floor(c - 0.5 + r))
		for j := lo; j <= hi; j++ {
			if j < 0 || j >= band {
				continue
			}
			if w := k((float64(j) + 0.5 - c) / ks); w != 0 {
				taps[i] = append(taps[i], tap{j, w})
			}
		}
		if len(taps[i]) == 0 {
			taps[i] = append(taps[i], tap{nearestIndex(off, scale, i, band), 1})
		}
	}
	return taps
}

// boxTaps weights each source pixel by its overlap with the output pixel
// footprint.
func boxTaps(off, scale float64, out, band int) [][]tap {
	taps := make([][]tap, out)
	for i := range taps {
		a := off + float64(i)*scale
		b := a + scale
		lo := int(math.Floor(a + centerEpsilon))
		hi := int(math.Ceil(b - centerEpsilon))
		for j := lo; j < hi; j++ {
			if j < 0 || j >= band {
				continue
			}
			w := math.Min(b, float64(j+1)) - math.Max(a, float64(j))
			if w > centerEpsilon {
				taps[i] = append(taps[i], tap{j, w})
			}
		}
		if len(taps[i]) == 0 {
			taps[i] = append(taps[i], tap{nearestIndex(off, scale, i, band), 1})
		}
	}
	return taps
}

// Decimate builds a reduced-resolution copy of a full plane, the way an
// overview level is derived from its base band. The output is
// ceil(width/factor) × ceil(height/factor) pixels.
func Decimate(src Plane, factor int, alg Alg, nodata float64, hasNoData bool) Plane {
	w := (src.Width + factor - 1) / factor
	h := (src.Height + factor - 1) / factor
	s := Grid{
		XSize: float64(src.Width), YSize: float64(src.Height),
		OutWidth: w, OutHeight: h,
		BandWidth: src.Width, BandHeight: src.Height,
		Alg: alg, NoData: nodata, HasNoData: hasNoData,
	}
	return Plane{Data: s.Apply(src, 0, 0), Width: w, Height: h}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
