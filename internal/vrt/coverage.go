package vrt

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
)

// Coverage flags of a window.
type Coverage int

const (
	// CoverageData is set when some source covers part of the window.
	CoverageData Coverage = 1 << iota
	// CoverageEmpty is set when part of the window has no source.
	CoverageEmpty
)

// DataCoverageStatus reports which part of win the band's sources cover,
// with the covered share in percent. Sources are not opened.
func (b *Band) DataCoverageStatus(win raster.Window) (Coverage, float64, error) {
	if win.IsZero() {
		win = raster.Rect(0, 0, b.width, b.height)
	}
	if !win.Valid() {
		return 0, 0, errors.Wrapf(raster.ErrOutOfBounds, "invalid window %+v", win)
	}
	var rects []raster.Window
	for _, s := range b.Sources() {
		if r, ok := s.dstRect(b).Intersect(win); ok {
			rects = append(rects, r)
		}
	}
	pct := 100 * unionArea(rects) / (win.XSize * win.YSize)
	switch {
	case pct <= 0:
		return CoverageEmpty, 0, nil
	case pct >= 100:
		return CoverageData, 100, nil
	}
	return CoverageData | CoverageEmpty, pct, nil
}

// unionArea measures the union of rectangles on the grid formed by their
// edges.
func unionArea(rects []raster.Window) float64 {
	if len(rects) == 0 {
		return 0
	}
	xs := make([]float64, 0, 2*len(rects))
	ys := make([]float64, 0, 2*len(rects))
	for _, r := range rects {
		xs = append(xs, r.XOff, r.XOff+r.XSize)
		ys = append(ys, r.YOff, r.YOff+r.YSize)
	}
	xs, ys = uniqueSorted(xs), uniqueSorted(ys)
	area := 0.0
	for i := 0; i+1 < len(xs); i++ {
		for j := 0; j+1 < len(ys); j++ {
			cx, cy := (xs[i]+xs[i+1])/2, (ys[j]+ys[j+1])/2
			for _, r := range rects {
				if cx > r.XOff && cx < r.XOff+r.XSize && cy > r.YOff && cy < r.YOff+r.YSize {
					area += (xs[i+1] - xs[i]) * (ys[j+1] - ys[j])
					break
				}
			}
		}
	}
	return area
}

func uniqueSorted(v []float64) []float64 {
	sort.Float64s(v)
	out := v[:0]
	for i, x := range v {
		if i == 0 || x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
