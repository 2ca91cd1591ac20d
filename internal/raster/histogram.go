package raster

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

// HistogramRequest configures a histogram computation.
type HistogramRequest struct {
	Min, Max          float64
	Buckets           int
	IncludeOutOfRange bool
	ApproxOK          bool
	Window            Window
	Validity          *Validity
	Progress          ProgressFunc
}

// Histogram counts valid pixels in equal-width buckets over [Min, Max).
type Histogram struct {
	Min, Max          float64
	Counts            []uint64
	IncludeOutOfRange bool
	Approximate       bool
}

// NewHistogram allocates an empty histogram for req.
func NewHistogram(req HistogramRequest) Histogram {
	return Histogram{Min: req.Min, Max: req.Max, Counts: make([]uint64, req.Buckets), IncludeOutOfRange: req.IncludeOutOfRange}
}

// Bucket returns the bucket for v, or -1 when v falls outside the range
// and out-of-range values are not included.
func (h *Histogram) Bucket(v float64) int {
	n := len(h.Counts)
	if n == 0 || math.IsNaN(v) {
		return -1
	}
	i := int(math.Floor((v - h.Min) * float64(n) / (h.Max - h.Min)))
	if v == h.Max {
		i = n - 1
	}
	if i < 0 || i >= n {
		if !h.IncludeOutOfRange {
			return -1
		}
		i = min(max(i, 0), n-1)
	}
	return i
}

// AddN records n samples of value v.
func (h *Histogram) AddN(v float64, n uint64) {
	if i := h.Bucket(v); i >= 0 {
		h.Counts[i] += n
	}
}

// Merge adds the counts of o, which must share the bucket layout.
func (h *Histogram) Merge(o Histogram) error {
	if len(o.Counts) != len(h.Counts) || o.Min != h.Min || o.Max != h.Max {
		return errors.New("histogram layouts differ")
	}
	for i, c := range o.Counts {
		h.Counts[i] += c
	}
	h.Approximate = h.Approximate || o.Approximate
	return nil
}

// Matches reports whether h was computed with req's layout.
func (h Histogram) Matches(req HistogramRequest) bool {
	return h.Min == req.Min && h.Max == req.Max && len(h.Counts) == req.Buckets &&
		h.IncludeOutOfRange == req.IncludeOutOfRange && (!h.Approximate || req.ApproxOK)
}

// ScanHistogram reads the band and buckets its valid pixels.
func ScanHistogram(ctx context.Context, b Band, req HistogramRequest) (Histogram, error) {
	if req.Buckets <= 0 || !(req.Max > req.Min) {
		return Histogram{}, errors.Errorf("invalid histogram layout [%v, %v) with %d buckets", req.Min, req.Max, req.Buckets)
	}
	h := NewHistogram(req)
	approx, err := visit(ctx, b, req.ApproxOK, req.Window, req.Validity, req.Progress, func(v float64, valid bool) {
		if valid {
			h.AddN(v, 1)
		}
	})
	h.Approximate = approx || req.ApproxOK
	return h, err
}

// DefaultHistogramRequest returns the layout used when a caller does not
// choose one: 256 buckets centred on the integers for 8-bit bands, and
// otherwise 256 buckets spanning the band's minimum and maximum.
func DefaultHistogramRequest(ctx context.Context, b Band, approxOK bool) (HistogramRequest, error) {
	req := HistogramRequest{Buckets: 256, ApproxOK: approxOK}
	switch b.DataType() {
	case Byte:
		req.Min, req.Max = -0.5, 255.5
		return req, nil
	case Int8:
		req.Min, req.Max = -128.5, 127.5
		return req, nil
	}
	lo, hi, err := bandMinMax(ctx, b, approxOK)
	if err != nil {
		return req, err
	}
	half := (hi - lo) / (2 * 255)
	if hi == lo {
		half = 0.5
	}
	req.Min, req.Max = lo-half, hi+half
	return req, nil
}

func bandMinMax(ctx context.Context, b Band, approxOK bool) (float64, float64, error) {
	lo, okLo := Minimum(b)
	hi, okHi := Maximum(b)
	if okLo && okHi {
		return lo, hi, nil
	}
	return ScanMinMax(ctx, b, StatsOptions{ApproxOK: approxOK})
}
