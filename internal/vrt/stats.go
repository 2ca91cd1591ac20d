package vrt

import (
	"context"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
)

// ComputeStatistics implements raster.Statistician. Whole-band results are
// cached in the band metadata; mosaics are summarised from their sources'
// statistics without composing the band.
func (b *Band) ComputeStatistics(ctx context.Context, opts raster.StatsOptions) (raster.Statistics, error) {
	whole := opts.Window.IsZero() && opts.Validity == nil
	if whole && !opts.Force {
		if s, ok := raster.CachedStatistics(b); ok && (!s.Approximate || opts.ApproxOK) {
			if opts.Progress != nil {
				opts.Progress(1)
			}
			return s, nil
		}
	}

	var (
		s   raster.Statistics
		err error
	)
	acc, ok, err := b.mosaicAccumulate(ctx, opts)
	switch {
	case err != nil:
		return raster.Statistics{}, err
	case ok:
		s, err = acc.Statistics()
		s.Approximate = opts.ApproxOK
	default:
		s, err = raster.ScanStatistics(ctx, b, opts)
	}
	if err != nil {
		if errors.Is(err, raster.ErrNoValidPixels) {
			return raster.Statistics{TotalCount: s.TotalCount}, err
		}
		return raster.Statistics{}, err
	}
	if n := b.nbits(); n > 0 {
		s.Min, s.Max, s.Mean = clampBits(s.Min, n), clampBits(s.Max, n), clampBits(s.Mean, n)
	}
	if whole {
		b.SetStatistics(s)
	}
	return s, nil
}

// SetStatistics stores s as the band's cached statistics.
func (b *Band) SetStatistics(s raster.Statistics) {
	b.mu.Lock()
	raster.ClearStatistics(b.md.Get(""))
	for k, v := range s.Metadata() {
		b.md.Set("", k, v)
	}
	b.mu.Unlock()
	b.ds.markDirty()
}

// ComputeMinMax returns the extrema of the valid pixels, or NaN with
// raster.ErrNoValidPixels when there are none.
func (b *Band) ComputeMinMax(ctx context.Context, approxOK bool) (float64, float64, error) {
	opts := raster.StatsOptions{ApproxOK: approxOK}
	acc, ok, err := b.mosaicAccumulate(ctx, opts)
	if err != nil {
		return math.NaN(), math.NaN(), err
	}
	if !ok {
		return raster.ScanMinMax(ctx, b, opts)
	}
	if acc.Count == 0 {
		return math.NaN(), math.NaN(), raster.ErrNoValidPixels
	}
	return acc.Min, acc.Max, nil
}

// Histogram returns the histogram of req's layout, served from the cache
// when one was computed or loaded with the same layout.
func (b *Band) Histogram(ctx context.Context, req raster.HistogramRequest) (raster.Histogram, error) {
	whole := req.Window.IsZero() && req.Validity == nil
	if whole {
		b.mu.RLock()
		for _, h := range b.histograms {
			if h.Matches(req) {
				b.mu.RUnlock()
				return cloneHistogram(h), nil
			}
		}
		b.mu.RUnlock()
	}
	h, ok, err := b.mosaicHistogram(ctx, req)
	if err != nil {
		return raster.Histogram{}, err
	}
	if !ok {
		if h, err = raster.ScanHistogram(ctx, b, req); err != nil {
			return raster.Histogram{}, err
		}
	}
	if whole {
		b.cacheHistogram(h)
	}
	return h, nil
}

// DefaultHistogram returns the first cached histogram usable under
// approxOK, or computes one with the default layout.
func (b *Band) DefaultHistogram(ctx context.Context, approxOK bool) (raster.Histogram, error) {
	b.mu.RLock()
	for _, h := range b.histograms {
		if !h.Approximate || approxOK {
			b.mu.RUnlock()
			return cloneHistogram(h), nil
		}
	}
	b.mu.RUnlock()
	req, err := raster.DefaultHistogramRequest(ctx, b, approxOK)
	if err != nil {
		return raster.Histogram{}, err
	}
	return b.Histogram(ctx, req)
}

// Histograms returns the cached histograms.
func (b *Band) Histograms() []raster.Histogram {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]raster.Histogram, len(b.histograms))
	for i, h := range b.histograms {
		out[i] = cloneHistogram(h)
	}
	return out
}

func (b *Band) cacheHistogram(h raster.Histogram) {
	b.mu.Lock()
	replaced := false
	for i, old := range b.histograms {
		if old.Min == h.Min && old.Max == h.Max && len(old.Counts) == len(h.Counts) && old.IncludeOutOfRange == h.IncludeOutOfRange {
			b.histograms[i] = cloneHistogram(h)
			replaced = true
			break
		}
	}
	if !replaced {
		b.histograms = append(b.histograms, cloneHistogram(h))
	}
	b.mu.Unlock()
	b.ds.markDirty()
}

func cloneHistogram(h raster.Histogram) raster.Histogram {
	h.Counts = append([]uint64(nil), h.Counts...)
	return h
}

// Minimum returns the cached minimum, else the smallest minimum its
// sources know, clamped to the NBITS range.
func (b *Band) Minimum() (float64, bool) {
	return b.extremum(context.Background(), raster.KeyMinimum)
}

// Maximum is the counterpart of Minimum.
func (b *Band) Maximum() (float64, bool) {
	return b.extremum(context.Background(), raster.KeyMaximum)
}

func (b *Band) extremum(ctx context.Context, key string) (float64, bool) {
	b.mu.RLock()
	cached := b.md.Get("")[key]
	b.mu.RUnlock()
	n := b.nbits()
	if v, err := strconv.ParseFloat(cached, 64); err == nil {
		return clampBits(v, n), true
	}
	v, ok := b.sourceExtremum(ctx, key)
	if !ok {
		return 0, false
	}
	return clampBits(v, n), true
}

// sourceExtremum combines the extremum of every source. Each source must
// read its whole underlying band without changing values.
func (b *Band) sourceExtremum(ctx context.Context, key string) (float64, bool) {
	sources := b.Sources()
	if len(sources) == 0 {
		return 0, false
	}
	ctx, err := enter(ctx, b.key+"#ext")
	if err != nil {
		return 0, false
	}
	out := math.NaN()
	for _, s := range sources {
		if s.transforms() || s.Kind == KindAveraged {
			return 0, false
		}
		v, ok := s.extremum(ctx, key)
		if !ok {
			return 0, false
		}
		switch {
		case math.IsNaN(out):
			out = v
		case key == raster.KeyMinimum:
			out = math.Min(out, v)
		default:
			out = math.Max(out, v)
		}
	}
	return out, true
}

func (s *Source) extremum(ctx context.Context, key string) (float64, bool) {
	sb, err := s.open(ctx)
	if err != nil {
		return 0, false
	}
	defer s.ref.Unpin()
	if src := s.srcRect(sb); src != raster.Rect(0, 0, sb.Width(), sb.Height()) {
		return 0, false
	}
	if vb, ok := sb.(*Band); ok {
		return vb.extremum(ctx, key)
	}
	if key == raster.KeyMinimum {
		return raster.Minimum(sb)
	}
	return raster.Maximum(sb)
}
