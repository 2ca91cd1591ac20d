package vrt

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/pspoerri/govrt/internal/raster"
)

// tile is one source of a mosaic with its integral windows.
type tile struct {
	src      *Source
	dst, win raster.Window
	// reuse marks a tile covering its whole underlying band under the same
	// nodata rule, whose own statistics can be used.
	reuse bool
}

// mosaic describes a band whose sources tile it without overlap, each
// copying pixels one to one.
type mosaic struct {
	tiles    []tile
	validity raster.Validity
	holes    int64
	fill     float64
	// holesValid counts holes as valid pixels of value fill.
	holesValid bool
}

// mosaicPlan reports whether the band is a mosaic. Sources are opened to
// learn their shapes.
func (b *Band) mosaicPlan(ctx context.Context) (*mosaic, bool, error) {
	sources := b.Sources()
	if len(sources) == 0 || b.nbits() > 0 {
		return nil, false, nil
	}
	if b.MaskFlags()&(raster.MaskAllValid|raster.MaskNoData) == 0 {
		return nil, false, nil
	}
	nd, hasNoData := b.NoData()
	m := &mosaic{validity: raster.Validity{NoData: nd, HasNoData: hasNoData}}
	bounds := raster.Rect(0, 0, b.width, b.height)
	covered := int64(0)
	for _, s := range sources {
		t, ok, err := b.mosaicTile(ctx, s, m.validity)
		if err != nil || !ok {
			return nil, false, err
		}
		if r, ok := t.dst.Intersect(bounds); !ok || r != t.dst {
			raster.Debugf("vrt: %s is no mosaic: source outside the band", shorten(b.key))
			return nil, false, nil
		}
		for _, o := range m.tiles {
			if _, ok := o.dst.Intersect(t.dst); ok {
				raster.Debugf("vrt: %s is no mosaic: sources overlap", shorten(b.key))
				return nil, false, nil
			}
		}
		m.tiles = append(m.tiles, t)
		covered += int64(t.dst.XSize * t.dst.YSize)
	}
	m.holes = int64(b.width)*int64(b.height) - covered
	if m.holes > 0 && !hasNoData {
		m.fill = b.fill()
		m.holesValid = CurrentOptions().HolePolicy != HoleExclude
	}
	raster.Debugf("vrt: %s is a mosaic of %d sources", shorten(b.key), len(m.tiles))
	return m, true, nil
}

func (b *Band) mosaicTile(ctx context.Context, s *Source, v raster.Validity) (tile, bool, error) {
	switch {
	case s.overview != 0 || s.MaskBand:
		return tile{}, false, nil
	case s.Kind == KindSimple:
	case s.Kind == KindComplex:
		if s.transforms() || s.UseMaskBand {
			return tile{}, false, nil
		}
		if nd, ok := s.noData(); ok && (!v.HasNoData || !sameValue(nd, v.NoData)) {
			return tile{}, false, nil
		}
	default:
		return tile{}, false, nil
	}
	sb, err := s.open(ctx)
	if err != nil {
		return tile{}, false, err
	}
	defer s.ref.Unpin()
	if sb.DataType() != b.dt || sb.MaskFlags()&(raster.MaskAllValid|raster.MaskNoData) == 0 {
		return tile{}, false, nil
	}
	dst, win := s.dstRect(b), s.srcRect(sb)
	if !dst.IsIntegral() || !win.IsIntegral() || dst.XSize != win.XSize || dst.YSize != win.YSize {
		return tile{}, false, nil
	}
	full := raster.Rect(0, 0, sb.Width(), sb.Height())
	if r, ok := win.Intersect(full); !ok || r != win {
		return tile{}, false, nil
	}
	nd, hasNoData := sb.NoData()
	reuse := win == full && hasNoData == v.HasNoData && (!hasNoData || sameValue(nd, v.NoData))
	return tile{src: s, dst: dst, win: win, reuse: reuse}, true, nil
}

func sameValue(a, b float64) bool {
	return a == b || math.IsNaN(a) && math.IsNaN(b)
}

// forEachTile runs fn for every tile on the package worker pool and
// reports progress as tiles finish.
func (m *mosaic) forEachTile(ctx context.Context, progress raster.ProgressFunc, fn func(ctx context.Context, i int, sb raster.Band) error) error {
	var (
		mu   sync.Mutex
		done int
	)
	p := pool.New().WithMaxGoroutines(max(1, CurrentOptions().NumThreads)).WithErrors().WithContext(ctx)
	for i := range m.tiles {
		t := m.tiles[i]
		p.Go(func(ctx context.Context) error {
			sb, err := t.src.open(ctx)
			if err != nil {
				return err
			}
			defer t.src.ref.Unpin()
			if err := fn(ctx, i, sb); err != nil {
				return err
			}
			if progress != nil {
				mu.Lock()
				done++
				progress(float64(done) / float64(len(m.tiles)))
				mu.Unlock()
			}
			return nil
		})
	}
	return p.Wait()
}

// mosaicAccumulate summarises a mosaic band from per-source partials,
// merged in source order so the result does not depend on scheduling.
func (b *Band) mosaicAccumulate(ctx context.Context, opts raster.StatsOptions) (raster.Accumulator, bool, error) {
	if !opts.Window.IsZero() || opts.Validity != nil {
		return raster.Accumulator{}, false, nil
	}
	ctx, err := enter(ctx, b.key)
	if err != nil {
		return raster.Accumulator{}, false, err
	}
	m, ok, err := b.mosaicPlan(ctx)
	if err != nil || !ok {
		return raster.Accumulator{}, false, err
	}
	parts := make([]raster.Accumulator, len(m.tiles))
	err = m.forEachTile(ctx, opts.Progress, func(ctx context.Context, i int, sb raster.Band) error {
		acc, err := tileAccumulator(ctx, m.tiles[i], sb, m.validity, opts.ApproxOK)
		parts[i] = acc
		return err
	})
	if err != nil {
		return raster.Accumulator{}, false, err
	}
	var acc raster.Accumulator
	for _, p := range parts {
		acc.Merge(p)
	}
	if m.holesValid {
		acc.AddN(m.fill, m.holes)
	}
	if m.holesValid || m.validity.HasNoData {
		acc.Total += m.holes
	}
	if opts.Progress != nil {
		opts.Progress(1)
	}
	return acc, true, nil
}

func tileAccumulator(ctx context.Context, t tile, sb raster.Band, v raster.Validity, approxOK bool) (raster.Accumulator, error) {
	pixels := int64(t.win.XSize * t.win.YSize)
	if t.reuse {
		s, err := raster.ComputeStatistics(ctx, sb, raster.StatsOptions{ApproxOK: approxOK})
		switch {
		case err == nil:
			return accumulatorOf(s, pixels), nil
		case !errors.Is(err, raster.ErrNoValidPixels):
			return raster.Accumulator{}, err
		}
		return raster.Accumulator{Total: pixels}, nil
	}
	acc, _, err := raster.Scan(ctx, sb, raster.StatsOptions{ApproxOK: approxOK, Window: t.win, Validity: &v})
	if err != nil {
		return raster.Accumulator{}, err
	}
	return rescale(acc, pixels), nil
}

// accumulatorOf rebuilds the partial moments of statistics over pixels.
func accumulatorOf(s raster.Statistics, pixels int64) raster.Accumulator {
	n := s.ValidCount
	if n == 0 || s.TotalCount != pixels {
		n = int64(math.Round(s.ValidPercent * float64(pixels) / 100))
	}
	if n == 0 {
		return raster.Accumulator{Total: pixels}
	}
	return raster.Accumulator{
		Count: n, Total: pixels,
		Min: s.Min, Max: s.Max, Mean: s.Mean,
		M2: s.StdDev * s.StdDev * float64(n),
	}
}

// rescale scales a partial computed on an overview to the pixel count of
// the full window.
func rescale(acc raster.Accumulator, pixels int64) raster.Accumulator {
	if acc.Total == pixels || acc.Total == 0 {
		return acc
	}
	k := float64(pixels) / float64(acc.Total)
	acc.Count = int64(math.Round(float64(acc.Count) * k))
	acc.M2 *= k
	acc.Total = pixels
	return acc
}

// mosaicHistogram buckets a mosaic band from per-source histograms.
func (b *Band) mosaicHistogram(ctx context.Context, req raster.HistogramRequest) (raster.Histogram, bool, error) {
	if !req.Window.IsZero() || req.Validity != nil || req.Buckets <= 0 || !(req.Max > req.Min) {
		return raster.Histogram{}, false, nil
	}
	ctx, err := enter(ctx, b.key)
	if err != nil {
		return raster.Histogram{}, false, err
	}
	m, ok, err := b.mosaicPlan(ctx)
	if err != nil || !ok {
		return raster.Histogram{}, false, err
	}
	parts := make([]raster.Histogram, len(m.tiles))
	err = m.forEachTile(ctx, req.Progress, func(ctx context.Context, i int, sb raster.Band) error {
		v := m.validity
		sub := req
		sub.ApproxOK, sub.Window, sub.Validity, sub.Progress = false, m.tiles[i].win, &v, nil
		h, err := raster.ScanHistogram(ctx, sb, sub)
		parts[i] = h
		return err
	})
	if err != nil {
		return raster.Histogram{}, false, err
	}
	h := raster.NewHistogram(req)
	for _, p := range parts {
		if err := h.Merge(p); err != nil {
			return raster.Histogram{}, false, err
		}
	}
	if m.holesValid {
		h.AddN(m.fill, uint64(m.holes))
	}
	h.Approximate = req.ApproxOK
	if req.Progress != nil {
		req.Progress(1)
	}
	return h, true, nil
}
