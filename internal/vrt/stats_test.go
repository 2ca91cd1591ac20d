package vrt

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/raster"
)

// mosaicBand places a and b side by side in a 4 × 2 band.
func mosaicBand(t *testing.T, a, b []uint8) *Band {
	t.Helper()
	left := memSource(t, 2, 2, raster.Byte, a)
	right := memSource(t, 2, 2, raster.Byte, b)
	d := newVRT(t, 4, 2)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: left.Name(), DstRect: raster.Rect(0, 0, 2, 2)}))
	require.NoError(t, band.AddSource(&Source{Filename: right.Name(), DstRect: raster.Rect(2, 0, 2, 2)}))
	return band
}

func withOptions(t *testing.T, o Options) {
	t.Helper()
	SetOptions(o)
	t.Cleanup(func() { SetOptions(DefaultOptions()) })
}

func assertSameStatistics(t *testing.T, want, got raster.Statistics) {
	t.Helper()
	assert.InDelta(t, want.Min, got.Min, 1e-9, "min")
	assert.InDelta(t, want.Max, got.Max, 1e-9, "max")
	assert.InDelta(t, want.Mean, got.Mean, 1e-9, "mean")
	assert.InDelta(t, want.StdDev, got.StdDev, 1e-9, "stddev")
	assert.InDelta(t, want.ValidPercent, got.ValidPercent, 1e-9, "valid percent")
}

func TestMosaicStatisticsMatchComposedBand(t *testing.T) {
	ctx := context.Background()
	byThreads := map[int]raster.Statistics{}
	for _, threads := range []int{1, 4} {
		o := DefaultOptions()
		o.NumThreads = threads
		withOptions(t, o)

		band := mosaicBand(t, []uint8{1, 2, 3, 4}, []uint8{5, 6, 7, 8})
		m, ok, err := band.mosaicPlan(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, m.tiles, 2)
		assert.Zero(t, m.holes)

		want, err := raster.ScanStatistics(ctx, band, raster.StatsOptions{})
		require.NoError(t, err)
		got, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
		require.NoError(t, err)
		assertSameStatistics(t, want, got)
		assert.Equal(t, 1.0, got.Min)
		assert.Equal(t, 8.0, got.Max)
		assert.InDelta(t, 4.5, got.Mean, 1e-12)
		assert.InDelta(t, math.Sqrt(5.25), got.StdDev, 1e-12)

		cached, ok := raster.CachedStatistics(band)
		require.True(t, ok, "threads=%d", threads)
		assert.Equal(t, got.Max, cached.Max)
		byThreads[threads] = got
	}
	assert.Equal(t, byThreads[1], byThreads[4], "parallel and serial results are identical")
}

func TestMosaicStatisticsReportProgress(t *testing.T) {
	band := mosaicBand(t, []uint8{1, 2, 3, 4}, []uint8{5, 6, 7, 8})
	var last float64
	_, err := band.ComputeStatistics(context.Background(), raster.StatsOptions{
		Progress: func(p float64) { last = p },
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, last)
}

func TestMosaicStatisticsReuseSourceStatistics(t *testing.T) {
	ctx := context.Background()
	left := memSource(t, 2, 1, raster.Byte, []uint8{1, 3})
	right := memSource(t, 2, 1, raster.Byte, []uint8{5, 7})
	// Planted statistics are used as they are.
	left.MemBand(1).SetStatistics(raster.Statistics{Min: 0, Max: 10, Mean: 5, StdDev: 5, ValidPercent: 100})

	d := newVRT(t, 4, 1)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: left.Name(), DstRect: raster.Rect(0, 0, 2, 1)}))
	require.NoError(t, band.AddSource(&Source{Filename: right.Name(), DstRect: raster.Rect(2, 0, 2, 1)}))

	s, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 10.0, s.Max)
	assert.InDelta(t, 5.5, s.Mean, 1e-12)
}

func TestMosaicStatisticsAllNoData(t *testing.T) {
	ctx := context.Background()
	band := mosaicBand(t, []uint8{0, 0, 0, 0}, []uint8{0, 0, 0, 0})
	band.SetNoData(0)

	s, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
	assert.ErrorIs(t, err, raster.ErrNoValidPixels)
	assert.Zero(t, s.ValidCount)
	_, ok := raster.CachedStatistics(band)
	assert.False(t, ok)

	lo, hi, err := band.ComputeMinMax(ctx, false)
	assert.ErrorIs(t, err, raster.ErrNoValidPixels)
	assert.True(t, math.IsNaN(lo))
	assert.True(t, math.IsNaN(hi))
}

func TestMosaicStatisticsHoles(t *testing.T) {
	ctx := context.Background()
	build := func(t *testing.T) *Band {
		src := memSource(t, 2, 1, raster.Byte, []uint8{5, 7})
		d := newVRT(t, 4, 1)
		band := d.AddBand(raster.Byte)
		require.NoError(t, band.AddSource(&Source{Filename: src.Name(), DstRect: raster.Rect(1, 0, 2, 1)}))
		return band
	}

	t.Run("value", func(t *testing.T) {
		band := build(t)
		m, ok, err := band.mosaicPlan(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), m.holes)

		want, err := raster.ScanStatistics(ctx, band, raster.StatsOptions{})
		require.NoError(t, err)
		got, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
		require.NoError(t, err)
		assertSameStatistics(t, want, got)
		assert.Equal(t, 0.0, got.Min)
		assert.InDelta(t, 3.0, got.Mean, 1e-12)
	})

	t.Run("exclude", func(t *testing.T) {
		o := DefaultOptions()
		o.HolePolicy = HoleExclude
		withOptions(t, o)
		band := build(t)
		got, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
		require.NoError(t, err)
		assert.Equal(t, 5.0, got.Min)
		assert.Equal(t, 7.0, got.Max)
		assert.InDelta(t, 6.0, got.Mean, 1e-12)
	})

	t.Run("nodata", func(t *testing.T) {
		band := build(t)
		band.SetNoData(0)
		got, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
		require.NoError(t, err)
		assert.Equal(t, 5.0, got.Min)
		assert.InDelta(t, 6.0, got.Mean, 1e-12)
		assert.InDelta(t, 50.0, got.ValidPercent, 1e-9)
	})
}

func TestOverlappingSourcesAreNoMosaic(t *testing.T) {
	ctx := context.Background()
	a := memSource(t, 2, 1, raster.Byte, []uint8{1, 2})
	b := memSource(t, 2, 1, raster.Byte, []uint8{8, 9})
	d := newVRT(t, 3, 1)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: a.Name(), DstRect: raster.Rect(0, 0, 2, 1)}))
	require.NoError(t, band.AddSource(&Source{Filename: b.Name(), DstRect: raster.Rect(1, 0, 2, 1)}))

	_, ok, err := band.mosaicPlan(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.InDelta(t, 6.0, s.Mean, 1e-12)
}

func TestTransformingSourceIsNoMosaic(t *testing.T) {
	src := memSource(t, 2, 1, raster.Byte, []uint8{1, 2})
	d := newVRT(t, 2, 1)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Kind: KindComplex, Filename: src.Name(), Scaling: &Scaling{Ratio: 10}}))

	_, ok, err := band.mosaicPlan(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	s, err := band.ComputeStatistics(context.Background(), raster.StatsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 20.0, s.Max)
}

func TestNBITSStatisticsAreClamped(t *testing.T) {
	ctx := context.Background()
	src := memSource(t, 2, 1, raster.Byte, []uint8{63, 200})
	d := newVRT(t, 2, 1)
	band := d.AddBand(raster.Byte)
	band.SetMetadataItem("NBITS", "6", "IMAGE_STRUCTURE")
	require.NoError(t, band.AddSource(&Source{Filename: src.Name()}))

	s, err := band.ComputeStatistics(ctx, raster.StatsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 63.0, s.Min)
	assert.Equal(t, 63.0, s.Max)

	lo, hi, err := band.ComputeMinMax(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 63.0, lo)
	assert.Equal(t, 63.0, hi)
}

func TestMinimumFromSources(t *testing.T) {
	a := memSource(t, 2, 1, raster.Byte, []uint8{3, 4})
	b := memSource(t, 2, 1, raster.Byte, []uint8{1, 9})
	a.MemBand(1).SetStatistics(raster.Statistics{Min: 3, Max: 4, Mean: 3.5, StdDev: 0.5, ValidPercent: 100})
	b.MemBand(1).SetStatistics(raster.Statistics{Min: 1, Max: 9, Mean: 5, StdDev: 4, ValidPercent: 100})

	d := newVRT(t, 4, 1)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: a.Name(), DstRect: raster.Rect(0, 0, 2, 1)}))
	require.NoError(t, band.AddSource(&Source{Filename: b.Name(), DstRect: raster.Rect(2, 0, 2, 1)}))

	lo, ok := band.Minimum()
	require.True(t, ok)
	assert.Equal(t, 1.0, lo)
	hi, ok := band.Maximum()
	require.True(t, ok)
	assert.Equal(t, 9.0, hi)

	band.SetMetadataItem("NBITS", "3", "IMAGE_STRUCTURE")
	hi, ok = band.Maximum()
	require.True(t, ok)
	assert.Equal(t, 7.0, hi)
}

func TestMinimumUnknown(t *testing.T) {
	src := memSource(t, 2, 1, raster.Byte, []uint8{3, 4})
	d := newVRT(t, 2, 1)

	plain := d.AddBand(raster.Byte)
	require.NoError(t, plain.AddSource(&Source{Filename: src.Name()}))
	_, ok := plain.Minimum()
	assert.False(t, ok, "source without statistics")

	src.MemBand(1).SetStatistics(raster.Statistics{Min: 3, Max: 4, Mean: 3.5, ValidPercent: 100})
	scaled := d.AddBand(raster.Byte)
	require.NoError(t, scaled.AddSource(&Source{Kind: KindComplex, Filename: src.Name(), Scaling: &Scaling{Ratio: 2}}))
	_, ok = scaled.Minimum()
	assert.False(t, ok, "scaled source")

	part := d.AddBand(raster.Byte)
	require.NoError(t, part.AddSource(&Source{Filename: src.Name(), SrcRect: raster.Rect(0, 0, 1, 1), DstRect: raster.Rect(0, 0, 1, 1)}))
	_, ok = part.Minimum()
	assert.False(t, ok, "partial source window")

	empty := d.AddBand(raster.Byte)
	_, ok = empty.Minimum()
	assert.False(t, ok)
}

func TestHistogramIsCached(t *testing.T) {
	ctx := context.Background()
	band := mosaicBand(t, []uint8{0, 1, 2, 3}, []uint8{3, 3, 2, 1})
	req := raster.HistogramRequest{Min: -0.5, Max: 3.5, Buckets: 4}

	h, err := band.Histogram(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 2, 3}, h.Counts)
	assert.False(t, h.Approximate)

	want, err := raster.ScanHistogram(ctx, band, req)
	require.NoError(t, err)
	assert.Equal(t, want.Counts, h.Counts)

	require.Len(t, band.Histograms(), 1)
	again, err := band.Histogram(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, h, again)

	// Same layout replaces the cached entry.
	band.cacheHistogram(raster.Histogram{Min: -0.5, Max: 3.5, Counts: []uint64{9, 9, 9, 9}})
	require.Len(t, band.Histograms(), 1)
	def, err := band.DefaultHistogram(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{9, 9, 9, 9}, def.Counts)

	band.SetNoData(3)
	assert.Empty(t, band.Histograms())
}

func TestDefaultHistogramLayout(t *testing.T) {
	band := mosaicBand(t, []uint8{0, 1, 2, 3}, []uint8{255, 3, 2, 1})
	h, err := band.DefaultHistogram(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, -0.5, h.Min)
	assert.Equal(t, 255.5, h.Max)
	require.Len(t, h.Counts, 256)
	assert.Equal(t, uint64(1), h.Counts[255])
	assert.Equal(t, uint64(2), h.Counts[3])
}

func TestApproximateStatisticsNotServedForExact(t *testing.T) {
	ctx := context.Background()
	band := mosaicBand(t, []uint8{1, 2, 3, 4}, []uint8{5, 6, 7, 8})
	band.SetStatistics(raster.Statistics{Min: 100, Max: 100, Mean: 100, ValidPercent: 100, Approximate: true})

	s, err := band.ComputeStatistics(ctx, raster.StatsOptions{ApproxOK: true})
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.Min)

	s, err = band.ComputeStatistics(ctx, raster.StatsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Min)
	assert.False(t, s.Approximate)
}
