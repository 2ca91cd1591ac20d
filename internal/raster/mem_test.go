package raster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/srs"
)

func TestMemOpenByName(t *testing.T) {
	ctx := context.Background()
	ds := NewMem(4, 3, 1, Byte)
	ds.MemBand(1).Fill(7)

	view, err := Open(ctx, ds.Name())
	require.NoError(t, err)
	require.NoError(t, view.Close())

	// Closing a view keeps the dataset and later changes visible.
	view, err = Open(ctx, ds.Name())
	require.NoError(t, err)
	ds.MemBand(1).SetNoData(7)
	b, err := view.Band(1)
	require.NoError(t, err)
	nd, ok := b.NoData()
	assert.True(t, ok)
	assert.Equal(t, 7.0, nd)

	require.NoError(t, ds.Close())
	_, err = Open(ctx, ds.Name())
	assert.True(t, errors.Is(err, ErrNotFound), "err = %v", err)
}

func TestMemBandOutOfRange(t *testing.T) {
	ds := NewMem(1, 1, 1, Byte)
	defer ds.Close()
	_, err := ds.Band(2)
	assert.True(t, errors.Is(err, ErrNoSuchBand))
	_, err = ds.Band(0)
	assert.True(t, errors.Is(err, ErrNoSuchBand))
}

func TestMemMaskFlags(t *testing.T) {
	ds := NewMem(2, 2, 2, Byte)
	defer ds.Close()
	b1, b2 := ds.MemBand(1), ds.MemBand(2)

	assert.Equal(t, MaskAllValid, b1.MaskFlags())

	b1.SetNoData(0)
	assert.Equal(t, MaskNoData, b1.MaskFlags())

	b2.SetColorInterp(Alpha)
	assert.Equal(t, MaskAlpha|MaskPerDataset, b2.MaskFlags())
	assert.Same(t, b2, b2.MaskBand())

	m := ds.CreateMask()
	assert.Equal(t, MaskPerDataset, b2.MaskFlags())
	assert.Same(t, m, b2.MaskBand())
	assert.Equal(t, MaskAllValid, m.MaskFlags())
	assert.Same(t, m, m.MaskBand())

	own := b1.CreateMask()
	assert.Equal(t, MaskFlags(0), b1.MaskFlags())
	assert.Same(t, own, b1.MaskBand())
}

func TestMemNoDataMaskRead(t *testing.T) {
	ctx := context.Background()
	ds := NewMem(3, 1, 1, Byte)
	defer ds.Close()
	b := ds.MemBand(1)
	require.NoError(t, WriteValues(b, []uint8{0, 5, 0}))
	b.SetNoData(0)

	buf, err := b.MaskBand().Read(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 255, 0}, buf.Real)
}

func TestMemReadResampled(t *testing.T) {
	ctx := context.Background()
	ds := NewMem(4, 4, 1, Byte)
	defer ds.Close()
	vals := make([]uint8, 16)
	for i := range vals {
		vals[i] = uint8(i)
	}
	require.NoError(t, WriteValues(ds.MemBand(1), vals))

	buf, err := ds.MemBand(1).Read(ctx, Request{BufWidth: 2, BufHeight: 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7, 13, 15}, buf.Real)

	buf, err = ds.MemBand(1).Read(ctx, Request{Window: Rect(1, 1, 2, 2), BufType: UInt16})
	require.NoError(t, err)
	assert.Equal(t, UInt16, buf.Type)
	assert.Equal(t, []float64{5, 6, 9, 10}, buf.Real)

	_, err = ds.MemBand(1).Read(ctx, NewRequest(3, 3, 2, 2))
	assert.True(t, errors.Is(err, ErrOutOfBounds))
}

func TestMemOverviewSelection(t *testing.T) {
	ctx := context.Background()
	ds := NewMem(8, 8, 1, Byte)
	defer ds.Close()
	b := ds.MemBand(1)
	b.Fill(10)
	require.NoError(t, ds.BuildOverviews([]int{2, 4}, resample.Average))
	require.Equal(t, 2, b.OverviewCount())
	assert.Equal(t, 4, b.Overview(0).Width())
	assert.Equal(t, 2, b.Overview(1).Width())
	assert.Nil(t, b.Overview(-1))
	assert.Nil(t, b.Overview(2))

	// Mark the overviews so the chosen level is visible in the result.
	b.overviews[0].data.Fill(20)
	b.overviews[1].data.Fill(40)

	tests := []struct {
		buf  int
		want float64
	}{
		{8, 10},
		{5, 10},
		{4, 20},
		{3, 20},
		{2, 40},
		{1, 40},
	}
	for _, tt := range tests {
		buf, err := b.Read(ctx, Request{BufWidth: tt.buf, BufHeight: tt.buf})
		require.NoError(t, err)
		if buf.Real[0] != tt.want {
			t.Errorf("read into %dx%d = %v, want %v", tt.buf, tt.buf, buf.Real[0], tt.want)
		}
	}

	buf, err := b.Read(ctx, Request{BufWidth: 1, BufHeight: 1, NoOverviews: true})
	require.NoError(t, err)
	assert.Equal(t, 10.0, buf.Real[0])
}

func TestMemStatisticsCached(t *testing.T) {
	ctx := context.Background()
	ds := NewMem(2, 2, 1, Float32)
	defer ds.Close()
	b := ds.MemBand(1)
	require.NoError(t, WriteValues(b, []float32{1, 2, 3, 4}))

	s, err := ComputeStatistics(ctx, b, StatsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, 2.5, s.Mean, 1e-12)
	assert.InDelta(t, 1.118033988749895, s.StdDev, 1e-12)
	assert.Equal(t, 100.0, s.ValidPercent)
	assert.False(t, s.Approximate)

	md := b.Metadata("")
	assert.Equal(t, "1", md[KeyMinimum])
	assert.Equal(t, "4", md[KeyMaximum])
	_, hasApprox := md[KeyApproximate]
	assert.False(t, hasApprox)

	require.NoError(t, WriteValues(b, []float32{0, 0, 0, 0}))
	_, ok := CachedStatistics(b)
	assert.False(t, ok, "writes drop cached statistics")
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src := NewMem(3, 2, 1, Int16)
	defer src.Close()
	b := src.MemBand(1)
	require.NoError(t, WriteValues(b, []int16{1, -2, 3, -4, 5, -6}))
	b.SetNoData(-6)
	b.SetDescription("elevation")
	b.SetOffsetScale(10, 0.5)
	src.SetGeoTransform(GeoTransform{100, 1, 0, 200, 0, -1})
	src.SetSpatialRef(srs.FromEPSG(4326))

	dst, err := Copy(ctx, src)
	require.NoError(t, err)
	defer dst.Close()

	db := dst.MemBand(1)
	buf, err := db.Read(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -2, 3, -4, 5, -6}, buf.Real)
	nd, ok := db.NoData()
	assert.True(t, ok)
	assert.Equal(t, -6.0, nd)
	assert.Equal(t, "elevation", db.Description())
	off, sc, ok := db.OffsetScale()
	assert.True(t, ok)
	assert.Equal(t, [2]float64{10, 0.5}, [2]float64{off, sc})
	gt, ok := dst.GeoTransform()
	assert.True(t, ok)
	assert.Equal(t, GeoTransform{100, 1, 0, 200, 0, -1}, gt)
	assert.Equal(t, 4326, dst.SpatialRef().EPSG())
}
