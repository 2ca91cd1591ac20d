package vrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/vfs"
)

func ramp(n int) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = uint8(i)
	}
	return out
}

func TestImplicitOverviews(t *testing.T) {
	ctx := context.Background()
	src := memSource(t, 8, 8, raster.Byte, ramp(64))
	require.NoError(t, src.BuildOverviews([]int{2, 4}, resample.Average))

	d := newVRT(t, 8, 8)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: src.Name()}))

	require.Equal(t, 2, band.OverviewCount())
	assert.Nil(t, band.Overview(-1))
	assert.Nil(t, band.Overview(2))
	ovr := band.Overview(0)
	require.NotNil(t, ovr)
	assert.Equal(t, 4, ovr.Width())
	assert.Equal(t, 4, ovr.Height())
	assert.Equal(t, 2, band.Overview(1).Width())
	assert.Zero(t, ovr.OverviewCount())

	want, err := src.MemBand(1).Overview(0).Read(ctx, raster.Request{})
	require.NoError(t, err)
	got, err := ovr.Read(ctx, raster.Request{})
	require.NoError(t, err)
	assert.Equal(t, want.Real, got.Real)
	assert.Equal(t, PoolStats{Entries: 1, Open: 1}, d.PoolStats(), "overview sources reuse the base handle")

	// A downsampling read is served from the overview.
	down, err := band.Read(ctx, raster.Request{BufWidth: 4, BufHeight: 4})
	require.NoError(t, err)
	assert.Equal(t, want.Real, down.Real)

	// Full resolution reads ignore overviews when asked to.
	full, err := band.Read(ctx, raster.Request{BufWidth: 4, BufHeight: 4, NoOverviews: true})
	require.NoError(t, err)
	assert.Equal(t, 4, full.Width)
}

func TestImplicitOverviewsNeedSingleSource(t *testing.T) {
	src := memSource(t, 4, 4, raster.Byte, ramp(16))
	require.NoError(t, src.BuildOverviews([]int{2}, resample.Nearest))

	d := newVRT(t, 4, 4)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: src.Name(), DstRect: raster.Rect(0, 0, 2, 4), SrcRect: raster.Rect(0, 0, 2, 4)}))
	require.NoError(t, band.AddSource(&Source{Filename: src.Name(), DstRect: raster.Rect(2, 0, 2, 4), SrcRect: raster.Rect(2, 0, 2, 4)}))
	assert.Zero(t, band.OverviewCount())
	assert.Nil(t, band.Overview(0))
}

func TestImplicitOverviewMaskFollowsNoData(t *testing.T) {
	src := memSource(t, 4, 4, raster.Byte, ramp(16))
	require.NoError(t, src.BuildOverviews([]int{2}, resample.Nearest))
	d := newVRT(t, 4, 4)
	band := d.AddBand(raster.Byte)
	band.SetNoData(0)
	require.NoError(t, band.AddSource(&Source{Filename: src.Name()}))

	ovr := band.Overview(0)
	require.NotNil(t, ovr)
	assert.Equal(t, raster.MaskNoData, ovr.MaskFlags())
	nd, ok := ovr.NoData()
	assert.True(t, ok)
	assert.Equal(t, 0.0, nd)
}

func TestOverviewList(t *testing.T) {
	ctx := context.Background()
	src := memSource(t, 4, 2, raster.Byte, []uint8{1, 3, 5, 7, 1, 3, 5, 7})
	doc := `<VRTDataset rasterXSize="4" rasterYSize="2">
  <VRTRasterBand dataType="Byte" band="1">
    <SimpleSource><SourceFilename>` + src.Name() + `</SourceFilename></SimpleSource>
  </VRTRasterBand>
  <OverviewList resampling="average">2 4</OverviewList>
</VRTDataset>`
	d, err := Open(ctx, doc)
	require.NoError(t, err)
	defer d.Close()
	b, err := d.Band(1)
	require.NoError(t, err)

	require.Equal(t, 2, b.OverviewCount())
	o1, o2 := b.Overview(0), b.Overview(1)
	assert.Equal(t, 2, o1.Width())
	assert.Equal(t, 1, o1.Height())
	assert.Equal(t, 1, o2.Width())
	assert.Equal(t, 1, o2.Height())
	assert.Equal(t, []float64{2, 6}, readBand(t, o1, raster.Request{}))
	assert.Equal(t, []float64{4}, readBand(t, o2, raster.Request{}))

	doc2, err := d.Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(doc2), `<OverviewList resampling="average">2 4</OverviewList>`)
}

func TestBuildVirtualOverviews(t *testing.T) {
	src := memSource(t, 4, 4, raster.Byte, ramp(16))
	d := newVRT(t, 4, 4)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: src.Name()}))
	assert.Zero(t, band.OverviewCount())

	assert.Error(t, d.BuildOverviews(context.Background(), []int{1}, resample.Nearest))
	require.NoError(t, d.BuildOverviews(context.Background(), []int{2}, resample.Nearest))
	require.Equal(t, 1, band.OverviewCount())
	assert.Equal(t, 2, band.Overview(0).Width())
}

func TestBuildOverviewFiles(t *testing.T) {
	ctx := context.Background()
	o := DefaultOptions()
	o.VirtualOverviews = false
	withOptions(t, o)

	src := memSource(t, 4, 4, raster.Byte, ramp(16))
	d := newVRT(t, 4, 4)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: src.Name()}))
	assert.Error(t, d.BuildOverviews(ctx, []int{2}, resample.Nearest), "needs a file")

	path := "/vsimem/overview_files/base.vrt"
	require.NoError(t, d.WriteTo(path))
	on, err := Open(ctx, path)
	require.NoError(t, err)
	defer on.Close()
	require.NoError(t, on.BuildOverviews(ctx, []int{2}, resample.Nearest))

	b, err := on.VRTBand(1)
	require.NoError(t, err)
	require.Equal(t, 1, b.OverviewCount())
	ovr := b.Overview(0)
	require.NotNil(t, ovr)
	assert.Equal(t, 2, ovr.Width())
	doc, err := on.Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(doc), "base.vrt.ovr2.tif")
}

func TestExplicitOverviewMissingFile(t *testing.T) {
	d := newVRT(t, 4, 4)
	band := d.AddBand(raster.Byte)
	band.AddOverview("/vsimem/missing_overview.tif", false, 1, false)
	require.Equal(t, 1, band.OverviewCount())
	assert.Nil(t, band.Overview(0))
}

func TestOverviewPointingAtItself(t *testing.T) {
	ctx := context.Background()
	src := memSource(t, 20, 20, raster.Byte, ramp(400))
	path := "/vsimem/overview_self/x.vrt"
	doc := `<VRTDataset rasterXSize="20" rasterYSize="20">
  <VRTRasterBand dataType="Byte" band="1">
    <SimpleSource><SourceFilename>` + src.Name() + `</SourceFilename><SourceBand>1</SourceBand></SimpleSource>
    <Overview><SourceFilename>` + path + `</SourceFilename><SourceBand>1</SourceBand></Overview>
  </VRTRasterBand>
</VRTDataset>`
	require.NoError(t, vfs.WriteFile(path, []byte(doc)))
	t.Cleanup(func() { vfs.Remove(path) })

	d, err := Open(ctx, path)
	require.NoError(t, err)
	defer d.Close()

	type result struct {
		bufs []*raster.Buffer
		err  error
	}
	done := make(chan result, 1)
	go func() {
		bufs, err := d.Read(ctx, DatasetRequest{Window: raster.Rect(0, 0, 20, 20), BufWidth: 10, BufHeight: 10})
		done <- result{bufs, err}
	}()
	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("read through a self-referencing overview did not return")
	}
	require.NoError(t, res.err)
	require.Len(t, res.bufs, 1)
	assert.Equal(t, 10, res.bufs[0].Width)
	assert.Equal(t, 10, res.bufs[0].Height)

	b, err := d.Band(1)
	require.NoError(t, err)
	want := readBand(t, b, raster.Request{BufWidth: 10, BufHeight: 10, NoOverviews: true})
	assert.Equal(t, want, res.bufs[0].Real)
}
