package vrt

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
)

// memSource returns a one-band in-memory dataset holding vals.
func memSource[T raster.Number](t *testing.T, w, h int, dt raster.DataType, vals []T) *raster.MemDataset {
	t.Helper()
	ds := raster.NewMem(w, h, 1, dt)
	require.NoError(t, raster.WriteValues(ds.MemBand(1), vals))
	t.Cleanup(func() { ds.Close() })
	return ds
}

// newVRT returns an empty virtual dataset closed at the end of the test.
func newVRT(t *testing.T, w, h int) *Dataset {
	t.Helper()
	d, err := New(w, h)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func readBand(t *testing.T, b raster.Band, req raster.Request) []float64 {
	t.Helper()
	buf, err := b.Read(context.Background(), req)
	require.NoError(t, err)
	return buf.Real
}

func TestBandLaterSourcesPaintOver(t *testing.T) {
	a := memSource(t, 4, 1, raster.Byte, []uint8{1, 2, 3, 4})
	b := memSource(t, 4, 1, raster.Byte, []uint8{9, 9, 9, 9})

	d := newVRT(t, 4, 1)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{Filename: a.Name()}))
	require.NoError(t, band.AddSource(&Source{
		Filename: b.Name(),
		SrcRect:  raster.Rect(0, 0, 2, 1),
		DstRect:  raster.Rect(2, 0, 2, 1),
	}))

	assert.Equal(t, []float64{1, 2, 9, 9}, readBand(t, band, raster.Request{}))
	assert.Equal(t, []float64{2, 9}, readBand(t, band, raster.NewRequest(1, 0, 2, 1)))
}

func TestBandUncoveredPixelsHoldNoData(t *testing.T) {
	src := memSource(t, 2, 1, raster.Int16, []int16{5, 6})

	d := newVRT(t, 4, 1)
	band := d.AddBand(raster.Int16)
	band.SetNoData(-1)
	require.NoError(t, band.AddSource(&Source{Filename: src.Name(), DstRect: raster.Rect(1, 0, 2, 1)}))
	assert.Equal(t, []float64{-1, 5, 6, -1}, readBand(t, band, raster.Request{}))

	// Hidden nodata still fills, but is no longer reported.
	band.SetHideNoData(true)
	_, ok := band.NoData()
	assert.False(t, ok)
	assert.Equal(t, []float64{-1, 5, 6, -1}, readBand(t, band, raster.Request{}))
}

func TestComplexSourceSkipsNoDataAndScales(t *testing.T) {
	src := memSource(t, 3, 1, raster.Byte, []uint8{0, 10, 20})
	nd := 0.0

	d := newVRT(t, 3, 1)
	band := d.AddBand(raster.Byte)
	band.SetNoData(7)
	require.NoError(t, band.AddSource(&Source{
		Kind:     KindComplex,
		Filename: src.Name(),
		NoData:   &nd,
		Scaling:  &Scaling{Offset: 1, Ratio: 2},
	}))
	assert.Equal(t, []float64{7, 21, 41}, readBand(t, band, raster.Request{}))
}

func TestComplexSourceScalesComplexSamples(t *testing.T) {
	src := raster.NewMem(1, 1, 1, raster.CFloat32)
	defer src.Close()
	buf := raster.NewBuffer(raster.CFloat32, 1, 1)
	buf.SetComplex(0, 0, complex(1, 3))
	require.NoError(t, src.MemBand(1).Write(0, 0, buf))

	d := newVRT(t, 1, 1)
	band := d.AddBand(raster.CFloat32)
	require.NoError(t, band.AddSource(&Source{
		Kind:     KindComplex,
		Filename: src.Name(),
		Scaling:  &Scaling{Offset: 3, Ratio: 2},
	}))
	out, err := band.Read(context.Background(), raster.Request{})
	require.NoError(t, err)
	assert.Equal(t, complex(5, 9), out.ComplexAt(0, 0))
}

func TestComplexSourceLookupTable(t *testing.T) {
	src := memSource(t, 3, 1, raster.Byte, []uint8{0, 5, 10})
	d := newVRT(t, 3, 1)
	band := d.AddBand(raster.Byte)
	require.NoError(t, band.AddSource(&Source{
		Kind:     KindComplex,
		Filename: src.Name(),
		LUT:      []LUTPoint{{0, 200}, {10, 100}},
	}))
	assert.Equal(t, []float64{200, 150, 100}, readBand(t, band, raster.Request{}))
}

func TestComplexSourceUseMaskBand(t *testing.T) {
	ctx := context.Background()
	src1 := raster.NewMem(3, 1, 1, raster.Byte)
	defer src1.Close()
	src1.MemBand(1).Fill(255)
	require.NoError(t, raster.WriteValues(src1.MemBand(1).CreateMask(), []uint8{255, 0, 0}))

	src2 := raster.NewMem(3, 1, 1, raster.Byte)
	defer src2.Close()
	src2.MemBand(1).Fill(127)
	require.NoError(t, raster.WriteValues(src2.MemBand(1).CreateMask(), []uint8{0, 255, 0}))

	source := func(name, band string) string {
		return fmt.Sprintf(`<ComplexSource>
      <SourceFilename>%s</SourceFilename>
      <SourceBand>%s</SourceBand>
      <SrcRect xOff="0" yOff="0" xSize="3" ySize="1" />
      <DstRect xOff="0" yOff="0" xSize="3" ySize="1" />
      <UseMaskBand>true</UseMaskBand>
    </ComplexSource>`, name, band)
	}
	doc := `<VRTDataset rasterXSize="3" rasterYSize="1">
  <VRTRasterBand dataType="Byte" band="1">` +
		source(src1.Name(), "1") + source(src2.Name(), "1") + `
  </VRTRasterBand>
  <MaskBand>
    <VRTRasterBand dataType="Byte">` +
		source(src1.Name(), "mask,1") + source(src2.Name(), "mask,1") + `
    </VRTRasterBand>
  </MaskBand>
</VRTDataset>`

	d, err := Open(ctx, doc)
	require.NoError(t, err)
	defer d.Close()
	b, err := d.Band(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{255, 127, 0}, readBand(t, b, raster.Request{}))
	assert.Equal(t, raster.MaskPerDataset, b.MaskFlags())
	assert.Equal(t, []float64{255, 255, 0}, readBand(t, b.MaskBand(), raster.Request{}))
}

func TestSourceResamplingOnDownsample(t *testing.T) {
	src := memSource(t, 4, 1, raster.Byte, []uint8{10, 20, 30, 40})

	d := newVRT(t, 2, 1)
	near := d.AddBand(raster.Byte)
	require.NoError(t, near.AddSource(&Source{Filename: src.Name(), SrcRect: raster.Rect(0, 0, 4, 1)}))
	avg := d.AddBand(raster.Byte)
	require.NoError(t, avg.AddSource(&Source{Kind: KindAveraged, Filename: src.Name(), SrcRect: raster.Rect(0, 0, 4, 1)}))
	declared := d.AddBand(raster.Byte)
	require.NoError(t, declared.AddSource(&Source{Filename: src.Name(), SrcRect: raster.Rect(0, 0, 4, 1), Resampling: "average"}))

	assert.Equal(t, []float64{20, 40}, readBand(t, near, raster.Request{}))
	assert.Equal(t, []float64{15, 35}, readBand(t, avg, raster.Request{}))
	assert.Equal(t, []float64{15, 35}, readBand(t, declared, raster.Request{}))
}

func TestReadIsWindowInvariant(t *testing.T) {
	src := memSource(t, 8, 1, raster.Float32, []float32{1, 4, 2, 8, 5, 7, 3, 6})
	d := newVRT(t, 4, 1)
	band := d.AddBand(raster.Float32)
	require.NoError(t, band.AddSource(&Source{Filename: src.Name(), SrcRect: raster.Rect(0, 0, 8, 1)}))

	full := raster.Request{Resampling: resample.Bilinear}
	whole := readBand(t, band, full)
	part := readBand(t, band, raster.Request{Window: raster.Rect(2, 0, 2, 1), Resampling: resample.Bilinear})
	assert.InDeltaSlice(t, whole[2:4], part, 1e-9)
}

func TestNearIntegerDstRect(t *testing.T) {
	src := memSource(t, 3, 1, raster.Byte, []uint8{1, 2, 3})
	for _, off := range []float64{1, 1.0000000001, 0.9999999999} {
		d := newVRT(t, 4, 1)
		band := d.AddBand(raster.Byte)
		require.NoError(t, band.AddSource(&Source{
			Filename: src.Name(),
			SrcRect:  raster.Rect(0, 0, 3, 1),
			DstRect:  raster.Window{XOff: off, YOff: 0, XSize: 3, YSize: 1},
		}))
		assert.Equal(t, []float64{0, 1, 2, 3}, readBand(t, band, raster.Request{}), "xOff=%v", off)
	}
}

func TestNBITSClampsPixels(t *testing.T) {
	src := memSource(t, 3, 1, raster.Byte, []uint8{0, 100, 63})
	d := newVRT(t, 3, 1)
	band := d.AddBand(raster.Byte)
	band.SetMetadataItem("NBITS", "6", "IMAGE_STRUCTURE")
	require.NoError(t, band.AddSource(&Source{Filename: src.Name()}))
	assert.Equal(t, []float64{0, 63, 63}, readBand(t, band, raster.Request{}))
}

func TestBandMaskFlags(t *testing.T) {
	d := newVRT(t, 2, 2)
	b1 := d.AddBand(raster.Byte)
	b2 := d.AddBand(raster.Byte)
	assert.Equal(t, raster.MaskAllValid, b1.MaskFlags())

	b1.SetNoData(0)
	assert.Equal(t, raster.MaskNoData, b1.MaskFlags())
	b1.DeleteNoData()

	b2.SetColorInterp(raster.Alpha)
	assert.Equal(t, raster.MaskAlpha|raster.MaskPerDataset, b1.MaskFlags())
	assert.Same(t, b2, b1.MaskBand())

	m := d.CreateMask()
	assert.Equal(t, raster.MaskPerDataset, b1.MaskFlags())
	assert.Same(t, m, b1.MaskBand())
	assert.Equal(t, raster.MaskAllValid, m.MaskFlags())

	own := b1.CreateMask()
	assert.Equal(t, raster.MaskFlags(0), b1.MaskFlags())
	assert.Same(t, own, b1.MaskBand())
}

func TestAddSourceValidates(t *testing.T) {
	d := newVRT(t, 2, 2)
	b := d.AddBand(raster.Byte)
	assert.ErrorIs(t, b.AddSource(&Source{}), ErrInvalidDescriptor)
	assert.ErrorIs(t, b.AddSource(&Source{Filename: "x.tif", DstRect: raster.Window{XOff: -1, XSize: 1, YSize: 1}}), ErrInvalidDescriptor)
	assert.Empty(t, b.Sources())
}

func TestMissingSourceFailsRead(t *testing.T) {
	d := newVRT(t, 2, 2)
	b := d.AddBand(raster.Byte)
	require.NoError(t, b.AddSource(&Source{Filename: raster.MemPrefix + "gone"}))
	_, err := b.Read(context.Background(), raster.Request{})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestSetNoDataDropsStatistics(t *testing.T) {
	src := memSource(t, 2, 1, raster.Byte, []uint8{1, 3})
	d := newVRT(t, 2, 1)
	b := d.AddBand(raster.Byte)
	require.NoError(t, b.AddSource(&Source{Filename: src.Name()}))

	_, err := b.ComputeStatistics(context.Background(), raster.StatsOptions{})
	require.NoError(t, err)
	_, ok := raster.CachedStatistics(b)
	require.True(t, ok)

	b.SetNoData(1)
	_, ok = raster.CachedStatistics(b)
	assert.False(t, ok)
}
