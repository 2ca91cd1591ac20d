package vrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/srs"
)

// geoMem returns a 2x2 Byte dataset with its top left corner at (x, y)
// and a pixel size of res.
func geoMem(t *testing.T, x, y, res float64, vals []uint8) *raster.MemDataset {
	t.Helper()
	ds := memSource(t, 2, 2, raster.Byte, vals)
	ds.SetGeoTransform(raster.GeoTransform{x, res, 0, y, 0, -res})
	ds.SetSpatialRef(srs.FromEPSG(32631))
	return ds
}

func TestBuildMosaic(t *testing.T) {
	a := geoMem(t, 0, 10, 1, []uint8{1, 2, 3, 4})
	b := geoMem(t, 2, 10, 1, []uint8{5, 6, 7, 8})

	d, err := BuildMosaic([]raster.Dataset{a, b}, BuildOptions{})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 4, d.Width())
	assert.Equal(t, 2, d.Height())
	gt, ok := d.GeoTransform()
	require.True(t, ok)
	assert.Equal(t, raster.GeoTransform{0, 1, 0, 10, 0, -1}, gt)
	assert.Equal(t, 32631, d.SpatialRef().EPSG())

	band, err := d.VRTBand(1)
	require.NoError(t, err)
	require.Len(t, band.Sources(), 2)
	assert.Equal(t, raster.Rect(2, 0, 2, 2), band.Sources()[1].DstRect)
	assert.Equal(t, []float64{1, 2, 5, 6, 3, 4, 7, 8}, readBand(t, band, raster.Request{}))

	// Mosaic statistics come from the two tiles.
	st, err := band.ComputeStatistics(context.Background(), raster.StatsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 8.0, st.Max)
}

func TestBuildMosaicOptions(t *testing.T) {
	a := geoMem(t, 0, 10, 1, []uint8{0, 2, 3, 4})
	b := geoMem(t, 0, 8, 2, []uint8{5, 6, 7, 8})
	zero := 0.0

	d, err := BuildMosaic([]raster.Dataset{a, b}, BuildOptions{
		NoData: 255, HasNoData: true, SrcNoData: &zero, Resampling: "bilinear", Resolution: "highest",
	})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 4, d.Width())
	assert.Equal(t, 6, d.Height())
	band, err := d.VRTBand(1)
	require.NoError(t, err)
	nd, ok := band.NoData()
	assert.True(t, ok)
	assert.Equal(t, 255.0, nd)
	for _, s := range band.Sources() {
		assert.Equal(t, KindComplex, s.Kind)
		assert.Equal(t, "bilinear", s.Resampling)
	}
	assert.Equal(t, raster.Rect(0, 2, 4, 4), band.Sources()[1].DstRect)
	// The top right quarter is not covered.
	assert.Equal(t, 255.0, readBand(t, band, raster.NewRequest(3, 0, 1, 1))[0])

	lowest, err := BuildMosaic([]raster.Dataset{a, b}, BuildOptions{Resolution: "lowest"})
	require.NoError(t, err)
	defer lowest.Close()
	assert.Equal(t, 2, lowest.Width())
	assert.Equal(t, 3, lowest.Height())
}

func TestBuildMosaicRejects(t *testing.T) {
	a := geoMem(t, 0, 10, 1, []uint8{1, 2, 3, 4})

	_, err := BuildMosaic(nil, BuildOptions{})
	assert.Error(t, err)

	_, err = BuildMosaic([]raster.Dataset{a}, BuildOptions{Resampling: "sharpest"})
	assert.Error(t, err)

	noGT := memSource(t, 2, 2, raster.Byte, []uint8{1, 2, 3, 4})
	_, err = BuildMosaic([]raster.Dataset{a, noGT}, BuildOptions{})
	assert.Error(t, err)

	twoBands := raster.NewMem(2, 2, 2, raster.Byte)
	defer twoBands.Close()
	twoBands.SetGeoTransform(raster.GeoTransform{0, 1, 0, 10, 0, -1})
	twoBands.SetSpatialRef(srs.FromEPSG(32631))
	_, err = BuildMosaic([]raster.Dataset{a, twoBands}, BuildOptions{})
	assert.Error(t, err)

	other := geoMem(t, 2, 10, 1, []uint8{1, 2, 3, 4})
	other.SetSpatialRef(srs.FromEPSG(4326))
	_, err = BuildMosaic([]raster.Dataset{a, other}, BuildOptions{})
	assert.Error(t, err)
}

func TestPickResolution(t *testing.T) {
	res := []float64{1, 2, 6}
	assert.Equal(t, 1.0, pickResolution(res, "highest"))
	assert.Equal(t, 6.0, pickResolution(res, "lowest"))
	assert.Equal(t, 3.0, pickResolution(res, ""))
	assert.Equal(t, 3.0, pickResolution(res, "average"))
}

func TestFromDataset(t *testing.T) {
	src := raster.NewMem(3, 2, 2, raster.UInt16)
	defer src.Close()
	src.SetGeoTransform(raster.GeoTransform{10, 1, 0, 20, 0, -1})
	src.SetMetadataItem("AREA_OR_POINT", "Area", "")
	require.NoError(t, raster.WriteValues(src.MemBand(1), []uint16{1, 2, 3, 4, 5, 6}))
	src.MemBand(2).Fill(9)
	src.MemBand(2).SetNoData(9)
	src.MemBand(2).SetDescription("flat")
	src.MemBand(1).SetMetadataItem("NBITS", "3", "IMAGE_STRUCTURE")
	src.MemBand(1).SetMetadataItem("COMPRESSION", "DEFLATE", "IMAGE_STRUCTURE")

	d, err := FromDataset(src)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 2, d.BandCount())
	gt, _ := d.GeoTransform()
	assert.Equal(t, raster.GeoTransform{10, 1, 0, 20, 0, -1}, gt)
	assert.Equal(t, "Area", d.Metadata("")["AREA_OR_POINT"])

	b1, err := d.VRTBand(1)
	require.NoError(t, err)
	assert.Equal(t, raster.Metadata{"NBITS": "3"}, b1.Metadata("IMAGE_STRUCTURE"))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, raster.Values[float64](mustRead(t, b1, raster.Request{BufType: raster.Float64})))
	b2, err := d.VRTBand(2)
	require.NoError(t, err)
	nd, ok := b2.NoData()
	assert.True(t, ok)
	assert.Equal(t, 9.0, nd)
	assert.Equal(t, "flat", b2.Description())
	assert.Equal(t, 3, b2.Sources()[0].Properties.BlockXSize)
}

func mustRead(t *testing.T, b raster.Band, req raster.Request) *raster.Buffer {
	t.Helper()
	buf, err := b.Read(context.Background(), req)
	require.NoError(t, err)
	return buf
}

func TestDatasetReadMatchesBandReads(t *testing.T) {
	ctx := context.Background()
	src := raster.NewMem(4, 4, 3, raster.Byte)
	defer src.Close()
	for i := 1; i <= 3; i++ {
		vals := ramp(16)
		for j := range vals {
			vals[j] += uint8(i * 20)
		}
		require.NoError(t, raster.WriteValues(src.MemBand(i), vals))
	}
	d, err := FromDataset(src)
	require.NoError(t, err)
	defer d.Close()

	perBand := func(bands []int, req raster.Request) [][]float64 {
		var out [][]float64
		for _, n := range bands {
			b, err := d.Band(n)
			require.NoError(t, err)
			out = append(out, readBand(t, b, req))
		}
		return out
	}
	values := func(bufs []*raster.Buffer) [][]float64 {
		var out [][]float64
		for _, b := range bufs {
			out = append(out, b.Convert(raster.Float64).Real)
		}
		return out
	}

	for _, req := range []DatasetRequest{
		{},
		{Bands: []int{3, 1}},
		{Window: raster.Rect(1, 1, 2, 3), BufType: raster.Float32},
		{BufWidth: 2, BufHeight: 2},
		{BufWidth: 2, BufHeight: 2, Resampling: resample.Average},
	} {
		bands := req.Bands
		if bands == nil {
			bands = []int{1, 2, 3}
		}
		got, err := d.Read(ctx, req)
		require.NoError(t, err)
		require.Len(t, got, len(bands))
		breq := raster.Request{Window: req.Window, BufWidth: req.BufWidth, BufHeight: req.BufHeight, BufType: req.BufType, Resampling: req.Resampling}
		assert.Equal(t, perBand(bands, breq), values(got), "%+v", req)
		if req.BufType != raster.Unknown {
			assert.Equal(t, req.BufType, got[0].Type)
		}
	}

	// A transforming band takes the per-band path.
	b2, err := d.VRTBand(2)
	require.NoError(t, err)
	b2.Sources()[0].Kind = KindComplex
	b2.Sources()[0].Scaling = &Scaling{Offset: 1, Ratio: 1}
	got, err := d.ReadBands(ctx, []int{1, 2}, raster.Request{})
	require.NoError(t, err)
	assert.Equal(t, perBand([]int{1, 2}, raster.Request{}), values(got))
	assert.Equal(t, 41.0, got[1].At(0, 0))

	_, err = d.Read(ctx, DatasetRequest{Bands: []int{4}})
	assert.ErrorIs(t, err, raster.ErrNoSuchBand)
}
