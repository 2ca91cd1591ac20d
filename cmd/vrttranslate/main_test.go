package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/encode"
	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/vfs"
)

func TestSize(t *testing.T) {
	tests := []struct {
		v    string
		ref  float64
		want int
		err  bool
	}{
		{"10", 100, 10, false},
		{"50%", 100, 50, false},
		{"1%", 10, 1, false},
		{"0", 10, 0, true},
		{"x%", 10, 0, true},
	}
	for _, tt := range tests {
		got, err := size(tt.v, tt.ref)
		if tt.err {
			assert.Error(t, err, tt.v)
			continue
		}
		require.NoError(t, err, tt.v)
		assert.Equal(t, tt.want, got, tt.v)
	}
}

func TestTranslateSubset(t *testing.T) {
	ctx := context.Background()
	src := raster.NewMem(4, 4, 2, raster.Byte)
	defer src.Close()
	src.SetGeoTransform(raster.GeoTransform{100, 2, 0, 200, 0, -2})
	vals := make([]uint8, 16)
	for i := range vals {
		vals[i] = uint8(i)
	}
	require.NoError(t, raster.WriteValues(src.MemBand(1), vals))
	src.MemBand(2).Fill(7)
	src.MemBand(2).SetNoData(7)

	d, err := translate(src, src.Name(), options{
		bands:   []int{2, 1},
		srcWin:  []float64{2, 2, 2, 2},
		outSize: []string{"1", "1"},
		noData:  "none",
		outType: "UInt16",
	})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 1, d.Width())
	assert.Equal(t, 2, d.BandCount())
	gt, ok := d.GeoTransform()
	require.True(t, ok)
	assert.Equal(t, raster.GeoTransform{104, 4, 0, 196, 0, -4}, gt)

	b1, err := d.VRTBand(1)
	require.NoError(t, err)
	assert.Equal(t, raster.UInt16, b1.DataType())
	_, hasNoData := b1.NoData()
	assert.False(t, hasNoData)

	b2, err := d.Band(2)
	require.NoError(t, err)
	buf, err := b2.Read(ctx, raster.Request{})
	require.NoError(t, err)
	assert.Equal(t, []float64{15}, buf.Real, "nearest picks the lower right pixel of the window")

	_, err = translate(src, src.Name(), options{bands: []int{3}})
	assert.ErrorIs(t, err, raster.ErrNoSuchBand)
	_, err = translate(src, src.Name(), options{resampling: "sharpest"})
	assert.Error(t, err)
}

func TestWriteQuicklook(t *testing.T) {
	ctx := context.Background()
	src := raster.NewMem(2, 2, 1, raster.Float32)
	defer src.Close()
	require.NoError(t, raster.WriteValues(src.MemBand(1), []float32{0, 10, 20, 30}))

	d, err := translate(src, src.Name(), options{})
	require.NoError(t, err)
	defer d.Close()

	path := "/vsimem/vrttranslate/quicklook.png"
	require.NoError(t, writeQuicklook(ctx, path, d, options{resampling: "nearest"}))
	data, err := vfs.ReadFile(path)
	require.NoError(t, err)
	img, err := encode.Decode(bytes.NewReader(data), encode.FormatPNG)
	require.NoError(t, err)
	r, _, _, _ := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(255), r>>8, "the band maximum maps to white")
	r, _, _, _ = img.At(0, 0).RGBA()
	assert.Zero(t, r>>8)

	assert.Error(t, writeQuicklook(ctx, "/vsimem/vrttranslate/out.bmp", d, options{resampling: "nearest"}))
}
