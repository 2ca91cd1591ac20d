package vrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/raster"
)

func TestDataCoverageStatus(t *testing.T) {
	src := memSource(t, 4, 4, raster.Byte, ramp(16))
	d := newVRT(t, 4, 4)
	b := d.AddBand(raster.Byte)

	cov, pct, err := b.DataCoverageStatus(raster.Window{})
	require.NoError(t, err)
	assert.Equal(t, CoverageEmpty, cov)
	assert.Zero(t, pct)

	require.NoError(t, b.AddSource(&Source{Filename: src.Name(), SrcRect: raster.Rect(0, 0, 2, 4), DstRect: raster.Rect(0, 0, 2, 4)}))
	tests := []struct {
		win raster.Window
		cov Coverage
		pct float64
	}{
		{raster.Window{}, CoverageData | CoverageEmpty, 50},
		{raster.Rect(0, 0, 2, 2), CoverageData, 100},
		{raster.Rect(2, 0, 2, 2), CoverageEmpty, 0},
		{raster.Rect(1, 0, 2, 4), CoverageData | CoverageEmpty, 50},
	}
	for _, tt := range tests {
		cov, pct, err := b.DataCoverageStatus(tt.win)
		require.NoError(t, err)
		assert.Equal(t, tt.cov, cov, "%+v", tt.win)
		assert.InDelta(t, tt.pct, pct, 1e-9, "%+v", tt.win)
	}

	// Overlapping sources count once.
	require.NoError(t, b.AddSource(&Source{Filename: src.Name(), SrcRect: raster.Rect(0, 0, 3, 4), DstRect: raster.Rect(1, 0, 3, 4)}))
	cov, pct, err = b.DataCoverageStatus(raster.Window{})
	require.NoError(t, err)
	assert.Equal(t, CoverageData, cov)
	assert.Equal(t, 100.0, pct)

	_, _, err = b.DataCoverageStatus(raster.Window{XSize: -1, YSize: 1})
	assert.ErrorIs(t, err, raster.ErrOutOfBounds)
	assert.Equal(t, PoolStats{Entries: 1, Open: 0}, d.PoolStats(), "coverage does not open sources")
}

func TestUnionArea(t *testing.T) {
	assert.Zero(t, unionArea(nil))
	assert.Equal(t, 7.0, unionArea([]raster.Window{
		raster.Rect(0, 0, 2, 2),
		raster.Rect(1, 1, 2, 2),
	}))
	assert.Equal(t, 0.5, unionArea([]raster.Window{{XOff: 0.5, YOff: 0, XSize: 0.5, YSize: 1}}))
}
