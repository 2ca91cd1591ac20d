package raster

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	ctx := context.Background()
	ds := NewMem(20, 20, 2, Byte)
	defer ds.Close()

	ds.MemBand(1).Fill(255)
	sum, err := Checksum(ctx, ds.MemBand(1), Window{})
	require.NoError(t, err)
	assert.Equal(t, 4873, sum)

	vals := make([]uint8, 400)
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			vals[y*20+x] = uint8(x + y)
		}
	}
	require.NoError(t, WriteValues(ds.MemBand(2), vals))
	sum, err = Checksum(ctx, ds.MemBand(2), Window{})
	require.NoError(t, err)
	assert.Equal(t, 4678, sum)
}

func TestChecksumValue(t *testing.T) {
	tests := []struct {
		v       float64
		isFloat bool
		want    int32
	}{
		{math.NaN(), true, math.MinInt32},
		{math.Inf(1), true, math.MinInt32},
		{2.5, true, 3},
		{-2.5, true, -2},
		{1e20, true, math.MaxInt32},
		{-1e20, true, -math.MaxInt32},
		{-1e20, false, math.MinInt32},
		{42, false, 42},
	}
	for _, tt := range tests {
		if got := checksumValue(tt.v, tt.isFloat); got != tt.want {
			t.Errorf("checksumValue(%v, %v) = %d, want %d", tt.v, tt.isFloat, got, tt.want)
		}
	}
}
