package vrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/vrtxml"
)

func TestParseSourceBand(t *testing.T) {
	tests := []struct {
		in   string
		band int
		mask bool
		err  bool
	}{
		{"", 1, false, false},
		{"3", 3, false, false},
		{" 2 ", 2, false, false},
		{"mask", 1, true, false},
		{"mask,2", 2, true, false},
		{"mask,0", 1, true, false},
		{"0", 0, false, true},
		{"-1", 0, false, true},
		{"mask,x", 0, false, true},
		{"two", 0, false, true},
	}
	for _, tt := range tests {
		band, mask, err := parseSourceBand(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("parseSourceBand(%q) accepted", tt.in)
			}
			continue
		}
		if err != nil || band != tt.band || mask != tt.mask {
			t.Errorf("parseSourceBand(%q) = %d, %v, %v; want %d, %v", tt.in, band, mask, err, tt.band, tt.mask)
		}
	}
}

func TestLookupTable(t *testing.T) {
	lut, err := parseLUT("10:100, 0:0,20:0")
	require.NoError(t, err)
	require.Len(t, lut, 3)
	assert.Equal(t, 0.0, lut[0].In, "entries are sorted by input")

	for _, tt := range []struct{ in, want float64 }{
		{-5, 0}, {0, 0}, {5, 50}, {10, 100}, {15, 50}, {20, 0}, {99, 0},
	} {
		assert.InDelta(t, tt.want, lookup(lut, tt.in), 1e-12, "lookup(%v)", tt.in)
	}
	assert.Equal(t, "0:0,10:100,20:0", formatLUT(lut))

	_, err = parseLUT("1:2,3")
	assert.Error(t, err)
	_, err = parseLUT("a:1")
	assert.Error(t, err)
}

func TestSourceTransform(t *testing.T) {
	s := &Source{Kind: KindComplex, Scaling: &Scaling{Offset: 3, Ratio: 2}}
	assert.True(t, s.transforms())
	re, im := s.transform(1, 3)
	assert.Equal(t, 5.0, re)
	assert.Equal(t, 9.0, im)

	simple := &Source{Kind: KindSimple, Scaling: &Scaling{Offset: 3, Ratio: 2}}
	assert.False(t, simple.transforms(), "only complex sources change values")
	_, ok := simple.noData()
	assert.False(t, ok)
}

func TestAxisSpan(t *testing.T) {
	// 4 output pixels over a band of 4, source placed at [2, 4) from
	// source pixels [0, 2).
	s, ok := axisSpan(0, 4, 4, 2, 2, 0, 2, 4)
	require.True(t, ok)
	assert.Equal(t, span{out: 2, n: 2, s0: 0, s1: 2}, s)

	// Outside the request.
	_, ok = axisSpan(0, 2, 2, 2, 2, 0, 2, 4)
	assert.False(t, ok)

	// Source pixels beyond the underlying raster are not painted.
	s, ok = axisSpan(0, 4, 4, 0, 4, 2, 4, 4)
	require.True(t, ok)
	assert.Equal(t, 0, s.out)
	assert.Equal(t, 2, s.n)
	assert.Equal(t, 2.0, s.s0)
	assert.Equal(t, 4.0, s.s1)
}

func TestSnap(t *testing.T) {
	assert.Equal(t, 1.0, snap(1.0000000001))
	assert.Equal(t, 1.0, snap(0.9999999999))
	assert.Equal(t, 0.5, snap(0.5))
}

func TestSourceFromXML(t *testing.T) {
	x := vrtxml.Source{
		SourceFilename: &vrtxml.SourceFilename{Name: " a.tif ", RelativeToVRT: true, Shared: vrtxml.BoolPtr(false)},
		SourceBand:     "mask,2",
		SrcRect:        &vrtxml.Rect{XSize: 4, YSize: 4},
		DstRect:        &vrtxml.Rect{XOff: 1, YOff: 1, XSize: 2, YSize: 2},
		NoData:         "nan",
		UseMaskBand:    true,
		ScaleRatio:     vrtxml.Float64Ptr(2),
		LUT:            "0:1,1:0",
	}
	x.XMLName.Local = vrtxml.ComplexSource
	s, err := sourceFromXML(x)
	require.NoError(t, err)
	assert.Equal(t, KindComplex, s.Kind)
	assert.Equal(t, "a.tif", s.Filename)
	assert.True(t, s.RelativeToVRT)
	require.NotNil(t, s.Shared)
	assert.False(t, *s.Shared)
	assert.Equal(t, 2, s.Band)
	assert.True(t, s.MaskBand)
	assert.Equal(t, raster.Rect(1, 1, 2, 2), s.DstRect)
	nd, ok := s.noData()
	assert.True(t, ok)
	assert.True(t, nd != nd, "nodata is NaN")
	assert.Equal(t, &Scaling{Offset: 0, Ratio: 2}, s.Scaling)
	assert.Len(t, s.LUT, 2)

	back := s.toXML()
	assert.Equal(t, vrtxml.ComplexSource, back.Kind())
	assert.Equal(t, "mask,2", back.SourceBand)
	assert.Equal(t, "nan", back.NoData)
	assert.Equal(t, "0:1,1:0", back.LUT)
}

func TestSourceFromXMLRejects(t *testing.T) {
	base := func() vrtxml.Source {
		x := vrtxml.Source{SourceFilename: &vrtxml.SourceFilename{Name: "a.tif"}}
		x.XMLName.Local = vrtxml.SimpleSource
		return x
	}
	tests := map[string]func(x *vrtxml.Source){
		"no filename":    func(x *vrtxml.Source) { x.SourceFilename = nil },
		"empty filename": func(x *vrtxml.Source) { x.SourceFilename.Name = "  " },
		"bad band":       func(x *vrtxml.Source) { x.SourceBand = "0" },
		"bad resampling": func(x *vrtxml.Source) { x.Resampling = "sharpest" },
		"bad type":       func(x *vrtxml.Source) { x.SourceProperties = &vrtxml.SourceProperties{DataType: "Int128"} },
		"negative src":   func(x *vrtxml.Source) { x.SrcRect = &vrtxml.Rect{XOff: -1, XSize: 1, YSize: 1} },
		"empty dst":      func(x *vrtxml.Source) { x.DstRect = &vrtxml.Rect{XSize: 0, YSize: 1} },
		"unknown kind":   func(x *vrtxml.Source) { x.XMLName.Local = "KernelFilteredSource" },
	}
	for name, mutate := range tests {
		x := base()
		mutate(&x)
		_, err := sourceFromXML(x)
		assert.ErrorIs(t, err, ErrInvalidDescriptor, name)
	}
}
