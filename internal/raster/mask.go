package raster

import (
	"context"
	"math"

	"github.com/pspoerri/govrt/internal/resample"
)

// maskBase carries the Band methods shared by derived mask bands.
type maskBase struct {
	parent Band
}

func (m maskBase) Index() int                      { return 0 }
func (m maskBase) DataType() DataType              { return Byte }
func (m maskBase) Width() int                      { return m.parent.Width() }
func (m maskBase) Height() int                     { return m.parent.Height() }
func (m maskBase) BlockSize() (int, int)           { return m.parent.BlockSize() }
func (m maskBase) NoData() (float64, bool)         { return 0, false }
func (m maskBase) ColorInterp() ColorInterp        { return Undefined }
func (m maskBase) Metadata(domain string) Metadata { return nil }
func (m maskBase) OverviewCount() int              { return 0 }
func (m maskBase) Overview(int) Band               { return nil }

// AllValidMask is the mask of a band without nodata: 255 everywhere.
type AllValidMask struct{ maskBase }

// NewAllValidMask returns the all-valid mask of parent.
func NewAllValidMask(parent Band) *AllValidMask {
	return &AllValidMask{maskBase{parent}}
}

func (m *AllValidMask) MaskFlags() MaskFlags { return MaskAllValid }
func (m *AllValidMask) MaskBand() Band       { return m }

func (m *AllValidMask) Read(ctx context.Context, req Request) (*Buffer, error) {
	req, err := req.Normalize(m.Width(), m.Height(), Byte)
	if err != nil {
		return nil, err
	}
	b := NewBuffer(Byte, req.BufWidth, req.BufHeight)
	b.Fill(255)
	return b.Convert(req.BufType), nil
}

// NoDataMask derives validity from the parent's nodata value: 0 where the
// parent equals nodata, 255 elsewhere.
type NoDataMask struct{ maskBase }

// NewNoDataMask returns the nodata mask of parent.
func NewNoDataMask(parent Band) *NoDataMask {
	return &NoDataMask{maskBase{parent}}
}

func (m *NoDataMask) MaskFlags() MaskFlags { return MaskNoData }
func (m *NoDataMask) MaskBand() Band       { return m }

func (m *NoDataMask) Read(ctx context.Context, req Request) (*Buffer, error) {
	req, err := req.Normalize(m.Width(), m.Height(), Byte)
	if err != nil {
		return nil, err
	}
	// Nearest keeps mask values binary.
	inner := req
	inner.BufType = m.parent.DataType()
	inner.Resampling = resample.Nearest
	src, err := m.parent.Read(ctx, inner)
	if err != nil {
		return nil, err
	}
	nd, _ := m.parent.NoData()
	ndNaN := math.IsNaN(nd)
	out := NewBuffer(Byte, req.BufWidth, req.BufHeight)
	for i, v := range src.Real {
		if v == nd || (ndNaN && math.IsNaN(v)) {
			continue
		}
		out.Real[i] = 255
	}
	return out.Convert(req.BufType), nil
}

// DefaultMask picks the mask of a band without an explicit mask: nodata
// based when the band has nodata, the dataset's alpha band when there is
// one, otherwise all valid.
func DefaultMask(b Band, alpha Band) (Band, MaskFlags) {
	if _, ok := b.NoData(); ok {
		return NewNoDataMask(b), MaskNoData
	}
	if alpha != nil {
		return alpha, MaskAlpha | MaskPerDataset
	}
	return NewAllValidMask(b), MaskAllValid
}

// Valid reports whether v is a valid sample under a nodata rule. NaN is
// never valid.
func Valid(v, nodata float64, hasNoData bool) bool {
	if math.IsNaN(v) {
		return false
	}
	return !hasNoData || v != nodata
}
