// Package raster defines the dataset and band model shared by every raster
// driver, the in-memory MEM driver, and the generic read, statistics and
// checksum routines that work against any band.
package raster

import (
	"context"
	"strings"

	"github.com/pspoerri/govrt/internal/srs"
)

// Dataset is an open raster: a grid of pixels with one or more bands.
type Dataset interface {
	Name() string
	Width() int
	Height() int
	BandCount() int
	// Band returns the 1-based band i.
	Band(i int) (Band, error)
	GeoTransform() (GeoTransform, bool)
	// SpatialRef returns nil when the dataset has no spatial reference.
	SpatialRef() *srs.SpatialRef
	GCPs() ([]GCP, *srs.SpatialRef)
	Metadata(domain string) Metadata
	Close() error
}

// Band is one channel of a dataset.
type Band interface {
	// Index is the 1-based position in the dataset, or 0 for mask bands.
	Index() int
	DataType() DataType
	Width() int
	Height() int
	BlockSize() (int, int)
	NoData() (float64, bool)
	ColorInterp() ColorInterp
	Metadata(domain string) Metadata
	MaskFlags() MaskFlags
	// MaskBand never returns nil. The mask of a mask band is itself.
	MaskBand() Band
	OverviewCount() int
	// Overview returns the 0-based overview i, or nil if there is none.
	Overview(i int) Band
	Read(ctx context.Context, req Request) (*Buffer, error)
}

// Describer exposes the descriptive properties some bands carry.
type Describer interface {
	Description() string
	Unit() string
	OffsetScale() (offset, scale float64, ok bool)
	ColorTable() ColorTable
	CategoryNames() []string
}

// Statistician is implemented by bands that compute (and usually cache)
// their own statistics.
type Statistician interface {
	ComputeStatistics(ctx context.Context, opts StatsOptions) (Statistics, error)
}

// MultiBandReader reads several bands of a dataset in one call. Results are
// identical to reading each band separately.
type MultiBandReader interface {
	ReadBands(ctx context.Context, bands []int, req Request) ([]*Buffer, error)
}

// GeoTransform maps pixel/line coordinates to georeferenced coordinates:
//
//	Xgeo = GT[0] + P*GT[1] + L*GT[2]
//	Ygeo = GT[3] + P*GT[4] + L*GT[5]
type GeoTransform [6]float64

// Apply transforms pixel (p, l) to georeferenced coordinates.
func (gt GeoTransform) Apply(p, l float64) (x, y float64) {
	return gt[0] + p*gt[1] + l*gt[2], gt[3] + p*gt[4] + l*gt[5]
}

// NorthUp reports whether the transform has no rotation terms.
func (gt GeoTransform) NorthUp() bool {
	return gt[2] == 0 && gt[4] == 0
}

// GCP is a ground control point tying a pixel position to a location.
type GCP struct {
	ID, Info    string
	Pixel, Line float64
	X, Y, Z     float64
}

// ColorInterp describes how a band's values are to be displayed.
type ColorInterp int

const (
	Undefined ColorInterp = iota
	Gray
	Palette
	Red
	Green
	Blue
	Alpha
)

var colorInterpNames = [...]string{"Undefined", "Gray", "Palette", "Red", "Green", "Blue", "Alpha"}

func (c ColorInterp) String() string {
	if c < 0 || int(c) >= len(colorInterpNames) {
		return colorInterpNames[Undefined]
	}
	return colorInterpNames[c]
}

// ParseColorInterp converts a name to a ColorInterp. Unknown names map to
// Undefined.
func ParseColorInterp(s string) ColorInterp {
	for i, n := range colorInterpNames {
		if strings.EqualFold(n, s) {
			return ColorInterp(i)
		}
	}
	if strings.EqualFold(s, "grey") {
		return Gray
	}
	return Undefined
}

// MaskFlags describe where a band's validity mask comes from.
type MaskFlags int

const (
	MaskAllValid   MaskFlags = 0x01
	MaskPerDataset MaskFlags = 0x02
	MaskAlpha      MaskFlags = 0x04
	MaskNoData     MaskFlags = 0x08
)

// ColorEntry is one palette entry. For RGB tables C1..C4 are red, green,
// blue and alpha.
type ColorEntry struct {
	C1, C2, C3, C4 int16
}

// ColorTable is a palette indexed by pixel value.
type ColorTable []ColorEntry

// Metadata is one domain of free-form key/value pairs.
type Metadata map[string]string

// Clone returns a copy of md.
func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	c := make(Metadata, len(md))
	for k, v := range md {
		c[k] = v
	}
	return c
}

// Domains holds metadata keyed by domain name; "" is the default domain.
type Domains map[string]Metadata

// Get returns the domain, possibly nil.
func (d Domains) Get(domain string) Metadata {
	return d[domain]
}

// Set stores a value, creating the domain if needed. An empty value
// removes the key.
func (d Domains) Set(domain, key, value string) {
	md := d[domain]
	if value == "" {
		delete(md, key)
		return
	}
	if md == nil {
		md = Metadata{}
		d[domain] = md
	}
	md[key] = value
}

// Clone returns a deep copy.
func (d Domains) Clone() Domains {
	c := make(Domains, len(d))
	for k, v := range d {
		c[k] = v.Clone()
	}
	return c
}

// BandList returns all bands of a dataset.
func BandList(ds Dataset) ([]Band, error) {
	out := make([]Band, ds.BandCount())
	for i := range out {
		b, err := ds.Band(i + 1)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
