// Package vrtxml is the document model of virtual raster descriptors: the
// <VRTDataset> XML tree with its bands, sources, metadata and cached
// histograms. It only maps text to structs; the meaning of the elements is
// implemented by package vrt.
package vrtxml

import (
	"bytes"
	"encoding/xml"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Source element names.
const (
	SimpleSource   = "SimpleSource"
	ComplexSource  = "ComplexSource"
	AveragedSource = "AveragedSource"
)

// Dataset is the root <VRTDataset> element.
type Dataset struct {
	XMLName      xml.Name      `xml:"VRTDataset"`
	RasterXSize  int           `xml:"rasterXSize,attr"`
	RasterYSize  int           `xml:"rasterYSize,attr"`
	SRS          *SRS          `xml:"SRS"`
	GeoTransform *GeoTransform `xml:"GeoTransform"`
	GCPList      *GCPList      `xml:"GCPList"`
	Metadata     []Metadata    `xml:"Metadata"`
	Bands        []Band        `xml:"VRTRasterBand"`
	MaskBand     *MaskBand     `xml:"MaskBand"`
	OverviewList *OverviewList `xml:"OverviewList"`
}

// SRS holds a WKT or "EPSG:n" definition and the optional axis mapping.
type SRS struct {
	DataAxisToSRSAxisMapping string `xml:"dataAxisToSRSAxisMapping,attr,omitempty"`
	Value                    string `xml:",chardata"`
}

// GeoTransform is the six affine coefficients, written comma separated.
type GeoTransform [6]float64

func (g GeoTransform) MarshalText() ([]byte, error) {
	parts := make([]string, len(g))
	for i, v := range g {
		parts[i] = FormatFloat(v)
	}
	return []byte(strings.Join(parts, ", ")), nil
}

func (g *GeoTransform) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), ",")
	if len(parts) != 6 {
		return errors.Errorf("geotransform %q: want 6 values, got %d", text, len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return errors.Wrapf(err, "geotransform %q", text)
		}
		g[i] = v
	}
	return nil
}

// GCPList is the ground control point block.
type GCPList struct {
	Projection               string `xml:"Projection,attr,omitempty"`
	DataAxisToSRSAxisMapping string `xml:"dataAxisToSRSAxisMapping,attr,omitempty"`
	GCPs                     []GCP  `xml:"GCP"`
}

// GCP ties pixel/line to georeferenced X/Y/Z.
type GCP struct {
	ID    string  `xml:"Id,attr"`
	Info  string  `xml:"Info,attr,omitempty"`
	Pixel float64 `xml:"Pixel,attr"`
	Line  float64 `xml:"Line,attr"`
	X     float64 `xml:"X,attr"`
	Y     float64 `xml:"Y,attr"`
	Z     float64 `xml:"Z,attr,omitempty"`
}

// Metadata is one metadata domain.
type Metadata struct {
	Domain string `xml:"domain,attr,omitempty"`
	Format string `xml:"format,attr,omitempty"`
	Items  []MDI  `xml:"MDI"`
}

// MDI is one metadata item.
type MDI struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// Band is a <VRTRasterBand>. Unrecognised child elements, which include
// every source, are collected in Sources in document order.
type Band struct {
	DataType        string          `xml:"dataType,attr,omitempty"`
	Band            int             `xml:"band,attr,omitempty"`
	SubClass        string          `xml:"subClass,attr,omitempty"`
	BlockXSize      int             `xml:"blockXSize,attr,omitempty"`
	BlockYSize      int             `xml:"blockYSize,attr,omitempty"`
	Description     string          `xml:"Description,omitempty"`
	Metadata        []Metadata      `xml:"Metadata"`
	NoDataValue     string          `xml:"NoDataValue,omitempty"`
	HideNoDataValue Bool            `xml:"HideNoDataValue,omitempty"`
	ColorInterp     string          `xml:"ColorInterp,omitempty"`
	ColorTable      *ColorTable     `xml:"ColorTable"`
	CategoryNames   *CategoryNames  `xml:"CategoryNames"`
	UnitType        string          `xml:"UnitType,omitempty"`
	Offset          *float64        `xml:"Offset"`
	Scale           *float64        `xml:"Scale"`
	Histograms      *Histograms     `xml:"Histograms"`
	Overviews       []OverviewEntry `xml:"Overview"`
	MaskBand        *MaskBand       `xml:"MaskBand"`
	Sources         []Source        `xml:",any"`
}

// MaskBand wraps the band that composes a mask.
type MaskBand struct {
	Band Band `xml:"VRTRasterBand"`
}

// ColorTable is a palette.
type ColorTable struct {
	Entries []ColorEntry `xml:"Entry"`
}

// ColorEntry is one palette entry.
type ColorEntry struct {
	C1 int16 `xml:"c1,attr"`
	C2 int16 `xml:"c2,attr"`
	C3 int16 `xml:"c3,attr"`
	C4 int16 `xml:"c4,attr"`
}

// CategoryNames lists class names indexed by pixel value.
type CategoryNames struct {
	Categories []string `xml:"Category"`
}

// Histograms is the cached histogram block.
type Histograms struct {
	Items []HistItem `xml:"HistItem"`
}

// HistItem is one cached histogram. Counts are '|' separated.
type HistItem struct {
	HistMin           float64 `xml:"HistMin"`
	HistMax           float64 `xml:"HistMax"`
	BucketCount       int     `xml:"BucketCount"`
	IncludeOutOfRange Bool    `xml:"IncludeOutOfRange"`
	Approximate       Bool    `xml:"Approximate"`
	HistCounts        string  `xml:"HistCounts"`
}

// Counts decodes HistCounts.
func (h HistItem) Counts() ([]uint64, error) {
	fields := strings.Split(strings.TrimSpace(h.HistCounts), "|")
	if len(fields) != h.BucketCount {
		return nil, errors.Errorf("histogram has %d counts, want %d", len(fields), h.BucketCount)
	}
	out := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "histogram counts")
		}
		out[i] = v
	}
	return out, nil
}

// FormatCounts encodes bucket counts for HistCounts.
func FormatCounts(counts []uint64) string {
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = strconv.FormatUint(c, 10)
	}
	return strings.Join(parts, "|")
}

// OverviewEntry points at a dataset band that serves as an overview.
type OverviewEntry struct {
	SourceFilename SourceFilename `xml:"SourceFilename"`
	SourceBand     string         `xml:"SourceBand"`
}

// OverviewList declares overview factors derived from the bands
// themselves.
type OverviewList struct {
	Resampling string `xml:"resampling,attr,omitempty"`
	Factors    string `xml:",chardata"`
}

// Levels parses the space separated factors.
func (o OverviewList) Levels() ([]int, error) {
	var out []int
	for _, f := range strings.Fields(o.Factors) {
		v, err := strconv.Atoi(f)
		if err != nil || v < 2 {
			return nil, errors.Errorf("invalid overview factor %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}

// FormatLevels encodes factors for an OverviewList.
func FormatLevels(levels []int) string {
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, " ")
}

// Source is a SimpleSource, ComplexSource or AveragedSource. XMLName
// carries the kind.
type Source struct {
	XMLName          xml.Name
	Resampling       string            `xml:"resampling,attr,omitempty"`
	SourceFilename   *SourceFilename   `xml:"SourceFilename"`
	SourceBand       string            `xml:"SourceBand,omitempty"`
	SourceProperties *SourceProperties `xml:"SourceProperties"`
	SrcRect          *Rect             `xml:"SrcRect"`
	DstRect          *Rect             `xml:"DstRect"`
	ScaleOffset      *float64          `xml:"ScaleOffset"`
	ScaleRatio       *float64          `xml:"ScaleRatio"`
	NoData           string            `xml:"NODATA,omitempty"`
	UseMaskBand      Bool              `xml:"UseMaskBand,omitempty"`
	LUT              string            `xml:"LUT,omitempty"`
}

// Kind returns the element name.
func (s Source) Kind() string { return s.XMLName.Local }

// IsSource reports whether the element is a raster source of any kind.
func (s Source) IsSource() bool { return strings.HasSuffix(s.XMLName.Local, "Source") }

// SourceFilename names the dataset of a source.
type SourceFilename struct {
	RelativeToVRT Bool   `xml:"relativeToVRT,attr"`
	Shared        *Bool  `xml:"shared,attr,omitempty"`
	Name          string `xml:",chardata"`
}

// SourceProperties declares the source dataset's shape so it need not be
// opened to plan a read.
type SourceProperties struct {
	RasterXSize int    `xml:"RasterXSize,attr"`
	RasterYSize int    `xml:"RasterYSize,attr"`
	DataType    string `xml:"DataType,attr,omitempty"`
	BlockXSize  int    `xml:"BlockXSize,attr,omitempty"`
	BlockYSize  int    `xml:"BlockYSize,attr,omitempty"`
}

// Rect is a source or destination window.
type Rect struct {
	XOff  float64 `xml:"xOff,attr"`
	YOff  float64 `xml:"yOff,attr"`
	XSize float64 `xml:"xSize,attr"`
	YSize float64 `xml:"ySize,attr"`
}

// Bool reads yes/no, true/false, on/off and 1/0 and writes 1 or 0.
type Bool bool

func (b Bool) MarshalText() ([]byte, error) {
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (b *Bool) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "1", "yes", "true", "on":
		*b = true
	case "0", "no", "false", "off", "":
		*b = false
	default:
		return errors.Errorf("invalid boolean %q", text)
	}
	return nil
}

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *Bool {
	b := Bool(v)
	return &b
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 { return &v }

// FormatFloat writes v in the shortest form that parses back to v.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Parse decodes a descriptor document.
func Parse(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := xml.Unmarshal(data, &ds); err != nil {
		return nil, errors.Wrap(err, "parse VRT document")
	}
	return &ds, nil
}

// Marshal encodes a descriptor as indented XML followed by a newline.
func Marshal(ds *Dataset) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(ds); err != nil {
		return nil, errors.Wrap(err, "encode VRT document")
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Domains converts metadata elements to maps keyed by domain. Domains
// in xml format are skipped.
func Domains(list []Metadata) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, md := range list {
		if md.Format != "" {
			continue
		}
		m := out[md.Domain]
		if m == nil {
			m = map[string]string{}
			out[md.Domain] = m
		}
		for _, item := range md.Items {
			m[item.Key] = item.Value
		}
	}
	return out
}

// MetadataList converts maps keyed by domain to metadata elements with
// domains and keys in sorted order. Empty domains are dropped.
func MetadataList(domains map[string]map[string]string) []Metadata {
	names := make([]string, 0, len(domains))
	for d, m := range domains {
		if len(m) > 0 {
			names = append(names, d)
		}
	}
	sort.Strings(names)
	var out []Metadata
	for _, d := range names {
		m := domains[d]
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		md := Metadata{Domain: d}
		for _, k := range keys {
			md.Items = append(md.Items, MDI{Key: k, Value: m[k]})
		}
		out = append(out, md)
	}
	return out
}
