package cog

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/srs"
	"github.com/pspoerri/govrt/internal/vfs"
)

// Dataset exposes a GeoTIFF as a read-only raster dataset. Statistics
// computed on its bands are cached in memory only.
type Dataset struct {
	f     *File
	bands []*Band
	geo   GeoInfo
	sref  *srs.SpatialRef
	md    raster.Domains
	// masks holds the per-dataset mask at each level, or nil.
	masks []*Band
}

// OpenDataset opens path as a raster dataset.
func OpenDataset(path string) (*Dataset, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	ds, err := newDataset(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ds, nil
}

func newDataset(f *File) (*Dataset, error) {
	base := f.IFD(0)
	gm, err := parseGDALMetadata(base.GDALMetadata)
	if err != nil {
		raster.Debugf("%s: ignoring metadata: %v", f.path, err)
		gm = &gdalMetadata{dataset: raster.Domains{}}
	}
	ds := &Dataset{f: f, md: gm.dataset}
	ds.geo = f.GeoInfo()
	ds.sref = ds.geo.SpatialRef()

	area := "Area"
	if geoKeys(base.GeoKeys)[gkRasterTypeGeoKey] == rasterPixelIsPoint {
		area = "Point"
	}
	ds.md.Set("", "AREA_OR_POINT", area)
	ds.md.Set("IMAGE_STRUCTURE", "COMPRESSION", compressionName(base.Compression))
	interleave := "PIXEL"
	if base.PlanarConfig == 2 {
		interleave = "BAND"
	}
	ds.md.Set("IMAGE_STRUCTURE", "INTERLEAVE", interleave)

	nodata, hasNoData := parseNoData(base.GDALNoData)
	ct := colorTable(base)
	levels := append([]int{0}, f.overviews...)

	for s := 0; s < int(base.SamplesPerPixel); s++ {
		info := gm.band(s)
		if bits := base.BitsPerSample; len(bits) > 0 && bits[0] < 8 {
			info.md.Set("IMAGE_STRUCTURE", "NBITS", strconv.Itoa(int(bits[0])))
		}
		var top *Band
		for level, idx := range levels {
			b, err := ds.newBand(idx, s, level)
			if err != nil {
				return nil, err
			}
			b.nodata, b.hasNoData = nodata, hasNoData
			b.ci = colorInterp(base, s)
			b.info = info
			if b.ci == raster.Palette {
				b.ct = ct
			}
			if level == 0 {
				top = b
				ds.bands = append(ds.bands, b)
				continue
			}
			b.parent = top
			top.overviews = append(top.overviews, b)
		}
	}

	if f.mask >= 0 {
		m, err := ds.newBand(f.mask, 0, 0)
		if err != nil {
			return nil, err
		}
		m.isMask = true
		ds.masks = append(ds.masks, m)
		for level, idx := range f.overviews {
			var mo *Band
			for _, mi := range f.maskOverviews {
				if f.IFD(mi).Width == f.IFD(idx).Width {
					if mo, err = ds.newBand(mi, 0, level+1); err != nil {
						return nil, err
					}
					mo.isMask = true
					break
				}
			}
			ds.masks = append(ds.masks, mo)
		}
	}
	return ds, nil
}

func (ds *Dataset) newBand(ifdIdx, sample, level int) (*Band, error) {
	ifd := ds.f.IFD(ifdIdx)
	dt, err := ifd.DataType()
	if err != nil {
		return nil, fmt.Errorf("%s IFD %d: %w", ds.f.path, ifdIdx, err)
	}
	return &Band{
		ds:     ds,
		ifd:    ifdIdx,
		sample: sample,
		level:  level,
		dt:     dt,
		width:  int(ifd.Width),
		height: int(ifd.Height),
		md:     raster.Domains{},
	}, nil
}

func parseNoData(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func compressionName(c uint16) string {
	switch c {
	case compressionNone:
		return "NONE"
	case compressionLZW:
		return "LZW"
	case compressionJPEG:
		return "JPEG"
	case compressionDeflate, compressionAdobe:
		return "DEFLATE"
	case compressionPackBits:
		return "PACKBITS"
	case compressionZSTD:
		return "ZSTD"
	case compressionWEBP:
		return "WEBP"
	case compressionCCITTRLE:
		return "CCITTRLE"
	case compressionCCITT3:
		return "CCITTFAX3"
	case compressionCCITT4:
		return "CCITTFAX4"
	}
	return strconv.Itoa(int(c))
}

func colorInterp(ifd *IFD, sample int) raster.ColorInterp {
	base := 1
	switch ifd.Photometric {
	case photoRGB, photoYCbCr:
		if sample < 3 {
			return [3]raster.ColorInterp{raster.Red, raster.Green, raster.Blue}[sample]
		}
		base = 3
	case photoPalette:
		if sample == 0 {
			return raster.Palette
		}
	default:
		if sample == 0 {
			return raster.Gray
		}
	}
	if extra := sample - base; extra >= 0 && extra < len(ifd.ExtraSamples) {
		// 1 is associated alpha, 2 unassociated alpha.
		if v := ifd.ExtraSamples[extra]; v == 1 || v == 2 {
			return raster.Alpha
		}
	}
	return raster.Undefined
}

func colorTable(ifd *IFD) raster.ColorTable {
	n := len(ifd.ColorMap) / 3
	if n == 0 {
		return nil
	}
	ct := make(raster.ColorTable, n)
	for i := range ct {
		ct[i] = raster.ColorEntry{
			C1: int16(ifd.ColorMap[i] / 257),
			C2: int16(ifd.ColorMap[n+i] / 257),
			C3: int16(ifd.ColorMap[2*n+i] / 257),
			C4: 255,
		}
	}
	return ct
}

func (ds *Dataset) Name() string   { return ds.f.path }
func (ds *Dataset) Width() int     { return int(ds.f.IFD(0).Width) }
func (ds *Dataset) Height() int    { return int(ds.f.IFD(0).Height) }
func (ds *Dataset) BandCount() int { return len(ds.bands) }

// File returns the underlying TIFF reader.
func (ds *Dataset) File() *File { return ds.f }

func (ds *Dataset) Band(i int) (raster.Band, error) {
	if i < 1 || i > len(ds.bands) {
		return nil, fmt.Errorf("band %d of %d: %w", i, len(ds.bands), raster.ErrNoSuchBand)
	}
	return ds.bands[i-1], nil
}

func (ds *Dataset) GeoTransform() (raster.GeoTransform, bool) {
	return ds.geo.GeoTransform, ds.geo.HasGeoTransform
}

func (ds *Dataset) SpatialRef() *srs.SpatialRef { return ds.sref }

func (ds *Dataset) GCPs() ([]raster.GCP, *srs.SpatialRef) { return nil, nil }

func (ds *Dataset) Metadata(domain string) raster.Metadata {
	return ds.md.Get(domain).Clone()
}

func (ds *Dataset) Close() error {
	return ds.f.Close()
}

// ReadBands reads several bands with one request. Blocks of pixel
// interleaved files are decoded once for all bands.
func (ds *Dataset) ReadBands(ctx context.Context, bands []int, req raster.Request) ([]*raster.Buffer, error) {
	out := make([]*raster.Buffer, len(bands))
	for i, n := range bands {
		b, err := ds.Band(n)
		if err != nil {
			return nil, err
		}
		if out[i], err = b.Read(ctx, req); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (ds *Dataset) alphaAt(level int) raster.Band {
	for _, b := range ds.bands {
		if b.ci != raster.Alpha {
			continue
		}
		if level == 0 {
			return b
		}
		if level-1 < len(b.overviews) {
			return b.overviews[level-1]
		}
	}
	return nil
}

// Band is one sample of one image level of a GeoTIFF.
type Band struct {
	ds        *Dataset
	ifd       int
	sample    int
	level     int
	dt        raster.DataType
	width     int
	height    int
	nodata    float64
	hasNoData bool
	ci        raster.ColorInterp
	ct        raster.ColorTable
	info      *bandInfo
	isMask    bool
	parent    *Band
	overviews []*Band

	mu sync.Mutex
	md raster.Domains // cached statistics
}

func (b *Band) Index() int {
	if b.isMask {
		return 0
	}
	return b.sample + 1
}

func (b *Band) DataType() raster.DataType { return b.dt }
func (b *Band) Width() int                { return b.width }
func (b *Band) Height() int               { return b.height }

func (b *Band) BlockSize() (int, int) {
	return b.ds.f.IFD(b.ifd).BlockSize()
}

func (b *Band) NoData() (float64, bool)        { return b.nodata, b.hasNoData }
func (b *Band) ColorInterp() raster.ColorInterp { return b.ci }

func (b *Band) Metadata(domain string) raster.Metadata {
	md := raster.Metadata{}
	if b.info != nil && b.level == 0 {
		for k, v := range b.info.md.Get(domain) {
			md[k] = v
		}
	}
	b.mu.Lock()
	for k, v := range b.md.Get(domain) {
		md[k] = v
	}
	b.mu.Unlock()
	return md
}

func (b *Band) Description() string {
	if b.info == nil {
		return ""
	}
	return b.info.description
}

func (b *Band) Unit() string {
	if b.info == nil {
		return ""
	}
	return b.info.unit
}

func (b *Band) OffsetScale() (float64, float64, bool) {
	if b.info == nil || !(b.info.hasOffset || b.info.hasScale) {
		return 0, 1, false
	}
	return b.info.offset, b.info.scale, true
}

func (b *Band) ColorTable() raster.ColorTable { return b.ct }
func (b *Band) CategoryNames() []string       { return nil }

func (b *Band) MaskFlags() raster.MaskFlags {
	_, f := b.maskAndFlags()
	return f
}

func (b *Band) MaskBand() raster.Band {
	m, _ := b.maskAndFlags()
	return m
}

func (b *Band) maskAndFlags() (raster.Band, raster.MaskFlags) {
	if b.isMask {
		return b, raster.MaskAllValid
	}
	if b.level < len(b.ds.masks) && b.ds.masks[b.level] != nil {
		return b.ds.masks[b.level], raster.MaskPerDataset
	}
	return raster.DefaultMask(b, b.ds.alphaAt(b.level))
}

func (b *Band) OverviewCount() int { return len(b.overviews) }

func (b *Band) Overview(i int) raster.Band {
	if i < 0 || i >= len(b.overviews) {
		return nil
	}
	return b.overviews[i]
}

// ReadRegion implements raster.RegionReader. Mask samples are normalised
// to 0 and 255.
func (b *Band) ReadRegion(ctx context.Context, x0, y0, x1, y1 int) (*raster.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := b.ds.f.readRegion(b.ifd, b.sample, x0, y0, x1, y1)
	if err != nil {
		return nil, err
	}
	if b.isMask {
		for i, v := range buf.Real {
			if v != 0 {
				buf.Real[i] = 255
			}
		}
	}
	return buf, nil
}

func (b *Band) Read(ctx context.Context, req raster.Request) (*raster.Buffer, error) {
	return raster.ReadWindow(ctx, b, req)
}

// ComputeStatistics scans the band and caches whole-band results.
func (b *Band) ComputeStatistics(ctx context.Context, opts raster.StatsOptions) (raster.Statistics, error) {
	cacheable := opts.Window.IsZero() && opts.Validity == nil
	if cacheable && !opts.Force {
		if s, ok := raster.CachedStatistics(b); ok && (!s.Approximate || opts.ApproxOK) {
			return s, nil
		}
	}
	s, err := raster.ScanStatistics(ctx, b, opts)
	if err != nil || !cacheable {
		return s, err
	}
	b.mu.Lock()
	raster.ClearStatistics(b.md.Get(""))
	for k, v := range s.Metadata() {
		b.md.Set("", k, v)
	}
	b.mu.Unlock()
	return s, nil
}

type driver struct{}

func (driver) Name() string { return "GTiff" }

// Identify accepts plain names with a TIFF extension or a TIFF header.
func (driver) Identify(name string) bool {
	if strings.Contains(name, "://") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff", ".gtif":
		return true
	}
	h, err := vfs.Header(name, 4)
	if err != nil || len(h) < 4 {
		return false
	}
	s := string(h)
	return s == "II*\x00" || s == "MM\x00*" || s == "II+\x00" || s == "MM\x00+"
}

func (driver) Open(ctx context.Context, name string) (raster.Dataset, error) {
	ds, err := OpenDataset(name)
	if err != nil {
		if !vfs.Exists(name) {
			return nil, fmt.Errorf("%s: %w", name, raster.ErrNotFound)
		}
		return nil, err
	}
	return ds, nil
}

func init() {
	raster.RegisterDriver(driver{})
}
