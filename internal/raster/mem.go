package raster

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/srs"
)

// MemPrefix starts the name of every in-memory dataset. Other datasets can
// reference a MEM dataset by name while it is open.
const MemPrefix = "MEM:::"

var memRegistry = struct {
	sync.Mutex
	m map[string]*MemDataset
}{m: map[string]*MemDataset{}}

// MemDataset is a raster held entirely in memory.
type MemDataset struct {
	mu     sync.RWMutex
	name   string
	width  int
	height int
	bands  []*MemBand
	gt     GeoTransform
	hasGT  bool
	sref   *srs.SpatialRef
	gcps   []GCP
	gcpSRS *srs.SpatialRef
	md     Domains
	mask   *MemBand
}

// NewMem creates and registers a width × height dataset with n bands of
// type t.
func NewMem(width, height, n int, t DataType) *MemDataset {
	d := &MemDataset{
		name:   MemPrefix + uuid.NewString(),
		width:  width,
		height: height,
		md:     Domains{},
	}
	for i := 0; i < n; i++ {
		d.AddBand(t)
	}
	memRegistry.Lock()
	memRegistry.m[d.name] = d
	memRegistry.Unlock()
	return d
}

func (d *MemDataset) Name() string   { return d.name }
func (d *MemDataset) Width() int     { return d.width }
func (d *MemDataset) Height() int    { return d.height }
func (d *MemDataset) BandCount() int { return len(d.bands) }

// AddBand appends a zero-filled band.
func (d *MemDataset) AddBand(t DataType) *MemBand {
	b := &MemBand{ds: d, index: len(d.bands) + 1, data: NewBuffer(t, d.width, d.height), md: Domains{}}
	d.bands = append(d.bands, b)
	return b
}

func (d *MemDataset) Band(i int) (Band, error) {
	b := d.MemBand(i)
	if b == nil {
		return nil, errors.Wrapf(ErrNoSuchBand, "band %d of %d", i, len(d.bands))
	}
	return b, nil
}

// MemBand returns the concrete 1-based band i, or nil.
func (d *MemDataset) MemBand(i int) *MemBand {
	if i < 1 || i > len(d.bands) {
		return nil
	}
	return d.bands[i-1]
}

func (d *MemDataset) GeoTransform() (GeoTransform, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gt, d.hasGT
}

// SetGeoTransform sets the affine georeferencing.
func (d *MemDataset) SetGeoTransform(gt GeoTransform) {
	d.mu.Lock()
	d.gt, d.hasGT = gt, true
	d.mu.Unlock()
}

func (d *MemDataset) SpatialRef() *srs.SpatialRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sref
}

// SetSpatialRef sets the coordinate system.
func (d *MemDataset) SetSpatialRef(s *srs.SpatialRef) {
	d.mu.Lock()
	d.sref = s
	d.mu.Unlock()
}

func (d *MemDataset) GCPs() ([]GCP, *srs.SpatialRef) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]GCP(nil), d.gcps...), d.gcpSRS
}

// SetGCPs replaces the ground control points.
func (d *MemDataset) SetGCPs(gcps []GCP, s *srs.SpatialRef) {
	d.mu.Lock()
	d.gcps, d.gcpSRS = append([]GCP(nil), gcps...), s
	d.mu.Unlock()
}

func (d *MemDataset) Metadata(domain string) Metadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.md.Get(domain).Clone()
}

// SetMetadataItem stores a dataset metadata value.
func (d *MemDataset) SetMetadataItem(key, value, domain string) {
	d.mu.Lock()
	d.md.Set(domain, key, value)
	d.mu.Unlock()
}

// CreateMask adds a per-dataset mask band, initialised to all valid.
func (d *MemDataset) CreateMask() *MemBand {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mask = newMemMask(d)
	return d.mask
}

// Close unregisters the dataset. Its bands stay readable by holders of
// direct references.
func (d *MemDataset) Close() error {
	memRegistry.Lock()
	delete(memRegistry.m, d.name)
	memRegistry.Unlock()
	return nil
}

// ReadBands reads several bands with the same request.
func (d *MemDataset) ReadBands(ctx context.Context, bands []int, req Request) ([]*Buffer, error) {
	out := make([]*Buffer, len(bands))
	for i, n := range bands {
		b, err := d.Band(n)
		if err != nil {
			return nil, err
		}
		if out[i], err = b.Read(ctx, req); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BuildOverviews derives reduced-resolution levels for every band.
func (d *MemDataset) BuildOverviews(factors []int, alg resample.Alg) error {
	for _, b := range d.bands {
		if err := b.BuildOverviews(factors, alg); err != nil {
			return err
		}
	}
	return nil
}

func (d *MemDataset) alpha() *MemBand {
	for _, b := range d.bands {
		if b.ColorInterp() == Alpha {
			return b
		}
	}
	return nil
}

// MemBand is a band of a MemDataset, one of its overviews, or a mask.
type MemBand struct {
	ds     *MemDataset
	parent *MemBand
	index  int
	isMask bool
	data   *Buffer

	nodata         float64
	hasNoData      bool
	colorInterp    ColorInterp
	desc, unit     string
	offset, scale  float64
	hasOffsetScale bool
	colorTable     ColorTable
	categories     []string
	md             Domains
	mask           *MemBand
	overviews      []*MemBand
}

func newMemMask(d *MemDataset) *MemBand {
	m := &MemBand{ds: d, isMask: true, data: NewBuffer(Byte, d.width, d.height), md: Domains{}}
	m.data.Fill(255)
	return m
}

func (b *MemBand) Index() int            { return b.index }
func (b *MemBand) DataType() DataType    { return b.data.Type }
func (b *MemBand) Width() int            { return b.data.Width }
func (b *MemBand) Height() int           { return b.data.Height }
func (b *MemBand) BlockSize() (int, int) { return b.data.Width, 1 }

func (b *MemBand) NoData() (float64, bool) {
	b.ds.mu.RLock()
	defer b.ds.mu.RUnlock()
	if b.parent != nil {
		return b.parent.nodata, b.parent.hasNoData
	}
	return b.nodata, b.hasNoData
}

// SetNoData sets the nodata value and drops cached statistics.
func (b *MemBand) SetNoData(v float64) {
	b.ds.mu.Lock()
	b.nodata, b.hasNoData = v, true
	ClearStatistics(b.md.Get(""))
	b.ds.mu.Unlock()
}

// DeleteNoData removes the nodata value.
func (b *MemBand) DeleteNoData() {
	b.ds.mu.Lock()
	b.hasNoData = false
	ClearStatistics(b.md.Get(""))
	b.ds.mu.Unlock()
}

func (b *MemBand) ColorInterp() ColorInterp {
	b.ds.mu.RLock()
	defer b.ds.mu.RUnlock()
	return b.colorInterp
}

// SetColorInterp sets the color interpretation.
func (b *MemBand) SetColorInterp(c ColorInterp) {
	b.ds.mu.Lock()
	b.colorInterp = c
	b.ds.mu.Unlock()
}

func (b *MemBand) Metadata(domain string) Metadata {
	b.ds.mu.RLock()
	defer b.ds.mu.RUnlock()
	return b.md.Get(domain).Clone()
}

// SetMetadataItem stores a band metadata value.
func (b *MemBand) SetMetadataItem(key, value, domain string) {
	b.ds.mu.Lock()
	b.md.Set(domain, key, value)
	b.ds.mu.Unlock()
}

func (b *MemBand) Description() string { return b.desc }
func (b *MemBand) Unit() string        { return b.unit }
func (b *MemBand) OffsetScale() (float64, float64, bool) {
	if !b.hasOffsetScale {
		return 0, 1, false
	}
	return b.offset, b.scale, true
}
func (b *MemBand) ColorTable() ColorTable  { return b.colorTable }
func (b *MemBand) CategoryNames() []string { return b.categories }

// SetDescription sets the band description.
func (b *MemBand) SetDescription(s string) { b.desc = s }

// SetUnit sets the unit type.
func (b *MemBand) SetUnit(s string) { b.unit = s }

// SetOffsetScale sets the value transform metadata.
func (b *MemBand) SetOffsetScale(offset, scale float64) {
	b.offset, b.scale, b.hasOffsetScale = offset, scale, true
}

// SetColorTable sets the palette.
func (b *MemBand) SetColorTable(ct ColorTable) { b.colorTable = append(ColorTable(nil), ct...) }

// SetCategoryNames sets the class names.
func (b *MemBand) SetCategoryNames(names []string) { b.categories = append([]string(nil), names...) }

func (b *MemBand) MaskFlags() MaskFlags {
	_, f := b.maskAndFlags()
	return f
}

func (b *MemBand) MaskBand() Band {
	m, _ := b.maskAndFlags()
	return m
}

func (b *MemBand) maskAndFlags() (Band, MaskFlags) {
	if b.isMask {
		return b, MaskAllValid
	}
	if b.parent != nil {
		return DefaultMask(b, nil)
	}
	b.ds.mu.RLock()
	own, shared := b.mask, b.ds.mask
	b.ds.mu.RUnlock()
	switch {
	case own != nil:
		return own, 0
	case shared != nil:
		return shared, MaskPerDataset
	}
	var alpha Band
	if a := b.ds.alpha(); a != nil {
		alpha = a
	}
	return DefaultMask(b, alpha)
}

// CreateMask adds a per-band mask, initialised to all valid.
func (b *MemBand) CreateMask() *MemBand {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	b.mask = newMemMask(b.ds)
	return b.mask
}

func (b *MemBand) OverviewCount() int { return len(b.overviews) }

func (b *MemBand) Overview(i int) Band {
	if i < 0 || i >= len(b.overviews) {
		return nil
	}
	return b.overviews[i]
}

// BuildOverviews replaces the overview list with decimations of the band
// by each factor.
func (b *MemBand) BuildOverviews(factors []int, alg resample.Alg) error {
	nd, has := b.NoData()
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	b.overviews = b.overviews[:0]
	for _, f := range factors {
		if f < 2 {
			return errors.Errorf("invalid overview factor %d", f)
		}
		re := resample.Decimate(resample.Plane{Data: b.data.Real, Width: b.data.Width, Height: b.data.Height}, f, alg, nd, has)
		ovr := &MemBand{ds: b.ds, parent: b, index: b.index, isMask: b.isMask, data: NewBuffer(b.data.Type, re.Width, re.Height), md: Domains{}}
		for i, v := range re.Data {
			ovr.data.Real[i] = b.data.Type.Clamp(v)
		}
		if b.data.Imag != nil {
			im := resample.Decimate(resample.Plane{Data: b.data.Imag, Width: b.data.Width, Height: b.data.Height}, f, alg, 0, false)
			for i, v := range im.Data {
				ovr.data.Imag[i] = b.data.Type.Clamp(v)
			}
		}
		b.overviews = append(b.overviews, ovr)
	}
	return nil
}

// ReadRegion implements RegionReader.
func (b *MemBand) ReadRegion(ctx context.Context, x0, y0, x1, y1 int) (*Buffer, error) {
	if x0 < 0 || y0 < 0 || x1 > b.data.Width || y1 > b.data.Height || x1 <= x0 || y1 <= y0 {
		return nil, errors.Wrapf(ErrOutOfBounds, "region [%d,%d)x[%d,%d)", x0, x1, y0, y1)
	}
	b.ds.mu.RLock()
	defer b.ds.mu.RUnlock()
	return b.data.Window(x0, y0, x1-x0, y1-y0), nil
}

func (b *MemBand) Read(ctx context.Context, req Request) (*Buffer, error) {
	return ReadWindow(ctx, b, req)
}

// Write stores src with its top-left corner at (x, y) and drops cached
// statistics.
func (b *MemBand) Write(x, y int, src *Buffer) error {
	if x < 0 || y < 0 || x+src.Width > b.data.Width || y+src.Height > b.data.Height {
		return errors.Wrapf(ErrOutOfBounds, "write %dx%d at (%d,%d)", src.Width, src.Height, x, y)
	}
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	b.data.Paste(src, x, y)
	ClearStatistics(b.md.Get(""))
	return nil
}

// Fill sets every pixel to v.
func (b *MemBand) Fill(v float64) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	b.data.Fill(v)
	ClearStatistics(b.md.Get(""))
}

// WriteValues stores row-major samples into the whole band.
func WriteValues[T Number](b *MemBand, vals []T) error {
	return b.Write(0, 0, FromValues(b.DataType(), b.Width(), b.Height(), vals))
}

// ComputeStatistics scans the band. Whole-band results with the band's own
// validity rule are cached as metadata.
func (b *MemBand) ComputeStatistics(ctx context.Context, opts StatsOptions) (Statistics, error) {
	cacheable := opts.Window.IsZero() && opts.Validity == nil
	if cacheable && !opts.Force {
		if s, ok := CachedStatistics(b); ok && (!s.Approximate || opts.ApproxOK) {
			return s, nil
		}
	}
	s, err := ScanStatistics(ctx, b, opts)
	if err != nil || !cacheable {
		return s, err
	}
	b.SetStatistics(s)
	return s, nil
}

// SetStatistics caches s as metadata.
func (b *MemBand) SetStatistics(s Statistics) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	ClearStatistics(b.md.Get(""))
	for k, v := range s.Metadata() {
		b.md.Set("", k, v)
	}
}

type memDriver struct{}

func (memDriver) Name() string { return "MEM" }

func (memDriver) Identify(name string) bool { return strings.HasPrefix(name, MemPrefix) }

// Open returns a view of a registered dataset. Closing the view leaves the
// dataset registered.
func (memDriver) Open(ctx context.Context, name string) (Dataset, error) {
	memRegistry.Lock()
	d, ok := memRegistry.m[name]
	memRegistry.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	}
	return memView{d}, nil
}

type memView struct{ *MemDataset }

func (memView) Close() error { return nil }

func init() {
	RegisterDriver(memDriver{})
}

// Copy materialises any dataset into a new MEM dataset at full resolution.
func Copy(ctx context.Context, src Dataset) (*MemDataset, error) {
	if src.BandCount() == 0 {
		return nil, errors.New("cannot copy a dataset without bands")
	}
	first, err := src.Band(1)
	if err != nil {
		return nil, err
	}
	dst := NewMem(src.Width(), src.Height(), 0, first.DataType())
	if gt, ok := src.GeoTransform(); ok {
		dst.SetGeoTransform(gt)
	}
	dst.SetSpatialRef(src.SpatialRef().Clone())
	dst.SetGCPs(src.GCPs())
	for k, v := range src.Metadata("") {
		dst.SetMetadataItem(k, v, "")
	}
	for i := 1; i <= src.BandCount(); i++ {
		sb, err := src.Band(i)
		if err != nil {
			return nil, err
		}
		db := dst.AddBand(sb.DataType())
		buf, err := sb.Read(ctx, Request{NoOverviews: true})
		if err != nil {
			dst.Close()
			return nil, errors.Wrapf(err, "copy band %d", i)
		}
		if err := db.Write(0, 0, buf); err != nil {
			return nil, err
		}
		if nd, ok := sb.NoData(); ok {
			db.SetNoData(nd)
		}
		db.SetColorInterp(sb.ColorInterp())
		if d, ok := sb.(Describer); ok {
			db.SetDescription(d.Description())
			db.SetUnit(d.Unit())
			if off, sc, ok := d.OffsetScale(); ok {
				db.SetOffsetScale(off, sc)
			}
			db.SetColorTable(d.ColorTable())
			db.SetCategoryNames(d.CategoryNames())
		}
		for k, v := range sb.Metadata("") {
			if !strings.HasPrefix(k, "STATISTICS_") {
				db.SetMetadataItem(k, v, "")
			}
		}
		if v := sb.Metadata("IMAGE_STRUCTURE")["NBITS"]; v != "" {
			if _, err := strconv.Atoi(v); err == nil {
				db.SetMetadataItem("NBITS", v, "IMAGE_STRUCTURE")
			}
		}
	}
	if f := first.MaskFlags(); f == MaskPerDataset {
		mbuf, err := first.MaskBand().Read(ctx, Request{NoOverviews: true})
		if err != nil {
			return nil, errors.Wrap(err, "copy mask")
		}
		if err := dst.CreateMask().Write(0, 0, mbuf); err != nil {
			return nil, err
		}
	}
	return dst, nil
}
