package vrt

import (
	"context"
	"math"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
)

// Band is one virtual band. Its pixels are composed from its sources in
// order, later sources painting over earlier ones.
type Band struct {
	ds     *Dataset
	index  int
	dt     raster.DataType
	width  int
	height int
	blockX int
	blockY int
	// key identifies the band on the recursion guard chain.
	key string

	// isMask marks a band that is itself a mask.
	isMask bool
	// parent is set on implicit overview bands.
	parent *Band

	mu         sync.RWMutex
	sources    []*Source
	nodata     float64
	hasNoData  bool
	hideNoData bool
	ci         raster.ColorInterp
	md         raster.Domains
	desc       string
	unit       string
	offset     float64
	scale      float64
	hasScale   bool
	ct         raster.ColorTable
	categories []string
	mask       *Band
	histograms []raster.Histogram
	explicit   []*explicitOverview

	implicitMu   sync.Mutex
	implicitDone bool
	implicit     []raster.Band
}

func newBand(ds *Dataset, index int, dt raster.DataType, key string) *Band {
	return &Band{
		ds: ds, index: index, dt: dt,
		width: ds.width, height: ds.height,
		key: key, md: raster.Domains{},
	}
}

func (b *Band) Index() int                { return b.index }
func (b *Band) DataType() raster.DataType { return b.dt }
func (b *Band) Width() int                { return b.width }
func (b *Band) Height() int               { return b.height }

// BlockSize returns the declared block size, defaulting to 128 × 128
// clipped to the band.
func (b *Band) BlockSize() (int, int) {
	bx, by := b.blockX, b.blockY
	if bx <= 0 {
		bx = min(128, b.width)
	}
	if by <= 0 {
		by = min(128, b.height)
	}
	return bx, by
}

// NoData returns the nodata value unless it is hidden.
func (b *Band) NoData() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.hideNoData || !b.hasNoData {
		return 0, false
	}
	return b.nodata, true
}

// SetNoData sets the nodata value and drops cached statistics.
func (b *Band) SetNoData(v float64) {
	b.mu.Lock()
	b.nodata, b.hasNoData = v, true
	b.mu.Unlock()
	b.invalidate()
}

// DeleteNoData removes the nodata value and drops cached statistics.
func (b *Band) DeleteNoData() {
	b.mu.Lock()
	b.nodata, b.hasNoData = 0, false
	b.mu.Unlock()
	b.invalidate()
}

// SetHideNoData keeps the nodata value for composition while no longer
// reporting it.
func (b *Band) SetHideNoData(hide bool) {
	b.mu.Lock()
	b.hideNoData = hide
	b.mu.Unlock()
	b.invalidate()
}

// fill returns the value of pixels no source paints.
func (b *Band) fill() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.hasNoData {
		return b.nodata
	}
	return 0
}

func (b *Band) ColorInterp() raster.ColorInterp {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ci
}

func (b *Band) SetColorInterp(c raster.ColorInterp) {
	b.mu.Lock()
	b.ci = c
	b.mu.Unlock()
	b.ds.markDirty()
}

// Metadata returns a copy of one metadata domain.
func (b *Band) Metadata(domain string) raster.Metadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.md.Get(domain).Clone()
}

// SetMetadataItem stores a metadata value. An empty value removes the key.
func (b *Band) SetMetadataItem(key, value, domain string) {
	b.mu.Lock()
	b.md.Set(domain, key, value)
	b.mu.Unlock()
	b.ds.markDirty()
}

// nbits returns the IMAGE_STRUCTURE NBITS hint or 0.
func (b *Band) nbits() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := strconv.Atoi(b.md.Get("IMAGE_STRUCTURE")["NBITS"])
	if err != nil || n <= 0 || n >= 32 || b.dt.IsFloat() {
		return 0
	}
	return n
}

// clampBits limits v to the range of an n-bit unsigned value.
func clampBits(v float64, n int) float64 {
	if n == 0 || math.IsNaN(v) {
		return v
	}
	return math.Min(math.Max(v, 0), float64(uint32(1)<<n-1))
}

func (b *Band) Description() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desc
}

func (b *Band) SetDescription(s string) {
	b.mu.Lock()
	b.desc = s
	b.mu.Unlock()
	b.ds.markDirty()
}

func (b *Band) Unit() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unit
}

func (b *Band) SetUnit(s string) {
	b.mu.Lock()
	b.unit = s
	b.mu.Unlock()
	b.ds.markDirty()
}

func (b *Band) OffsetScale() (float64, float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.hasScale {
		return 0, 1, false
	}
	return b.offset, b.scale, true
}

func (b *Band) SetOffsetScale(offset, scale float64) {
	b.mu.Lock()
	b.offset, b.scale, b.hasScale = offset, scale, true
	b.mu.Unlock()
	b.ds.markDirty()
}

func (b *Band) ColorTable() raster.ColorTable {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append(raster.ColorTable(nil), b.ct...)
}

func (b *Band) SetColorTable(ct raster.ColorTable) {
	b.mu.Lock()
	b.ct = append(raster.ColorTable(nil), ct...)
	b.mu.Unlock()
	b.ds.markDirty()
}

func (b *Band) CategoryNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.categories...)
}

func (b *Band) SetCategoryNames(names []string) {
	b.mu.Lock()
	b.categories = append([]string(nil), names...)
	b.mu.Unlock()
	b.ds.markDirty()
}

// Sources returns the band's sources in composition order.
func (b *Band) Sources() []*Source {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Source(nil), b.sources...)
}

// AddSource appends s. Its filename is resolved against the dataset and a
// pool reference is taken; the underlying dataset is not opened.
func (b *Band) AddSource(s *Source) error {
	if s.Filename == "" {
		return errors.Wrap(ErrInvalidDescriptor, "source without filename")
	}
	for _, r := range []raster.Window{s.SrcRect, s.DstRect} {
		if !r.IsZero() && !validRect(r) {
			return errors.Wrapf(ErrInvalidDescriptor, "invalid source rectangle %+v", r)
		}
	}
	b.attach(s)
	b.invalidate()
	return nil
}

func (b *Band) attach(s *Source) {
	s.path = resolveSource(b.ds.base, s.Filename, s.RelativeToVRT)
	s.ref = b.ds.pool.Acquire(b.ds.id, s.path, s.shared())
	b.mu.Lock()
	b.sources = append(b.sources, s)
	b.mu.Unlock()
}

// invalidate drops cached statistics, histograms and derived overviews.
func (b *Band) invalidate() {
	b.mu.Lock()
	raster.ClearStatistics(b.md.Get(""))
	b.histograms = nil
	b.mu.Unlock()
	b.implicitMu.Lock()
	b.implicitDone, b.implicit = false, nil
	b.implicitMu.Unlock()
	b.ds.markDirty()
}

// CreateMask gives the band its own mask band, to be filled with sources.
func (b *Band) CreateMask() *Band {
	m := newBand(b.ds, 0, raster.Byte, b.key+"#mask")
	m.isMask = true
	b.mu.Lock()
	b.mask = m
	b.mu.Unlock()
	b.ds.markDirty()
	return m
}

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
	if b.parent != nil {
		pm, f := b.parent.maskAndFlags()
		if f&(raster.MaskAllValid|raster.MaskNoData) != 0 {
			return raster.DefaultMask(b, nil)
		}
		return &decimated{base: pm, width: b.width, height: b.height}, f
	}
	b.mu.RLock()
	own := b.mask
	b.mu.RUnlock()
	if own != nil {
		return own, 0
	}
	if m := b.ds.maskBand(); m != nil {
		return m, raster.MaskPerDataset
	}
	var alpha raster.Band
	if a := b.ds.alpha(); a != nil {
		alpha = a
	}
	return raster.DefaultMask(b, alpha)
}

// Read composes the requested window.
func (b *Band) Read(ctx context.Context, req raster.Request) (*raster.Buffer, error) {
	req, err := req.Normalize(b.width, b.height, b.dt)
	if err != nil {
		return nil, err
	}
	if !req.NoOverviews && req.Downsampling() {
		if ovr, ok := raster.BestOverview(withOverviews(ctx, b), req); ok {
			return ovr.Read(ctx, raster.ScaleRequest(req, b, ovr))
		}
	}
	ctx, err = enter(ctx, b.key)
	if err != nil {
		return nil, err
	}
	return b.compose(ctx, req)
}

func (b *Band) compose(ctx context.Context, req raster.Request) (*raster.Buffer, error) {
	buf := raster.NewBuffer(b.dt, req.BufWidth, req.BufHeight)
	buf.Fill(b.fill())
	for _, s := range b.Sources() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.paint(ctx, b, req, buf); err != nil {
			return nil, err
		}
	}
	if n := b.nbits(); n > 0 {
		for i, v := range buf.Real {
			buf.Real[i] = clampBits(v, n)
		}
	}
	return buf.Convert(req.BufType), nil
}

// OverviewCount returns the number of overview levels.
func (b *Band) OverviewCount() int {
	return len(b.overviewBands(context.Background()))
}

// Overview returns overview i, or nil when there is none.
func (b *Band) Overview(i int) raster.Band {
	list := b.overviewBands(context.Background())
	if i < 0 || i >= len(list) || list[i] == nil {
		return nil
	}
	return list[i]
}

// overviewBands resolves the overview levels: explicit overview sources
// first, then the dataset overview list, then levels derived from the
// overviews of a single source.
func (b *Band) overviewBands(ctx context.Context) []raster.Band {
	if b.parent != nil {
		return nil
	}
	b.mu.RLock()
	explicit := b.explicit
	b.mu.RUnlock()
	if len(explicit) > 0 {
		out := make([]raster.Band, len(explicit))
		for i, e := range explicit {
			if ob := e.resolve(); ob != nil {
				out[i] = ob
			}
		}
		return out
	}
	if factors, alg := b.ds.overviewList(); len(factors) > 0 {
		out := make([]raster.Band, len(factors))
		for i, f := range factors {
			out[i] = &decimated{base: b, width: ceilDiv(b.width, f), height: ceilDiv(b.height, f), alg: alg}
		}
		return out
	}
	if b.isMask {
		return nil
	}
	return b.implicitOverviews(ctx)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
