package vrt

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/srs"
)

// Dataset is a virtual raster. Create one with New, Open or BuildMosaic.
type Dataset struct {
	// id owns the dataset's pool references.
	id string
	// name is the name the dataset was opened with; empty for datasets
	// built in code.
	name string
	// identity keys the recursion guard.
	identity string
	// path is the descriptor file written back on Close.
	path string
	// base resolves relative source names.
	base   string
	width  int
	height int
	pool   *Pool

	mu         sync.RWMutex
	bands      []*Band
	gt         raster.GeoTransform
	hasGT      bool
	sref       *srs.SpatialRef
	gcps       []raster.GCP
	gcpSRS     *srs.SpatialRef
	md         raster.Domains
	mask       *Band
	ovrFactors []int
	ovrAlg     resample.Alg
	buildAlg   resample.Alg

	dirty  atomic.Bool
	closed atomic.Bool
}

// New returns an empty width × height dataset built in code.
func New(width, height int) (*Dataset, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "invalid raster size %dx%d", width, height)
	}
	return newDataset(width, height, "", ""), nil
}

func newDataset(width, height int, name, identity string) *Dataset {
	id := uuid.NewString()
	if identity == "" {
		identity = "vrt:" + id
	}
	return &Dataset{
		id: id, name: name, identity: identity,
		width: width, height: height,
		pool: DefaultPool(), md: raster.Domains{},
	}
}

// Name returns the name the dataset was opened with. Datasets built in
// code are named by their descriptor document, so that other datasets can
// reference them.
func (d *Dataset) Name() string {
	if d.name != "" {
		return d.name
	}
	doc, err := d.Serialize()
	if err != nil {
		return d.identity
	}
	return string(doc)
}

func (d *Dataset) Width() int  { return d.width }
func (d *Dataset) Height() int { return d.height }

func (d *Dataset) BandCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bands)
}

func (d *Dataset) Band(i int) (raster.Band, error) {
	return d.vrtBand(i)
}

// VRTBand returns band i with its virtual band API.
func (d *Dataset) VRTBand(i int) (*Band, error) {
	return d.vrtBand(i)
}

func (d *Dataset) vrtBand(i int) (*Band, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i < 1 || i > len(d.bands) {
		return nil, errors.Wrapf(raster.ErrNoSuchBand, "band %d of %d", i, len(d.bands))
	}
	return d.bands[i-1], nil
}

// AddBand appends a band of type t.
func (d *Dataset) AddBand(t raster.DataType) *Band {
	d.mu.Lock()
	n := len(d.bands) + 1
	b := newBand(d, n, t, d.identity+"#"+strconv.Itoa(n))
	d.bands = append(d.bands, b)
	d.mu.Unlock()
	d.markDirty()
	return b
}

// CreateMask gives the dataset a mask band shared by all bands.
func (d *Dataset) CreateMask() *Band {
	m := newBand(d, 0, raster.Byte, d.identity+"#mask")
	m.isMask = true
	d.mu.Lock()
	d.mask = m
	d.mu.Unlock()
	d.markDirty()
	return m
}

func (d *Dataset) maskBand() *Band {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mask
}

// alpha returns the first band interpreted as alpha.
func (d *Dataset) alpha() *Band {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.bands {
		if b.ColorInterp() == raster.Alpha {
			return b
		}
	}
	return nil
}

func (d *Dataset) overviewList() ([]int, resample.Alg) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ovrFactors, d.ovrAlg
}

func (d *Dataset) GeoTransform() (raster.GeoTransform, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gt, d.hasGT
}

func (d *Dataset) SetGeoTransform(gt raster.GeoTransform) {
	d.mu.Lock()
	d.gt, d.hasGT = gt, true
	d.mu.Unlock()
	d.markDirty()
}

func (d *Dataset) SpatialRef() *srs.SpatialRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sref.Clone()
}

func (d *Dataset) SetSpatialRef(s *srs.SpatialRef) {
	d.mu.Lock()
	d.sref = s.Clone()
	d.mu.Unlock()
	d.markDirty()
}

func (d *Dataset) GCPs() ([]raster.GCP, *srs.SpatialRef) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]raster.GCP(nil), d.gcps...), d.gcpSRS.Clone()
}

func (d *Dataset) SetGCPs(gcps []raster.GCP, s *srs.SpatialRef) {
	d.mu.Lock()
	d.gcps, d.gcpSRS = append([]raster.GCP(nil), gcps...), s.Clone()
	d.mu.Unlock()
	d.markDirty()
}

func (d *Dataset) Metadata(domain string) raster.Metadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.md.Get(domain).Clone()
}

func (d *Dataset) SetMetadataItem(key, value, domain string) {
	d.mu.Lock()
	d.md.Set(domain, key, value)
	d.mu.Unlock()
	d.markDirty()
}

func (d *Dataset) markDirty() { d.dirty.Store(true) }

// PoolStats reports the pool entries owned by the dataset.
func (d *Dataset) PoolStats() PoolStats {
	return d.pool.OwnerStats(d.id)
}

// Close writes a changed file-backed descriptor back and releases every
// source handle of the dataset.
func (d *Dataset) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	var err error
	if d.path != "" && d.dirty.Load() {
		err = d.WriteTo(d.path)
	}
	d.mu.RLock()
	bands := append([]*Band(nil), d.bands...)
	d.mu.RUnlock()
	for _, b := range bands {
		b.mu.RLock()
		explicit := b.explicit
		b.mu.RUnlock()
		for _, e := range explicit {
			e.close()
		}
	}
	d.pool.ReleaseOwner(d.id)
	return err
}

// DatasetRequest reads the same window of several bands.
type DatasetRequest struct {
	Window    raster.Window
	BufWidth  int
	BufHeight int
	// Bands lists 1-based band numbers; nil reads every band.
	Bands      []int
	BufType    raster.DataType
	Resampling resample.Alg
}

// Read returns one buffer per requested band, equal to reading each band
// on its own. Bands that are plain copies of one underlying dataset are
// read with a single call to it.
func (d *Dataset) Read(ctx context.Context, req DatasetRequest) ([]*raster.Buffer, error) {
	bands := req.Bands
	if bands == nil {
		for i := 1; i <= d.BandCount(); i++ {
			bands = append(bands, i)
		}
	}
	vbs := make([]*Band, len(bands))
	for i, n := range bands {
		b, err := d.vrtBand(n)
		if err != nil {
			return nil, err
		}
		vbs[i] = b
	}
	breq := raster.Request{
		Window: req.Window, BufWidth: req.BufWidth, BufHeight: req.BufHeight,
		BufType: req.BufType, Resampling: req.Resampling,
	}
	if out, ok, err := d.readBatched(ctx, vbs, breq); ok || err != nil {
		return out, err
	}

	out := make([]*raster.Buffer, len(vbs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(CurrentOptions().NumThreads)
	for i, b := range vbs {
		g.Go(func() error {
			buf, err := b.Read(gctx, breq)
			if err != nil {
				return errors.Wrapf(err, "band %d", b.index)
			}
			out[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadBands implements raster.MultiBandReader.
func (d *Dataset) ReadBands(ctx context.Context, bands []int, req raster.Request) ([]*raster.Buffer, error) {
	return d.Read(ctx, DatasetRequest{
		Window: req.Window, BufWidth: req.BufWidth, BufHeight: req.BufHeight,
		Bands: bands, BufType: req.BufType, Resampling: req.Resampling,
	})
}

// readBatched serves the request with one multi-band read of the
// underlying dataset when every band is a whole-raster simple copy of a
// band of that dataset. It reports false when the bands do not qualify.
func (d *Dataset) readBatched(ctx context.Context, vbs []*Band, req raster.Request) ([]*raster.Buffer, bool, error) {
	if len(vbs) < 2 {
		return nil, false, nil
	}
	req, err := req.Normalize(d.width, d.height, vbs[0].dt)
	if err != nil {
		return nil, false, err
	}
	resampled := !req.Window.IsIntegral() || float64(req.BufWidth) != req.Window.XSize || float64(req.BufHeight) != req.Window.YSize
	if resampled && req.Resampling != resample.Nearest {
		return nil, false, nil
	}
	var first *Source
	srcBands := make([]int, len(vbs))
	for i, b := range vbs {
		src := b.Sources()
		if len(src) != 1 || b.nbits() > 0 {
			return nil, false, nil
		}
		s := src[0]
		if s.Kind != KindSimple || s.MaskBand || s.overview != 0 || s.Resampling != "" {
			return nil, false, nil
		}
		if !s.DstRect.IsZero() && s.DstRect != raster.Rect(0, 0, d.width, d.height) {
			return nil, false, nil
		}
		if !s.SrcRect.IsZero() && s.SrcRect != raster.Rect(0, 0, d.width, d.height) {
			return nil, false, nil
		}
		if req.Downsampling() && len(b.overviewBands(ctx)) > 0 {
			return nil, false, nil
		}
		if first == nil {
			first = s
		} else if s.path != first.path {
			return nil, false, nil
		}
		srcBands[i] = s.bandIndex()
	}

	ds, err := first.ref.Pin(ctx)
	if err != nil {
		return nil, true, err
	}
	defer first.ref.Unpin()
	mr, ok := ds.(raster.MultiBandReader)
	if !ok || ds.Width() != d.width || ds.Height() != d.height {
		return nil, false, nil
	}
	for i, n := range srcBands {
		sb, err := ds.Band(n)
		if err != nil || sb.DataType() != vbs[i].dt {
			return nil, false, nil
		}
	}
	for _, b := range vbs {
		if ctx, err = enter(ctx, b.key); err != nil {
			return nil, true, err
		}
	}
	inner := req
	inner.BufType = vbs[0].dt
	bufs, err := mr.ReadBands(ctx, srcBands, inner)
	if err != nil {
		return nil, true, err
	}
	raster.Debugf("vrt: batched read of %d bands from %s", len(vbs), shorten(first.path))
	for i, buf := range bufs {
		bufs[i] = buf.Convert(req.BufType)
	}
	return bufs, true, nil
}
