package vrt

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/cog"
	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/srs"
)

// explicitOverview is an <Overview> element: a band of another dataset
// standing in for a reduced resolution level. It stays pinned once opened.
type explicitOverview struct {
	filename string
	relative bool
	band     int
	mask     bool
	ref      *Ref

	once   sync.Once
	result raster.Band
}

func (e *explicitOverview) resolve() raster.Band {
	e.once.Do(func() {
		ds, err := e.ref.Pin(context.Background())
		if err != nil {
			raster.Debugf("vrt: overview %s unavailable: %v", shorten(e.ref.Path()), err)
			return
		}
		b, err := ds.Band(e.band)
		if err != nil {
			e.ref.Unpin()
			raster.Debugf("vrt: overview %s: %v", shorten(e.ref.Path()), err)
			return
		}
		if e.mask {
			b = b.MaskBand()
		}
		e.result = b
	})
	return e.result
}

// close unpins an opened overview.
func (e *explicitOverview) close() {
	e.once.Do(func() {})
	if e.result != nil {
		e.ref.Unpin()
		e.result = nil
	}
}

func (e *explicitOverview) bandSpec() string {
	if e.mask {
		return "mask," + strconv.Itoa(e.band)
	}
	return strconv.Itoa(e.band)
}

// AddOverview declares band n (or its mask) of filename as the next
// overview level.
func (b *Band) AddOverview(filename string, relativeToVRT bool, n int, mask bool) {
	path := resolveSource(b.ds.base, filename, relativeToVRT)
	e := &explicitOverview{
		filename: filename, relative: relativeToVRT,
		band: max(1, n), mask: mask,
		ref: b.ds.pool.Acquire(b.ds.id, path, true),
	}
	b.mu.Lock()
	b.explicit = append(b.explicit, e)
	b.mu.Unlock()
	b.ds.markDirty()
}

// decimated is a reduced resolution view of a band: every read is served
// from the full resolution band with the view's resampling.
type decimated struct {
	base   raster.Band
	width  int
	height int
	alg    resample.Alg
}

func (d *decimated) Index() int                      { return d.base.Index() }
func (d *decimated) DataType() raster.DataType       { return d.base.DataType() }
func (d *decimated) Width() int                      { return d.width }
func (d *decimated) Height() int                     { return d.height }
func (d *decimated) BlockSize() (int, int)           { return min(128, d.width), min(128, d.height) }
func (d *decimated) NoData() (float64, bool)         { return d.base.NoData() }
func (d *decimated) ColorInterp() raster.ColorInterp { return d.base.ColorInterp() }
func (d *decimated) Metadata(domain string) raster.Metadata {
	md := d.base.Metadata(domain)
	raster.ClearStatistics(md)
	return md
}
func (d *decimated) MaskFlags() raster.MaskFlags { return d.base.MaskFlags() }
func (d *decimated) OverviewCount() int          { return 0 }
func (d *decimated) Overview(int) raster.Band    { return nil }

func (d *decimated) MaskBand() raster.Band {
	f := d.base.MaskFlags()
	switch {
	case f&raster.MaskAllValid != 0:
		return raster.NewAllValidMask(d)
	case f&raster.MaskNoData != 0:
		return raster.NewNoDataMask(d)
	}
	m := d.base.MaskBand()
	if m == d.base {
		return d
	}
	return &decimated{base: m, width: d.width, height: d.height}
}

func (d *decimated) Read(ctx context.Context, req raster.Request) (*raster.Buffer, error) {
	req, err := req.Normalize(d.width, d.height, d.base.DataType())
	if err != nil {
		return nil, err
	}
	sx := float64(d.base.Width()) / float64(d.width)
	sy := float64(d.base.Height()) / float64(d.height)
	w := req.Window
	req.Window = raster.Window{XOff: w.XOff * sx, YOff: w.YOff * sy, XSize: w.XSize * sx, YSize: w.YSize * sy}
	// Rounding must not push the window past the base.
	req.Window.XSize = math.Min(req.Window.XSize, float64(d.base.Width())-req.Window.XOff)
	req.Window.YSize = math.Min(req.Window.YSize, float64(d.base.Height())-req.Window.YOff)
	req.Resampling = d.alg
	req.NoOverviews = true
	return d.base.Read(ctx, req)
}

// implicitOverviews derives overview levels from the overviews of the
// band's only source. The result is cached once it could be computed.
func (b *Band) implicitOverviews(ctx context.Context) []raster.Band {
	b.implicitMu.Lock()
	if b.implicitDone {
		list := b.implicit
		b.implicitMu.Unlock()
		return list
	}
	b.implicitMu.Unlock()

	sources := b.Sources()
	if len(sources) != 1 || sources[0].overview != 0 {
		return nil
	}
	ctx, err := enter(ctx, b.key+"#ovr")
	if err != nil {
		return nil
	}
	s := sources[0]
	sb, err := s.open(ctx)
	if err != nil {
		raster.Debugf("vrt: no implicit overviews for %s: %v", shorten(b.key), err)
		return nil
	}
	defer s.ref.Unpin()

	src, dst := s.srcRect(sb), s.dstRect(b)
	var list []raster.Band
	for i, ovr := range overviewsOf(ctx, sb) {
		if ovr == nil {
			break
		}
		kx := float64(ovr.Width()) / float64(sb.Width())
		ky := float64(ovr.Height()) / float64(sb.Height())
		w := int(math.Round(float64(b.width) * kx))
		h := int(math.Round(float64(b.height) * ky))
		if w < 1 || h < 1 {
			break
		}
		ob := b.derive(i, w, h)
		c := *s
		c.overview = i + 1
		c.SrcRect = scaleWindow(src, kx, ky)
		c.DstRect = scaleWindow(dst, float64(w)/float64(b.width), float64(h)/float64(b.height))
		ob.sources = []*Source{&c}
		list = append(list, ob)
	}

	b.implicitMu.Lock()
	b.implicit, b.implicitDone = list, true
	b.implicitMu.Unlock()
	return list
}

func scaleWindow(w raster.Window, kx, ky float64) raster.Window {
	return raster.Window{XOff: w.XOff * kx, YOff: w.YOff * ky, XSize: w.XSize * kx, YSize: w.YSize * ky}
}

// derive returns an empty w × h band carrying b's pixel properties, to be
// used as overview level i.
func (b *Band) derive(i, w, h int) *Band {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := &Band{
		ds: b.ds, index: b.index, dt: b.dt,
		width: w, height: h,
		key:    b.key + "@" + strconv.Itoa(i),
		parent: b,
		nodata: b.nodata, hasNoData: b.hasNoData, hideNoData: b.hideNoData,
		ci: b.ci, md: raster.Domains{},
	}
	if is := b.md.Get("IMAGE_STRUCTURE"); is != nil {
		d.md["IMAGE_STRUCTURE"] = is.Clone()
	}
	return d
}

// levelDataset presents one decimation factor of a dataset as a dataset,
// so it can be written out.
type levelDataset struct {
	d      *Dataset
	factor int
}

func (l levelDataset) Name() string   { return fmt.Sprintf("%s (1/%d)", shorten(l.d.Name()), l.factor) }
func (l levelDataset) Width() int     { return ceilDiv(l.d.width, l.factor) }
func (l levelDataset) Height() int    { return ceilDiv(l.d.height, l.factor) }
func (l levelDataset) BandCount() int { return l.d.BandCount() }

func (l levelDataset) Band(i int) (raster.Band, error) {
	b, err := l.d.vrtBand(i)
	if err != nil {
		return nil, err
	}
	return &decimated{base: b, width: l.Width(), height: l.Height(), alg: l.d.buildAlg}, nil
}

func (l levelDataset) GeoTransform() (raster.GeoTransform, bool) {
	gt, ok := l.d.GeoTransform()
	if !ok {
		return gt, false
	}
	sx := float64(l.d.width) / float64(l.Width())
	sy := float64(l.d.height) / float64(l.Height())
	gt[1] *= sx
	gt[2] *= sy
	gt[4] *= sx
	gt[5] *= sy
	return gt, true
}

func (l levelDataset) SpatialRef() *srs.SpatialRef             { return l.d.SpatialRef() }
func (l levelDataset) GCPs() ([]raster.GCP, *srs.SpatialRef)   { return nil, nil }
func (l levelDataset) Metadata(domain string) raster.Metadata { return nil }
func (l levelDataset) Close() error                            { return nil }

// BuildOverviews adds reduced resolution levels for the given factors.
// With virtual overviews enabled the levels are declared as an overview
// list computed on the fly. Otherwise each level is written to a GeoTIFF
// next to the descriptor and referenced by explicit overview elements.
func (d *Dataset) BuildOverviews(ctx context.Context, factors []int, alg resample.Alg) error {
	for _, f := range factors {
		if f < 2 {
			return errors.Errorf("invalid overview factor %d", f)
		}
	}
	if CurrentOptions().VirtualOverviews {
		d.mu.Lock()
		d.ovrFactors = append([]int(nil), factors...)
		d.ovrAlg = alg
		d.mu.Unlock()
		d.markDirty()
		return nil
	}
	if d.path == "" {
		return errors.New("overview files need a dataset stored in a file")
	}
	d.mu.Lock()
	d.buildAlg = alg
	d.mu.Unlock()
	for _, f := range factors {
		name := fmt.Sprintf("%s.ovr%d.tif", d.path, f)
		if err := cog.Write(ctx, name, levelDataset{d: d, factor: f}, cog.WriteOptions{Compression: "DEFLATE"}); err != nil {
			return errors.Wrapf(err, "write overview 1/%d", f)
		}
		for _, b := range d.bands {
			b.AddOverview(name, false, b.index, false)
		}
	}
	return nil
}
