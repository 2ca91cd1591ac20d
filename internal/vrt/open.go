package vrt

import (
	"context"
	"math"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/srs"
	"github.com/pspoerri/govrt/internal/vfs"
	"github.com/pspoerri/govrt/internal/vrtxml"
)

// literalPrefix starts a descriptor passed as the dataset name itself.
const literalPrefix = "<VRTDataset"

func isLiteral(name string) bool {
	return strings.HasPrefix(strings.TrimSpace(name), literalPrefix)
}

// resolveSource turns a source filename into the name the pool opens.
// In-memory, shorthand and literal names are used as they are.
func resolveSource(base, name string, relative bool) string {
	if strings.HasPrefix(name, raster.MemPrefix) || strings.HasPrefix(name, protocolPrefix) || isLiteral(name) {
		return name
	}
	return vfs.Resolve(base, name, relative)
}

// Open opens a descriptor file, a literal descriptor or a vrt:// URI.
// Underlying datasets are not opened until a read needs them.
func Open(ctx context.Context, name string) (*Dataset, error) {
	if strings.HasPrefix(name, protocolPrefix) {
		return openProtocol(ctx, name)
	}
	if isLiteral(name) {
		x, err := vrtxml.Parse([]byte(name))
		if err != nil {
			return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
		}
		return fromXML(x, name, name, "", "")
	}

	data, err := vfs.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(raster.ErrNotFound, "%s: %v", name, err)
	}
	x, err := vrtxml.Parse(data)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: %v", name, err)
	}
	return fromXML(x, name, identityOf(name), name, name)
}

// identityOf names a descriptor file independently of the path used to
// reach it.
func identityOf(name string) string {
	resolved, err := vfs.ResolveLink(name)
	if err != nil {
		resolved = name
	}
	if vfs.IsMem(resolved) {
		return filepath.Clean(resolved)
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		return abs
	}
	return resolved
}

func fromXML(x *vrtxml.Dataset, name, identity, base, path string) (*Dataset, error) {
	if x.RasterXSize <= 0 || x.RasterYSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "invalid raster size %dx%d", x.RasterXSize, x.RasterYSize)
	}
	d := newDataset(x.RasterXSize, x.RasterYSize, name, identity)
	d.base, d.path = base, path
	if err := d.load(x); err != nil {
		d.pool.ReleaseOwner(d.id)
		return nil, err
	}
	d.dirty.Store(false)
	raster.Debugf("vrt: opened %s (%dx%d, %d bands)", shorten(name), d.width, d.height, len(d.bands))
	return d, nil
}

func (d *Dataset) load(x *vrtxml.Dataset) error {
	if x.SRS != nil && strings.TrimSpace(x.SRS.Value) != "" {
		s, err := parseSRS(x.SRS.Value, x.SRS.DataAxisToSRSAxisMapping)
		if err != nil {
			return err
		}
		d.sref = s
	}
	if x.GeoTransform != nil {
		d.gt, d.hasGT = raster.GeoTransform(*x.GeoTransform), true
	}
	if l := x.GCPList; l != nil {
		if strings.TrimSpace(l.Projection) != "" {
			s, err := parseSRS(l.Projection, l.DataAxisToSRSAxisMapping)
			if err != nil {
				return err
			}
			d.gcpSRS = s
		}
		for _, g := range l.GCPs {
			d.gcps = append(d.gcps, raster.GCP{ID: g.ID, Info: g.Info, Pixel: g.Pixel, Line: g.Line, X: g.X, Y: g.Y, Z: g.Z})
		}
	}
	d.md = domainsOf(x.Metadata)
	if o := x.OverviewList; o != nil {
		levels, err := o.Levels()
		if err != nil {
			return errors.Wrap(ErrInvalidDescriptor, err.Error())
		}
		alg := resample.Nearest
		if o.Resampling != "" {
			if alg, err = resample.Parse(o.Resampling); err != nil {
				return errors.Wrap(ErrInvalidDescriptor, err.Error())
			}
		}
		d.ovrFactors, d.ovrAlg = levels, alg
	}

	for i, xb := range x.Bands {
		if xb.Band != 0 && xb.Band != i+1 {
			return errors.Wrapf(ErrInvalidDescriptor, "band %d declared at position %d", xb.Band, i+1)
		}
		dt, err := parseDataType(xb.DataType)
		if err != nil {
			return err
		}
		if err := d.AddBand(dt).load(xb); err != nil {
			return errors.Wrapf(err, "band %d", i+1)
		}
	}
	if x.MaskBand != nil {
		if err := d.CreateMask().load(x.MaskBand.Band); err != nil {
			return errors.Wrap(err, "mask band")
		}
	}
	return nil
}

func parseDataType(s string) (raster.DataType, error) {
	if s == "" {
		return raster.Byte, nil
	}
	dt, err := raster.ParseDataType(s)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidDescriptor, err.Error())
	}
	return dt, nil
}

func parseSRS(def, mapping string) (*srs.SpatialRef, error) {
	s, err := srs.Parse(strings.TrimSpace(def))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
	}
	if mapping != "" {
		m, err := srs.ParseAxisMapping(mapping)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
		}
		s.SetAxisMapping(m)
	}
	return s, nil
}

func domainsOf(list []vrtxml.Metadata) raster.Domains {
	out := raster.Domains{}
	for domain, items := range vrtxml.Domains(list) {
		out[domain] = raster.Metadata(items)
	}
	return out
}

// load fills a freshly added band from its element. Cached statistics and
// histograms are kept.
func (b *Band) load(x vrtxml.Band) error {
	b.blockX, b.blockY = x.BlockXSize, x.BlockYSize
	b.desc = x.Description
	b.md = domainsOf(x.Metadata)
	if x.NoDataValue != "" {
		v, err := parseNoData(x.NoDataValue)
		if err != nil {
			return err
		}
		b.nodata, b.hasNoData = normalizeNoData(b.dt, v), true
	}
	b.hideNoData = bool(x.HideNoDataValue)
	b.ci = raster.ParseColorInterp(x.ColorInterp)
	if x.ColorTable != nil {
		for _, e := range x.ColorTable.Entries {
			b.ct = append(b.ct, raster.ColorEntry{C1: e.C1, C2: e.C2, C3: e.C3, C4: e.C4})
		}
	}
	if x.CategoryNames != nil {
		b.categories = append([]string(nil), x.CategoryNames.Categories...)
	}
	b.unit = x.UnitType
	if x.Offset != nil || x.Scale != nil {
		b.offset, b.scale, b.hasScale = 0, 1, true
		if x.Offset != nil {
			b.offset = *x.Offset
		}
		if x.Scale != nil {
			b.scale = *x.Scale
		}
	}
	if x.Histograms != nil {
		for _, item := range x.Histograms.Items {
			counts, err := item.Counts()
			if err != nil {
				return errors.Wrap(ErrInvalidDescriptor, err.Error())
			}
			b.histograms = append(b.histograms, raster.Histogram{
				Min: item.HistMin, Max: item.HistMax, Counts: counts,
				IncludeOutOfRange: bool(item.IncludeOutOfRange),
				Approximate:       bool(item.Approximate),
			})
		}
	}
	for _, o := range x.Overviews {
		n, mask, err := parseSourceBand(o.SourceBand)
		if err != nil {
			return errors.Wrap(ErrInvalidDescriptor, err.Error())
		}
		name := strings.TrimSpace(o.SourceFilename.Name)
		if name == "" {
			return errors.Wrap(ErrInvalidDescriptor, "overview without SourceFilename")
		}
		b.AddOverview(name, bool(o.SourceFilename.RelativeToVRT), n, mask)
	}
	if x.MaskBand != nil {
		if b.isMask {
			return errors.Wrap(ErrInvalidDescriptor, "mask band with its own mask")
		}
		if err := b.CreateMask().load(x.MaskBand.Band); err != nil {
			return errors.Wrap(err, "mask band")
		}
	}
	for _, xs := range x.Sources {
		if !xs.IsSource() {
			continue
		}
		s, err := sourceFromXML(xs)
		if err != nil {
			return err
		}
		b.attach(s)
	}
	return nil
}

// normalizeNoData snaps a nodata value that rounds to the largest finite
// float32 onto it exactly for float32 bands.
func normalizeNoData(t raster.DataType, v float64) float64 {
	if t.Component() != raster.Float32 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	if f := float32(v); math.Abs(float64(f)) == math.MaxFloat32 {
		return math.Copysign(math.MaxFloat32, v)
	}
	return v
}
