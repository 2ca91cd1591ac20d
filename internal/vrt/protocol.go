package vrt

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/srs"
)

const protocolPrefix = "vrt://"

// bandRef selects band n of a dataset, or its mask.
type bandRef struct {
	n    int
	mask bool
}

// openProtocol opens vrt://path?bands=..&a_srs=..&a_ullr=..&a_nodata=..,
// a dataset copying the bands of path with optional overrides. The
// underlying dataset is opened to validate the options.
func openProtocol(ctx context.Context, name string) (*Dataset, error) {
	rest := strings.TrimPrefix(name, protocolPrefix)
	path, query, _ := strings.Cut(rest, "?")
	if path == "" {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: missing dataset", name)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: %v", name, err)
	}
	for key := range params {
		switch key {
		case "bands", "a_srs", "a_ullr", "a_nodata":
		default:
			return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: unknown option %q", name, key)
		}
	}

	src, err := raster.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	refs, err := parseBandList(params.Get("bands"), src.BandCount())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: %v", name, err)
	}

	d := newDataset(src.Width(), src.Height(), name, name)
	if gt, ok := src.GeoTransform(); ok {
		d.gt, d.hasGT = gt, true
	}
	d.sref = src.SpatialRef().Clone()
	d.gcps, d.gcpSRS = src.GCPs()
	for k, v := range src.Metadata("") {
		d.md.Set("", k, v)
	}
	for _, r := range refs {
		sb, err := src.Band(r.n)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: %v", name, err)
		}
		if r.mask {
			sb = sb.MaskBand()
		}
		b := d.AddBand(sb.DataType())
		if nd, ok := sb.NoData(); ok {
			b.nodata, b.hasNoData = nd, true
		}
		b.ci = sb.ColorInterp()
		if r.mask {
			b.ci = raster.Undefined
		}
		copyDescription(b, sb)
		b.attach(&Source{
			Filename: path, Band: r.n, MaskBand: r.mask,
			Properties: &SourceProperties{Width: sb.Width(), Height: sb.Height(), DataType: sb.DataType()},
		})
	}

	if v := params.Get("a_srs"); v != "" {
		s, err := srs.Parse(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: %v", name, err)
		}
		d.sref = s
	}
	if v := params.Get("a_ullr"); v != "" {
		c, err := parseFloats(v, 4)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "%s: a_ullr: %v", name, err)
		}
		d.gt = raster.GeoTransform{c[0], (c[2] - c[0]) / float64(d.width), 0, c[1], 0, (c[3] - c[1]) / float64(d.height)}
		d.hasGT = true
	}
	if v := params.Get("a_nodata"); v != "" {
		nd, err := parseNoData(v)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", name)
		}
		for _, b := range d.bands {
			b.nodata, b.hasNoData = normalizeNoData(b.dt, nd), true
		}
	}
	d.dirty.Store(false)
	return d, nil
}

// parseBandList reads "1,2,mask,mask,3". An empty list selects every band.
func parseBandList(v string, count int) ([]bandRef, error) {
	if v == "" {
		refs := make([]bandRef, count)
		for i := range refs {
			refs[i] = bandRef{n: i + 1}
		}
		return refs, nil
	}
	var refs []bandRef
	for _, tok := range strings.Split(v, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "mask" {
			refs = append(refs, bandRef{n: 1, mask: true})
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, errors.Errorf("invalid band %q", tok)
		}
		if n < 1 || n > count {
			return nil, errors.Wrapf(raster.ErrNoSuchBand, "band %d of %d", n, count)
		}
		refs = append(refs, bandRef{n: n})
	}
	return refs, nil
}

func parseFloats(v string, n int) ([]float64, error) {
	parts := strings.Split(v, ",")
	if len(parts) != n {
		return nil, errors.Errorf("want %d values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Errorf("invalid number %q", p)
		}
		out[i] = f
	}
	return out, nil
}

// copyDescription carries descriptive band properties over when the band
// exposes them.
func copyDescription(b *Band, sb raster.Band) {
	d, ok := sb.(raster.Describer)
	if !ok {
		return
	}
	b.desc, b.unit = d.Description(), d.Unit()
	if off, sc, ok := d.OffsetScale(); ok {
		b.offset, b.scale, b.hasScale = off, sc, true
	}
	b.ct = append(raster.ColorTable(nil), d.ColorTable()...)
	b.categories = append([]string(nil), d.CategoryNames()...)
}
