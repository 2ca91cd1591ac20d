package vrt

import (
	"math"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
)

// BuildOptions controls BuildMosaic.
type BuildOptions struct {
	// NoData is the nodata value of the mosaic bands when HasNoData is
	// set. Otherwise the first input's nodata is used, if any.
	NoData     float64
	HasNoData  bool
	HideNoData bool
	// SrcNoData makes every source a complex source skipping this value.
	SrcNoData *float64
	// Resampling is written on every source.
	Resampling string
	// Resolution is "highest", "lowest" or "average" (the default).
	Resolution string
}

// BuildMosaic places georeferenced datasets side by side in one virtual
// dataset covering their union. The inputs must be north-up and share a
// spatial reference and band count; later inputs paint over earlier ones.
func BuildMosaic(inputs []raster.Dataset, opts BuildOptions) (*Dataset, error) {
	if len(inputs) == 0 {
		return nil, errors.New("mosaic needs at least one input")
	}
	if opts.Resampling != "" {
		if _, err := resample.Parse(opts.Resampling); err != nil {
			return nil, err
		}
	}
	first := inputs[0]
	minX, maxY := math.Inf(1), math.Inf(-1)
	maxX, minY := math.Inf(-1), math.Inf(1)
	var resX, resY []float64
	for _, ds := range inputs {
		gt, ok := ds.GeoTransform()
		if !ok || !gt.NorthUp() {
			return nil, errors.Errorf("%s: mosaic inputs need a north-up geotransform", shorten(ds.Name()))
		}
		if ds.BandCount() != first.BandCount() {
			return nil, errors.Errorf("%s: has %d bands, want %d", shorten(ds.Name()), ds.BandCount(), first.BandCount())
		}
		if !sameSRS(ds, first) {
			return nil, errors.Errorf("%s: spatial reference differs from %s", shorten(ds.Name()), shorten(first.Name()))
		}
		x0, y0 := gt.Apply(0, 0)
		x1, y1 := gt.Apply(float64(ds.Width()), float64(ds.Height()))
		minX, maxX = math.Min(minX, x0), math.Max(maxX, x1)
		minY, maxY = math.Min(minY, y1), math.Max(maxY, y0)
		resX = append(resX, gt[1])
		resY = append(resY, -gt[5])
	}
	rx, ry := pickResolution(resX, opts.Resolution), pickResolution(resY, opts.Resolution)
	width := int(math.Round((maxX - minX) / rx))
	height := int(math.Round((maxY - minY) / ry))
	d, err := New(max(1, width), max(1, height))
	if err != nil {
		return nil, err
	}
	d.gt, d.hasGT = raster.GeoTransform{minX, rx, 0, maxY, 0, -ry}, true
	d.sref = first.SpatialRef().Clone()

	for i := 1; i <= first.BandCount(); i++ {
		fb, err := first.Band(i)
		if err != nil {
			return nil, err
		}
		b := d.AddBand(fb.DataType())
		b.ci = fb.ColorInterp()
		switch {
		case opts.HasNoData:
			b.nodata, b.hasNoData = opts.NoData, true
		default:
			b.nodata, b.hasNoData = fb.NoData()
		}
		b.hideNoData = opts.HideNoData
		for _, ds := range inputs {
			sb, err := ds.Band(i)
			if err != nil {
				return nil, err
			}
			gt, _ := ds.GeoTransform()
			s := &Source{
				Filename:   ds.Name(),
				Band:       i,
				Resampling: opts.Resampling,
				Properties: &SourceProperties{Width: ds.Width(), Height: ds.Height(), DataType: sb.DataType()},
				SrcRect:    raster.Rect(0, 0, ds.Width(), ds.Height()),
				DstRect: raster.Window{
					XOff:  snap((gt[0] - minX) / rx),
					YOff:  snap((maxY - gt[3]) / ry),
					XSize: snap(float64(ds.Width()) * gt[1] / rx),
					YSize: snap(float64(ds.Height()) * -gt[5] / ry),
				},
			}
			if bx, by := sb.BlockSize(); bx > 0 {
				s.Properties.BlockXSize, s.Properties.BlockYSize = bx, by
			}
			nd, hasNoData := sb.NoData()
			if opts.SrcNoData != nil {
				nd, hasNoData = *opts.SrcNoData, true
			}
			if hasNoData {
				s.Kind = KindComplex
				s.NoData = &nd
			}
			b.attach(s)
		}
	}
	raster.Debugf("vrt: built %dx%d mosaic of %d inputs", d.width, d.height, len(inputs))
	return d, nil
}

func sameSRS(a, b raster.Dataset) bool {
	sa, sb := a.SpatialRef(), b.SpatialRef()
	if sa == nil || sb == nil {
		return sa == nil && sb == nil
	}
	if sa.EPSG() != 0 && sa.EPSG() == sb.EPSG() {
		return true
	}
	return sa.WKT() == sb.WKT()
}

func pickResolution(res []float64, mode string) float64 {
	out := res[0]
	switch mode {
	case "highest":
		for _, r := range res {
			out = math.Min(out, r)
		}
	case "lowest":
		for _, r := range res {
			out = math.Max(out, r)
		}
	default:
		sum := 0.0
		for _, r := range res {
			sum += r
		}
		out = sum / float64(len(res))
	}
	return out
}

// FromDataset returns a virtual copy of ds: one simple source per band
// reading the band at full extent.
func FromDataset(ds raster.Dataset) (*Dataset, error) {
	d, err := New(ds.Width(), ds.Height())
	if err != nil {
		return nil, err
	}
	if gt, ok := ds.GeoTransform(); ok {
		d.gt, d.hasGT = gt, true
	}
	d.sref = ds.SpatialRef().Clone()
	d.gcps, d.gcpSRS = ds.GCPs()
	for k, v := range ds.Metadata("") {
		d.md.Set("", k, v)
	}
	for i := 1; i <= ds.BandCount(); i++ {
		sb, err := ds.Band(i)
		if err != nil {
			return nil, err
		}
		b := d.AddBand(sb.DataType())
		b.nodata, b.hasNoData = sb.NoData()
		b.ci = sb.ColorInterp()
		copyDescription(b, sb)
		if n := sb.Metadata("IMAGE_STRUCTURE")["NBITS"]; n != "" {
			b.md.Set("IMAGE_STRUCTURE", "NBITS", n)
		}
		s := &Source{
			Filename:   ds.Name(),
			Band:       i,
			Properties: &SourceProperties{Width: ds.Width(), Height: ds.Height(), DataType: sb.DataType()},
		}
		s.Properties.BlockXSize, s.Properties.BlockYSize = sb.BlockSize()
		b.attach(s)
	}
	return d, nil
}
