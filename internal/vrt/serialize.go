package vrt

import (
	"math"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/srs"
	"github.com/pspoerri/govrt/internal/vfs"
	"github.com/pspoerri/govrt/internal/vrtxml"
)

// formatNoData writes a nodata value the way descriptors spell it.
func formatNoData(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return vrtxml.FormatFloat(v)
}

// Serialize renders the dataset as a descriptor document, including cached
// statistics and histograms.
func (d *Dataset) Serialize() ([]byte, error) {
	return vrtxml.Marshal(d.toXML())
}

// WriteTo stores the descriptor at path and clears the changed flag when
// path is the dataset's own file.
func (d *Dataset) WriteTo(path string) error {
	doc, err := d.Serialize()
	if err != nil {
		return err
	}
	if err := vfs.WriteFile(path, doc); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if path == d.path {
		d.dirty.Store(false)
	}
	return nil
}

func (d *Dataset) toXML() *vrtxml.Dataset {
	d.mu.RLock()
	defer d.mu.RUnlock()
	x := &vrtxml.Dataset{RasterXSize: d.width, RasterYSize: d.height}
	if d.sref != nil {
		x.SRS = srsXML(d.sref)
	}
	if d.hasGT {
		gt := vrtxml.GeoTransform(d.gt)
		x.GeoTransform = &gt
	}
	if len(d.gcps) > 0 || d.gcpSRS != nil {
		l := &vrtxml.GCPList{}
		if d.gcpSRS != nil {
			s := srsXML(d.gcpSRS)
			l.Projection, l.DataAxisToSRSAxisMapping = s.Value, s.DataAxisToSRSAxisMapping
		}
		for _, g := range d.gcps {
			l.GCPs = append(l.GCPs, vrtxml.GCP{ID: g.ID, Info: g.Info, Pixel: g.Pixel, Line: g.Line, X: g.X, Y: g.Y, Z: g.Z})
		}
		x.GCPList = l
	}
	x.Metadata = metadataXML(d.md)
	for _, b := range d.bands {
		x.Bands = append(x.Bands, b.toXML())
	}
	if d.mask != nil {
		x.MaskBand = &vrtxml.MaskBand{Band: d.mask.toXML()}
	}
	if len(d.ovrFactors) > 0 {
		x.OverviewList = &vrtxml.OverviewList{Resampling: d.ovrAlg.String(), Factors: vrtxml.FormatLevels(d.ovrFactors)}
	}
	return x
}

func srsXML(s *srs.SpatialRef) *vrtxml.SRS {
	return &vrtxml.SRS{Value: s.WKT(), DataAxisToSRSAxisMapping: srs.FormatAxisMapping(s.AxisMapping())}
}

func metadataXML(d raster.Domains) []vrtxml.Metadata {
	m := make(map[string]map[string]string, len(d))
	for domain, md := range d {
		m[domain] = md
	}
	return vrtxml.MetadataList(m)
}

func (b *Band) toXML() vrtxml.Band {
	b.mu.RLock()
	defer b.mu.RUnlock()
	x := vrtxml.Band{
		DataType:        b.dt.String(),
		Band:            b.index,
		BlockXSize:      b.blockX,
		BlockYSize:      b.blockY,
		Description:     b.desc,
		Metadata:        metadataXML(b.md),
		HideNoDataValue: vrtxml.Bool(b.hideNoData),
		UnitType:        b.unit,
	}
	if b.hasNoData {
		x.NoDataValue = formatNoData(b.nodata)
	}
	if b.ci != raster.Undefined {
		x.ColorInterp = b.ci.String()
	}
	if len(b.ct) > 0 {
		x.ColorTable = &vrtxml.ColorTable{}
		for _, e := range b.ct {
			x.ColorTable.Entries = append(x.ColorTable.Entries, vrtxml.ColorEntry{C1: e.C1, C2: e.C2, C3: e.C3, C4: e.C4})
		}
	}
	if len(b.categories) > 0 {
		x.CategoryNames = &vrtxml.CategoryNames{Categories: append([]string(nil), b.categories...)}
	}
	if b.hasScale {
		x.Offset, x.Scale = vrtxml.Float64Ptr(b.offset), vrtxml.Float64Ptr(b.scale)
	}
	if len(b.histograms) > 0 {
		x.Histograms = &vrtxml.Histograms{}
		for _, h := range b.histograms {
			x.Histograms.Items = append(x.Histograms.Items, vrtxml.HistItem{
				HistMin: h.Min, HistMax: h.Max, BucketCount: len(h.Counts),
				IncludeOutOfRange: vrtxml.Bool(h.IncludeOutOfRange),
				Approximate:       vrtxml.Bool(h.Approximate),
				HistCounts:        vrtxml.FormatCounts(h.Counts),
			})
		}
	}
	for _, e := range b.explicit {
		x.Overviews = append(x.Overviews, vrtxml.OverviewEntry{
			SourceFilename: vrtxml.SourceFilename{RelativeToVRT: vrtxml.Bool(e.relative), Name: e.filename},
			SourceBand:     e.bandSpec(),
		})
	}
	if b.mask != nil {
		x.MaskBand = &vrtxml.MaskBand{Band: b.mask.toXML()}
	}
	for _, s := range b.sources {
		x.Sources = append(x.Sources, s.toXML())
	}
	return x
}
