package cog

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"

	"github.com/pspoerri/govrt/internal/raster"
)

type gdalMetadataXML struct {
	XMLName xml.Name      `xml:"GDALMetadata"`
	Items   []gdalItemXML `xml:"Item"`
}

type gdalItemXML struct {
	Name   string `xml:"name,attr"`
	Sample *int   `xml:"sample,attr,omitempty"`
	Role   string `xml:"role,attr,omitempty"`
	Domain string `xml:"domain,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// bandInfo holds the per-band values carried by the GDAL_METADATA tag.
type bandInfo struct {
	md          raster.Domains
	description string
	unit        string
	offset      float64
	scale       float64
	hasOffset   bool
	hasScale    bool
}

// gdalMetadata holds the decoded GDAL_METADATA tag.
type gdalMetadata struct {
	dataset raster.Domains
	bands   map[int]*bandInfo // keyed by 0-based sample
}

func (m *gdalMetadata) band(sample int) *bandInfo {
	if m.bands == nil {
		m.bands = map[int]*bandInfo{}
	}
	b := m.bands[sample]
	if b == nil {
		b = &bandInfo{md: raster.Domains{}, scale: 1}
		m.bands[sample] = b
	}
	return b
}

// parseGDALMetadata decodes the XML payload of the GDAL_METADATA tag.
func parseGDALMetadata(s string) (*gdalMetadata, error) {
	m := &gdalMetadata{dataset: raster.Domains{}}
	if s == "" {
		return m, nil
	}
	var doc gdalMetadataXML
	if err := xml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("GDAL_METADATA: %w", err)
	}
	for _, it := range doc.Items {
		if it.Sample == nil {
			m.dataset.Set(it.Domain, it.Name, it.Value)
			continue
		}
		b := m.band(*it.Sample)
		switch it.Role {
		case "description":
			b.description = it.Value
		case "unittype":
			b.unit = it.Value
		case "offset":
			if v, err := strconv.ParseFloat(it.Value, 64); err == nil {
				b.offset, b.hasOffset = v, true
			}
		case "scale":
			if v, err := strconv.ParseFloat(it.Value, 64); err == nil {
				b.scale, b.hasScale = v, true
			}
		default:
			b.md.Set(it.Domain, it.Name, it.Value)
		}
	}
	return m, nil
}

// encode renders the metadata as a GDAL_METADATA payload, or "" when empty.
func (m *gdalMetadata) encode() (string, error) {
	var doc gdalMetadataXML
	add := func(d raster.Domains, sample *int) {
		domains := make([]string, 0, len(d))
		for k := range d {
			domains = append(domains, k)
		}
		sort.Strings(domains)
		for _, dom := range domains {
			keys := make([]string, 0, len(d[dom]))
			for k := range d[dom] {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				doc.Items = append(doc.Items, gdalItemXML{Name: k, Sample: sample, Domain: dom, Value: d[dom][k]})
			}
		}
	}
	add(m.dataset, nil)
	samples := make([]int, 0, len(m.bands))
	for s := range m.bands {
		samples = append(samples, s)
	}
	sort.Ints(samples)
	for _, s := range samples {
		b := m.bands[s]
		sample := s
		add(b.md, &sample)
		if b.hasOffset {
			doc.Items = append(doc.Items, gdalItemXML{Name: "OFFSET", Sample: &sample, Role: "offset", Value: strconv.FormatFloat(b.offset, 'g', -1, 64)})
		}
		if b.hasScale {
			doc.Items = append(doc.Items, gdalItemXML{Name: "SCALE", Sample: &sample, Role: "scale", Value: strconv.FormatFloat(b.scale, 'g', -1, 64)})
		}
		if b.description != "" {
			doc.Items = append(doc.Items, gdalItemXML{Name: "DESCRIPTION", Sample: &sample, Role: "description", Value: b.description})
		}
		if b.unit != "" {
			doc.Items = append(doc.Items, gdalItemXML{Name: "UNITTYPE", Sample: &sample, Role: "unittype", Value: b.unit})
		}
	}
	if len(doc.Items) == 0 {
		return "", nil
	}
	out, err := xml.Marshal(doc)
	return string(out), err
}
