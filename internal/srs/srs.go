// Package srs holds spatial reference definitions for datasets. It
// recognises EPSG codes and WKT text well enough to tell geographic from
// projected systems and to pick the data axis mapping; it does not
// implement general reprojection.
package srs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SpatialRef is a coordinate reference system definition together with the
// mapping from data axes (x, y) to the CRS's own axis order.
type SpatialRef struct {
	wkt         string
	name        string
	epsg        int
	geographic  bool
	axisMapping []int
}

var knownNames = map[int]string{
	4326: "WGS 84",
	4258: "ETRS89",
	4269: "NAD83",
	3857: "WGS 84 / Pseudo-Mercator",
	2056: "CH1903+ / LV95",
	3031: "WGS 84 / Antarctic Polar Stereographic",
	3413: "WGS 84 / NSIDC Sea Ice Polar Stereographic North",
}

// geographicCode reports whether an EPSG code denotes a geographic 2D CRS.
// EPSG allocates those in the 4000-4999 block.
func geographicCode(code int) bool {
	return code >= 4000 && code < 5000
}

// FromEPSG builds a reference for an EPSG code.
func FromEPSG(code int) *SpatialRef {
	name, ok := knownNames[code]
	if !ok {
		name = fmt.Sprintf("EPSG:%d", code)
	}
	s := &SpatialRef{name: name, epsg: code, geographic: geographicCode(code)}
	s.wkt = s.buildWKT()
	return s
}

func (s *SpatialRef) buildWKT() string {
	auth := fmt.Sprintf(`AUTHORITY["EPSG","%d"]`, s.epsg)
	if s.geographic {
		return fmt.Sprintf(`GEOGCS[%q,DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AXIS["Latitude",NORTH],AXIS["Longitude",EAST],%s]`, s.name, auth)
	}
	return fmt.Sprintf(`PROJCS[%q,GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],UNIT["metre",1],AXIS["Easting",EAST],AXIS["Northing",NORTH],%s]`, s.name, auth)
}

var (
	epsgInput   = regexp.MustCompile(`(?i)^\s*epsg:(\d+)\s*$`)
	authorityRe = regexp.MustCompile(`(?:AUTHORITY|ID)\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)
	rootRe      = regexp.MustCompile(`^\s*([A-Z_]+)\[\s*"([^"]*)"`)
)

// Parse accepts "EPSG:n" or WKT1/WKT2 text.
func Parse(def string) (*SpatialRef, error) {
	if m := epsgInput.FindStringSubmatch(def); m != nil {
		code, err := strconv.Atoi(m[1])
		if err != nil || code <= 0 {
			return nil, errors.Errorf("invalid EPSG code in %q", def)
		}
		return FromEPSG(code), nil
	}
	m := rootRe.FindStringSubmatch(def)
	if m == nil {
		return nil, errors.Errorf("unrecognised spatial reference %q", def)
	}
	s := &SpatialRef{wkt: strings.TrimSpace(def), name: m[2]}
	switch m[1] {
	case "GEOGCS", "GEOGCRS", "GEODCRS", "GEOGRAPHICCRS":
		s.geographic = true
	case "PROJCS", "PROJCRS", "PROJECTEDCRS", "COMPD_CS", "COMPOUNDCRS", "LOCAL_CS", "ENGCRS":
	default:
		return nil, errors.Errorf("unsupported WKT root %s", m[1])
	}
	// The root's authority is the last one in WKT1 and WKT2 alike.
	if all := authorityRe.FindAllStringSubmatch(def, -1); len(all) > 0 {
		s.epsg, _ = strconv.Atoi(all[len(all)-1][1])
	}
	return s, nil
}

// WKT returns the definition text.
func (s *SpatialRef) WKT() string { return s.wkt }

// Name returns the CRS name.
func (s *SpatialRef) Name() string { return s.name }

// EPSG returns the EPSG code or 0 when unknown.
func (s *SpatialRef) EPSG() int { return s.epsg }

// IsGeographic reports whether coordinates are angular (lat/long).
func (s *SpatialRef) IsGeographic() bool { return s.geographic }

// DefaultAxisMapping is the mapping applied when none was declared:
// geographic systems carry latitude first, so data x maps to CRS axis 2.
func (s *SpatialRef) DefaultAxisMapping() []int {
	if s.geographic {
		return []int{2, 1}
	}
	return []int{1, 2}
}

// AxisMapping returns the declared mapping or the default one.
func (s *SpatialRef) AxisMapping() []int {
	if len(s.axisMapping) > 0 {
		return append([]int(nil), s.axisMapping...)
	}
	return s.DefaultAxisMapping()
}

// HasExplicitAxisMapping reports whether SetAxisMapping was called.
func (s *SpatialRef) HasExplicitAxisMapping() bool { return len(s.axisMapping) > 0 }

// SetAxisMapping overrides the data axis to CRS axis mapping.
func (s *SpatialRef) SetAxisMapping(m []int) {
	s.axisMapping = append([]int(nil), m...)
}

// Clone returns an independent copy.
func (s *SpatialRef) Clone() *SpatialRef {
	if s == nil {
		return nil
	}
	c := *s
	c.axisMapping = append([]int(nil), s.axisMapping...)
	return &c
}

// ParseAxisMapping parses a comma separated list such as "2,1".
func ParseAxisMapping(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n == 0 {
			return nil, errors.Errorf("invalid axis mapping %q", v)
		}
		out = append(out, n)
	}
	return out, nil
}

// FormatAxisMapping renders a mapping as "a,b".
func FormatAxisMapping(m []int) string {
	parts := make([]string, len(m))
	for i, v := range m {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
