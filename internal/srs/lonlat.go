package srs

import "math"

// LonLatTransformer converts CRS coordinates to WGS84 longitude/latitude
// in degrees.
type LonLatTransformer interface {
	ToLonLat(x, y float64) (lon, lat float64)
}

// LonLat returns a transformer for the reference, or nil when the CRS is
// not one of the supported systems (EPSG 4326, 3857, 2056).
func (s *SpatialRef) LonLat() LonLatTransformer {
	if s == nil {
		return nil
	}
	switch s.epsg {
	case 4326:
		return identity{}
	case 3857:
		return webMercator{}
	case 2056:
		return swissLV95{}
	}
	return nil
}

type identity struct{}

func (identity) ToLonLat(x, y float64) (float64, float64) { return x, y }

const earthRadius = 6378137.0

// webMercator is EPSG:3857 on the WGS84 sphere.
type webMercator struct{}

func (webMercator) ToLonLat(x, y float64) (lon, lat float64) {
	lon = x / earthRadius * 180 / math.Pi
	lat = (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi
	return
}

// swissLV95 uses swisstopo's polynomial approximation for CH1903+ / LV95
// (accuracy about 1 m).
type swissLV95 struct{}

func (swissLV95) ToLonLat(easting, northing float64) (lon, lat float64) {
	y := (easting - 2_600_000) / 1_000_000
	x := (northing - 1_200_000) / 1_000_000

	// both results are in units of 10000"
	l := 2.6779094 + 4.728982*y + 0.791484*y*x + 0.1306*y*x*x - 0.0436*y*y*y
	p := 16.9023892 + 3.238272*x - 0.270978*y*y - 0.002528*x*x - 0.0447*y*y*x - 0.0140*x*x*x
	return l * 100 / 36, p * 100 / 36
}
