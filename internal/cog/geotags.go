package cog

import (
	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/srs"
)

// GeoTIFF GeoKey IDs.
const (
	gkModelTypeGeoKey       = 1024
	gkRasterTypeGeoKey      = 1025
	gkGeographicTypeGeoKey  = 2048
	gkProjectedCSTypeGeoKey = 3072
)

const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	rasterPixelIsPoint  = 2
	userDefined         = 32767
)

// GeoInfo holds parsed GeoTIFF metadata.
type GeoInfo struct {
	GeoTransform    raster.GeoTransform
	HasGeoTransform bool
	EPSG            int // 0 when unknown
	Geographic      bool
}

// geoKeys returns the GeoKey directory entries with inline values keyed by
// key ID.
func geoKeys(keys []uint16) map[uint16]uint16 {
	out := map[uint16]uint16{}
	if len(keys) < 4 {
		return out
	}
	// Header: [KeyDirectoryVersion, KeyRevision, MinorRevision, NumberOfKeys]
	numKeys := int(keys[3])
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+3 >= len(keys) {
			break
		}
		// Only inline SHORT values (location 0) matter here.
		if keys[base+1] == 0 {
			out[keys[base]] = keys[base+3]
		}
	}
	return out
}

// parseGeoInfo extracts the affine transform and CRS code from an IFD.
func parseGeoInfo(ifd *IFD) GeoInfo {
	var info GeoInfo
	keys := geoKeys(ifd.GeoKeys)

	switch {
	case len(ifd.ModelTransform) >= 16:
		m := ifd.ModelTransform
		info.GeoTransform = raster.GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
		info.HasGeoTransform = true
	case len(ifd.ModelTiepoint) >= 6 && len(ifd.ModelPixelScale) >= 2:
		// The tiepoint maps pixel (I,J) to world coordinate (X,Y).
		sx, sy := ifd.ModelPixelScale[0], ifd.ModelPixelScale[1]
		tp := ifd.ModelTiepoint
		info.GeoTransform = raster.GeoTransform{tp[3] - tp[0]*sx, sx, 0, tp[4] + tp[1]*sy, 0, -sy}
		info.HasGeoTransform = true
	}
	if info.HasGeoTransform && keys[gkRasterTypeGeoKey] == rasterPixelIsPoint {
		gt := &info.GeoTransform
		gt[0] -= 0.5*gt[1] + 0.5*gt[2]
		gt[3] -= 0.5*gt[4] + 0.5*gt[5]
	}

	info.Geographic = keys[gkModelTypeGeoKey] == modelTypeGeographic
	for _, k := range []uint16{gkProjectedCSTypeGeoKey, gkGeographicTypeGeoKey} {
		if v := keys[k]; v > 0 && v != userDefined {
			info.EPSG = int(v)
			info.Geographic = k == gkGeographicTypeGeoKey
			break
		}
	}
	return info
}

// SpatialRef returns the coordinate system named by the geokeys, or nil.
func (g GeoInfo) SpatialRef() *srs.SpatialRef {
	if g.EPSG == 0 {
		return nil
	}
	return srs.FromEPSG(g.EPSG)
}

// geoKeyDirectory builds the GeoKey directory for writing.
func geoKeyDirectory(sref *srs.SpatialRef) []uint16 {
	entries := [][4]uint16{}
	if sref != nil && sref.EPSG() > 0 && sref.EPSG() < userDefined {
		if sref.IsGeographic() {
			entries = append(entries,
				[4]uint16{gkModelTypeGeoKey, 0, 1, modelTypeGeographic},
				[4]uint16{gkRasterTypeGeoKey, 0, 1, rasterPixelIsArea},
				[4]uint16{gkGeographicTypeGeoKey, 0, 1, uint16(sref.EPSG())})
		} else {
			entries = append(entries,
				[4]uint16{gkModelTypeGeoKey, 0, 1, modelTypeProjected},
				[4]uint16{gkRasterTypeGeoKey, 0, 1, rasterPixelIsArea},
				[4]uint16{gkProjectedCSTypeGeoKey, 0, 1, uint16(sref.EPSG())})
		}
	} else {
		entries = append(entries, [4]uint16{gkRasterTypeGeoKey, 0, 1, rasterPixelIsArea})
	}
	out := []uint16{1, 1, 0, uint16(len(entries))}
	for _, e := range entries {
		out = append(out, e[:]...)
	}
	return out
}
