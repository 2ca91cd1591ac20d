package cog

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/vfs"
)

// TFW holds the six parameters from a TIFF World File (.tfw).
//
// Line 1: pixel width (x-component of pixel size)
// Line 2: rotation about y-axis (typically 0)
// Line 3: rotation about x-axis (typically 0)
// Line 4: pixel height (y-component, typically negative for north-up)
// Line 5: x-coordinate of the center of the upper-left pixel
// Line 6: y-coordinate of the center of the upper-left pixel
type TFW struct {
	PixelSizeX float64
	RotationY  float64
	RotationX  float64
	PixelSizeY float64
	OriginX    float64
	OriginY    float64
}

// parseTFW parses world file contents.
func parseTFW(name string, data []byte) (*TFW, error) {
	lines := strings.Fields(string(data))
	if len(lines) < 6 {
		return nil, fmt.Errorf("TFW %s: expected 6 values, got %d", name, len(lines))
	}

	var vals [6]float64
	for i := range vals {
		v, err := strconv.ParseFloat(lines[i], 64)
		if err != nil {
			return nil, fmt.Errorf("TFW %s value %d: %w", name, i+1, err)
		}
		vals[i] = v
	}
	return &TFW{vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]}, nil
}

// findTFW looks for a world file alongside the given TIFF path.
func findTFW(tiffPath string) string {
	ext := filepath.Ext(tiffPath)
	base := tiffPath[:len(tiffPath)-len(ext)]
	for _, c := range []string{".tfw", ".TFW", ".tifw", ".TIFW", ".wld", ".WLD"} {
		if p := base + c; vfs.Exists(p) {
			return p
		}
	}
	return ""
}

// GeoTransform converts the world file to an affine transform. The world
// file origin is the center of the upper-left pixel; the transform origin is
// its outer corner.
func (tfw *TFW) GeoTransform() raster.GeoTransform {
	return raster.GeoTransform{
		tfw.OriginX - 0.5*tfw.PixelSizeX - 0.5*tfw.RotationX,
		tfw.PixelSizeX,
		tfw.RotationX,
		tfw.OriginY - 0.5*tfw.RotationY - 0.5*tfw.PixelSizeY,
		tfw.RotationY,
		tfw.PixelSizeY,
	}
}

// worldFileTransform reads the sidecar world file of path, if any.
func worldFileTransform(path string) (raster.GeoTransform, bool) {
	name := findTFW(path)
	if name == "" {
		return raster.GeoTransform{}, false
	}
	data, err := vfs.ReadFile(name)
	if err != nil {
		return raster.GeoTransform{}, false
	}
	tfw, err := parseTFW(name, data)
	if err != nil {
		raster.Debugf("ignoring world file: %v", err)
		return raster.GeoTransform{}, false
	}
	return tfw.GeoTransform(), true
}
