package encode

import (
	"image/color"
	"math"
)

// Terrarium stores an elevation as (R*256 + G + B/256) - terrariumOffset,
// covering -32768 to about +32767.996 meters in 1/256 m steps.
const terrariumOffset = 32768.0

// ElevationToTerrarium converts an elevation to Terrarium RGB. NaN and
// infinite values are transparent.
func ElevationToTerrarium(elevation float64) color.RGBA {
	if math.IsNaN(elevation) || math.IsInf(elevation, 0) {
		return color.RGBA{}
	}
	v := math.Max(0, math.Min(elevation+terrariumOffset, 65535+255.0/256))
	fixed := uint32(v * 256) // 24-bit fixed point
	return color.RGBA{R: uint8(fixed >> 16), G: uint8(fixed >> 8), B: uint8(fixed), A: 255}
}

// TerrariumToElevation converts Terrarium RGB back to an elevation.
// Transparent pixels give NaN.
func TerrariumToElevation(c color.RGBA) float64 {
	if c.A == 0 {
		return math.NaN()
	}
	return float64(c.R)*256 + float64(c.G) + float64(c.B)/256 - terrariumOffset
}
