package encode

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/pspoerri/govrt/internal/raster"
)

// Stretch maps the band range [Min, Max] linearly onto 0..255. The zero
// value clamps values to 0..255 unchanged.
type Stretch struct {
	Min, Max float64
}

func (s Stretch) apply(v float64) uint8 {
	if s.Max > s.Min {
		v = (v - s.Min) / (s.Max - s.Min) * 255
	}
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

// Layer is one band's pixels with what rendering needs to know about them.
type Layer struct {
	Buf        *raster.Buffer
	NoData     float64
	HasNoData  bool
	Stretch    Stretch
	ColorTable raster.ColorTable
}

func (l Layer) valid(i int) bool {
	v := l.Buf.Real[i]
	if math.IsNaN(v) {
		return false
	}
	return !l.HasNoData || v != l.NoData
}

// FromBands renders one to four bands of equal size. One band gives gray,
// or the colors of its color table; two give gray and alpha; three give
// RGB; four give RGBA. Pixels that are nodata in any band are transparent.
func FromBands(layers []Layer) (*image.NRGBA, error) {
	if len(layers) == 0 || len(layers) > 4 {
		return nil, fmt.Errorf("quicklook needs 1 to 4 bands, got %d", len(layers))
	}
	w, h := layers[0].Buf.Width, layers[0].Buf.Height
	for _, l := range layers[1:] {
		if l.Buf.Width != w || l.Buf.Height != h {
			return nil, fmt.Errorf("band size %dx%d differs from %dx%d", l.Buf.Width, l.Buf.Height, w, h)
		}
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		var c color.NRGBA
		switch len(layers) {
		case 1:
			c = layers[0].color(i)
		case 2:
			g := layers[0].Stretch.apply(layers[0].Buf.Real[i])
			c = color.NRGBA{g, g, g, layers[1].Stretch.apply(layers[1].Buf.Real[i])}
		default:
			c.A = 255
			c.R = layers[0].Stretch.apply(layers[0].Buf.Real[i])
			c.G = layers[1].Stretch.apply(layers[1].Buf.Real[i])
			c.B = layers[2].Stretch.apply(layers[2].Buf.Real[i])
			if len(layers) == 4 {
				c.A = layers[3].Stretch.apply(layers[3].Buf.Real[i])
			}
		}
		for _, l := range layers {
			if !l.valid(i) {
				c = color.NRGBA{}
				break
			}
		}
		img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = c.R, c.G, c.B, c.A
	}
	return img, nil
}

// color renders a single band pixel through the color table when there is
// one.
func (l Layer) color(i int) color.NRGBA {
	v := l.Buf.Real[i]
	if len(l.ColorTable) > 0 {
		idx := int(math.Round(v))
		if idx < 0 || idx >= len(l.ColorTable) {
			return color.NRGBA{}
		}
		e := l.ColorTable[idx]
		return color.NRGBA{component(e.C1), component(e.C2), component(e.C3), component(e.C4)}
	}
	g := l.Stretch.apply(v)
	return color.NRGBA{g, g, g, 255}
}

func component(v int16) uint8 {
	return uint8(max(0, min(255, int(v))))
}

// Terrarium renders an elevation band in Terrarium encoding. Nodata
// pixels are transparent.
func Terrarium(l Layer) *image.RGBA {
	w, h := l.Buf.Width, l.Buf.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		v := l.Buf.Real[i]
		if !l.valid(i) {
			v = math.NaN()
		}
		c := ElevationToTerrarium(v)
		img.Pix[4*i], img.Pix[4*i+1], img.Pix[4*i+2], img.Pix[4*i+3] = c.R, c.G, c.B, c.A
	}
	return img
}
