package encode

import (
	"image/color"
	"math"
	"testing"

	"github.com/pspoerri/govrt/internal/raster"
)

func layer(vals ...float64) Layer {
	return Layer{Buf: raster.FromValues(raster.Float64, len(vals), 1, vals)}
}

func TestStretch(t *testing.T) {
	tests := []struct {
		s    Stretch
		v    float64
		want uint8
	}{
		{Stretch{}, 17, 17},
		{Stretch{}, -3, 0},
		{Stretch{}, 300, 255},
		{Stretch{Min: 0, Max: 1000}, 500, 128},
		{Stretch{Min: 100, Max: 200}, 100, 0},
		{Stretch{Min: 100, Max: 200}, 250, 255},
	}
	for _, tt := range tests {
		if got := tt.s.apply(tt.v); got != tt.want {
			t.Errorf("%+v.apply(%v) = %d, want %d", tt.s, tt.v, got, tt.want)
		}
	}
}

func TestFromBandsGray(t *testing.T) {
	l := layer(0, 10, 255, 7)
	l.NoData, l.HasNoData = 7, true
	img, err := FromBands([]Layer{l})
	if err != nil {
		t.Fatal(err)
	}
	want := []color.NRGBA{{0, 0, 0, 255}, {10, 10, 10, 255}, {255, 255, 255, 255}, {}}
	for x, w := range want {
		if got := img.NRGBAAt(x, 0); got != w {
			t.Errorf("pixel %d = %v, want %v", x, got, w)
		}
	}
}

func TestFromBandsPalette(t *testing.T) {
	l := layer(0, 1, 5)
	l.ColorTable = raster.ColorTable{{C1: 255, C2: 0, C3: 0, C4: 255}, {C1: 0, C2: 0, C3: 255, C4: 128}}
	img, err := FromBands([]Layer{l})
	if err != nil {
		t.Fatal(err)
	}
	want := []color.NRGBA{{255, 0, 0, 255}, {0, 0, 255, 128}, {}}
	for x, w := range want {
		if got := img.NRGBAAt(x, 0); got != w {
			t.Errorf("pixel %d = %v, want %v", x, got, w)
		}
	}
}

func TestFromBandsRGBA(t *testing.T) {
	r, g, b, a := layer(1, 2), layer(3, 4), layer(5, math.NaN()), layer(255, 9)
	img, err := FromBands([]Layer{r, g, b, a})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := img.NRGBAAt(0, 0), (color.NRGBA{1, 3, 5, 255}); got != want {
		t.Errorf("pixel 0 = %v, want %v", got, want)
	}
	if got := img.NRGBAAt(1, 0); got != (color.NRGBA{}) {
		t.Errorf("NaN pixel = %v, want transparent", got)
	}

	ga, err := FromBands([]Layer{layer(40), layer(20)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ga.NRGBAAt(0, 0), (color.NRGBA{40, 40, 40, 20}); got != want {
		t.Errorf("gray alpha pixel = %v, want %v", got, want)
	}
}

func TestFromBandsRejects(t *testing.T) {
	if _, err := FromBands(nil); err == nil {
		t.Error("FromBands(nil) accepted")
	}
	five := []Layer{layer(1), layer(1), layer(1), layer(1), layer(1)}
	if _, err := FromBands(five); err == nil {
		t.Error("FromBands accepted five bands")
	}
	if _, err := FromBands([]Layer{layer(1, 2), layer(1)}); err == nil {
		t.Error("FromBands accepted bands of different size")
	}
}

func TestTerrarium(t *testing.T) {
	l := layer(0, 100.5, -9999)
	l.NoData, l.HasNoData = -9999, true
	img := Terrarium(l)
	for x, want := range []float64{0, 100.5} {
		c := img.RGBAAt(x, 0)
		if got := TerrariumToElevation(c); math.Abs(got-want) > 1.0/256 {
			t.Errorf("elevation %d = %v, want %v", x, got, want)
		}
	}
	if a := img.RGBAAt(2, 0).A; a != 0 {
		t.Errorf("nodata alpha = %d, want 0", a)
	}
}
