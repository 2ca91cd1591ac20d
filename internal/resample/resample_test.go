package resample

import (
	"math"
	"testing"
)

func plane(w, h int, vals ...float64) Plane {
	return Plane{Data: vals, Width: w, Height: h}
}

func apply(s Grid, src Plane) []float64 {
	x0, y0, x1, y1 := s.Region()
	sub := Plane{Width: x1 - x0, Height: y1 - y0}
	for y := y0; y < y1; y++ {
		sub.Data = append(sub.Data, src.Data[y*src.Width+x0:y*src.Width+x1]...)
	}
	return s.Apply(sub, x0, y0)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Alg
	}{
		{"", Nearest},
		{"near", Nearest},
		{"NEAREST", Nearest},
		{"bilinear", Bilinear},
		{"Cubic", Cubic},
		{"cubicspline", CubicSpline},
		{"lanczos", Lanczos},
		{"average", Average},
		{"mode", Mode},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := Parse("gauss"); err == nil {
		t.Error("Parse(gauss) should fail")
	}
}

func TestNearestUpsample(t *testing.T) {
	src := plane(2, 1, 1, 2)
	s := Grid{XSize: 2, YSize: 1, OutWidth: 4, OutHeight: 1, BandWidth: 2, BandHeight: 1}
	got := apply(s, src)
	want := []float64{1, 1, 2, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pixel %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNearestDecimationPicksCenters(t *testing.T) {
	src := plane(4, 1, 10, 11, 12, 13)
	got := Decimate(src, 2, Nearest, 0, false)
	if got.Width != 2 || got.Height != 1 {
		t.Fatalf("size = %dx%d, want 2x1", got.Width, got.Height)
	}
	if got.Data[0] != 11 || got.Data[1] != 13 {
		t.Errorf("decimated = %v, want [11 13]", got.Data)
	}
}

func TestBilinearNodataExcluded(t *testing.T) {
	src := plane(2, 1, 0, 10)
	s := Grid{XSize: 2, YSize: 1, OutWidth: 4, OutHeight: 1, BandWidth: 2, BandHeight: 1,
		Alg: Bilinear, HasNoData: true}
	got := apply(s, src)
	want := []float64{0, 10, 10, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pixel %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBilinearInterpolates(t *testing.T) {
	src := plane(2, 1, 0, 10)
	s := Grid{XSize: 2, YSize: 1, OutWidth: 4, OutHeight: 1, BandWidth: 2, BandHeight: 1, Alg: Bilinear}
	got := apply(s, src)
	want := []float64{0, 2.5, 7.5, 10}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("pixel %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestUniformPlaneStaysUniform(t *testing.T) {
	data := make([]float64, 64)
	for i := range data {
		data[i] = 42
	}
	src := plane(8, 8, data...)
	for _, alg := range []Alg{Nearest, Bilinear, Cubic, CubicSpline, Lanczos, Average, Mode} {
		got := Decimate(src, 2, alg, 0, false)
		for i, v := range got.Data {
			if math.Abs(v-42) > 1e-9 {
				t.Errorf("%v: pixel %d = %v, want 42", alg, i, v)
				break
			}
		}
	}
}

func TestAverageSkipsNodata(t *testing.T) {
	src := plane(2, 2, 0, 4, 8, 0)
	got := Decimate(src, 2, Average, 0, true)
	if got.Data[0] != 6 {
		t.Errorf("average = %v, want 6", got.Data[0])
	}
	all := Decimate(plane(2, 2, 0, 0, 0, 0), 2, Average, 0, true)
	if all.Data[0] != 0 {
		t.Errorf("all-nodata average = %v, want nodata 0", all.Data[0])
	}
}

func TestModePicksMostFrequent(t *testing.T) {
	src := plane(2, 2, 3, 5, 5, 7)
	got := Decimate(src, 2, Mode, 0, false)
	if got.Data[0] != 5 {
		t.Errorf("mode = %v, want 5", got.Data[0])
	}
}

// Reading a sub-window must agree with slicing a full read.
func TestWindowInvariance(t *testing.T) {
	const w, h = 20, 20
	data := make([]float64, w*h)
	for i := range data {
		data[i] = float64((i * 7) % 31)
	}
	src := plane(w, h, data...)
	for _, alg := range []Alg{Nearest, Bilinear, Cubic, Lanczos, Average} {
		full := apply(Grid{XSize: w, YSize: h, OutWidth: 22, OutHeight: 22, BandWidth: w, BandHeight: h, Alg: alg}, src)
		k := float64(w) / 22
		for _, win := range [][4]int{{1, 1, 1, 1}, {3, 5, 7, 2}, {0, 0, 22, 1}, {20, 20, 2, 2}} {
			sub := apply(Grid{
				XOff: float64(win[0]) * k, YOff: float64(win[1]) * k,
				XSize: float64(win[2]) * k, YSize: float64(win[3]) * k,
				OutWidth: win[2], OutHeight: win[3],
				BandWidth: w, BandHeight: h, Alg: alg,
			}, src)
			for y := 0; y < win[3]; y++ {
				for x := 0; x < win[2]; x++ {
					g := sub[y*win[2]+x]
					f := full[(win[1]+y)*22+win[0]+x]
					if math.Abs(g-f) > 1e-9 {
						t.Errorf("%v window %v pixel (%d,%d) = %v, full read has %v", alg, win, x, y, g, f)
					}
				}
			}
		}
	}
}

func TestPlanePoolReturnsZeroed(t *testing.T) {
	p := GetPlane(4, 4)
	for i := range p.Data {
		p.Data[i] = 1
	}
	PutPlane(p)
	q := GetPlane(4, 4)
	for i, v := range q.Data {
		if v != 0 {
			t.Fatalf("sample %d = %v, want 0", i, v)
		}
	}
}
