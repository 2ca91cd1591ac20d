package cog

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/pspoerri/govrt/internal/raster"
)

func TestLZWRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 100000)
	rng.Read(random)
	ramp := make([]byte, 70000)
	for i := range ramp {
		ramp[i] = byte(i / 7)
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single", []byte{42}},
		{"repeated", bytes.Repeat([]byte{7}, 10000)},
		{"ramp", ramp},
		{"random", random},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := compressTIFFLZW(tt.data)
			got, err := decompressTIFFLZW(enc, len(tt.data))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("round trip of %d bytes returned %d bytes", len(tt.data), len(got))
			}
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("raster block "), 500)
	for _, c := range []uint16{compressionNone, compressionLZW, compressionDeflate, compressionZSTD} {
		enc, err := compress(c, data)
		if err != nil {
			t.Fatalf("compress %d: %v", c, err)
		}
		got, err := decompress(c, enc, len(data))
		if err != nil {
			t.Fatalf("decompress %d: %v", c, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("compression %d: round trip mismatch", c)
		}
	}
	if _, err := compress(compressionJPEG, data); err == nil {
		t.Error("compress JPEG: expected error")
	}
}

func TestUnpackBits(t *testing.T) {
	in := []byte{0xFE, 0xAA, 0x02, 0x80, 0x00, 0x2A, 0xFD, 0xAA, 0x03, 0x80, 0x00, 0x2A, 0x22, 0xF7, 0xAA}
	want := []byte{
		0xAA, 0xAA, 0xAA, 0x80, 0x00, 0x2A, 0xAA, 0xAA, 0xAA, 0xAA, 0x80, 0x00, 0x2A, 0x22,
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA,
	}
	got, err := unpackBits(in, len(want))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
	if _, err := unpackBits([]byte{0x05, 0x01}, 6); err == nil {
		t.Error("truncated literal run: expected error")
	}
}

func TestHorizontalPredictor(t *testing.T) {
	data := []byte{10, 1, 1, 1, 5, 255, 2, 0}
	undoHorizontalPredictor(data, binary.LittleEndian, 4, 2, 1, 1)
	want := []byte{10, 11, 12, 13, 5, 4, 6, 6}
	if !bytes.Equal(data, want) {
		t.Errorf("8-bit: got %v, want %v", data, want)
	}

	words := make([]byte, 8)
	for i, v := range []uint16{1000, 1, 65535, 2} {
		binary.LittleEndian.PutUint16(words[2*i:], v)
	}
	undoHorizontalPredictor(words, binary.LittleEndian, 4, 1, 1, 2)
	for i, want := range []uint16{1000, 1001, 1000, 1002} {
		if got := binary.LittleEndian.Uint16(words[2*i:]); got != want {
			t.Errorf("16-bit sample %d: got %d, want %d", i, got, want)
		}
	}
}

// floatPredict applies predictor 3 to one row of float32 samples.
func floatPredict(vals []float32) []byte {
	n := len(vals)
	planes := make([]byte, 4*n)
	for i, v := range vals {
		bits := math.Float32bits(v)
		for b := 0; b < 4; b++ {
			planes[b*n+i] = byte(bits >> (24 - 8*b))
		}
	}
	for i := len(planes) - 1; i > 0; i-- {
		planes[i] -= planes[i-1]
	}
	return planes
}

func TestFloatPredictor(t *testing.T) {
	vals := []float32{1.5, -2.25, 1e10, 0, 3.4028235e38}
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		data := floatPredict(vals)
		undoFloatPredictor(data, bo, len(vals), 1, 1, 4)
		for i, want := range vals {
			if got := math.Float32frombits(bo.Uint32(data[4*i:])); got != want {
				t.Errorf("%v sample %d: got %v, want %v", bo, i, got, want)
			}
		}
	}
}

func TestSamplesToPlanesSubByte(t *testing.T) {
	// Two rows of three 1-bit samples, each row padded to a byte.
	data := []byte{0b10100000, 0b01100000}
	re, _, err := samplesToPlanes(data, binary.LittleEndian, raster.Byte, 1, 3, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 0, 1, 0, 1, 1}
	for i := range want {
		if re[0][i] != want[i] {
			t.Fatalf("got %v, want %v", re[0], want)
		}
	}

	data = []byte{0x3C}
	re, _, err = samplesToPlanes(data, binary.LittleEndian, raster.Byte, 4, 2, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if re[0][0] != 3 || re[0][1] != 12 {
		t.Errorf("4-bit: got %v, want [3 12]", re[0])
	}
}

func TestPlanesRoundTrip(t *testing.T) {
	tests := []struct {
		dt raster.DataType
		re []float64
		im []float64
	}{
		{raster.Int8, []float64{-128, 0, 127}, nil},
		{raster.UInt16, []float64{0, 1, 65535}, nil},
		{raster.Int32, []float64{-2147483648, 5, 2147483647}, nil},
		{raster.Float32, []float64{-1.5, 0, 1048576.25}, nil},
		{raster.Float64, []float64{math.Pi, math.Inf(1), -1e300}, nil},
		{raster.CInt16, []float64{1, -2, 3}, []float64{-4, 5, -6}},
		{raster.CFloat64, []float64{1.25, 2, 3}, []float64{0.5, -1, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			re := [][]float64{tt.re}
			var im [][]float64
			if tt.im != nil {
				im = [][]float64{tt.im}
			}
			data := planesToBytes(re, im, binary.BigEndian, tt.dt, len(tt.re))
			gotRe, gotIm, err := samplesToPlanes(data, binary.BigEndian, tt.dt, tt.dt.Size()*8, len(tt.re), 1, 1)
			if err != nil {
				t.Fatal(err)
			}
			for i := range tt.re {
				if gotRe[0][i] != tt.re[i] {
					t.Errorf("real %d: got %v, want %v", i, gotRe[0][i], tt.re[i])
				}
				if tt.im != nil && gotIm[0][i] != tt.im[i] {
					t.Errorf("imag %d: got %v, want %v", i, gotIm[0][i], tt.im[i])
				}
			}
		})
	}
}
