package raster

import (
	"context"
	"math"
)

var checksumPrimes = [11]int{7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43}

// Checksum computes the 16-bit image checksum used to compare rasters:
// each sample, converted to a 32-bit integer, contributes its remainder
// modulo a cycling list of primes. Complex samples contribute the real then
// the imaginary part. Any read failure returns -1 with the error.
func Checksum(ctx context.Context, b Band, win Window) (int, error) {
	if win.IsZero() {
		win = Rect(0, 0, b.Width(), b.Height())
	}
	x, y, w, h := win.Ints()
	isFloat := b.DataType().IsFloat()
	sum, prime := 0, 0
	for row := 0; row < h; row++ {
		buf, err := b.Read(ctx, Request{Window: Rect(x, y+row, w, 1), BufWidth: w, BufHeight: 1, NoOverviews: true})
		if err != nil {
			return -1, err
		}
		for i := 0; i < w; i++ {
			parts := [2]float64{buf.Real[i], 0}
			n := 1
			if buf.Imag != nil {
				parts[1] = buf.Imag[i]
				n = 2
			}
			for _, v := range parts[:n] {
				sum += int(checksumValue(v, isFloat)) % checksumPrimes[prime]
				prime++
				if prime > 10 {
					prime = 0
				}
				sum &= 0xffff
			}
		}
	}
	return sum, nil
}

func checksumValue(v float64, isFloat bool) int32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.MinInt32
	}
	lo := float64(math.MinInt32)
	if isFloat {
		v = math.Floor(v + 0.5)
		lo = -math.MaxInt32
	}
	if v < lo {
		return int32(lo)
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}
