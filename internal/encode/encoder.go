// Package encode writes quicklook images of raster bands.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/gen2brain/webp"
)

// Format names a quicklook image format.
type Format string

const (
	FormatPNG       Format = "png"
	FormatJPEG      Format = "jpeg"
	FormatWebP      Format = "webp"
	FormatTerrarium Format = "terrarium" // PNG carrying Terrarium-encoded elevations
)

const defaultQuality = 85

// Encoder writes images in one format. Quality applies to the lossy
// formats and defaults to 85.
type Encoder struct {
	Format   Format
	Quality  int
	Lossless bool // webp only
}

// NewEncoder creates an encoder for the given format name.
func NewEncoder(format string, quality int) (*Encoder, error) {
	if quality <= 0 {
		quality = defaultQuality
	}
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return &Encoder{Format: FormatJPEG, Quality: quality}, nil
	case "png":
		return &Encoder{Format: FormatPNG}, nil
	case "webp":
		return &Encoder{Format: FormatWebP, Quality: quality}, nil
	case "terrarium":
		return &Encoder{Format: FormatTerrarium}, nil
	default:
		return nil, fmt.Errorf("unsupported image format: %q (supported: jpeg, png, webp, terrarium)", format)
	}
}

// ForPath picks the encoder matching the extension of path.
func ForPath(path string, quality int) (*Encoder, error) {
	return NewEncoder(strings.TrimPrefix(filepath.Ext(path), "."), quality)
}

// Extension is the usual file extension of the format.
func (e *Encoder) Extension() string {
	switch e.Format {
	case FormatJPEG:
		return ".jpg"
	case FormatWebP:
		return ".webp"
	default:
		return ".png"
	}
}

// Encode writes img to w.
func (e *Encoder) Encode(w io.Writer, img image.Image) error {
	switch e.Format {
	case FormatPNG, FormatTerrarium:
		enc := &png.Encoder{CompressionLevel: png.BestSpeed}
		return enc.Encode(w, img)
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: e.quality()})
	case FormatWebP:
		return webp.Encode(w, img, webp.Options{Lossless: e.Lossless, Quality: e.quality()})
	default:
		return fmt.Errorf("unsupported image format: %q", e.Format)
	}
}

// EncodeBytes encodes img into a new byte slice.
func (e *Encoder) EncodeBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Encoder) quality() int {
	if e.Quality <= 0 {
		return defaultQuality
	}
	return e.Quality
}

// Decode reads an image written in format f.
func Decode(r io.Reader, f Format) (image.Image, error) {
	switch f {
	case FormatPNG, FormatTerrarium:
		return png.Decode(r)
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatWebP:
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported decode format: %q", f)
	}
}
