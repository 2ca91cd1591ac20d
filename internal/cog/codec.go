package cog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"

	"github.com/gen2brain/webp"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/pspoerri/govrt/internal/raster"
)

var (
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	zstdEncoder, _ = zstd.NewWriter(nil)
)

// decompress returns the raw bytes of one chunk.
func decompress(compression uint16, data []byte, sizeHint int) ([]byte, error) {
	switch compression {
	case compressionNone:
		return data, nil
	case compressionLZW:
		return decompressTIFFLZW(data, sizeHint)
	case compressionDeflate, compressionAdobe:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		out := bytes.NewBuffer(make([]byte, 0, sizeHint))
		if _, err := io.Copy(out, zr); err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return out.Bytes(), nil
	case compressionZSTD:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, sizeHint))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case compressionPackBits:
		return unpackBits(data, sizeHint)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", compression)
	}
}

// compress encodes one chunk for writing.
func compress(compression uint16, data []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		return data, nil
	case compressionLZW:
		return compressTIFFLZW(data), nil
	case compressionDeflate, compressionAdobe:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case compressionZSTD:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression for writing: %d", compression)
	}
}

// unpackBits decodes Apple PackBits run-length data.
func unpackBits(data []byte, sizeHint int) ([]byte, error) {
	out := make([]byte, 0, sizeHint)
	for i := 0; i < len(data); {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(data) {
				return nil, fmt.Errorf("packbits: literal run past end")
			}
			out = append(out, data[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(data) {
				return nil, fmt.Errorf("packbits: repeat run past end")
			}
			for j := 0; j < 1-n; j++ {
				out = append(out, data[i])
			}
			i++
		}
	}
	return out, nil
}

// undoHorizontalPredictor reverses predictor 2 in place. Rows hold
// width*spp samples of bps bytes in byte order bo.
func undoHorizontalPredictor(data []byte, bo binary.ByteOrder, width, height, spp, bps int) {
	rowLen := width * spp * bps
	for y := 0; y < height && (y+1)*rowLen <= len(data); y++ {
		row := data[y*rowLen : (y+1)*rowLen]
		switch bps {
		case 1:
			for i := spp; i < len(row); i++ {
				row[i] += row[i-spp]
			}
		case 2:
			for i := spp; i < width*spp; i++ {
				bo.PutUint16(row[i*2:], bo.Uint16(row[i*2:])+bo.Uint16(row[(i-spp)*2:]))
			}
		case 4:
			for i := spp; i < width*spp; i++ {
				bo.PutUint32(row[i*4:], bo.Uint32(row[i*4:])+bo.Uint32(row[(i-spp)*4:]))
			}
		case 8:
			for i := spp; i < width*spp; i++ {
				bo.PutUint64(row[i*8:], bo.Uint64(row[i*8:])+bo.Uint64(row[(i-spp)*8:]))
			}
		}
	}
}

// undoFloatPredictor reverses predictor 3. The bytes of each row are stored
// most significant plane first with horizontal differencing; the result is
// written back in byte order bo.
func undoFloatPredictor(data []byte, bo binary.ByteOrder, width, height, spp, bps int) {
	wc := width * spp
	rowLen := wc * bps
	tmp := make([]byte, rowLen)
	for y := 0; y < height && (y+1)*rowLen <= len(data); y++ {
		row := data[y*rowLen : (y+1)*rowLen]
		for i := spp; i < rowLen; i++ {
			row[i] += row[i-spp]
		}
		copy(tmp, row)
		for i := 0; i < wc; i++ {
			for b := 0; b < bps; b++ {
				// Plane b holds the b-th most significant byte.
				if bo == binary.BigEndian {
					row[i*bps+b] = tmp[b*wc+i]
				} else {
					row[i*bps+b] = tmp[(bps-b-1)*wc+i]
				}
			}
		}
	}
}

// samplesToPlanes converts raw pixel bytes of one chunk into float64 planes,
// one per sample in the chunk. Complex samples also fill the imaginary
// planes.
func samplesToPlanes(data []byte, bo binary.ByteOrder, dt raster.DataType, bits, width, height, spp int) (re, im [][]float64, err error) {
	re = make([][]float64, spp)
	for s := range re {
		re[s] = make([]float64, width*height)
	}
	if dt.IsComplex() {
		im = make([][]float64, spp)
		for s := range im {
			im[s] = make([]float64, width*height)
		}
	}
	if bits < 8 {
		rowBytes := (width*spp*bits + 7) / 8
		if len(data) < rowBytes*height {
			return nil, nil, fmt.Errorf("chunk holds %d bytes, want %d", len(data), rowBytes*height)
		}
		mask := 1<<bits - 1
		for y := 0; y < height; y++ {
			row := data[y*rowBytes:]
			for i := 0; i < width*spp; i++ {
				bit := i * bits
				v := int(row[bit/8]>>(8-bits-bit%8)) & mask
				re[i%spp][y*width+i/spp] = float64(v)
			}
		}
		return re, im, nil
	}

	comp := dt.Component()
	size := comp.Size()
	parts := 1
	if dt.IsComplex() {
		parts = 2
	}
	n := width * height * spp
	if len(data) < n*size*parts {
		return nil, nil, fmt.Errorf("chunk holds %d bytes, want %d", len(data), n*size*parts)
	}
	read := func(off int) float64 {
		b := data[off:]
		switch comp {
		case raster.Byte:
			return float64(b[0])
		case raster.Int8:
			return float64(int8(b[0]))
		case raster.UInt16:
			return float64(bo.Uint16(b))
		case raster.Int16:
			return float64(int16(bo.Uint16(b)))
		case raster.UInt32:
			return float64(bo.Uint32(b))
		case raster.Int32:
			return float64(int32(bo.Uint32(b)))
		case raster.Float32:
			return float64(math.Float32frombits(bo.Uint32(b)))
		default:
			return math.Float64frombits(bo.Uint64(b))
		}
	}
	for i := 0; i < n; i++ {
		off := i * size * parts
		re[i%spp][i/spp] = read(off)
		if parts == 2 {
			im[i%spp][i/spp] = read(off + size)
		}
	}
	return re, im, nil
}

// planesToBytes is the inverse of samplesToPlanes for whole-byte types.
func planesToBytes(re, im [][]float64, bo binary.ByteOrder, dt raster.DataType, n int) []byte {
	comp := dt.Component()
	size := comp.Size()
	parts := 1
	if dt.IsComplex() {
		parts = 2
	}
	spp := len(re)
	out := make([]byte, n*spp*size*parts)
	write := func(off int, v float64) {
		b := out[off:]
		switch comp {
		case raster.Byte:
			b[0] = byte(v)
		case raster.Int8:
			b[0] = byte(int8(v))
		case raster.UInt16:
			bo.PutUint16(b, uint16(v))
		case raster.Int16:
			bo.PutUint16(b, uint16(int16(v)))
		case raster.UInt32:
			bo.PutUint32(b, uint32(v))
		case raster.Int32:
			bo.PutUint32(b, uint32(int32(v)))
		case raster.Float32:
			bo.PutUint32(b, math.Float32bits(float32(v)))
		default:
			bo.PutUint64(b, math.Float64bits(v))
		}
	}
	for i := 0; i < n*spp; i++ {
		off := i * size * parts
		write(off, re[i%spp][i/spp])
		if parts == 2 {
			write(off+size, im[i%spp][i/spp])
		}
	}
	return out
}

// decodeImageChunk decodes a JPEG or WEBP compressed chunk into spp planes.
func decodeImageChunk(ifd *IFD, data []byte, width, height, spp int) ([][]float64, error) {
	var img image.Image
	var err error
	switch ifd.Compression {
	case compressionJPEG:
		img, err = jpeg.Decode(bytes.NewReader(mergeJPEGTables(ifd.JPEGTables, data)))
		if err != nil {
			return nil, fmt.Errorf("decoding JPEG tile: %w", err)
		}
	case compressionWEBP:
		img, err = webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding WEBP tile: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression: %d", ifd.Compression)
	}
	return imageToPlanes(img, width, height, spp), nil
}

// mergeJPEGTables prepends the shared quantization and Huffman tables of a
// JPEG-in-TIFF file to an abbreviated tile stream.
func mergeJPEGTables(tables, data []byte) []byte {
	if len(tables) == 0 {
		return data
	}
	// Strip the trailing EOI from the tables and the leading SOI from the tile.
	if len(tables) >= 2 && tables[len(tables)-2] == 0xFF && tables[len(tables)-1] == 0xD9 {
		tables = tables[:len(tables)-2]
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		data = data[2:]
	}
	out := make([]byte, len(tables)+len(data))
	copy(out, tables)
	copy(out[len(tables):], data)
	return out
}

// imageToPlanes extracts gray, RGB or RGBA planes from a decoded image.
func imageToPlanes(img image.Image, width, height, spp int) [][]float64 {
	planes := make([][]float64, spp)
	for s := range planes {
		planes[s] = make([]float64, width*height)
	}
	b := img.Bounds()
	for y := 0; y < height && y < b.Dy(); y++ {
		for x := 0; x < width && x < b.Dx(); x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			vals := [4]float64{float64(r >> 8), float64(g >> 8), float64(bl >> 8), float64(a >> 8)}
			for s := 0; s < spp && s < 4; s++ {
				planes[s][y*width+x] = vals[s]
			}
		}
	}
	return planes
}
