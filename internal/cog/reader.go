// Package cog reads and writes GeoTIFF files, including Cloud Optimized
// GeoTIFFs, and exposes them as raster datasets through the "GTiff" driver.
package cog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/image/tiff"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/vfs"
)

// File provides block-level access to a GeoTIFF. OS files are
// memory-mapped and in-memory files are held as a byte slice, so concurrent
// block reads need no locking.
type File struct {
	id      string
	path    string
	data    []byte
	release func() error
	bo      binary.ByteOrder
	ifds    []IFD

	// overviews and maskOverviews hold IFD indices by decreasing width.
	overviews     []int
	mask          int
	maskOverviews []int

	// fallback holds the whole base image when its compression is only
	// understood by the x/image/tiff decoder.
	fallback *block
}

// Open opens a GeoTIFF file. Paths under /vsimem/ are read from memory.
func Open(path string) (*File, error) {
	if vfs.IsMem(path) {
		data, err := vfs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		return OpenBytes(path, data)
	}
	data, release, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	f, err := newFile(path, data, release)
	if err != nil {
		release()
		return nil, err
	}
	return f, nil
}

// OpenBytes parses a GeoTIFF held in memory.
func OpenBytes(name string, data []byte) (*File, error) {
	return newFile(name, data, func() error { return nil })
}

func newFile(path string, data []byte, release func() error) (*File, error) {
	ifds, bo, err := parseTIFF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(ifds) == 0 {
		return nil, fmt.Errorf("%s: no IFDs found", path)
	}
	f := &File{
		id:      uuid.NewString(),
		path:    path,
		data:    data,
		release: release,
		bo:      bo,
		ifds:    ifds,
		mask:    -1,
	}
	base := &ifds[0]
	if base.Width == 0 || base.Height == 0 {
		return nil, fmt.Errorf("%s: empty image", path)
	}
	if _, err := base.DataType(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := 1; i < len(ifds); i++ {
		ifd := &ifds[i]
		if !supportedCompression(ifd.Compression) {
			continue
		}
		isMask := ifd.NewSubfileType&subfileMask != 0 || ifd.Photometric == photoMask
		reduced := ifd.NewSubfileType&subfileReduce != 0
		switch {
		case isMask && !reduced && ifd.Width == base.Width && ifd.Height == base.Height && f.mask < 0:
			f.mask = i
		case isMask && reduced:
			f.maskOverviews = append(f.maskOverviews, i)
		case reduced && ifd.Width < base.Width:
			f.overviews = append(f.overviews, i)
		}
	}
	byWidth := func(idx []int) {
		sort.SliceStable(idx, func(a, b int) bool { return ifds[idx[a]].Width > ifds[idx[b]].Width })
	}
	byWidth(f.overviews)
	byWidth(f.maskOverviews)

	if !supportedCompression(base.Compression) {
		if err := f.decodeFallback(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f, nil
}

func supportedCompression(c uint16) bool {
	switch c {
	case compressionNone, compressionLZW, compressionJPEG, compressionDeflate, compressionAdobe,
		compressionPackBits, compressionZSTD, compressionWEBP:
		return true
	}
	return false
}

// decodeFallback decodes the base image with x/image/tiff, which handles the
// CCITT bilevel codecs.
func (f *File) decodeFallback() error {
	base := &f.ifds[0]
	dt, _ := base.DataType()
	if dt != raster.Byte {
		return fmt.Errorf("unsupported compression %d for %v samples", base.Compression, dt)
	}
	img, err := tiff.Decode(bytes.NewReader(f.data))
	if err != nil {
		return fmt.Errorf("decoding compression %d: %w", base.Compression, err)
	}
	w, h := int(base.Width), int(base.Height)
	planes := imageToPlanes(img, w, h, int(base.SamplesPerPixel))
	if bits := base.BitsPerSample; len(bits) > 0 && bits[0] == 1 {
		for _, p := range planes {
			for i, v := range p {
				if v != 0 {
					p[i] = 1
				}
			}
		}
	}
	f.fallback = &block{width: w, height: h, real: planes}
	return nil
}

// Close releases the file bytes and drops cached blocks.
func (f *File) Close() error {
	blocks.drop(f.id)
	if f.release == nil {
		return nil
	}
	err := f.release()
	f.release, f.data = nil, nil
	return err
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// IFDCount returns the total number of IFDs.
func (f *File) IFDCount() int {
	return len(f.ifds)
}

// IFD returns the i-th directory.
func (f *File) IFD(i int) *IFD {
	return &f.ifds[i]
}

// GeoInfo returns the georeferencing of the base image. A world file is
// used when the TIFF carries no transform.
func (f *File) GeoInfo() GeoInfo {
	info := parseGeoInfo(&f.ifds[0])
	if !info.HasGeoTransform {
		info.GeoTransform, info.HasGeoTransform = worldFileTransform(f.path)
	}
	return info
}

// readBlock returns the decoded block at (bx, by) of sample plane p.
func (f *File) readBlock(ifdIdx, p, bx, by int) (*block, error) {
	if ifdIdx == 0 && f.fallback != nil {
		return f.fallback, nil
	}
	ifd := &f.ifds[ifdIdx]
	chunk := ifd.ChunkIndex(p, bx, by)
	return blocks.get(blockKey(f.id, ifdIdx, chunk), func() (*block, error) {
		return f.decodeBlock(ifd, chunk, by)
	})
}

func (f *File) decodeBlock(ifd *IFD, chunk, by int) (*block, error) {
	if chunk >= len(ifd.ChunkOffsets) || chunk >= len(ifd.ChunkByteCounts) {
		return nil, fmt.Errorf("block index %d out of range", chunk)
	}
	dt, err := ifd.DataType()
	if err != nil {
		return nil, err
	}
	bw, bh := ifd.BlockSize()
	rows := bh
	if !ifd.Tiled() {
		rows = min(bh, int(ifd.Height)-by*bh)
	}
	spp := int(ifd.SamplesPerPixel)
	if ifd.PlanarConfig == 2 {
		spp = 1
	}
	b := &block{width: bw, height: rows}

	offset, size := ifd.ChunkOffsets[chunk], ifd.ChunkByteCounts[chunk]
	if size == 0 {
		// Sparse block: never written.
		b.real = make([][]float64, spp)
		for s := range b.real {
			b.real[s] = make([]float64, bw*rows)
		}
		if dt.IsComplex() {
			b.imag = make([][]float64, spp)
			for s := range b.imag {
				b.imag[s] = make([]float64, bw*rows)
			}
		}
		return b, nil
	}
	end := offset + size
	if end > uint64(len(f.data)) {
		return nil, fmt.Errorf("block data [%d:%d] exceeds file size %d", offset, end, len(f.data))
	}
	// Direct slice from the mapped region; never modified in place.
	raw := f.data[offset:end]

	if ifd.Compression == compressionJPEG || ifd.Compression == compressionWEBP {
		b.real, err = decodeImageChunk(ifd, raw, bw, rows, spp)
		return b, err
	}

	bits := 8
	if len(ifd.BitsPerSample) > 0 {
		bits = int(ifd.BitsPerSample[0])
	}
	want := (bw*spp*bits + 7) / 8 * rows
	data, err := decompress(ifd.Compression, raw, want)
	if err != nil {
		return nil, err
	}
	if ifd.Predictor > 1 {
		if ifd.Compression == compressionNone {
			data = append([]byte(nil), data...)
		}
		bps := bits / 8
		if dt.IsComplex() {
			bps /= 2
			spp *= 2
		}
		switch ifd.Predictor {
		case 2:
			undoHorizontalPredictor(data, f.bo, bw, rows, spp, bps)
		case 3:
			undoFloatPredictor(data, f.bo, bw, rows, spp, bps)
		default:
			return nil, fmt.Errorf("unsupported predictor %d", ifd.Predictor)
		}
		if dt.IsComplex() {
			spp /= 2
		}
	}
	b.real, b.imag, err = samplesToPlanes(data, f.bo, dt, bits, bw, rows, spp)
	return b, err
}

// readRegion assembles the pixels [x0,x1) × [y0,y1) of one sample of an IFD.
func (f *File) readRegion(ifdIdx, sample, x0, y0, x1, y1 int) (*raster.Buffer, error) {
	ifd := &f.ifds[ifdIdx]
	dt, err := ifd.DataType()
	if err != nil {
		return nil, err
	}
	if x0 < 0 || y0 < 0 || x1 > int(ifd.Width) || y1 > int(ifd.Height) || x1 <= x0 || y1 <= y0 {
		return nil, fmt.Errorf("region [%d,%d)x[%d,%d) outside %dx%d image: %w", x0, x1, y0, y1, ifd.Width, ifd.Height, raster.ErrOutOfBounds)
	}
	bw, bh := ifd.BlockSize()
	plane, inChunk := 0, sample
	if ifd.PlanarConfig == 2 {
		plane, inChunk = sample, 0
	}
	if f.fallback != nil && ifdIdx == 0 {
		bw, bh = f.fallback.width, f.fallback.height
	}

	out := raster.NewBuffer(dt, x1-x0, y1-y0)
	for by := y0 / bh; by <= (y1-1)/bh; by++ {
		for bx := x0 / bw; bx <= (x1-1)/bw; bx++ {
			b, err := f.readBlock(ifdIdx, plane, bx, by)
			if err != nil {
				return nil, fmt.Errorf("%s: block (%d,%d): %w", f.path, bx, by, err)
			}
			if inChunk >= len(b.real) {
				return nil, fmt.Errorf("%s: sample %d missing from block", f.path, sample)
			}
			re := b.real[inChunk]
			var im []float64
			if b.imag != nil {
				im = b.imag[inChunk]
			}
			// Overlap of this block with the region, in image coordinates.
			sx0, sy0 := max(x0, bx*bw), max(y0, by*bh)
			sx1, sy1 := min(x1, bx*bw+bw), min(y1, by*bh+b.height)
			for y := sy0; y < sy1; y++ {
				src := (y-by*bh)*b.width + (sx0 - bx*bw)
				dst := (y-y0)*out.Width + (sx0 - x0)
				copy(out.Real[dst:dst+sx1-sx0], re[src:src+sx1-sx0])
				if im != nil && out.Imag != nil {
					copy(out.Imag[dst:dst+sx1-sx0], im[src:src+sx1-sx0])
				}
			}
		}
	}
	return out, nil
}
