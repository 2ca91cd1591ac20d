package cog

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/vfs"
)

// WriteOptions controls how Write lays out a GeoTIFF.
type WriteOptions struct {
	// Compression is NONE, LZW, DEFLATE or ZSTD. Empty means NONE.
	Compression string
	// BlockSize is the tile edge in pixels. 0 means 256.
	BlockSize int
	// Interleave is PIXEL (default) or BAND.
	Interleave string
	// Overviews lists decimation factors, each at least 2.
	Overviews          []int
	OverviewResampling resample.Alg
	Progress           raster.ProgressFunc
}

// ParseCompression maps a creation option value to a TIFF compression code.
func ParseCompression(s string) (uint16, error) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return compressionNone, nil
	case "LZW":
		return compressionLZW, nil
	case "DEFLATE", "ZIP":
		return compressionDeflate, nil
	case "ZSTD":
		return compressionZSTD, nil
	}
	return 0, fmt.Errorf("unsupported compression %q (use NONE, LZW, DEFLATE or ZSTD)", s)
}

// level is one image written to the file: the base image, an overview or a
// mask.
type level struct {
	bands   []raster.Band
	width   int
	height  int
	subfile uint32
	isMask  bool
}

// Write stores ds as a tiled GeoTIFF at path. Paths under /vsimem/ stay in
// memory. The base image comes first, followed by its mask, then each
// overview with its mask. All IFDs are placed after the image data.
func Write(ctx context.Context, path string, ds raster.Dataset, opts WriteOptions) error {
	data, err := Encode(ctx, ds, opts)
	if err != nil {
		return err
	}
	return vfs.WriteFile(path, data)
}

// Encode renders ds as a GeoTIFF byte stream.
func Encode(ctx context.Context, ds raster.Dataset, opts WriteOptions) ([]byte, error) {
	comp, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	bs := opts.BlockSize
	if bs == 0 {
		bs = 256
	}
	if bs < 16 || bs%16 != 0 {
		return nil, fmt.Errorf("block size %d must be a positive multiple of 16", bs)
	}
	bandInterleave := strings.EqualFold(opts.Interleave, "BAND")
	bands, err := raster.BandList(ds)
	if err != nil {
		return nil, err
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("%s: no bands to write", ds.Name())
	}
	dt := bands[0].DataType()
	for _, b := range bands[1:] {
		if b.DataType() != dt {
			return nil, fmt.Errorf("%s: mixed band types %s and %s", ds.Name(), dt, b.DataType())
		}
	}

	var mask raster.Band
	if bands[0].MaskFlags() == raster.MaskPerDataset {
		mask = bands[0].MaskBand()
	}
	w, h := ds.Width(), ds.Height()
	levels := []level{{bands: bands, width: w, height: h}}
	if mask != nil {
		levels = append(levels, level{bands: []raster.Band{mask}, width: w, height: h, subfile: subfileMask, isMask: true})
	}
	factors := append([]int(nil), opts.Overviews...)
	sort.Ints(factors)
	for _, f := range factors {
		if f < 2 {
			return nil, fmt.Errorf("overview factor %d must be at least 2", f)
		}
		ow, oh := (w+f-1)/f, (h+f-1)/f
		levels = append(levels, level{bands: bands, width: ow, height: oh, subfile: subfileReduce})
		if mask != nil {
			levels = append(levels, level{bands: []raster.Band{mask}, width: ow, height: oh, subfile: subfileReduce | subfileMask, isMask: true})
		}
	}

	tw := &tiffWriter{bo: binary.LittleEndian, comp: comp, bs: bs, bandInterleave: bandInterleave}
	tw.buf.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})

	total := 0
	for _, l := range levels {
		total += (l.height + bs - 1) / bs
	}
	done := 0
	offsets := make([][]uint64, len(levels))
	counts := make([][]uint64, len(levels))
	for i, l := range levels {
		alg := opts.OverviewResampling
		if l.isMask {
			alg = resample.Nearest
		}
		offsets[i], counts[i], err = tw.writeImage(ctx, l, w, h, alg, func() {
			done++
			if opts.Progress != nil {
				opts.Progress(float64(done) / float64(total))
			}
		})
		if err != nil {
			return nil, err
		}
	}

	// Directories follow the data; the header points at the first one.
	next := tw.align()
	tw.bo.PutUint32(tw.buf.Bytes()[4:], uint32(next))
	for i, l := range levels {
		entries, err := tw.entries(ds, l, i == 0, offsets[i], counts[i])
		if err != nil {
			return nil, err
		}
		last := i == len(levels)-1
		if err := tw.writeIFD(entries, last); err != nil {
			return nil, err
		}
	}
	if tw.buf.Len() > math.MaxUint32 {
		return nil, fmt.Errorf("%s: output of %d bytes exceeds the classic TIFF limit", ds.Name(), tw.buf.Len())
	}
	return tw.buf.Bytes(), nil
}

type tiffWriter struct {
	bo             binary.ByteOrder
	buf            bytes.Buffer
	comp           uint16
	bs             int
	bandInterleave bool
}

// align pads the output to an even offset and returns it.
func (tw *tiffWriter) align() int {
	if tw.buf.Len()%2 == 1 {
		tw.buf.WriteByte(0)
	}
	return tw.buf.Len()
}

// writeImage appends the compressed tiles of one level, one block row at a
// time, and returns their offsets and byte counts in TIFF chunk order.
func (tw *tiffWriter) writeImage(ctx context.Context, l level, baseW, baseH int, alg resample.Alg, rowDone func()) ([]uint64, []uint64, error) {
	bs := tw.bs
	across, down := (l.width+bs-1)/bs, (l.height+bs-1)/bs
	planes := 1
	if tw.bandInterleave {
		planes = len(l.bands)
	}
	n := across * down * planes
	offsets := make([]uint64, n)
	counts := make([]uint64, n)
	sy := float64(baseH) / float64(l.height)
	dt := l.bands[0].DataType()

	for by := 0; by < down; by++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		y0 := by * bs
		rows := min(bs, l.height-y0)
		req := raster.Request{
			Window:      raster.Window{XOff: 0, YOff: float64(y0) * sy, XSize: float64(baseW), YSize: float64(rows) * sy},
			BufWidth:    l.width,
			BufHeight:   rows,
			Resampling:  alg,
			NoOverviews: true,
		}
		if l.width == baseW && l.height == baseH {
			req.Window = raster.Rect(0, y0, baseW, rows)
		}
		row := make([]*raster.Buffer, len(l.bands))
		for i, b := range l.bands {
			buf, err := b.Read(ctx, req)
			if err != nil {
				return nil, nil, fmt.Errorf("reading band %d: %w", b.Index(), err)
			}
			if l.isMask {
				for j, v := range buf.Real {
					if v != 0 {
						buf.Real[j] = 255
					}
				}
			}
			row[i] = buf
		}
		for bx := 0; bx < across; bx++ {
			x0 := bx * bs
			cols := min(bs, l.width-x0)
			for p := 0; p < planes; p++ {
				sel := row
				if tw.bandInterleave {
					sel = row[p : p+1]
				}
				re := make([][]float64, len(sel))
				var im [][]float64
				if dt.IsComplex() {
					im = make([][]float64, len(sel))
				}
				for s, buf := range sel {
					re[s] = make([]float64, bs*bs)
					if im != nil {
						im[s] = make([]float64, bs*bs)
					}
					for y := 0; y < rows; y++ {
						copy(re[s][y*bs:y*bs+cols], buf.Real[y*buf.Width+x0:y*buf.Width+x0+cols])
						if im != nil && buf.Imag != nil {
							copy(im[s][y*bs:y*bs+cols], buf.Imag[y*buf.Width+x0:y*buf.Width+x0+cols])
						}
					}
				}
				chunk, err := compress(tw.comp, planesToBytes(re, im, tw.bo, dt, bs*bs))
				if err != nil {
					return nil, nil, err
				}
				idx := p*across*down + by*across + bx
				offsets[idx] = uint64(tw.buf.Len())
				counts[idx] = uint64(len(chunk))
				tw.buf.Write(chunk)
			}
		}
		rowDone()
	}
	return offsets, counts, nil
}

// dirEntry is one IFD entry with its value encoded in file byte order.
type dirEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func (tw *tiffWriter) shorts(tag uint16, vals ...uint16) dirEntry {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		tw.bo.PutUint16(b[2*i:], v)
	}
	return dirEntry{tag, dtShort, uint32(len(vals)), b}
}

func (tw *tiffWriter) longs(tag uint16, vals ...uint64) (dirEntry, error) {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		if v > math.MaxUint32 {
			return dirEntry{}, fmt.Errorf("offset %d exceeds the classic TIFF limit", v)
		}
		tw.bo.PutUint32(b[4*i:], uint32(v))
	}
	return dirEntry{tag, dtLong, uint32(len(vals)), b}, nil
}

func (tw *tiffWriter) doubles(tag uint16, vals ...float64) dirEntry {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		tw.bo.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return dirEntry{tag, dtDouble, uint32(len(vals)), b}
}

func ascii(tag uint16, s string) dirEntry {
	b := append([]byte(s), 0)
	return dirEntry{tag, dtASCII, uint32(len(b)), b}
}

func sampleLayout(dt raster.DataType) (format uint16, bits uint16) {
	bits = uint16(dt.Size() * 8)
	switch dt {
	case raster.Int8, raster.Int16, raster.Int32:
		return sampleInt, bits
	case raster.Float32, raster.Float64:
		return sampleFloat, bits
	case raster.CInt16, raster.CInt32:
		return sampleCInt, bits
	case raster.CFloat32, raster.CFloat64:
		return sampleCFloat, bits
	}
	return sampleUint, bits
}

// entries builds the directory of one level. Descriptive tags are written
// on the base image only.
func (tw *tiffWriter) entries(ds raster.Dataset, l level, base bool, offsets, counts []uint64) ([]dirEntry, error) {
	spp := len(l.bands)
	dt := l.bands[0].DataType()
	format, bits := sampleLayout(dt)
	bpp := make([]uint16, spp)
	sf := make([]uint16, spp)
	for i := range bpp {
		bpp[i], sf[i] = bits, format
	}

	photometric := uint16(photoMinIsBlack)
	var extra []uint16
	var cmap []uint16
	if l.isMask {
		photometric = photoMask
	} else {
		photometric, extra, cmap = photometricOf(l.bands)
	}
	planar := uint16(1)
	if tw.bandInterleave && spp > 1 {
		planar = 2
	}

	out := []dirEntry{
		tw.shorts(tagBitsPerSample, bpp...),
		tw.shorts(tagCompression, tw.comp),
		tw.shorts(tagPhotometric, photometric),
		tw.shorts(tagSamplesPerPixel, uint16(spp)),
		tw.shorts(tagPlanarConfig, planar),
		tw.shorts(tagTileWidth, uint16(tw.bs)),
		tw.shorts(tagTileLength, uint16(tw.bs)),
		tw.shorts(tagSampleFormat, sf...),
	}
	for _, e := range []struct {
		tag  uint16
		vals []uint64
	}{
		{tagNewSubfileType, []uint64{uint64(l.subfile)}},
		{tagImageWidth, []uint64{uint64(l.width)}},
		{tagImageLength, []uint64{uint64(l.height)}},
		{tagTileOffsets, offsets},
		{tagTileByteCounts, counts},
	} {
		de, err := tw.longs(e.tag, e.vals...)
		if err != nil {
			return nil, err
		}
		out = append(out, de)
	}
	if len(extra) > 0 {
		out = append(out, tw.shorts(tagExtraSamples, extra...))
	}
	if len(cmap) > 0 {
		out = append(out, tw.shorts(tagColorMap, cmap...))
	}
	if !l.isMask {
		if nd, ok := l.bands[0].NoData(); ok {
			out = append(out, ascii(tagGDALNoData, formatNoData(nd)))
		}
	}
	if base {
		geo, err := tw.geoEntries(ds)
		if err != nil {
			return nil, err
		}
		out = append(out, geo...)
		gm, err := metadataOf(ds, l.bands).encode()
		if err != nil {
			return nil, err
		}
		if gm != "" {
			out = append(out, ascii(tagGDALMetadata, gm))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tag < out[j].tag })
	return out, nil
}

func photometricOf(bands []raster.Band) (uint16, []uint16, []uint16) {
	ci := func(i int) raster.ColorInterp { return bands[i].ColorInterp() }
	photometric, colour := uint16(photoMinIsBlack), 1
	var cmap []uint16
	switch {
	case len(bands) >= 3 && ci(0) == raster.Red && ci(1) == raster.Green && ci(2) == raster.Blue:
		photometric, colour = photoRGB, 3
	case ci(0) == raster.Palette:
		if d, ok := bands[0].(raster.Describer); ok && len(d.ColorTable()) > 0 &&
			(bands[0].DataType() == raster.Byte || bands[0].DataType() == raster.UInt16) {
			photometric = photoPalette
			cmap = colorMap(d.ColorTable(), bands[0].DataType())
		}
	}
	var extra []uint16
	for i := colour; i < len(bands); i++ {
		if ci(i) == raster.Alpha {
			extra = append(extra, 2)
		} else {
			extra = append(extra, 0)
		}
	}
	return photometric, extra, cmap
}

// colorMap spreads a palette over the full TIFF ColorMap, which always has
// one entry per representable value.
func colorMap(ct raster.ColorTable, dt raster.DataType) []uint16 {
	n := 256
	if dt == raster.UInt16 {
		n = 65536
	}
	out := make([]uint16, 3*n)
	for i := 0; i < n && i < len(ct); i++ {
		out[i] = uint16(ct[i].C1) * 257
		out[n+i] = uint16(ct[i].C2) * 257
		out[2*n+i] = uint16(ct[i].C3) * 257
	}
	return out
}

func formatNoData(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (tw *tiffWriter) geoEntries(ds raster.Dataset) ([]dirEntry, error) {
	gt, ok := ds.GeoTransform()
	sref := ds.SpatialRef()
	if !ok && sref == nil {
		return nil, nil
	}
	out := []dirEntry{tw.shorts(tagGeoKeyDirectoryTag, geoKeyDirectory(sref)...)}
	if !ok {
		return out, nil
	}
	if gt.NorthUp() {
		out = append(out,
			tw.doubles(tagModelPixelScaleTag, gt[1], -gt[5], 0),
			tw.doubles(tagModelTiepointTag, 0, 0, 0, gt[0], gt[3], 0))
	} else {
		out = append(out, tw.doubles(tagModelTransformation,
			gt[1], gt[2], 0, gt[0],
			gt[4], gt[5], 0, gt[3],
			0, 0, 0, 0,
			0, 0, 0, 1))
	}
	return out, nil
}

// metadataOf collects the GDAL_METADATA content of ds: dataset metadata
// plus, per band, statistics, NBITS, description, unit, offset and scale.
func metadataOf(ds raster.Dataset, bands []raster.Band) *gdalMetadata {
	gm := &gdalMetadata{dataset: raster.Domains{}}
	for k, v := range ds.Metadata("") {
		if k != "AREA_OR_POINT" {
			gm.dataset.Set("", k, v)
		}
	}
	for i, b := range bands {
		info := gm.band(i)
		for k, v := range b.Metadata("") {
			info.md.Set("", k, v)
		}
		if nbits := b.Metadata("IMAGE_STRUCTURE")["NBITS"]; nbits != "" {
			info.md.Set("IMAGE_STRUCTURE", "NBITS", nbits)
		}
		d, ok := b.(raster.Describer)
		if !ok {
			continue
		}
		info.description = d.Description()
		info.unit = d.Unit()
		if off, scale, ok := d.OffsetScale(); ok {
			info.offset, info.scale = off, scale
			info.hasOffset, info.hasScale = true, true
		}
	}
	for s, info := range gm.bands {
		if len(info.md) == 0 && info.description == "" && info.unit == "" && !info.hasOffset {
			delete(gm.bands, s)
		}
	}
	return gm
}

// writeIFD appends one directory followed by its out-of-line values. The
// next-IFD pointer refers to the even offset right after the values.
func (tw *tiffWriter) writeIFD(entries []dirEntry, last bool) error {
	start := tw.align()
	overflow := start + 2 + 12*len(entries) + 4
	var dir, extra bytes.Buffer
	var tmp [4]byte
	tw.bo.PutUint16(tmp[:2], uint16(len(entries)))
	dir.Write(tmp[:2])
	for _, e := range entries {
		tw.bo.PutUint16(tmp[:2], e.tag)
		dir.Write(tmp[:2])
		tw.bo.PutUint16(tmp[:2], e.typ)
		dir.Write(tmp[:2])
		tw.bo.PutUint32(tmp[:], e.count)
		dir.Write(tmp[:])
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			dir.Write(inline[:])
			continue
		}
		off := overflow + extra.Len()
		if off > math.MaxUint32 {
			return fmt.Errorf("directory offset %d exceeds the classic TIFF limit", off)
		}
		tw.bo.PutUint32(tmp[:], uint32(off))
		dir.Write(tmp[:])
		extra.Write(e.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	next := 0
	if !last {
		next = overflow + extra.Len()
	}
	tw.bo.PutUint32(tmp[:], uint32(next))
	dir.Write(tmp[:])
	tw.buf.Write(dir.Bytes())
	tw.buf.Write(extra.Bytes())
	return nil
}
