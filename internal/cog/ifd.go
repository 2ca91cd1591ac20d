package cog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/pspoerri/govrt/internal/raster"
)

// TIFF tag IDs.
const (
	tagNewSubfileType      = 254
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagColorMap            = 320
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagExtraSamples        = 338
	tagSampleFormat        = 339
	tagJPEGTables          = 347
	tagModelPixelScaleTag  = 33550
	tagModelTiepointTag    = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectoryTag  = 34735
	tagGeoDoubleParamsTag  = 34736
	tagGeoAsciiParamsTag   = 34737
	tagGDALMetadata        = 42112
	tagGDALNoData          = 42113
)

// TIFF data types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndef     = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
	dtLong8     = 16
	dtSLong8    = 17
	dtIFD8      = 18
)

// Compression schemes.
const (
	compressionNone     = 1
	compressionCCITTRLE = 2
	compressionCCITT3   = 3
	compressionCCITT4   = 4
	compressionLZW      = 5
	compressionJPEG     = 7
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionAdobe    = 32946
	compressionZSTD     = 50000
	compressionWEBP     = 50001
)

// Photometric interpretations.
const (
	photoMinIsWhite = 0
	photoMinIsBlack = 1
	photoRGB        = 2
	photoPalette    = 3
	photoMask       = 4
	photoYCbCr      = 6
)

// Sample formats.
const (
	sampleUint    = 1
	sampleInt     = 2
	sampleFloat   = 3
	sampleCInt    = 5
	sampleCFloat  = 6
	subfileReduce = 1
	subfileMask   = 4
)

// IFD represents a parsed TIFF Image File Directory.
type IFD struct {
	NewSubfileType   uint32
	Width            uint32
	Height           uint32
	TileWidth        uint32
	TileHeight       uint32
	RowsPerStrip     uint32
	BitsPerSample    []uint16
	SampleFormat     []uint16
	SamplesPerPixel  uint16
	ExtraSamples     []uint16
	Compression      uint16
	Photometric      uint16
	PlanarConfig     uint16
	Predictor        uint16
	ChunkOffsets     []uint64
	ChunkByteCounts  []uint64
	JPEGTables       []byte
	ColorMap         []uint16
	ModelTiepoint    []float64
	ModelPixelScale  []float64
	ModelTransform   []float64
	GeoKeys          []uint16
	GeoDoubleParams  []float64
	GeoAsciiParams   string
	GDALMetadata     string
	GDALNoData       string
	hasPhotometric   bool
}

// Tiled reports whether the image is organised in tiles rather than strips.
func (ifd *IFD) Tiled() bool {
	return ifd.TileWidth > 0 && ifd.TileHeight > 0
}

// BlockSize returns the pixel size of one tile or strip.
func (ifd *IFD) BlockSize() (int, int) {
	if ifd.Tiled() {
		return int(ifd.TileWidth), int(ifd.TileHeight)
	}
	rows := ifd.RowsPerStrip
	if rows == 0 || rows > ifd.Height {
		rows = ifd.Height
	}
	return int(ifd.Width), int(rows)
}

// BlocksAcross returns the number of blocks in the horizontal direction.
func (ifd *IFD) BlocksAcross() int {
	bw, _ := ifd.BlockSize()
	return (int(ifd.Width) + bw - 1) / bw
}

// BlocksDown returns the number of blocks in the vertical direction.
func (ifd *IFD) BlocksDown() int {
	_, bh := ifd.BlockSize()
	return (int(ifd.Height) + bh - 1) / bh
}

// Planes returns the number of separately stored sample planes.
func (ifd *IFD) Planes() int {
	if ifd.PlanarConfig == 2 {
		return int(ifd.SamplesPerPixel)
	}
	return 1
}

// ChunkIndex returns the index into the offset arrays of the block at
// (bx, by) holding sample plane p.
func (ifd *IFD) ChunkIndex(p, bx, by int) int {
	per := ifd.BlocksAcross() * ifd.BlocksDown()
	if ifd.PlanarConfig != 2 {
		p = 0
	}
	return p*per + by*ifd.BlocksAcross() + bx
}

// DataType maps the sample layout to a raster data type. Sub-byte unsigned
// samples are exposed as Byte.
func (ifd *IFD) DataType() (raster.DataType, error) {
	bits := 1
	if len(ifd.BitsPerSample) > 0 {
		bits = int(ifd.BitsPerSample[0])
	}
	for _, b := range ifd.BitsPerSample {
		if int(b) != bits {
			return raster.Unknown, fmt.Errorf("mixed bits per sample %v", ifd.BitsPerSample)
		}
	}
	format := uint16(sampleUint)
	if len(ifd.SampleFormat) > 0 {
		format = ifd.SampleFormat[0]
	}
	switch {
	case format == sampleUint && bits <= 8:
		return raster.Byte, nil
	case format == sampleInt && bits == 8:
		return raster.Int8, nil
	case format == sampleUint && bits == 16:
		return raster.UInt16, nil
	case format == sampleInt && bits == 16:
		return raster.Int16, nil
	case format == sampleUint && bits == 32:
		return raster.UInt32, nil
	case format == sampleInt && bits == 32:
		return raster.Int32, nil
	case format == sampleFloat && bits == 32:
		return raster.Float32, nil
	case format == sampleFloat && bits == 64:
		return raster.Float64, nil
	case format == sampleCInt && bits == 32:
		return raster.CInt16, nil
	case format == sampleCInt && bits == 64:
		return raster.CInt32, nil
	case format == sampleCFloat && bits == 64:
		return raster.CFloat32, nil
	case format == sampleCFloat && bits == 128:
		return raster.CFloat64, nil
	}
	return raster.Unknown, fmt.Errorf("unsupported sample layout: format %d, %d bits", format, bits)
}

// tiffEntry is a raw TIFF directory entry.
type tiffEntry struct {
	Tag      uint16
	DataType uint16
	Count    uint64
	Value    []byte // raw value bytes or inline value
}

// parseTIFF reads all IFDs from a TIFF file.
func parseTIFF(r io.ReadSeeker) ([]IFD, binary.ByteOrder, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, nil, fmt.Errorf("reading TIFF header: %w", err)
	}

	var bo binary.ByteOrder
	switch string(header[0:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("invalid TIFF byte order: %x", header[0:2])
	}

	magic := bo.Uint16(header[2:4])
	isBigTIFF := magic == 43
	if magic != 42 && magic != 43 {
		return nil, nil, fmt.Errorf("invalid TIFF magic: %d", magic)
	}

	var firstIFDOffset uint64
	if isBigTIFF {
		// BigTIFF: bytes 4-5 = offset size (8), bytes 6-7 = always 0, bytes 8-15 = first IFD offset
		var bigHeader [8]byte
		if _, err := io.ReadFull(r, bigHeader[:]); err != nil {
			return nil, nil, fmt.Errorf("reading BigTIFF header: %w", err)
		}
		firstIFDOffset = bo.Uint64(bigHeader[:])
	} else {
		firstIFDOffset = uint64(bo.Uint32(header[4:8]))
	}

	var ifds []IFD
	seen := map[uint64]bool{}
	for offset := firstIFDOffset; offset != 0; {
		if seen[offset] {
			return nil, nil, fmt.Errorf("IFD loop at offset %d", offset)
		}
		seen[offset] = true
		ifd, next, err := parseOneIFD(r, bo, offset, isBigTIFF)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing IFD at offset %d: %w", offset, err)
		}
		ifds = append(ifds, ifd)
		offset = next
	}

	return ifds, bo, nil
}

func parseOneIFD(r io.ReadSeeker, bo binary.ByteOrder, offset uint64, bigTIFF bool) (IFD, uint64, error) {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return IFD{}, 0, err
	}

	countSize, entrySize, nextSize := 2, 12, 4
	if bigTIFF {
		countSize, entrySize, nextSize = 8, 20, 8
	}

	buf := make([]byte, countSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return IFD{}, 0, err
	}
	numEntries := readOffset(buf, bo, bigTIFF)
	if numEntries > 1<<16 {
		return IFD{}, 0, fmt.Errorf("implausible entry count %d", numEntries)
	}

	raw := make([]byte, int(numEntries)*entrySize+nextSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return IFD{}, 0, err
	}
	entries := make([]tiffEntry, numEntries)
	for i := range entries {
		entries[i] = parseTiffEntry(raw[i*entrySize:(i+1)*entrySize], bo, bigTIFF)
	}
	nextOffset := readOffset(raw[len(raw)-nextSize:], bo, bigTIFF)

	// Resolve entries that point to external data.
	for i := range entries {
		if err := resolveEntry(r, bo, &entries[i], bigTIFF); err != nil {
			return IFD{}, 0, fmt.Errorf("resolving entry tag %d: %w", entries[i].Tag, err)
		}
	}

	return buildIFD(entries, bo), nextOffset, nil
}

func readOffset(b []byte, bo binary.ByteOrder, bigTIFF bool) uint64 {
	switch {
	case bigTIFF && len(b) >= 8:
		return bo.Uint64(b)
	case len(b) >= 4:
		return uint64(bo.Uint32(b))
	default:
		return uint64(bo.Uint16(b))
	}
}

func parseTiffEntry(buf []byte, bo binary.ByteOrder, bigTIFF bool) tiffEntry {
	e := tiffEntry{Tag: bo.Uint16(buf[0:2]), DataType: bo.Uint16(buf[2:4])}
	if bigTIFF {
		e.Count = bo.Uint64(buf[4:12])
		e.Value = append([]byte(nil), buf[12:20]...)
	} else {
		e.Count = uint64(bo.Uint32(buf[4:8]))
		e.Value = append([]byte(nil), buf[8:12]...)
	}
	return e
}

func dataTypeSize(dt uint16) int {
	switch dt {
	case dtByte, dtASCII, dtSByte, dtUndef:
		return 1
	case dtShort, dtSShort:
		return 2
	case dtLong, dtSLong, dtFloat:
		return 4
	case dtRational, dtSRational, dtDouble, dtLong8, dtSLong8, dtIFD8:
		return 8
	default:
		return 1
	}
}

// resolveEntry reads the actual data for an entry if it doesn't fit inline.
func resolveEntry(r io.ReadSeeker, bo binary.ByteOrder, e *tiffEntry, bigTIFF bool) error {
	totalSize := int(e.Count) * dataTypeSize(e.DataType)
	if totalSize <= len(e.Value) {
		e.Value = e.Value[:totalSize]
		return nil
	}
	if totalSize > 1<<30 {
		return fmt.Errorf("entry of %d bytes", totalSize)
	}

	dataOffset := readOffset(e.Value, bo, bigTIFF)
	if _, err := r.Seek(int64(dataOffset), io.SeekStart); err != nil {
		return err
	}
	data := make([]byte, totalSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	e.Value = data
	return nil
}

func buildIFD(entries []tiffEntry, bo binary.ByteOrder) IFD {
	var ifd IFD
	ifd.SamplesPerPixel = 1
	ifd.PlanarConfig = 1
	ifd.Compression = compressionNone

	var stripOffsets, stripCounts, tileOffsets, tileCounts []uint64
	for _, e := range entries {
		switch e.Tag {
		case tagNewSubfileType:
			ifd.NewSubfileType = getUint32(e, bo)
		case tagImageWidth:
			ifd.Width = getUint32(e, bo)
		case tagImageLength:
			ifd.Height = getUint32(e, bo)
		case tagTileWidth:
			ifd.TileWidth = getUint32(e, bo)
		case tagTileLength:
			ifd.TileHeight = getUint32(e, bo)
		case tagRowsPerStrip:
			ifd.RowsPerStrip = getUint32(e, bo)
		case tagBitsPerSample:
			ifd.BitsPerSample = getUint16Slice(e, bo)
		case tagSampleFormat:
			ifd.SampleFormat = getUint16Slice(e, bo)
		case tagSamplesPerPixel:
			ifd.SamplesPerPixel = uint16(getUint32(e, bo))
		case tagExtraSamples:
			ifd.ExtraSamples = getUint16Slice(e, bo)
		case tagCompression:
			ifd.Compression = uint16(getUint32(e, bo))
		case tagPhotometric:
			ifd.Photometric = uint16(getUint32(e, bo))
			ifd.hasPhotometric = true
		case tagPlanarConfig:
			ifd.PlanarConfig = uint16(getUint32(e, bo))
		case tagPredictor:
			ifd.Predictor = uint16(getUint32(e, bo))
		case tagStripOffsets:
			stripOffsets = getUint64Slice(e, bo)
		case tagStripByteCounts:
			stripCounts = getUint64Slice(e, bo)
		case tagTileOffsets:
			tileOffsets = getUint64Slice(e, bo)
		case tagTileByteCounts:
			tileCounts = getUint64Slice(e, bo)
		case tagJPEGTables:
			ifd.JPEGTables = append([]byte(nil), e.Value...)
		case tagColorMap:
			ifd.ColorMap = getUint16Slice(e, bo)
		case tagModelTiepointTag:
			ifd.ModelTiepoint = getFloat64Slice(e, bo)
		case tagModelPixelScaleTag:
			ifd.ModelPixelScale = getFloat64Slice(e, bo)
		case tagModelTransformation:
			ifd.ModelTransform = getFloat64Slice(e, bo)
		case tagGeoKeyDirectoryTag:
			ifd.GeoKeys = getUint16Slice(e, bo)
		case tagGeoDoubleParamsTag:
			ifd.GeoDoubleParams = getFloat64Slice(e, bo)
		case tagGeoAsciiParamsTag:
			ifd.GeoAsciiParams = getASCII(e)
		case tagGDALMetadata:
			ifd.GDALMetadata = getASCII(e)
		case tagGDALNoData:
			ifd.GDALNoData = strings.TrimSpace(getASCII(e))
		}
	}
	if ifd.Tiled() {
		ifd.ChunkOffsets, ifd.ChunkByteCounts = tileOffsets, tileCounts
	} else {
		ifd.ChunkOffsets, ifd.ChunkByteCounts = stripOffsets, stripCounts
	}
	return ifd
}

func getASCII(e tiffEntry) string {
	return string(bytes.TrimRight(e.Value, "\x00"))
}

func getUint32(e tiffEntry, bo binary.ByteOrder) uint32 {
	switch e.DataType {
	case dtShort, dtSShort:
		return uint32(bo.Uint16(e.Value))
	case dtLong, dtSLong:
		return bo.Uint32(e.Value)
	case dtLong8, dtSLong8, dtIFD8:
		return uint32(bo.Uint64(e.Value))
	default:
		if len(e.Value) == 0 {
			return 0
		}
		return uint32(e.Value[0])
	}
}

func getUint16Slice(e tiffEntry, bo binary.ByteOrder) []uint16 {
	n := int(e.Count)
	result := make([]uint16, n)
	size := dataTypeSize(e.DataType)
	for i := 0; i < n && (i+1)*size <= len(e.Value); i++ {
		switch size {
		case 1:
			result[i] = uint16(e.Value[i])
		case 2:
			result[i] = bo.Uint16(e.Value[i*2:])
		case 4:
			result[i] = uint16(bo.Uint32(e.Value[i*4:]))
		}
	}
	return result
}

func getUint64Slice(e tiffEntry, bo binary.ByteOrder) []uint64 {
	n := int(e.Count)
	result := make([]uint64, n)
	size := dataTypeSize(e.DataType)
	for i := 0; i < n && (i+1)*size <= len(e.Value); i++ {
		switch e.DataType {
		case dtLong:
			result[i] = uint64(bo.Uint32(e.Value[i*4:]))
		case dtLong8, dtIFD8:
			result[i] = bo.Uint64(e.Value[i*8:])
		case dtShort:
			result[i] = uint64(bo.Uint16(e.Value[i*2:]))
		}
	}
	return result
}

func getFloat64Slice(e tiffEntry, bo binary.ByteOrder) []float64 {
	n := int(e.Count)
	result := make([]float64, n)
	size := dataTypeSize(e.DataType)
	for i := 0; i < n && (i+1)*size <= len(e.Value); i++ {
		off := i * size
		switch e.DataType {
		case dtDouble:
			result[i] = math.Float64frombits(bo.Uint64(e.Value[off:]))
		case dtFloat:
			result[i] = float64(math.Float32frombits(bo.Uint32(e.Value[off:])))
		}
	}
	return result
}
