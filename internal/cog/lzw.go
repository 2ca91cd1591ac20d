package cog

// TIFF-compatible LZW codec.
//
// TIFF uses a LZW variant that differs from the GIF/PDF format handled by Go's
// compress/lzw package. The key difference is the "deferred increment" of code
// width: TIFF increments the width one code early, while GIF increments it
// after the table fills. Go's compress/lzw implements the GIF variant, causing
// "invalid code" errors on TIFF LZW streams.

import (
	"errors"
	"io"
)

const (
	lzwMaxWidth  = 12
	lzwClearCode = 256
	lzwEOICode   = 257
	lzwFirstCode = 258
	lzwTableSize = 1 << lzwMaxWidth
)

type lzwEntry struct {
	prefix int  // index of prefix entry (-1 for single-byte entries)
	suffix byte // the byte added by this entry
	length int  // total length of the string
}

// bitReader reads MSB-first codes of varying width.
type bitReader struct {
	src   []byte
	pos   int
	acc   uint32
	nbits uint
}

func (r *bitReader) read(width uint) (int, error) {
	for r.nbits < width {
		if r.pos >= len(r.src) {
			return 0, io.ErrUnexpectedEOF
		}
		r.acc = r.acc<<8 | uint32(r.src[r.pos])
		r.pos++
		r.nbits += 8
	}
	r.nbits -= width
	return int(r.acc>>r.nbits) & (1<<width - 1), nil
}

// decompressTIFFLZW decompresses TIFF-style LZW data. A missing end code is
// tolerated; some writers omit it.
func decompressTIFFLZW(data []byte, sizeHint int) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	table := make([]lzwEntry, lzwTableSize+1)
	for i := 0; i < 256; i++ {
		table[i] = lzwEntry{prefix: -1, suffix: byte(i), length: 1}
	}

	r := &bitReader{src: data}
	out := make([]byte, 0, sizeHint)
	nextCode := lzwFirstCode
	width := uint(9)
	prevCode := -1

	// appendString writes the string for code to out and returns its first byte.
	appendString := func(code int) byte {
		n := table[code].length
		start := len(out)
		out = append(out, make([]byte, n)...)
		for i := start + n - 1; code >= 0; i-- {
			out[i] = table[code].suffix
			code = table[code].prefix
		}
		return out[start]
	}

	for {
		code, err := r.read(width)
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return out, nil
			}
			return nil, err
		}
		switch {
		case code == lzwEOICode:
			return out, nil
		case code == lzwClearCode:
			nextCode, width, prevCode = lzwFirstCode, 9, -1
			continue
		case prevCode == -1:
			if code >= 256 {
				return nil, errors.New("lzw: first code after clear is not literal")
			}
			out = append(out, byte(code))
			prevCode = code
			continue
		}

		var first byte
		switch {
		case code < nextCode:
			first = appendString(code)
		case code == nextCode:
			// KwKwK: the code is defined by this very step.
			first = appendString(prevCode)
			out = append(out, first)
		default:
			return nil, errors.New("lzw: invalid code")
		}
		if nextCode <= lzwTableSize {
			table[nextCode] = lzwEntry{prefix: prevCode, suffix: first, length: table[prevCode].length + 1}
			nextCode++
		}
		if nextCode+1 >= 1<<width && width < lzwMaxWidth {
			width++
		}
		prevCode = code
	}
}

// bitWriter writes MSB-first codes of varying width.
type bitWriter struct {
	out   []byte
	acc   uint32
	nbits uint
}

func (w *bitWriter) write(code int, width uint) {
	w.acc = w.acc<<width | uint32(code)
	w.nbits += width
	for w.nbits >= 8 {
		w.nbits -= 8
		w.out = append(w.out, byte(w.acc>>w.nbits))
	}
}

func (w *bitWriter) flush() []byte {
	if w.nbits > 0 {
		w.out = append(w.out, byte(w.acc<<(8-w.nbits)))
		w.nbits = 0
	}
	return w.out
}

// compressTIFFLZW encodes data with the TIFF LZW variant.
func compressTIFFLZW(data []byte) []byte {
	w := &bitWriter{out: make([]byte, 0, len(data)/2+16)}
	dict := make(map[int]int, lzwTableSize)
	nextCode := lzwFirstCode
	width := uint(9)

	emit := func(code int) {
		if nextCode >= 1<<width && width < lzwMaxWidth {
			width++
		}
		w.write(code, width)
	}

	emit(lzwClearCode)
	prefix := -1
	for _, c := range data {
		if prefix < 0 {
			prefix = int(c)
			continue
		}
		key := prefix<<8 | int(c)
		if code, ok := dict[key]; ok {
			prefix = code
			continue
		}
		emit(prefix)
		dict[key] = nextCode
		nextCode++
		if nextCode >= lzwTableSize-2 {
			emit(lzwClearCode)
			clear(dict)
			nextCode, width = lzwFirstCode, 9
		}
		prefix = int(c)
	}
	if prefix >= 0 {
		emit(prefix)
		// The decoder adds one more entry before reading the end code.
		nextCode++
	}
	emit(lzwEOICode)
	return w.flush()
}
