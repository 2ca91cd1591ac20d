package raster

import (
	"log"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when no driver can open a name.
	ErrNotFound = errors.New("dataset not found")
	// ErrNoSuchBand is returned for band indexes outside 1..BandCount.
	ErrNoSuchBand = errors.New("no such band")
	// ErrOutOfBounds is returned for read windows outside the raster.
	ErrOutOfBounds = errors.New("access window out of range")
	// ErrNoValidPixels is returned when statistics find only nodata.
	ErrNoValidPixels = errors.New("no valid pixels")
	// ErrReadOnly is returned when writing to a read-only dataset.
	ErrReadOnly = errors.New("dataset is read-only")
)

var debug atomic.Bool

// SetDebug enables Debugf output.
func SetDebug(on bool) {
	debug.Store(on)
}

// Debugf logs through the standard logger when debug output is enabled.
func Debugf(format string, args ...any) {
	if debug.Load() {
		log.Printf(format, args...)
	}
}
