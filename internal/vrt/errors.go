// Package vrt implements virtual raster datasets: rasters whose pixels are
// composed on demand from windows of other datasets. A dataset is opened
// from a descriptor file, a literal document, a vrt:// URI, or built in
// code, and behaves like any other raster.Dataset.
package vrt

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrRecursion is returned by a read that would re-enter a dataset
	// already being read higher up the same call chain.
	ErrRecursion = errors.New("recursive dataset reference")
	// ErrInvalidDescriptor is returned when a descriptor cannot describe a
	// valid dataset.
	ErrInvalidDescriptor = errors.New("invalid VRT descriptor")
	// ErrSourceUnavailable is returned by reads that need a source dataset
	// that cannot be opened.
	ErrSourceUnavailable = errors.New("source dataset unavailable")
)

// HolePolicy says how mosaic statistics treat pixels no source covers when
// the band reports no nodata value.
type HolePolicy string

const (
	// HoleValue counts holes as valid pixels holding the fill value.
	HoleValue HolePolicy = "value"
	// HoleExclude leaves holes out of the statistics.
	HoleExclude HolePolicy = "exclude"
)

// Options are the process-wide settings of the package.
type Options struct {
	// PoolSize bounds the number of open source datasets in the default
	// pool.
	PoolSize int
	// SharedSources is the default for sources without a shared flag.
	SharedSources bool
	// NumThreads bounds the workers used for mosaic statistics and
	// multi-band reads. Values below 1 mean all CPUs.
	NumThreads int
	// VirtualOverviews makes BuildOverviews declare an overview list
	// instead of writing overview files.
	VirtualOverviews bool
	HolePolicy       HolePolicy
}

// DefaultOptions returns the settings used until SetOptions is called.
func DefaultOptions() Options {
	return Options{
		PoolSize:         100,
		SharedSources:    true,
		NumThreads:       1,
		VirtualOverviews: true,
		HolePolicy:       HoleValue,
	}
}

var options atomic.Pointer[Options]

func init() {
	o := DefaultOptions()
	options.Store(&o)
}

// SetOptions replaces the package settings and resizes the default pool.
func SetOptions(o Options) {
	if o.PoolSize < 1 {
		o.PoolSize = 1
	}
	if o.NumThreads < 1 {
		o.NumThreads = runtime.NumCPU()
	}
	if o.HolePolicy != HoleExclude {
		o.HolePolicy = HoleValue
	}
	options.Store(&o)
	DefaultPool().SetCapacity(o.PoolSize)
}

// CurrentOptions returns the settings in effect.
func CurrentOptions() Options {
	return *options.Load()
}
