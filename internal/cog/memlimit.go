package cog

import (
	"runtime"

	"github.com/pspoerri/govrt/internal/raster"
)

// cacheRAMFraction is the share of total RAM the decoded-block cache may use
// by default.
const cacheRAMFraction = 0.05

// maxDefaultCacheBytes caps the RAM-derived default.
const maxDefaultCacheBytes = 2 << 30

// defaultBlockCacheBytes derives the block cache size from total system RAM,
// minus what the Go runtime already holds. It falls back to
// defaultCacheBytes when RAM detection fails or the result is too small.
func defaultBlockCacheBytes() int64 {
	totalRAM, err := totalSystemRAM()
	if err != nil {
		raster.Debugf("cannot detect system RAM: %v; block cache uses %d MB", err, defaultCacheBytes>>20)
		return defaultCacheBytes
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	limit := int64(float64(totalRAM)*cacheRAMFraction) - int64(m.Sys)
	switch {
	case limit < defaultCacheBytes/4:
		return defaultCacheBytes / 4
	case limit > maxDefaultCacheBytes:
		return maxDefaultCacheBytes
	}
	return limit
}
