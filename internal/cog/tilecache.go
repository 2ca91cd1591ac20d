package cog

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/pspoerri/govrt/internal/raster"
)

// block is one decoded tile or strip: a plane per stored sample.
type block struct {
	width, height int
	real          [][]float64
	imag          [][]float64
}

// Size reports the approximate memory held, so the cache can bound bytes.
func (b *block) Size() int64 {
	n := 0
	for _, p := range b.real {
		n += len(p)
	}
	for _, p := range b.imag {
		n += len(p)
	}
	return int64(n)*8 + 64
}

// blockTTL only matters for entries that outlive their file; eviction is by
// size.
const blockTTL = time.Hour

// defaultCacheBytes is used when no memory limit can be derived.
const defaultCacheBytes = 256 << 20

// BlockCache caches decoded blocks across all open files. Concurrent
// requests for the same block share a single decode.
type BlockCache struct {
	cache    atomic.Pointer[ccache.Cache[*block]]
	inflight singleflight.Group
}

var blocks = newBlockCache(defaultBlockCacheBytes())

func newBlockCache(maxBytes int64) *BlockCache {
	c := &BlockCache{}
	c.resize(maxBytes)
	return c
}

func (c *BlockCache) resize(maxBytes int64) {
	if maxBytes <= 0 {
		maxBytes = defaultCacheBytes
	}
	nc := ccache.New(ccache.Configure[*block]().MaxSize(maxBytes).ItemsToPrune(32))
	if old := c.cache.Swap(nc); old != nil {
		old.Stop()
	}
}

// SetBlockCacheSize resizes the shared decoded-block cache. Cached blocks
// are dropped. A size of 0 restores the default.
func SetBlockCacheSize(mb int) {
	size := int64(mb) << 20
	if mb <= 0 {
		size = defaultBlockCacheBytes()
	}
	blocks.resize(size)
	raster.Debugf("GeoTIFF block cache set to %d MB", size>>20)
}

// get returns the block for key, calling decode on a miss.
func (c *BlockCache) get(key string, decode func() (*block, error)) (*block, error) {
	cache := c.cache.Load()
	if item := cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		b, err := decode()
		if err != nil {
			return nil, err
		}
		cache.Set(key, b, blockTTL)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*block), nil
}

// drop removes all blocks of one file.
func (c *BlockCache) drop(fileID string) {
	c.cache.Load().DeletePrefix(fileID + "/")
}

func blockKey(fileID string, ifd, chunk int) string {
	return fmt.Sprintf("%s/%d/%d", fileID, ifd, chunk)
}
