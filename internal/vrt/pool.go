package vrt

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/pspoerri/govrt/internal/raster"
)

var (
	poolOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "govrt_pool_opens_total",
		Help: "Number of source datasets opened by the source handle pool.",
	})
	poolEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "govrt_pool_evictions_total",
		Help: "Number of idle source datasets closed to stay within the pool capacity.",
	})
	poolOpenHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "govrt_pool_open_handles",
		Help: "Number of source datasets currently open.",
	})
)

// RegisterMetrics registers the pool metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{poolOpens, poolEvictions, poolOpenHandles} {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "register pool metrics")
		}
	}
	return nil
}

// poolKey identifies a pool entry. Shared references of one owner to one
// path meet on id 0; every unshared reference gets its own id.
type poolKey struct {
	owner string
	path  string
	id    uint64
}

func (k poolKey) String() string {
	return k.owner + "|" + strconv.FormatUint(k.id, 10) + "|" + k.path
}

type poolEntry struct {
	key  poolKey
	refs int
	pins int
	ds   raster.Dataset
	// idle is the entry's element in the LRU list while it is open and
	// unpinned.
	idle *list.Element
}

// Pool opens source datasets lazily and shares them between the sources of
// one owner. Open datasets that are not being read sit in an LRU list and
// are closed when more than capacity datasets are open; they reopen on
// the next Pin.
type Pool struct {
	mu       sync.Mutex
	capacity int
	entries  map[poolKey]*poolEntry
	lru      *list.List
	open     int
	group    singleflight.Group
	nextID   atomic.Uint64
}

// NewPool returns an empty pool holding at most capacity open datasets
// that are not in use.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: max(1, capacity), entries: map[poolKey]*poolEntry{}, lru: list.New()}
}

var defaultPool = NewPool(DefaultOptions().PoolSize)

// DefaultPool returns the process-wide pool used by datasets.
func DefaultPool() *Pool { return defaultPool }

// PoolStats is a snapshot of a pool.
type PoolStats struct {
	// Entries counts referenced datasets, open or not.
	Entries int
	// Open counts open datasets.
	Open int
}

// Stats returns the current counts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Entries: len(p.entries), Open: p.open}
}

// OwnerStats returns the counts restricted to one owner.
func (p *Pool) OwnerStats(owner string) PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s PoolStats
	for k, e := range p.entries {
		if k.owner != owner {
			continue
		}
		s.Entries++
		if e.ds != nil {
			s.Open++
		}
	}
	return s
}

// SetCapacity changes the bound and evicts idle datasets above it.
func (p *Pool) SetCapacity(n int) {
	p.mu.Lock()
	p.capacity = max(1, n)
	victims := p.evictLocked()
	p.mu.Unlock()
	closeAll(victims)
}

// Ref is one source's claim on a pool entry.
type Ref struct {
	pool     *Pool
	entry    *poolEntry
	released atomic.Bool
}

// Acquire registers a reference to path on behalf of owner without
// opening it.
func (p *Pool) Acquire(owner, path string, shared bool) *Ref {
	key := poolKey{owner: owner, path: path}
	if !shared {
		key.id = p.nextID.Add(1)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[key]
	if e == nil {
		e = &poolEntry{key: key}
		p.entries[key] = e
	}
	e.refs++
	return &Ref{pool: p, entry: e}
}

// Path returns the referenced name.
func (r *Ref) Path() string { return r.entry.key.path }

// Pin opens the dataset if needed and keeps it open until Unpin.
// Concurrent pins of a closed entry share one open.
func (r *Ref) Pin(ctx context.Context) (raster.Dataset, error) {
	p, e := r.pool, r.entry
	p.mu.Lock()
	e.pins++
	if e.idle != nil {
		p.lru.Remove(e.idle)
		e.idle = nil
	}
	if e.ds != nil {
		ds := e.ds
		p.mu.Unlock()
		return ds, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(e.key.String(), func() (any, error) {
		p.mu.Lock()
		if e.ds != nil {
			ds := e.ds
			p.mu.Unlock()
			return ds, nil
		}
		p.mu.Unlock()
		ds, err := raster.Open(ctx, e.key.path)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		e.ds = ds
		p.open++
		poolOpens.Inc()
		poolOpenHandles.Inc()
		victims := p.evictLocked()
		p.mu.Unlock()
		raster.Debugf("vrt pool: opened %s", shorten(e.key.path))
		closeAll(victims)
		return ds, nil
	})
	if err != nil {
		r.Unpin()
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s: %v", shorten(e.key.path), err)
	}
	return v.(raster.Dataset), nil
}

// Unpin ends a Pin. The dataset stays open in the idle list.
func (r *Ref) Unpin() {
	p, e := r.pool, r.entry
	p.mu.Lock()
	e.pins--
	var victims []raster.Dataset
	if e.pins == 0 && e.ds != nil {
		if e.refs == 0 {
			victims = append(victims, p.dropLocked(e))
		} else {
			e.idle = p.lru.PushFront(e)
			victims = p.evictLocked()
		}
	}
	p.mu.Unlock()
	closeAll(victims)
}

// Release drops a single reference, for callers that hold one Ref outside a
// virtual dataset. Datasets release all their references at once through
// ReleaseOwner. The dataset is closed when no reference is left.
func (r *Ref) Release() {
	if r.released.Swap(true) {
		return
	}
	p, e := r.pool, r.entry
	p.mu.Lock()
	e.refs--
	var victims []raster.Dataset
	if e.refs == 0 {
		delete(p.entries, e.key)
		if e.pins == 0 && e.ds != nil {
			victims = append(victims, p.dropLocked(e))
		}
	}
	p.mu.Unlock()
	closeAll(victims)
}

// ReleaseOwner drops every entry of owner and closes their datasets.
func (p *Pool) ReleaseOwner(owner string) {
	p.mu.Lock()
	var victims []raster.Dataset
	for k, e := range p.entries {
		if k.owner != owner {
			continue
		}
		delete(p.entries, k)
		e.refs = 0
		if e.pins == 0 && e.ds != nil {
			victims = append(victims, p.dropLocked(e))
		}
	}
	p.mu.Unlock()
	closeAll(victims)
}

// dropLocked detaches the open dataset of e and returns it for closing.
func (p *Pool) dropLocked(e *poolEntry) raster.Dataset {
	ds := e.ds
	e.ds = nil
	if e.idle != nil {
		p.lru.Remove(e.idle)
		e.idle = nil
	}
	p.open--
	poolOpenHandles.Dec()
	return ds
}

// evictLocked detaches least recently used idle datasets until the open
// count fits the capacity.
func (p *Pool) evictLocked() []raster.Dataset {
	var victims []raster.Dataset
	for p.open > p.capacity {
		back := p.lru.Back()
		if back == nil {
			break
		}
		e := back.Value.(*poolEntry)
		victims = append(victims, p.dropLocked(e))
		poolEvictions.Inc()
		raster.Debugf("vrt pool: evicted %s", shorten(e.key.path))
	}
	return victims
}

// closeAll closes datasets outside the pool lock: closing a virtual
// dataset releases its own pool references.
func closeAll(list []raster.Dataset) {
	for _, ds := range list {
		if err := ds.Close(); err != nil {
			raster.Debugf("vrt pool: close %s: %v", shorten(ds.Name()), err)
		}
	}
}
