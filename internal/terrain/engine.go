// Package terrain composes the grid index, the grid cache, and the KV store
// façade into the public surface a caller uses to store and query geolocated
// elevation samples.
package terrain

import (
	"time"

	"github.com/simulacra/terraingrid/internal/grid"
	"github.com/simulacra/terraingrid/internal/gridcache"
	"github.com/simulacra/terraingrid/internal/hotness"
	"github.com/simulacra/terraingrid/internal/kvstore"
	"github.com/simulacra/terraingrid/internal/telemetry"
)

const defaultHotnessHalfLife = 2 * time.Minute

// WriteOrder controls whether a Put touches the cache or the store first.
// See SPEC_FULL.md §7 for the tradeoff.
type WriteOrder int

const (
	// WriteThrough writes to the store first and only mutates the cache once
	// that succeeds. This is the default: it never lets the cache get ahead
	// of durable state.
	WriteThrough WriteOrder = iota
	// CacheFirst mutates a resident cell's cache entry before writing to the
	// store. A crash between the two can leave the cache holding a value
	// that was never persisted; remedied on the cell's next eviction+reload.
	CacheFirst
)

// l2Tier is the subset of gridcache/l2redis.Tier the engine depends on. It is
// declared locally so the engine never imports the l2redis package directly;
// wiring happens through Option.
type l2Tier interface {
	Get(cellID string) (map[string][]byte, bool)
	Put(cellID string, points map[string][]byte, ttl time.Duration)
	Evict(cellID string)
}

// invalidationPublisher is the subset of invalidate.Publisher the engine
// depends on.
type invalidationPublisher interface {
	PublishWrite(cellID string)
	PublishEvict(cellID string)
}

// Config is the engine's immutable-after-construction configuration.
type Config struct {
	MinLon, MinLat float64
	MaxLon, MaxLat float64
	CellSizeDeg    float64
	CacheCapacity  int
	WriteOrder     WriteOrder
	L2TTL          time.Duration
}

// Engine is the terrain storage engine: grid index + grid cache + KV store
// façade, composed behind spec.md's put/get/batchPut/rangeQuery surface.
type Engine struct {
	cfg   Config
	grid  *grid.Index
	cache *gridcache.Cache
	store *kvstore.Store

	l2      l2Tier
	pub     invalidationPublisher
	hot     *hotness.Tracker
	metrics *telemetry.Metrics
}

// Option customizes an Engine at construction time.
type Option func(*Engine)

// WithL2 wires a shared read-through tier consulted on cache miss.
func WithL2(t l2Tier) Option {
	return func(e *Engine) { e.l2 = t }
}

// WithInvalidation wires a publisher notified of writes and evictions so
// sibling engine processes can invalidate their own caches.
func WithInvalidation(p invalidationPublisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithMetrics wires a Prometheus handle the engine records reads, writes,
// and L1/L2 cache hits/misses against. m may be nil.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New composes an Engine from a store, a config, and options. Construction
// fails if the bounds/cell-size preconditions in grid.NewIndex are violated.
func New(store *kvstore.Store, cfg Config, opts ...Option) (*Engine, error) {
	ix, err := grid.NewIndex(cfg.MinLon, cfg.MinLat, cfg.MaxLon, cfg.MaxLat, cfg.CellSizeDeg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		grid:  ix,
		cache: gridcache.New(cfg.CacheCapacity),
		store: store,
		hot:   hotness.New(defaultHotnessHalfLife),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ComputeGridID is exposed publicly for operator tooling, per spec.md §6.
func (e *Engine) ComputeGridID(lon, lat float64) string {
	return e.grid.ComputeGridID(lon, lat)
}

// Put validates bounds, then writes (lon, lat, value) to the store and, if
// the point's cell is already cached, to the cache too. WriteOrder
// determines which happens first.
func (e *Engine) Put(lon, lat float64, value []byte, sync bool) error {
	if !e.grid.InBounds(lon, lat) {
		return ErrOutOfBounds
	}
	cellID := e.grid.ComputeGridID(lon, lat)
	key := grid.KeyOf(cellID, lon, lat)
	e.hot.Touch(cellID)

	writeStore := func() error { return e.store.Put([]byte(key), value, sync) }
	writeCache := func() { e.touchCacheOnWrite(cellID, key, value) }

	if e.cfg.WriteOrder == CacheFirst {
		writeCache()
		if err := writeStore(); err != nil {
			return err
		}
	} else {
		if err := writeStore(); err != nil {
			return err
		}
		writeCache()
	}

	if e.pub != nil {
		e.pub.PublishWrite(cellID)
	}
	e.metrics.ObservePut(sync)
	return nil
}

func (e *Engine) touchCacheOnWrite(cellID, key string, value []byte) {
	if item, ok := e.cache.Get(cellID); ok {
		item.Put(key, value)
		if e.l2 != nil {
			e.l2.Put(cellID, snapshotOf(item), e.cfg.L2TTL)
		}
	}
}

// Get returns the value at (lon, lat), or (nil, false, nil) if the point is
// out of bounds or simply absent. On any cache miss the whole cell is warmed
// into cache (unconditionally, even if the point itself turns out absent)
// so that subsequent lookups in the same cell are cache-local.
func (e *Engine) Get(lon, lat float64) ([]byte, bool, error) {
	if !e.grid.InBounds(lon, lat) {
		return nil, false, nil
	}
	cellID := e.grid.ComputeGridID(lon, lat)
	key := grid.KeyOf(cellID, lon, lat)
	e.hot.Touch(cellID)

	if item, ok := e.cache.Get(cellID); ok {
		e.metrics.ObserveCacheHit()
		v, found := item.Get(key)
		e.metrics.ObserveGet(outcomeLabel(found))
		return v, found, nil
	}
	e.metrics.ObserveCacheMiss()

	item, err := e.loadCellIntoCache(cellID)
	if err != nil {
		return nil, false, err
	}
	v, found := item.Get(key)
	e.metrics.ObserveGet(outcomeLabel(found))
	return v, found, nil
}

func outcomeLabel(found bool) string {
	if found {
		return "hit"
	}
	return "miss"
}

// loadCellIntoCache performs a store range scan over [cellPrefix, cellEnd)
// and installs the full result as one cache entry, per spec.md §4.4's
// warm-on-miss rule.
func (e *Engine) loadCellIntoCache(cellID string) (*gridcache.CellItem, error) {
	item := gridcache.NewCellItem(cellID)

	if e.l2 != nil {
		if points, ok := e.l2.Get(cellID); ok {
			e.metrics.ObserveL2Hit()
			for k, v := range points {
				item.Put(k, v)
			}
			e.cache.Put(cellID, item)
			return item, nil
		}
		e.metrics.ObserveL2Miss()
	}

	start := []byte(grid.CellPrefix(cellID))
	end := []byte(grid.CellEnd(cellID))
	err := e.store.RangeQuery(start, end, func(k, v []byte) error {
		item.Put(string(k), v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.cache.Put(cellID, item)
	if e.l2 != nil {
		e.l2.Put(cellID, snapshotOf(item), e.cfg.L2TTL)
	}
	return item, nil
}

func snapshotOf(item *gridcache.CellItem) map[string][]byte {
	out := make(map[string][]byte, item.Len())
	item.Each(func(k string, v []byte) { out[k] = v })
	return out
}

// Point is a single terrain sample used by BatchPut.
type Point struct {
	Lon   float64 `json:"lon"`
	Lat   float64 `json:"lat"`
	Value []byte  `json:"value"`
}

// BatchPut validates every point's bounds first; any violation aborts the
// whole batch before any store write. It then builds a single atomic batch
// of all writes and commits it; only once the commit succeeds does it update
// the in-memory mapping of every already-cached affected cell. This
// store-first order applies whatever Config.WriteOrder says.
func (e *Engine) BatchPut(points []Point, sync bool) error {
	for _, p := range points {
		if !e.grid.InBounds(p.Lon, p.Lat) {
			return ErrOutOfBounds
		}
	}

	type staged struct {
		cellID, key string
		value       []byte
	}
	stagedPoints := make([]staged, 0, len(points))

	b := e.store.Batch()
	for _, p := range points {
		cellID := e.grid.ComputeGridID(p.Lon, p.Lat)
		key := grid.KeyOf(cellID, p.Lon, p.Lat)
		b.Put([]byte(key), p.Value)
		stagedPoints = append(stagedPoints, staged{cellID, key, p.Value})
	}

	if err := b.Commit(sync); err != nil {
		return err
	}

	touched := make(map[string]struct{}, len(stagedPoints))
	for _, sp := range stagedPoints {
		e.touchCacheOnWrite(sp.cellID, sp.key, sp.value)
		e.hot.Touch(sp.cellID)
		touched[sp.cellID] = struct{}{}
	}
	if e.pub != nil {
		for cellID := range touched {
			e.pub.PublishWrite(cellID)
		}
	}
	for range stagedPoints {
		e.metrics.ObservePut(sync)
	}
	return nil
}

// RangeCallback receives each point found within a RangeQuery rectangle.
type RangeCallback func(lon, lat float64, value []byte) error

// RangeQuery enumerates every previously-put point within the closed
// rectangle [minLon,maxLon] x [minLat,maxLat]. Cells are visited in
// row-major order; within a cached cell, order is unspecified; within a
// store-scanned cell, order follows byte-lex of keys. Callers must not
// assume any ordering beyond the per-cell guarantee.
func (e *Engine) RangeQuery(minLon, minLat, maxLon, maxLat float64, cb RangeCallback) error {
	cells := e.grid.CoveredCells(minLon, minLat, maxLon, maxLat)

	for _, cellID := range cells {
		if item, ok := e.cache.Get(cellID); ok {
			var cbErr error
			item.Each(func(k string, v []byte) {
				if cbErr != nil {
					return
				}
				_, lon, lat, ok := parseKeyOrSkip(k)
				if !ok || !grid.InRect(lon, lat, minLon, minLat, maxLon, maxLat) {
					return
				}
				cbErr = cb(lon, lat, v)
			})
			if cbErr != nil {
				return cbErr
			}
			continue
		}

		start := []byte(grid.CellPrefix(cellID))
		end := []byte(grid.CellEnd(cellID))
		err := e.store.RangeQuery(start, end, func(k, v []byte) error {
			_, lon, lat, ok := parseKeyOrSkip(k)
			if !ok || !grid.InRect(lon, lat, minLon, minLat, maxLon, maxLat) {
				return nil
			}
			return cb(lon, lat, v)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func parseKeyOrSkip(k []byte) (cellID string, lon, lat float64, ok bool) {
	return grid.ParseKey(string(k))
}

// PreloadGrid force-loads cellID into cache, replacing any existing entry.
func (e *Engine) PreloadGrid(cellID string) error {
	_, err := e.loadCellIntoCache(cellID)
	return err
}

// EvictGridFromCache drops cellID from cache, if resident.
func (e *Engine) EvictGridFromCache(cellID string) {
	e.cache.Remove(cellID)
	if e.l2 != nil {
		e.l2.Evict(cellID)
	}
	if e.pub != nil {
		e.pub.PublishEvict(cellID)
	}
}

// ClearCache evicts every resident cell. It does not shut down the store.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// GetCacheSize reports the number of resident cells.
func (e *Engine) GetCacheSize() int {
	return e.cache.Len()
}

// GetStats delegates to the underlying store's diagnostic dump.
func (e *Engine) GetStats() string {
	return e.store.GetStats()
}

// HotCells returns up to n grid cell ids ordered by descending recent
// access frequency, for operators deciding what to PreloadGrid or pin.
func (e *Engine) HotCells(n int) []string {
	return e.hot.Top(n)
}

// HotnessTrackedCells reports how many distinct cells currently carry a
// nonzero hotness score.
func (e *Engine) HotnessTrackedCells() int {
	return e.hot.Size()
}
