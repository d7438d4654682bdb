package invalidate

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultDedupeCells bounds the version ledger to a working set much
// smaller than the grid's full address space (see internal/grid): only
// cells that are actively being written or evicted across the cluster ever
// need a tracked version, so an LRU this size comfortably covers a hot
// working set without growing with the dataset.
const defaultDedupeCells = 8192

// cellVersions is a consumer-side high-water-mark per grid cell id, so a
// replayed or out-of-order invalidation event can never undo a newer one
// already applied to the local cache.
type cellVersions struct {
	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

func newCellVersions(maxCells int) *cellVersions {
	if maxCells <= 0 {
		maxCells = defaultDedupeCells
	}
	c, _ := lru.New[string, uint64](maxCells)
	return &cellVersions{seen: c}
}

// admit reports whether version is newer than the last one recorded for
// cellID, advancing the high-water mark when it is.
func (d *cellVersions) admit(cellID string, version uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen.Get(cellID); ok && version <= last {
		return false
	}
	d.seen.Add(cellID, version)
	return true
}
