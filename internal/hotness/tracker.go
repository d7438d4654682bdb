// Package hotness tracks per-cell access frequency with exponential decay,
// so the engine can report which grid cells are currently busiest without
// keeping an unbounded access log.
package hotness

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	numShards = 64

	// spilloverWeight is the fractional credit a touch gives to a cell's
	// four orthogonal grid neighbors. Terrain access is spatially
	// correlated — a RangeQuery sweep or a pan touches adjacent cells in
	// quick succession — so crediting neighbors lets HotCells/PreloadGrid
	// anticipate the next cell a caller is likely to need instead of only
	// reacting once it's already been touched directly.
	spilloverWeight = 0.2
)

// Tracker scores cells by recent access frequency. A cell accessed
// repeatedly in quick succession accumulates a high score; the score decays
// toward zero with a configurable half-life once access stops. Touch also
// applies a smaller decayed credit to the touched cell's orthogonal
// neighbors when the id follows the grid's "G_RRR_CCC" tag format (see
// internal/grid); ids outside that format are tracked with no spillover.
type Tracker struct {
	halfLife time.Duration
	now      func() time.Time
	shards   [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*counter
}

type counter struct {
	score float64
	last  time.Time
}

// New returns a Tracker whose scores halve every halfLife of inactivity.
func New(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{halfLife: halfLife, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

// Touch records one access to cellID, plus a fractional spillover touch to
// each orthogonal neighbor derivable from its grid tag.
func (t *Tracker) Touch(cellID string) {
	if cellID == "" {
		return
	}
	t.bump(cellID, 1.0)

	row, col, ok := parseCellID(cellID)
	if !ok {
		return
	}
	if row > 0 {
		t.bump(formatCellID(row-1, col), spilloverWeight)
	}
	t.bump(formatCellID(row+1, col), spilloverWeight)
	if col > 0 {
		t.bump(formatCellID(row, col-1), spilloverWeight)
	}
	t.bump(formatCellID(row, col+1), spilloverWeight)
}

// bump applies weight to cellID's score after decaying it forward to now.
func (t *Tracker) bump(cellID string, weight float64) {
	s := t.pick(cellID)
	n := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[cellID]
	if c == nil {
		s.m[cellID] = &counter{score: weight, last: n}
		return
	}
	dt := n.Sub(c.last).Seconds()
	c.score = decay(c.score, dt, t.halfLife.Seconds()) + weight
	c.last = n
}

// Score returns cellID's current decayed score, 0 if never touched.
func (t *Tracker) Score(cellID string) float64 {
	if cellID == "" {
		return 0
	}
	s := t.pick(cellID)
	n := t.now()

	s.mu.RLock()
	c := s.m[cellID]
	if c == nil {
		s.mu.RUnlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.RUnlock()

	return decay(score, n.Sub(last).Seconds(), t.halfLife.Seconds())
}

// Top returns up to n cell ids ordered by descending score.
func (t *Tracker) Top(n int) []string {
	if n <= 0 {
		return nil
	}
	type scored struct {
		id    string
		score float64
	}
	all := make([]scored, 0)
	now := t.now()
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for id, c := range s.m {
			all = append(all, scored{id: id, score: decay(c.score, now.Sub(c.last).Seconds(), t.halfLife.Seconds())})
		}
		s.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}

// Reset clears the recorded score for each given cell.
func (t *Tracker) Reset(cellIDs ...string) {
	for _, id := range cellIDs {
		if id == "" {
			continue
		}
		s := t.pick(id)
		s.mu.Lock()
		delete(s.m, id)
		s.mu.Unlock()
	}
}

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	lambda := math.Ln2 / halfLife
	return score * math.Exp(-lambda*dt)
}

// cellIDLen is len("G_RRR_CCC"): "G_" + 3 row digits + "_" + 3 col digits.
const cellIDLen = 9

// parseCellID recovers the row/col pair from a grid.ComputeGridID-style cell tag
// ("G_RRR_CCC", spec.md §6). Ids that don't match (test fixtures, or a
// future non-grid caller) return ok=false and simply skip spillover.
func parseCellID(cellID string) (row, col int, ok bool) {
	if len(cellID) != cellIDLen || cellID[0] != 'G' || cellID[1] != '_' || cellID[5] != '_' {
		return 0, 0, false
	}
	row, err := strconv.Atoi(cellID[2:5])
	if err != nil {
		return 0, 0, false
	}
	col, err = strconv.Atoi(cellID[6:9])
	if err != nil {
		return 0, 0, false
	}
	return row, col, true
}

func formatCellID(row, col int) string {
	return fmt.Sprintf("G_%03d_%03d", row, col)
}

func (t *Tracker) pick(cellID string) *shard {
	h := xxhash.Sum64String(cellID)
	return &t.shards[h&(uint64(len(t.shards))-1)]
}

// Size returns the number of distinct cells currently tracked.
func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}
