package terrain

import (
	"sort"
	"testing"

	"github.com/simulacra/terraingrid/internal/kvstore"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	store, err := kvstore.Initialize(t.TempDir(), kvstore.WithInMemory())
	if err != nil {
		t.Fatalf("kvstore.Initialize: %v", err)
	}
	t.Cleanup(func() { _ = kvstore.Shutdown() })

	cfg := Config{
		MinLon: 116.0, MinLat: 39.0,
		MaxLon: 117.5, MaxLat: 41.0,
		CellSizeDeg:   0.01,
		CacheCapacity: 500,
	}
	e, err := New(store, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestPutGet_RoundTripsAndMissesOutsideWrittenPoint(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Put(116.405285, 39.904989, []byte("43.5"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := e.Get(116.405285, 39.904989)
	if err != nil || !ok || string(v) != "43.5" {
		t.Fatalf("Get = (%q,%v,%v), want (43.5,true,nil)", v, ok, err)
	}

	_, ok, err = e.Get(116.5, 40.0)
	if err != nil || ok {
		t.Fatalf("Get of never-written point = (ok=%v,err=%v), want (false,nil)", ok, err)
	}
}

func TestPut_BoundaryPointsSucceedJustOutsideFail(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Put(116.0, 39.0, []byte("b1"), false); err != nil {
		t.Fatalf("Put at min corner: %v", err)
	}
	if err := e.Put(117.5, 41.0, []byte("b2"), false); err != nil {
		t.Fatalf("Put at max corner: %v", err)
	}

	if err := e.Put(115.9, 38.9, []byte("x"), false); err == nil {
		t.Fatalf("Put below min corner should fail out-of-bounds")
	}
	if err := e.Put(117.6, 41.1, []byte("x"), false); err == nil {
		t.Fatalf("Put above max corner should fail out-of-bounds")
	}
}

func TestComputeGridID_MatchesSpecWorkedExamples(t *testing.T) {
	e := newTestEngine(t)

	cases := []struct {
		lon, lat float64
		want     string
	}{
		{116.405, 39.905, "G_090_040"},
		{116.0, 39.0, "G_000_000"},
		{117.499, 40.999, "G_199_149"},
	}
	for _, c := range cases {
		got := e.ComputeGridID(c.lon, c.lat)
		if got != c.want {
			t.Errorf("ComputeGridID(%v,%v) = %q, want %q", c.lon, c.lat, got, c.want)
		}
	}
}

func TestBatchPutThenRangeQuery_ReturnsExactlyContainedPoints(t *testing.T) {
	e := newTestEngine(t)

	points := []Point{
		{116.402, 39.901, []byte("p1")},
		{116.403, 39.902, []byte("p2")},
		{116.404, 39.903, []byte("p3")},
		{116.405, 39.904, []byte("p4")},
		{116.500, 40.000, []byte("p5")},
	}
	if err := e.BatchPut(points, false); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	var got []string
	err := e.RangeQuery(116.401, 39.900, 116.406, 39.905, func(lon, lat float64, value []byte) error {
		got = append(got, string(value))
		return nil
	})
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	sort.Strings(got)
	want := []string{"p1", "p2", "p3", "p4"}
	if len(got) != len(want) {
		t.Fatalf("RangeQuery = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RangeQuery = %v, want %v", got, want)
		}
	}
}

func TestRangeQuery_TinyRectangleReturnsBothNearbyPoints(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Put(116.40499, 39.90499, []byte("g1"), false); err != nil {
		t.Fatalf("Put g1: %v", err)
	}
	if err := e.Put(116.40501, 39.90501, []byte("g2"), false); err != nil {
		t.Fatalf("Put g2: %v", err)
	}

	var got []string
	err := e.RangeQuery(116.40498, 39.90498, 116.40502, 39.90502, func(lon, lat float64, value []byte) error {
		got = append(got, string(value))
		return nil
	})
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	sort.Strings(got)
	want := []string{"g1", "g2"}
	if len(got) != len(want) {
		t.Fatalf("RangeQuery = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RangeQuery = %v, want %v", got, want)
		}
	}
}

func TestRangeQuery_CacheStateDoesNotAffectResult(t *testing.T) {
	e := newTestEngine(t)

	points := []Point{
		{116.402, 39.901, []byte("p1")},
		{116.403, 39.902, []byte("p2")},
	}
	if err := e.BatchPut(points, false); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	runQuery := func() []string {
		var got []string
		err := e.RangeQuery(116.401, 39.900, 116.406, 39.905, func(lon, lat float64, value []byte) error {
			got = append(got, string(value))
			return nil
		})
		if err != nil {
			t.Fatalf("RangeQuery: %v", err)
		}
		sort.Strings(got)
		return got
	}

	// First pass: cold cache, forces a store scan (BatchPut only updates
	// already-resident cells, never warms new ones).
	e.ClearCache()
	coldResult := runQuery()

	// Second pass: preload the cell so the query is served entirely from cache.
	cellID := e.ComputeGridID(116.402, 39.901)
	if err := e.PreloadGrid(cellID); err != nil {
		t.Fatalf("PreloadGrid: %v", err)
	}
	warmResult := runQuery()

	if len(coldResult) != len(warmResult) {
		t.Fatalf("cold=%v warm=%v, result sets must match regardless of cache state", coldResult, warmResult)
	}
	for i := range coldResult {
		if coldResult[i] != warmResult[i] {
			t.Fatalf("cold=%v warm=%v, result sets must match regardless of cache state", coldResult, warmResult)
		}
	}
}

func TestGet_WarmsCacheOnMiss(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Put(116.1, 39.1, []byte("v"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e.ClearCache()
	if e.GetCacheSize() != 0 {
		t.Fatalf("expected empty cache after ClearCache")
	}

	if _, _, err := e.Get(116.1, 39.1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.GetCacheSize() != 1 {
		t.Fatalf("GetCacheSize after a cache-miss Get = %d, want 1", e.GetCacheSize())
	}
}

func TestEvictGridFromCache(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Put(116.1, 39.1, []byte("v"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cellID := e.ComputeGridID(116.1, 39.1)
	if err := e.PreloadGrid(cellID); err != nil {
		t.Fatalf("PreloadGrid: %v", err)
	}
	if e.GetCacheSize() != 1 {
		t.Fatalf("expected 1 resident cell after preload")
	}

	e.EvictGridFromCache(cellID)
	if e.GetCacheSize() != 0 {
		t.Fatalf("expected 0 resident cells after eviction")
	}

	// value must still be retrievable from the store after eviction.
	v, ok, err := e.Get(116.1, 39.1)
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get after eviction = (%q,%v,%v), want (v,true,nil)", v, ok, err)
	}
}

func TestHotCells_RanksRepeatedlyTouchedCellFirst(t *testing.T) {
	e := newTestEngine(t)

	hotCell := e.ComputeGridID(116.1, 39.1)
	coldCell := e.ComputeGridID(117.0, 40.0)

	for range 5 {
		if err := e.Put(116.1, 39.1, []byte("v"), false); err != nil {
			t.Fatalf("Put hot: %v", err)
		}
	}
	if err := e.Put(117.0, 40.0, []byte("v"), false); err != nil {
		t.Fatalf("Put cold: %v", err)
	}

	top := e.HotCells(1)
	if len(top) != 1 || top[0] != hotCell {
		t.Fatalf("HotCells(1) = %v, want [%s]", top, hotCell)
	}
	if top[0] == coldCell {
		t.Fatalf("cold cell should not outrank hot cell")
	}
}
