package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/simulacra/terraingrid/internal/kvstore"
	"github.com/simulacra/terraingrid/internal/pool"
	"github.com/simulacra/terraingrid/internal/terrain"
)

func newTestDeps(t *testing.T) (Deps, *terrain.Engine) {
	t.Helper()
	store, err := kvstore.Initialize(t.TempDir(), kvstore.WithInMemory())
	if err != nil {
		t.Fatalf("kvstore.Initialize: %v", err)
	}
	t.Cleanup(func() { _ = kvstore.Shutdown() })

	eng, err := terrain.New(store, terrain.Config{
		MinLon: 116.0, MinLat: 39.0, MaxLon: 117.5, MaxLat: 41.0,
		CellSizeDeg: 0.01, CacheCapacity: 500,
	})
	if err != nil {
		t.Fatalf("terrain.New: %v", err)
	}

	p := pool.New(pool.Config{MinThreads: 1, MaxThreads: 2, MaxTasks: 8})
	t.Cleanup(p.Shutdown)

	return Deps{Addr: ":0", Logger: nopLogger(), Engine: eng, Pool: p, Ready: store}, eng
}

func TestHandlePutThenGet_RoundTrips(t *testing.T) {
	deps, _ := newTestDeps(t)
	r := NewRouter(deps)

	body, _ := json.Marshal(map[string]any{"lon": 116.5, "lat": 40.5, "value": []byte("peak")})
	req := httptest.NewRequest(http.MethodPost, "/v1/points", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put status=%d body=%s", rr.Code, rr.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/points?lon=116.5&lat=40.5", nil)
	getRR := httptest.NewRecorder()
	r.ServeHTTP(getRR, getReq)
	if getRR.Code != http.StatusOK {
		t.Fatalf("get status=%d body=%s", getRR.Code, getRR.Body.String())
	}
}

func TestHandlePut_OutOfBoundsReturns422(t *testing.T) {
	deps, _ := newTestDeps(t)
	r := NewRouter(deps)

	body, _ := json.Marshal(map[string]any{"lon": 10.0, "lat": 10.0, "value": []byte("x")})
	req := httptest.NewRequest(http.MethodPost, "/v1/points", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d want 422", rr.Code)
	}
}

func TestHandleGet_MissingPointReturns404(t *testing.T) {
	deps, _ := newTestDeps(t)
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/points?lon=116.1&lat=39.1", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
}

func TestHandleRangeQuery_ReturnsBatchWrittenPoints(t *testing.T) {
	deps, eng := newTestDeps(t)
	r := NewRouter(deps)

	if err := eng.BatchPut([]terrain.Point{
		{Lon: 116.2, Lat: 40.2, Value: []byte("a")},
		{Lon: 116.3, Lat: 40.3, Value: []byte("b")},
	}, true); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/points/range?min_lon=116.0&min_lat=40.0&max_lon=116.5&max_lat=40.5", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	var out struct {
		Points []struct {
			Lon float64 `json:"lon"`
			Lat float64 `json:"lat"`
		} `json:"points"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Points) != 2 {
		t.Fatalf("got %d points, want 2", len(out.Points))
	}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	deps, _ := newTestDeps(t)
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
}
