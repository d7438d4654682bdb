// Package httpapi exposes the terrain engine and worker pool over HTTP:
// point reads/writes, range queries, cache administration, and the
// operator surface (health, metrics).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/simulacra/terraingrid/internal/pool"
	"github.com/simulacra/terraingrid/internal/terrain"
)

// Engine is the subset of *terrain.Engine the HTTP surface depends on.
type Engine interface {
	Put(lon, lat float64, value []byte, sync bool) error
	Get(lon, lat float64) ([]byte, bool, error)
	BatchPut(points []terrain.Point, sync bool) error
	RangeQuery(minLon, minLat, maxLon, maxLat float64, cb terrain.RangeCallback) error
	PreloadGrid(cellID string) error
	EvictGridFromCache(cellID string)
	GetCacheSize() int
	GetStats() string
	HotCells(n int) []string
}

// Submitter is the subset of *pool.Pool the HTTP surface depends on to run
// range queries off the request goroutine.
type Submitter interface {
	Submit(priority pool.Priority, fn pool.Func) (*pool.Future, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type putRequest struct {
	Lon   float64 `json:"lon"`
	Lat   float64 `json:"lat"`
	Value []byte  `json:"value"`
	Sync  bool    `json:"sync"`
}

// HandlePut serves POST /v1/points.
func HandlePut(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req putRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := eng.Put(req.Lon, req.Lat, req.Value, req.Sync); err != nil {
			if errors.Is(err, terrain.ErrOutOfBounds) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type batchPutRequest struct {
	Points []terrain.Point `json:"points"`
	Sync   bool            `json:"sync"`
}

// HandleBatchPut serves POST /v1/points/batch.
func HandleBatchPut(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchPutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := eng.BatchPut(req.Points, req.Sync); err != nil {
			if errors.Is(err, terrain.ErrOutOfBounds) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "count": strconv.Itoa(len(req.Points))})
	}
}

// HandleGet serves GET /v1/points?lon=&lat=.
func HandleGet(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid or missing lon")
			return
		}
		lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid or missing lat")
			return
		}
		value, ok, err := eng.Get(lon, lat)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no point at this location")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": value})
	}
}

// HandleRangeQuery serves GET /v1/points/range?min_lon=&min_lat=&max_lon=&max_lat=.
// The scan itself is submitted to the worker pool at Normal priority so a
// large range can't monopolize a request-handling goroutine indefinitely.
func HandleRangeQuery(eng Engine, p Submitter) http.HandlerFunc {
	type point struct {
		Lon   float64 `json:"lon"`
		Lat   float64 `json:"lat"`
		Value []byte  `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		bounds := make([]float64, 4)
		names := []string{"min_lon", "min_lat", "max_lon", "max_lat"}
		for i, n := range names {
			v, err := strconv.ParseFloat(q.Get(n), 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid or missing "+n)
				return
			}
			bounds[i] = v
		}

		fut, err := p.Submit(pool.Normal, func() (any, error) {
			var results []point
			err := eng.RangeQuery(bounds[0], bounds[1], bounds[2], bounds[3], func(lon, lat float64, value []byte) error {
				results = append(results, point{Lon: lon, Lat: lat, Value: value})
				return nil
			})
			return results, err
		})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		res, err := fut.GetContext(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"points": res})
	}
}

// HandlePreload serves POST /v1/cache/{cellID}/preload.
func HandlePreload(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cellID := chi.URLParam(r, "cellID")
		if err := eng.PreloadGrid(cellID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleEvict serves POST /v1/cache/{cellID}/evict.
func HandleEvict(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cellID := chi.URLParam(r, "cellID")
		eng.EvictGridFromCache(cellID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleStats serves GET /v1/stats.
func HandleStats(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"cache_resident_cells": eng.GetCacheSize(),
			"store_stats":          eng.GetStats(),
		})
	}
}

// HandleHotCells serves GET /v1/cache/hot?n=.
func HandleHotCells(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 10
		if raw := r.URL.Query().Get("n"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				n = parsed
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"cells": eng.HotCells(n)})
	}
}
