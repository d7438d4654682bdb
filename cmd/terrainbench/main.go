// Command terrainbench drives load against a running terraind instance: a
// configurable mix of puts and gets over a zipf-distributed set of grid
// cells, reporting throughput and latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

type benchConfig struct {
	target      string
	concurrency int
	duration    time.Duration
	zipfS       float64
	zipfV       float64
	cellCount   int
	readRatio   float64
	minLon      float64
	minLat      float64
	maxLon      float64
	maxLat      float64
	timeout     time.Duration
}

func loadConfig() benchConfig {
	var c benchConfig
	flag.StringVar(&c.target, "target", "http://localhost:8090", "terraind base URL")
	flag.IntVar(&c.concurrency, "concurrency", 32, "concurrent workers")
	flag.DurationVar(&c.duration, "duration", 30*time.Second, "test duration")
	flag.Float64Var(&c.zipfS, "zipf-s", 1.3, "zipf parameter s (>1)")
	flag.Float64Var(&c.zipfV, "zipf-v", 1.0, "zipf parameter v (>=1)")
	flag.IntVar(&c.cellCount, "cells", 256, "distinct grid cells in the workload pool")
	flag.Float64Var(&c.readRatio, "read-ratio", 0.8, "fraction of requests that are gets rather than puts")
	flag.Float64Var(&c.minLon, "min-lon", 116.0, "workload bounds: min longitude")
	flag.Float64Var(&c.minLat, "min-lat", 39.0, "workload bounds: min latitude")
	flag.Float64Var(&c.maxLon, "max-lon", 117.5, "workload bounds: max longitude")
	flag.Float64Var(&c.maxLat, "max-lat", 41.0, "workload bounds: max latitude")
	flag.DurationVar(&c.timeout, "timeout", 5*time.Second, "per-request timeout")
	flag.Parse()
	return c
}

type cell struct {
	lon, lat float64
}

func makeCells(cfg benchConfig, r *rand.Rand) []cell {
	cells := make([]cell, 0, cfg.cellCount)
	for len(cells) < cfg.cellCount {
		lon := cfg.minLon + r.Float64()*(cfg.maxLon-cfg.minLon)
		lat := cfg.minLat + r.Float64()*(cfg.maxLat-cfg.minLat)
		cells = append(cells, cell{lon: lon, lat: lat})
	}
	return cells
}

type sample struct {
	latencyMs float64
	status    int
	err       string
}

type aggregate struct {
	total, success, errors int64
	latMs                  []float64
}

func main() {
	cfg := loadConfig()

	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))
	cells := makeCells(cfg, r)
	imax := uint64(len(cells)) - 1

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	samples := make(chan sample, 4096)
	resultsCh := make(chan aggregate, 1)

	go func() {
		a := aggregate{latMs: make([]float64, 0, 1<<16)}
		for s := range samples {
			a.total++
			if s.err == "" && s.status >= 200 && s.status < 300 {
				a.success++
				a.latMs = append(a.latMs, s.latencyMs)
			} else {
				a.errors++
			}
		}
		resultsCh <- a
	}()

	log.Printf("terrainbench start target=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) cells=%d read_ratio=%.2f",
		cfg.target, cfg.duration, cfg.concurrency, cfg.zipfS, cfg.zipfV, cfg.cellCount, cfg.readRatio)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)
	for workerID := range cfg.concurrency {
		go func(id int) {
			defer wg.Done()
			wr := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(wr, cfg.zipfS, cfg.zipfV, imax)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				idx := int(zipf.Uint64())
				if idx >= len(cells) {
					continue
				}
				c := cells[idx]

				var req *http.Request
				var err error
				reqStart := time.Now()
				if wr.Float64() < cfg.readRatio {
					url := fmt.Sprintf("%s/v1/points?lon=%f&lat=%f", cfg.target, c.lon, c.lat)
					req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				} else {
					body, _ := json.Marshal(map[string]any{
						"lon": c.lon, "lat": c.lat,
						"value": []byte(fmt.Sprintf("v%d", wr.Int63())),
					})
					req, err = http.NewRequestWithContext(ctx, http.MethodPost, cfg.target+"/v1/points", bytes.NewReader(body))
					if req != nil {
						req.Header.Set("Content-Type", "application/json")
					}
				}

				s := sample{}
				if err != nil {
					s.err = err.Error()
				} else {
					resp, doErr := client.Do(req)
					s.latencyMs = float64(time.Since(reqStart).Microseconds()) / 1000.0
					if doErr != nil {
						s.err = doErr.Error()
					} else {
						s.status = resp.StatusCode
						_, _ = io.Copy(io.Discard, resp.Body)
						_ = resp.Body.Close()
						if resp.StatusCode < 200 || resp.StatusCode >= 300 {
							s.err = fmt.Sprintf("status=%d", resp.StatusCode)
						}
					}
				}

				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samples)
	}()

	result := <-resultsCh
	elapsed := time.Since(start).Seconds()

	sort.Float64s(result.latMs)
	p50 := percentile(result.latMs, 50)
	p95 := percentile(result.latMs, 95)
	p99 := percentile(result.latMs, 99)

	log.Printf("done: total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		result.total, result.success, result.errors, float64(result.total)/elapsed, p50, p95, p99)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
