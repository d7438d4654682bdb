// Package config assembles process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration for the terrain daemon.
type Config struct {
	Addr     string
	LogLevel string
	DataDir  string

	MinLon, MinLat float64
	MaxLon, MaxLat float64
	CellSizeDeg    float64
	CacheCapacity  int

	PoolMinThreads  int
	PoolMaxThreads  int
	PoolMaxTasks    int
	PoolIdleTimeout time.Duration
	PoolCached      bool

	L2Enabled bool
	L2Addr    string
	L2TTL     time.Duration

	InvalidationEnabled bool
	KafkaBrokers        string
	KafkaTopic          string
	KafkaGroupID        string
}

// FromEnv reads configuration from the process environment, defaulting to
// the spec's Beijing worked example for bounds and to the worker pool's
// documented defaults.
func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DataDir:  getenv("DATA_DIR", "./data"),

		MinLon:        getfloat("GRID_MIN_LON", 116.0),
		MinLat:        getfloat("GRID_MIN_LAT", 39.0),
		MaxLon:        getfloat("GRID_MAX_LON", 117.5),
		MaxLat:        getfloat("GRID_MAX_LAT", 41.0),
		CellSizeDeg:   getfloat("GRID_CELL_SIZE_DEG", 0.01),
		CacheCapacity: getint("GRID_CACHE_CAPACITY", 500),

		PoolMinThreads:  getint("POOL_MIN_THREADS", 0), // 0 => runtime.NumCPU() in pool.New
		PoolMaxThreads:  getint("POOL_MAX_THREADS", 1024),
		PoolMaxTasks:    getint("POOL_MAX_TASKS", 1024),
		PoolIdleTimeout: getduration("POOL_IDLE_TIMEOUT", 60*time.Second),
		PoolCached:      getbool("POOL_CACHED", true),

		L2Enabled: getbool("L2_ENABLED", false),
		L2Addr:    getenv("L2_REDIS_ADDR", "localhost:6379"),
		L2TTL:     getduration("L2_TTL", 5*time.Minute),

		InvalidationEnabled: getbool("INVALIDATION_ENABLED", false),
		KafkaBrokers:        getenv("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:          getenv("KAFKA_TOPIC", "terraingrid-invalidation"),
		KafkaGroupID:        getenv("KAFKA_GROUP_ID", "terraingrid-invalidator"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
