package invalidate

import (
	"os"
	"strings"
	"time"
)

// Config configures the optional Kafka-backed invalidation bus. The bus is
// advisory: every correctness invariant in SPEC_FULL.md holds with it
// disabled, eviction just happens later, on next cache miss instead of on a
// sibling's write.
type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

// FromEnv reads bus configuration from the process environment.
func FromEnv() Config {
	enabled := strings.EqualFold(os.Getenv("INVALIDATION_ENABLED"), "true")

	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		brokers = "localhost:9092"
	}
	topic := strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))
	if topic == "" {
		topic = "terraingrid-invalidation"
	}
	group := strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID"))
	if group == "" {
		group = "terraingrid-invalidator"
	}

	return Config{
		Enabled:          enabled,
		Brokers:          splitCSV(brokers),
		Topic:            topic,
		GroupID:          group,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
