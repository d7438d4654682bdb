package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/simulacra/terraingrid/internal/telemetry"
)

// Invalidator is the subset of *terrain.Engine the consumer depends on.
type Invalidator interface {
	EvictGridFromCache(cellID string)
}

// Consumer applies invalidation events published by sibling processes to a
// local engine's cache. It never touches the store: an applied event only
// ever evicts, so a missed or duplicated delivery is self-healing on the
// next read.
type Consumer struct {
	log     *slog.Logger
	cfg     Config
	target  Invalidator
	ver     *cellVersions
	metrics *telemetry.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer builds a consumer that will evict cells from target. m may be
// nil, in which case observations are silently skipped.
func NewConsumer(cfg Config, target Invalidator, logger *slog.Logger, m *telemetry.Metrics) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		log:     logger,
		cfg:     cfg,
		target:  target,
		ver:     newCellVersions(defaultDedupeCells),
		metrics: m,
	}
}

// Start creates the consumer group client and begins joining the group and
// applying events on a background goroutine. It returns as soon as the
// client is created, without waiting for group membership; Stop tears it
// down.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("invalidation consumer disabled")
		return nil
	}
	if c.target == nil {
		return errors.New("invalidate: consumer requires a target")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	scfg := sarama.NewConfig()
	scfg.Version = sarama.V2_5_0_0
	scfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	scfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	scfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOldest {
		scfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		scfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	scfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, scfg)
	if err != nil {
		return fmt.Errorf("invalidate: new consumer group: %w", err)
	}

	h := &groupHandler{apply: c.applyMessage, log: c.log}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.log.Error("invalidation consumer group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				c.log.Error("invalidation consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			c.log.Error("invalidation group error", "err", err)
		}
	}()

	c.log.Info("invalidation consumer started", "topic", c.cfg.Topic, "group", c.cfg.GroupID)
	return nil
}

// Stop cancels the consumer's context and waits for its goroutines to exit.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) applyMessage(msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("invalidate: decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	if !c.ver.admit(ev.CellID, ev.Version) {
		return nil
	}
	c.target.EvictGridFromCache(ev.CellID)
	c.metrics.ObserveInvalidation(string(ev.Op), "consume")
	return nil
}

// groupHandler adapts a plain apply callback to sarama.ConsumerGroupHandler.
type groupHandler struct {
	apply func(*sarama.ConsumerMessage) error
	log   *slog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.apply(msg); err != nil {
			// A poison message is logged and skipped, not retried: marking it
			// consumed below keeps one bad event from wedging the partition.
			h.log.Warn("invalidation event dropped", "err", err, "partition", msg.Partition, "offset", msg.Offset)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
