package invalidate

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/simulacra/terraingrid/internal/telemetry"
)

// publishQueueSize bounds the in-process queue between the request path and
// the background sender: a burst bigger than this drops events rather than
// ever blocking Put/BatchPut/eviction.
const publishQueueSize = 4096

// Publisher advertises cell-level write/evict events to sibling engine
// processes so their caches can invalidate without waiting on TTL or their
// own next miss. Publish is fire-and-forget from the caller's perspective:
// it only enqueues onto a buffered channel drained by a background sender
// goroutine, so a slow or unreachable broker never adds latency to the
// write/evict path it is reporting on.
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
	version  atomic.Uint64
	log      *zerolog.Logger
	metrics  *telemetry.Metrics

	queue   chan *sarama.ProducerMessage
	stopped chan struct{}
}

// NewPublisher dials brokers and returns a ready-to-use Publisher. logger
// and m may be nil.
func NewPublisher(brokers []string, topic string, logger *zerolog.Logger, m *telemetry.Metrics) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalidate: new producer: %w", err)
	}

	p := &Publisher{
		producer: producer,
		topic:    topic,
		log:      logger,
		metrics:  m,
		queue:    make(chan *sarama.ProducerMessage, publishQueueSize),
		stopped:  make(chan struct{}),
	}

	go p.sendLoop()
	go p.drainErrors()

	return p, nil
}

// sendLoop forwards queued messages to the producer's input channel. It
// runs until queue is closed by Close.
func (p *Publisher) sendLoop() {
	defer close(p.stopped)
	for msg := range p.queue {
		p.producer.Input() <- msg
	}
}

// drainErrors logs async send failures. A dropped or failed publish costs a
// sibling a stale cache entry until its own TTL or next miss, never a
// correctness violation, so failures are observed but not retried here.
func (p *Publisher) drainErrors() {
	for err := range p.producer.Errors() {
		if err == nil {
			continue
		}
		if p.log != nil {
			p.log.Warn().Err(err.Err).Msg("invalidation publish failed")
		}
	}
}

func (p *Publisher) publish(cellID string, op Op) {
	ev := Event{
		CellID:  cellID,
		Op:      op,
		Version: p.version.Add(1),
		TS:      time.Now(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(cellID),
		Value: sarama.ByteEncoder(raw),
	}

	select {
	case p.queue <- msg:
	default:
		// Queue full: drop rather than block the write/evict path that
		// triggered this publish.
		if p.log != nil {
			p.log.Warn().Str("cell_id", cellID).Msg("invalidation queue full, dropping event")
		}
		return
	}
	p.metrics.ObserveInvalidation(string(op), "publish")
}

// PublishWrite announces that cellID was written and siblings' caches
// should drop their copy.
func (p *Publisher) PublishWrite(cellID string) {
	p.publish(cellID, OpWrite)
}

// PublishEvict announces an explicit administrative eviction of cellID.
func (p *Publisher) PublishEvict(cellID string) {
	p.publish(cellID, OpEvict)
}

// Close drains the queue, stops the background goroutines, and releases the
// underlying producer's connections.
func (p *Publisher) Close() error {
	close(p.queue)
	<-p.stopped

	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("invalidate: close producer: %w", err)
	}
	return nil
}
