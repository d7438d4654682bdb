// Package pool implements a priority-ordered worker pool with optional
// elastic sizing. Workers execute type-erased tasks pulled from a single
// priority queue; in CACHED mode, a supervisor goroutine grows the worker
// set under load and reaps idle workers back down toward min_threads.
package pool

import (
	"container/heap"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simulacra/terraingrid/internal/telemetry"
)

// Mode selects whether the pool holds a fixed worker count or grows and
// shrinks it elastically.
type Mode int

const (
	// FIXED keeps exactly MinThreads workers alive for the pool's lifetime.
	FIXED Mode = iota
	// CACHED grows toward MaxThreads under load and reaps idle workers back
	// toward MinThreads.
	CACHED
)

var (
	// ErrQueueFull is returned by Submit when the queue stays at MaxTasks
	// capacity for the full one-second bounded wait.
	ErrQueueFull = errors.New("pool: task queue full")
	// ErrShutdown is returned by Submit once the pool has begun shutting
	// down, and is the error every dropped queued task resolves with.
	ErrShutdown = errors.New("pool: shut down")
)

const (
	submitWaitTimeout    = time.Second
	supervisorTick       = 2 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	defaultMaxThreads    = 1024
	defaultMaxTasks      = 1024
)

// Config configures a Pool. Non-positive MinThreads, MaxThreads, MaxTasks
// and IdleTimeout are replaced by DefaultConfig's equivalents in New. Mode is
// used as given: its zero value is FIXED.
type Config struct {
	MinThreads  int
	MaxThreads  int
	MaxTasks    int
	IdleTimeout time.Duration
	Mode        Mode
	// Logger receives task-start and task-error events. Nil uses a no-op
	// logger.
	Logger *zerolog.Logger
	// Metrics receives per-task outcome and duration observations. Nil
	// disables recording.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns the spec's default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		MinThreads:  runtime.NumCPU(),
		MaxThreads:  defaultMaxThreads,
		MaxTasks:    defaultMaxTasks,
		IdleTimeout: defaultIdleTimeout,
		Mode:        CACHED,
	}
}

type workerHandle struct {
	id   int64
	done chan struct{}
}

// Pool is a priority task queue backed by a set of worker goroutines.
type Pool struct {
	cfg  Config
	mu   sync.Mutex
	cond *sync.Cond

	queue   taskHeap
	seq     int64
	workers map[int64]*workerHandle
	nextID  int64
	expired map[int64]struct{}
	running bool

	stopSupervisor chan struct{}
	supervisorDone chan struct{}
}

// New constructs and starts a pool. Non-positive MinThreads, MaxThreads,
// MaxTasks and IdleTimeout fall back to DefaultConfig's values; Mode is kept
// as given.
func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MinThreads <= 0 {
		cfg.MinThreads = def.MinThreads
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = def.MaxThreads
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}

	p := &Pool{
		cfg:            cfg,
		workers:        make(map[int64]*workerHandle),
		expired:        make(map[int64]struct{}),
		running:        true,
		stopSupervisor: make(chan struct{}),
		supervisorDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < cfg.MinThreads; i++ {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	if cfg.Mode == CACHED {
		go p.superviseLoop()
	} else {
		close(p.supervisorDone)
	}

	return p
}

func (p *Pool) spawnWorkerLocked() {
	id := p.nextID
	p.nextID++
	h := &workerHandle{id: id, done: make(chan struct{})}
	p.workers[id] = h
	go p.workerLoop(h)
}

// Submit enqueues fn at the given priority and returns a Future for its
// result. It blocks up to one second if the queue is at MaxTasks capacity;
// on timeout it returns ErrQueueFull. Submitting after Shutdown returns
// ErrShutdown immediately.
func (p *Pool) Submit(priority Priority, fn Func) (*Future, error) {
	p.mu.Lock()

	deadline := time.Now().Add(submitWaitTimeout)
	for len(p.queue) >= p.cfg.MaxTasks && p.running {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, ErrQueueFull
		}
		p.waitLocked(remaining)
	}
	if !p.running {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	fut := newFuture()
	p.seq++
	t := &task{priority: priority, seq: p.seq, fn: fn, future: fut}
	heap.Push(&p.queue, t)
	p.cond.Signal()

	if p.cfg.Mode == CACHED && p.shouldExpandLocked() {
		p.expandWorkersLocked()
	}
	p.mu.Unlock()

	return fut, nil
}

// waitLocked waits on p.cond for up to timeout (0 means indefinite). Must be
// called with p.mu held; re-acquires it before returning, per sync.Cond
// convention. Callers must always re-check their predicate in a loop: both
// genuine signals and the timeout's own wakeup arrive the same way.
func (p *Pool) waitLocked(timeout time.Duration) {
	if timeout <= 0 {
		p.cond.Wait()
		return
	}
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	timer.Stop()
}

// shouldExpandLocked implements the spec's elastic-sizing trigger. Must be
// called with p.mu held.
func (p *Pool) shouldExpandLocked() bool {
	return p.running && len(p.queue) > 0 && len(p.workers) < p.cfg.MaxThreads
}

// expandWorkersLocked adds min(pending_tasks, max_threads-workers) workers.
// Must be called with p.mu held.
func (p *Pool) expandWorkersLocked() {
	room := p.cfg.MaxThreads - len(p.workers)
	n := len(p.queue)
	if n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		p.spawnWorkerLocked()
	}
}

func (p *Pool) workerLoop(h *workerHandle) {
	defer close(h.done)

	lastActive := time.Now()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && p.running {
			if p.cfg.Mode != CACHED {
				p.waitLocked(0)
				continue
			}
			remaining := time.Until(lastActive.Add(p.cfg.IdleTimeout))
			if remaining <= 0 {
				break
			}
			p.waitLocked(remaining)
		}

		if !p.running {
			p.mu.Unlock()
			return
		}

		if len(p.queue) == 0 {
			// Idle timeout elapsed in CACHED mode.
			if len(p.workers) > p.cfg.MinThreads {
				p.expired[h.id] = struct{}{}
				p.mu.Unlock()
				return
			}
			lastActive = time.Now()
			p.mu.Unlock()
			continue
		}

		t := heap.Pop(&p.queue).(*task)
		p.mu.Unlock()

		lastActive = time.Now()
		p.runTask(h.id, t)
	}
}

func (p *Pool) runTask(workerID int64, t *task) {
	p.cfg.Logger.Debug().
		Int64("worker_id", workerID).
		Str("priority", t.priority.String()).
		Time("started_at", time.Now()).
		Msg("pool: task started")

	started := time.Now()
	var result Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				result = Result{Err: errorsFromPanic(r)}
				p.cfg.Logger.Error().
					Int64("worker_id", workerID).
					Interface("panic", r).
					Msg("pool: task panicked")
			}
		}()
		v, err := t.fn()
		result = Result{Value: v, Err: err}
	}()
	duration := time.Since(started)

	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
		p.cfg.Logger.Error().
			Int64("worker_id", workerID).
			Err(result.Err).
			Msg("pool: task returned error")
	}
	p.cfg.Metrics.ObservePoolTask(t.priority.String(), outcome, duration)

	t.future.resolve(result)
}

func (p *Pool) superviseLoop() {
	defer close(p.supervisorDone)
	ticker := time.NewTicker(supervisorTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSupervisor:
			return
		case <-ticker.C:
			p.reapAndExpand()
		}
	}
}

func (p *Pool) reapAndExpand() {
	p.mu.Lock()
	for id := range p.expired {
		if len(p.workers) <= p.cfg.MinThreads {
			break
		}
		h, ok := p.workers[id]
		if !ok {
			delete(p.expired, id)
			continue
		}
		delete(p.expired, id)
		delete(p.workers, id)
		p.mu.Unlock()
		<-h.done
		p.mu.Lock()
	}
	if p.shouldExpandLocked() {
		p.expandWorkersLocked()
	}
	p.mu.Unlock()
}

// Shutdown stops accepting submissions, drains remaining queued tasks with
// ErrShutdown, and waits for every worker and the supervisor to exit. It is
// idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.cfg.Mode == CACHED {
		close(p.stopSupervisor)
		<-p.supervisorDone
	}

	p.mu.Lock()
	handles := make([]*workerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.workers = make(map[int64]*workerHandle)
	dropped := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}

	for _, t := range dropped {
		t.future.resolve(Result{Err: ErrShutdown})
	}
}

// WorkerCount reports the current number of registered workers, including
// idle workers that have expired but not yet been reaped by the supervisor.
// Intended for tests and operator diagnostics; transient under concurrent
// resizing.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// QueueDepth reports the current number of queued (not yet dequeued) tasks.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func errorsFromPanic(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("pool: task panic: %w", err)
	}
	return fmt.Errorf("pool: task panic: %v", r)
}
