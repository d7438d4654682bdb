package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_ResultRoundTrips(t *testing.T) {
	p := New(Config{MinThreads: 1, MaxThreads: 1, Mode: FIXED})
	defer p.Shutdown()

	fut, err := p.Submit(Normal, func() (any, error) { return 42, nil })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v, err := fut.Get()
	if err != nil || v.(int) != 42 {
		t.Fatalf("Get = (%v,%v), want (42,nil)", v, err)
	}
}

func TestSubmit_TaskErrorSurfacesToFuture(t *testing.T) {
	p := New(Config{MinThreads: 1, MaxThreads: 1, Mode: FIXED})
	defer p.Shutdown()

	sentinel := ErrQueueFull // reuse any error value as a stand-in
	fut, err := p.Submit(Normal, func() (any, error) { return nil, sentinel })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := fut.Get(); err != sentinel {
		t.Fatalf("Get err = %v, want %v", err, sentinel)
	}
}

func TestSubmit_PanicIsSwallowedAndSurfacedAsError(t *testing.T) {
	p := New(Config{MinThreads: 1, MaxThreads: 1, Mode: FIXED})
	defer p.Shutdown()

	fut, err := p.Submit(Normal, func() (any, error) { panic("boom") })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := fut.Get(); err == nil {
		t.Fatalf("expected panicking task to resolve with an error")
	}
	// pool must still be usable afterward.
	fut2, err := p.Submit(Normal, func() (any, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	if v, err := fut2.Get(); err != nil || v.(string) != "ok" {
		t.Fatalf("pool did not survive a worker panic: (%v,%v)", v, err)
	}
}

func TestSubmit_AfterShutdownFails(t *testing.T) {
	p := New(Config{MinThreads: 1, MaxThreads: 1, Mode: FIXED})
	p.Shutdown()

	if _, err := p.Submit(Normal, func() (any, error) { return nil, nil }); err != ErrShutdown {
		t.Fatalf("Submit after shutdown = %v, want ErrShutdown", err)
	}
}

func TestShutdown_DropsQueuedTasksWithShutdownError(t *testing.T) {
	p := New(Config{MinThreads: 1, MaxThreads: 1, Mode: FIXED})

	block := make(chan struct{})
	_, err := p.Submit(Normal, func() (any, error) { <-block; return nil, nil })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// second task sits in the queue behind the blocked one.
	fut2, err := p.Submit(Normal, func() (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	// give Shutdown a moment to flip running and snapshot the queue before
	// releasing the blocked task.
	time.Sleep(50 * time.Millisecond)
	close(block)
	<-done

	if _, err := fut2.Get(); err != ErrShutdown {
		t.Fatalf("queued-but-never-run task resolved with %v, want ErrShutdown", err)
	}
}

func TestPriority_HighDequeuesBeforeLow(t *testing.T) {
	p := New(Config{MinThreads: 1, MaxThreads: 1, Mode: FIXED})
	defer p.Shutdown()

	// occupy the single worker so all three submissions queue up together.
	release := make(chan struct{})
	_, err := p.Submit(Normal, func() (any, error) { <-release; return nil, nil })
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	var order []string
	var mu sync.Mutex
	record := func(name string) Func {
		return func() (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	lowFut, _ := p.Submit(Low, record("low"))
	normFut, _ := p.Submit(Normal, record("normal"))
	highFut, _ := p.Submit(High, record("high"))

	close(release)
	highFut.Get()
	normFut.Get()
	lowFut.Get()

	if len(order) != 3 || order[0] != "high" || order[2] != "low" {
		t.Fatalf("dequeue order = %v, want high first and low last", order)
	}
}

func TestElasticSizing_GrowsUnderLoadAndReapsWhenIdle(t *testing.T) {
	const (
		minThreads  = 2
		maxThreads  = 4
		idleTimeout = 80 * time.Millisecond
	)
	p := New(Config{
		MinThreads:  minThreads,
		MaxThreads:  maxThreads,
		Mode:        CACHED,
		IdleTimeout: idleTimeout,
	})
	defer p.Shutdown()

	if got := p.WorkerCount(); got != minThreads {
		t.Fatalf("initial WorkerCount = %d, want %d", got, minThreads)
	}

	var inFlight int32
	var peak int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	const taskCount = 8
	for i := 0; i < taskCount; i++ {
		wg.Add(1)
		_, err := p.Submit(Normal, func() (any, error) {
			defer wg.Done()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inFlight, -1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Submit task %d: %v", i, err)
		}
	}

	// give expansion (submit-triggered) and the supervisor a chance to grow
	// the pool toward max_threads while all 8 tasks are blocked.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.WorkerCount() < maxThreads {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.WorkerCount(); got != maxThreads {
		t.Fatalf("WorkerCount under load = %d, want %d", got, maxThreads)
	}
	grownTo := p.WorkerCount()

	close(release)
	wg.Wait()

	// after sitting idle past idle_timeout, the supervisor reaps back down
	// toward min_threads (never below it, never above where it peaked).
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.WorkerCount() > minThreads {
		time.Sleep(10 * time.Millisecond)
	}
	final := p.WorkerCount()
	if final < minThreads || final > grownTo {
		t.Fatalf("WorkerCount after idle = %d, want in [%d,%d]", final, minThreads, grownTo)
	}
}

func TestSubmit_QueueFullTimesOut(t *testing.T) {
	p := New(Config{MinThreads: 1, MaxThreads: 1, MaxTasks: 1, Mode: FIXED})
	defer p.Shutdown()

	block := make(chan struct{})
	// occupies the sole worker, so the queue itself stays at length 1 below.
	_, err := p.Submit(Normal, func() (any, error) { <-block; return nil, nil })
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	// fills the one-slot queue.
	_, err = p.Submit(Normal, func() (any, error) { <-block; return nil, nil })
	if err != nil {
		t.Fatalf("Submit filler: %v", err)
	}

	start := time.Now()
	_, err = p.Submit(Normal, func() (any, error) { return nil, nil })
	elapsed := time.Since(start)
	if err != ErrQueueFull {
		t.Fatalf("Submit beyond capacity = %v, want ErrQueueFull", err)
	}
	if elapsed < submitWaitTimeout {
		t.Fatalf("Submit returned after %v, want >= %v bounded wait", elapsed, submitWaitTimeout)
	}

	close(block)
}
