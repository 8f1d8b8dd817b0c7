package revenium

import "sync"

// Dispatcher delivers usage events asynchronously through a bounded queue
// drained by a fixed pool of workers. Submission never blocks: when the
// queue is full or the dispatcher is shut down, the event is dropped with a
// log line. Each worker owns its own metering client.
type Dispatcher struct {
	queue   chan *UsageEvent
	workers int

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup // workers

	// Queued and in-flight events. A condition variable rather than a
	// WaitGroup: Submit may raise the count from zero while Flush waits,
	// which a WaitGroup does not allow.
	pendingMu   sync.Mutex
	pendingN    int
	pendingCond *sync.Cond

	newClient func() *MeteringClient
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher(cfg *Config) *Dispatcher {
	workers := defaultMeteringWorkers
	queueCap := defaultMeteringQueueCap
	if cfg != nil {
		if cfg.MeteringWorkers > 0 {
			workers = cfg.MeteringWorkers
		}
		if cfg.MeteringQueueCap > 0 {
			queueCap = cfg.MeteringQueueCap
		}
	}

	d := &Dispatcher{
		queue:     make(chan *UsageEvent, queueCap),
		workers:   workers,
		newClient: func() *MeteringClient { return NewMeteringClient(cfg) },
	}
	d.pendingCond = sync.NewCond(&d.pendingMu)

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) begin() {
	d.pendingMu.Lock()
	d.pendingN++
	d.pendingMu.Unlock()
}

func (d *Dispatcher) finish() {
	d.pendingMu.Lock()
	d.pendingN--
	if d.pendingN == 0 {
		d.pendingCond.Broadcast()
	}
	d.pendingMu.Unlock()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	client := d.newClient()

	for event := range d.queue {
		// Shutdown may have raced the dequeue; skip delivery then.
		if d.isClosed() {
			Debug("dropping usage event during shutdown")
			d.finish()
			continue
		}
		if err := client.Send(event); err != nil {
			Error("Failed to send metering data: %v", err)
		}
		d.finish()
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Submit enqueues an event for delivery. It reports whether the event was
// accepted.
func (d *Dispatcher) Submit(event *UsageEvent) bool {
	if event == nil {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		Debug("dispatcher shut down, dropping usage event")
		return false
	}

	d.begin()
	select {
	case d.queue <- event:
		return true
	default:
		d.finish()
		Warn("metering queue full, dropping usage event")
		return false
	}
}

// Flush blocks until every accepted event has been delivered (or dropped).
func (d *Dispatcher) Flush() {
	d.pendingMu.Lock()
	for d.pendingN > 0 {
		d.pendingCond.Wait()
	}
	d.pendingMu.Unlock()
}

// Shutdown stops the dispatcher. Events still queued are dropped; events
// already being delivered finish. Safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}
