// Package admission implements the admission controller: circuit
// breaker, load shedding, an optional FIFO wait queue, and the ordered
// screenshot/context semaphore pair that gate entry to the capture
// pipeline.
package admission

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mrfansi/web2img/internal/apierr"
	"github.com/mrfansi/web2img/internal/metrics"
)

// circuitState is the breaker's internal state machine.
type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

// UtilizationSource reports the browser pool's current utilization,
// implemented by *browserpool.Pool; kept as an interface here so this
// package does not import browserpool and create a cycle.
type UtilizationSource interface {
	Utilization() float64
}

// Config carries the admission-control tuning knobs.
type Config struct {
	MaxConcurrentScreenshots int
	MaxConcurrentContexts    int
	EnableRequestQueue       bool
	MaxQueueSize             int
	QueueTimeout             time.Duration
	EnableLoadShedding       bool
	LoadSheddingThreshold    float64
	CircuitBreakerThreshold  int
	CircuitBreakerResetTime  time.Duration
}

// Controller is the admission controller.
type Controller struct {
	cfg     Config
	pool    UtilizationSource
	logger  *zap.Logger
	metrics *metrics.Registry

	screenshotSem *semaphore.Weighted
	contextSem    *semaphore.Weighted

	mu                  sync.Mutex
	state               circuitState
	consecutiveFailures int
	openUntil           time.Time
	probeInFlight       bool

	queueMu sync.Mutex
	queue   *list.List // of *waiter
}

type waiter struct {
	ch chan struct{}
}

// New constructs a Controller. pool may be nil in tests that don't
// exercise load shedding.
func New(cfg Config, pool UtilizationSource, logger *zap.Logger, registry *metrics.Registry) *Controller {
	return &Controller{
		cfg:           cfg,
		pool:          pool,
		logger:        logger,
		metrics:       registry,
		screenshotSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentScreenshots)),
		contextSem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentContexts)),
		queue:         list.New(),
	}
}

// Ticket represents admitted resources; Release must be called exactly
// once, in reverse acquisition order, regardless of outcome.
type Ticket struct {
	ctrl        *Controller
	probe       bool
	releaseOnce sync.Once
}

// Admit runs the full admission pipeline: circuit breaker check, load
// shedding, optional queueing, then ordered semaphore acquisition.
// On success the caller must call Outcome(success) after the capture
// completes and then Release().
func (c *Controller) Admit(ctx context.Context) (*Ticket, error) {
	isProbe, err := c.checkCircuit()
	if err != nil {
		return nil, err
	}

	if c.cfg.EnableLoadShedding && c.pool != nil {
		if c.pool.Utilization() >= c.cfg.LoadSheddingThreshold {
			c.recordRejection("overloaded")
			return nil, apierr.New(apierr.KindOverloaded, "admission: pool utilization at or above load shedding threshold")
		}
	}

	if c.cfg.EnableRequestQueue {
		if err := c.waitInQueue(ctx); err != nil {
			return nil, err
		}
	}

	// Acquisition order is always screenshot-first then context, to
	// prevent deadlock between concurrent admissions.
	if err := c.screenshotSem.Acquire(ctx, 1); err != nil {
		return nil, apierr.Wrap(apierr.KindDeadlineExceeded, "admission: cancelled waiting for screenshot slot", err)
	}
	if err := c.contextSem.Acquire(ctx, 1); err != nil {
		c.screenshotSem.Release(1)
		return nil, apierr.Wrap(apierr.KindDeadlineExceeded, "admission: cancelled waiting for context slot", err)
	}

	if c.metrics != nil {
		c.metrics.RecordRequest()
	}

	return &Ticket{ctrl: c, probe: isProbe}, nil
}

// checkCircuit evaluates the breaker and, on a transition to half-open,
// marks this call as the single admitted probe.
func (c *Controller) checkCircuit() (probe bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateOpen:
		if time.Now().Before(c.openUntil) {
			c.recordRejectionLocked("circuit_open")
			return false, apierr.New(apierr.KindCircuitOpen, "admission: circuit breaker open")
		}
		c.state = stateHalfOpen
		c.probeInFlight = true
		return true, nil
	case stateHalfOpen:
		if c.probeInFlight {
			c.recordRejectionLocked("circuit_open")
			return false, apierr.New(apierr.KindCircuitOpen, "admission: half-open probe already in flight")
		}
		c.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (c *Controller) recordRejection(reason string) {
	c.mu.Lock()
	c.recordRejectionLocked(reason)
	c.mu.Unlock()
}

func (c *Controller) recordRejectionLocked(reason string) {
	if c.metrics != nil {
		c.metrics.AdmissionRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// waitInQueue: if the system is already at the
// concurrency limit, park the caller FIFO until a slot frees or
// queue_timeout elapses.
func (c *Controller) waitInQueue(ctx context.Context) error {
	if c.currentlyBelowLimit() {
		return nil
	}

	c.queueMu.Lock()
	if c.queue.Len() >= c.cfg.MaxQueueSize {
		c.queueMu.Unlock()
		c.recordRejection("overloaded")
		return apierr.New(apierr.KindOverloaded, "admission: queue full")
	}
	w := &waiter{ch: make(chan struct{}, 1)}
	elem := c.queue.PushBack(w)
	depth := c.queue.Len()
	c.queueMu.Unlock()

	if c.metrics != nil {
		c.metrics.SetQueueDepth(depth)
	}

	timeout := c.cfg.QueueTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return nil
	case <-timer.C:
		c.queueMu.Lock()
		c.queue.Remove(elem)
		c.queueMu.Unlock()
		c.recordRejection("queue_timeout")
		return apierr.New(apierr.KindQueueTimeout, "admission: queue wait exceeded queue_timeout")
	case <-ctx.Done():
		c.queueMu.Lock()
		c.queue.Remove(elem)
		c.queueMu.Unlock()
		return apierr.Wrap(apierr.KindDeadlineExceeded, "admission: cancelled while queued", ctx.Err())
	}
}

// currentlyBelowLimit is a best-effort, non-blocking check used only to
// decide whether queueing is necessary at all; the authoritative gate
// remains the semaphore acquisition that follows.
func (c *Controller) currentlyBelowLimit() bool {
	if c.screenshotSem.TryAcquire(1) {
		c.screenshotSem.Release(1)
		return true
	}
	return false
}

// wakeNext signals the oldest queued waiter, if any, that a slot has
// freed. Called after every Release.
func (c *Controller) wakeNext() {
	c.queueMu.Lock()
	front := c.queue.Front()
	if front == nil {
		c.queueMu.Unlock()
		return
	}
	c.queue.Remove(front)
	depth := c.queue.Len()
	c.queueMu.Unlock()

	if c.metrics != nil {
		c.metrics.SetQueueDepth(depth)
	}
	w := front.Value.(*waiter)
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Outcome records the capture's terminal result against the circuit
// breaker's consecutive-failure counter. Call once per admitted ticket
// before Release.
func (t *Ticket) Outcome(success bool) {
	c := t.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.probe {
		c.probeInFlight = false
		if success {
			c.state = stateClosed
			c.consecutiveFailures = 0
		} else {
			c.state = stateOpen
			c.openUntil = time.Now().Add(c.cfg.CircuitBreakerResetTime)
		}
		c.setGaugeLocked()
		return
	}

	if success {
		c.consecutiveFailures = 0
	} else {
		c.consecutiveFailures++
		if c.consecutiveFailures >= c.cfg.CircuitBreakerThreshold {
			c.state = stateOpen
			c.openUntil = time.Now().Add(c.cfg.CircuitBreakerResetTime)
		}
	}
	c.setGaugeLocked()
}

func (c *Controller) setGaugeLocked() {
	if c.metrics == nil {
		return
	}
	switch c.state {
	case stateOpen:
		c.metrics.SetCircuitState(metrics.CircuitOpen)
	case stateHalfOpen:
		c.metrics.SetCircuitState(metrics.CircuitHalfOpen)
	default:
		c.metrics.SetCircuitState(metrics.CircuitClosed)
	}
}

// Release releases the context and screenshot semaphores in reverse
// acquisition order, exactly once, and wakes the next queued waiter.
// Safe to call without a prior Outcome (e.g. on cancellation before
// capture started): a half-open probe released that way frees the probe
// slot, so the next admission becomes the probe.
func (t *Ticket) Release() {
	t.releaseOnce.Do(func() {
		if t.probe {
			t.ctrl.mu.Lock()
			t.ctrl.probeInFlight = false
			t.ctrl.mu.Unlock()
		}
		t.ctrl.contextSem.Release(1)
		t.ctrl.screenshotSem.Release(1)
		t.ctrl.wakeNext()
	})
}

// CircuitStateName reports the breaker's current state for admin/health
// surfaces.
func (c *Controller) CircuitStateName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
