// Package scheduler implements the Tenant Scheduler: the per-tenant
// admission point that isolates one tenant's load from another's. It
// owns a bounded ingestion queue (Busy backpressure), concurrency caps
// on discoveries/expansions/enumerator workers, a token-bucket rate
// limiter per sensitive operation, and circuit breakers around
// external-dependent operations.
package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeloop/internal/models"
)

// Limits configures a tenant's admission budgets.
type Limits struct {
	QueueDepth           int           // bounded ingestion queue depth, default 10000
	MaxDiscoveriesInFlight int         // concurrency cap on rooted discoveries
	MaxExpansionsInFlight  int         // concurrency cap on collection expansion calls
	MaxEnumeratorWorkers   int         // concurrency cap on enumerator SCC workers
	ExpansionRatePerSec    float64     // token-bucket rate for collection expansion
	ExpansionBurst         int         // token-bucket burst for collection expansion
	BreakerFailureStreak   int         // consecutive failures before the breaker opens
	BreakerCooldown        time.Duration
}

// DefaultLimits returns the stock admission budgets.
func DefaultLimits() Limits {
	return Limits{
		QueueDepth:             10_000,
		MaxDiscoveriesInFlight: 4,
		MaxExpansionsInFlight:  8,
		MaxEnumeratorWorkers:   6,
		ExpansionRatePerSec:    20,
		ExpansionBurst:         40,
		BreakerFailureStreak:   5,
		BreakerCooldown:        30 * time.Second,
	}
}

// Scheduler is one tenant's admission gate. A Scheduler must not be
// shared across tenants: every budget it enforces is tenant-scoped by
// construction, so a tenant cannot exhaust another tenant's budgets.
type Scheduler struct {
	limits Limits

	queue chan struct{} // bounded ingestion admission tokens

	discoverySem sem
	expansionSem sem
	enumeratorSem sem

	expansionLimiter *rate.Limiter

	breakers   map[string]*breaker
	breakersMu sync.Mutex
}

// New creates a Scheduler enforcing limits for a single tenant.
func New(limits Limits) *Scheduler {
	if limits.QueueDepth <= 0 {
		limits.QueueDepth = 10_000
	}
	return &Scheduler{
		limits:           limits,
		queue:            make(chan struct{}, limits.QueueDepth),
		discoverySem:     newSem(limits.MaxDiscoveriesInFlight),
		expansionSem:     newSem(limits.MaxExpansionsInFlight),
		enumeratorSem:    newSem(limits.MaxEnumeratorWorkers),
		expansionLimiter: rate.NewLimiter(rate.Limit(limits.ExpansionRatePerSec), limits.ExpansionBurst),
		breakers:         make(map[string]*breaker),
	}
}

// sem is a simple counting semaphore built on a buffered channel.
type sem chan struct{}

func newSem(n int) sem {
	if n <= 0 {
		n = 1
	}
	return make(sem, n)
}

func (s sem) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s sem) Release() { <-s }

// AdmitIngestion reserves a slot in the bounded ingestion queue. The
// caller must call the returned release func once the mutation has
// been applied to the Graph Store. Returns ErrBusy if the queue is
// full.
func (s *Scheduler) AdmitIngestion() (release func(), err *models.Error) {
	select {
	case s.queue <- struct{}{}:
		return func() { <-s.queue }, nil
	default:
		return nil, models.NewError(models.ErrBusy, "ingestion queue at capacity")
	}
}

// AdmitDiscovery reserves one of the tenant's discoveries-in-flight
// slots. Returns ErrBusy if the cap is already saturated.
func (s *Scheduler) AdmitDiscovery() (release func(), err *models.Error) {
	if !s.discoverySem.TryAcquire() {
		return nil, models.NewError(models.ErrBusy, "discoveries-in-flight cap reached")
	}
	return s.discoverySem.Release, nil
}

// AdmitEnumeratorWorker reserves one of the tenant's enumerator worker
// slots, blocking callers typically pass this cap straight to
// errgroup.SetLimit instead of calling this directly; it is exposed for
// callers outside that errgroup shape.
func (s *Scheduler) AdmitEnumeratorWorker() (release func(), err *models.Error) {
	if !s.enumeratorSem.TryAcquire() {
		return nil, models.NewError(models.ErrBusy, "enumerator worker cap reached")
	}
	return s.enumeratorSem.Release, nil
}

// AdmitExpansion reserves a collection-expansion slot and consumes one
// token from the expansion rate limiter. Returns ErrBusy if the
// concurrency cap is saturated, or ErrRateLimited if the token bucket
// is empty.
func (s *Scheduler) AdmitExpansion() (release func(), err *models.Error) {
	if !s.expansionSem.TryAcquire() {
		return nil, models.NewError(models.ErrBusy, "expansion concurrency cap reached")
	}
	if !s.expansionLimiter.Allow() {
		s.expansionSem.Release()
		return nil, models.NewError(models.ErrRateLimited, "collection expansion rate limit exceeded")
	}
	return s.expansionSem.Release, nil
}

// breakerState is the circuit breaker's three states.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a closed/open/half-open circuit breaker around one
// external-dependent operation.
type breaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	threshold    int
	cooldown     time.Duration
	openedAt     time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed, transitioning Open ->
// HalfOpen once the cooldown has elapsed.
func (b *breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets its failure streak.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

// RecordFailure increments the failure streak, opening the breaker once
// it reaches threshold (or immediately, if the probing half-open call
// itself failed).
func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = now
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}

func (b *breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breakerFor returns (creating if needed) the named circuit breaker, keyed
// by operation (e.g. "collection_resolution").
func (s *Scheduler) breakerFor(name string) *breaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = newBreaker(s.limits.BreakerFailureStreak, s.limits.BreakerCooldown)
		s.breakers[name] = b
	}
	return b
}

// Guard runs fn under the named circuit breaker: if the breaker is
// open, fn never runs and ErrDependencyUnavailable is returned
// immediately.
func (s *Scheduler) Guard(name string, now time.Time, fn func() error) error {
	b := s.breakerFor(name)
	if !b.Allow(now) {
		return models.NewError(models.ErrDependencyUnavailable, name+" circuit breaker open")
	}
	if err := fn(); err != nil {
		b.RecordFailure(now)
		return err
	}
	b.RecordSuccess()
	return nil
}

// BreakerState reports the named breaker's state ("closed", "open",
// "half-open") for the Query surface's observability needs.
func (s *Scheduler) BreakerState(name string) string {
	return s.breakerFor(name).String()
}

// QueueDepth reports the number of ingestion slots currently in use.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// DiscoveriesInFlight reports the number of discovery slots in use.
func (s *Scheduler) DiscoveriesInFlight() int {
	return len(s.discoverySem)
}
