package common

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

// ErrCircuitBreakerOpen is returned when the processor refuses new work
// because too many recent items failed.
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// ProcessFunc handles one item of a batch.
type ProcessFunc[T, R any] func(ctx context.Context, item T) (R, error)

// ItemResult is the outcome of processing one batch item.
type ItemResult[T, R any] struct {
	Item     T
	Result   R
	Error    error
	Attempts int
	Duration time.Duration
}

// BatchResult aggregates the outcomes of one Process call. Results are in
// the same order as the input items.
type BatchResult[T, R any] struct {
	Results      []ItemResult[T, R]
	SuccessCount int
	FailureCount int
	Duration     time.Duration
}

// PriorityItem wraps an item with a scheduling priority. Higher priorities
// dispatch first.
type PriorityItem[T any] struct {
	Item     T
	Priority int
}

type batchOptions struct {
	maxConcurrency   int
	itemTimeout      time.Duration
	maxRetries       int
	retryBackoff     time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	metrics          IntelligenceMetrics
	logger           logging.Logger
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*batchOptions)

// WithMaxConcurrency bounds the number of items processed at once.
func WithMaxConcurrency(n int) BatchOption {
	return func(o *batchOptions) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithItemTimeout bounds the time spent on any single attempt.
func WithItemTimeout(d time.Duration) BatchOption {
	return func(o *batchOptions) {
		if d > 0 {
			o.itemTimeout = d
		}
	}
}

// WithRetry retries failed items up to maxRetries times with exponential
// backoff starting at backoff.
func WithRetry(maxRetries int, backoff time.Duration) BatchOption {
	return func(o *batchOptions) {
		if maxRetries >= 0 {
			o.maxRetries = maxRetries
		}
		if backoff > 0 {
			o.retryBackoff = backoff
		}
	}
}

// WithCircuitBreaker opens the processor after threshold consecutive item
// failures and probes again after cooldown.
func WithCircuitBreaker(threshold int, cooldown time.Duration) BatchOption {
	return func(o *batchOptions) {
		if threshold > 0 {
			o.breakerThreshold = threshold
		}
		if cooldown > 0 {
			o.breakerCooldown = cooldown
		}
	}
}

// WithMetrics reports batch outcomes through m.
func WithMetrics(m IntelligenceMetrics) BatchOption {
	return func(o *batchOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithBatchLogger sets the processor's logger.
func WithBatchLogger(l logging.Logger) BatchOption {
	return func(o *batchOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// BatchProcessor runs a ProcessFunc over item collections with bounded
// concurrency, per-item retry, and an embedded circuit breaker. Safe for
// concurrent use; the breaker state is shared across calls.
type BatchProcessor[T, R any] struct {
	opts    batchOptions
	breaker *circuitBreaker
}

// NewBatchProcessor builds a processor. Defaults: concurrency 10, no item
// timeout, no retries, breaker opens after 5 consecutive failures with a
// 30s cooldown.
func NewBatchProcessor[T, R any](opts ...BatchOption) *BatchProcessor[T, R] {
	o := batchOptions{
		maxConcurrency:   10,
		maxRetries:       0,
		retryBackoff:     100 * time.Millisecond,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
		logger:           logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &BatchProcessor[T, R]{
		opts:    o,
		breaker: newCircuitBreaker(o.breakerThreshold, o.breakerCooldown, o.logger, o.metrics),
	}
}

// Process runs fn over items and returns per-item outcomes in input order.
// Item failures are reported in the result, not as an error; Process itself
// fails only on nil input or an open circuit breaker.
func (p *BatchProcessor[T, R]) Process(ctx context.Context, items []T, fn ProcessFunc[T, R]) (*BatchResult[T, R], error) {
	if fn == nil {
		return nil, errors.New("batch process fn is nil")
	}
	if !p.breaker.allow() {
		return nil, ErrCircuitBreakerOpen
	}

	start := time.Now()
	results := make([]ItemResult[T, R], len(items))
	sem := make(chan struct{}, p.opts.maxConcurrency)
	var wg sync.WaitGroup

dispatch:
	for i := range items {
		select {
		case <-ctx.Done():
			for j := i; j < len(items); j++ {
				results[j] = ItemResult[T, R]{Item: items[j], Error: ctx.Err()}
			}
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = p.processOne(ctx, items[idx], fn)
		}(i)
	}
	wg.Wait()

	out := &BatchResult[T, R]{
		Results:  results,
		Duration: time.Since(start),
	}
	for i := range results {
		if results[i].Error != nil {
			out.FailureCount++
		} else {
			out.SuccessCount++
		}
	}

	if p.opts.metrics != nil {
		p.opts.metrics.RecordBatchProcessing(ctx, &BatchMetricParams{
			BatchSize:    len(items),
			SuccessCount: out.SuccessCount,
			FailureCount: out.FailureCount,
			DurationMs:   float64(out.Duration.Milliseconds()),
		})
	}
	return out, nil
}

// ProcessWithPriority dispatches items in descending priority order. Item
// outcomes keep the input order of the items slice.
func (p *BatchProcessor[T, R]) ProcessWithPriority(ctx context.Context, items []PriorityItem[T], fn ProcessFunc[T, R]) (*BatchResult[T, R], error) {
	pq := make(priorityQueue[T], 0, len(items))
	for i, it := range items {
		pq = append(pq, &pqEntry[T]{item: it.Item, priority: it.Priority, index: i})
	}
	heap.Init(&pq)

	ordered := make([]T, 0, len(items))
	originalIdx := make([]int, 0, len(items))
	for pq.Len() > 0 {
		e := heap.Pop(&pq).(*pqEntry[T])
		ordered = append(ordered, e.item)
		originalIdx = append(originalIdx, e.index)
	}

	res, err := p.Process(ctx, ordered, fn)
	if err != nil {
		return nil, err
	}

	restored := make([]ItemResult[T, R], len(res.Results))
	for i, r := range res.Results {
		restored[originalIdx[i]] = r
	}
	res.Results = restored
	return res, nil
}

// BreakerState reports the circuit breaker's current state.
func (p *BatchProcessor[T, R]) BreakerState() string {
	return p.breaker.stateName()
}

func (p *BatchProcessor[T, R]) processOne(ctx context.Context, item T, fn ProcessFunc[T, R]) ItemResult[T, R] {
	res := ItemResult[T, R]{Item: item}
	start := time.Now()

	for attempt := 0; attempt <= p.opts.maxRetries; attempt++ {
		res.Attempts = attempt + 1

		if attempt > 0 {
			backoff := jitteredBackoff(p.opts.retryBackoff, attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				res.Error = ctx.Err()
				res.Duration = time.Since(start)
				return res
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc = func() {}
		if p.opts.itemTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.opts.itemTimeout)
		}

		result, err := fn(attemptCtx, item)
		cancel()

		if err == nil {
			res.Result = result
			res.Error = nil
			res.Duration = time.Since(start)
			p.breaker.onSuccess()
			return res
		}

		res.Error = err
		p.breaker.onFailure()

		// Context cancellation is not worth retrying.
		if ctx.Err() != nil {
			break
		}
	}

	res.Duration = time.Since(start)
	return res
}

// jitteredBackoff returns base*2^(attempt-1) with ±25% jitter.
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// ─────────────────────────────────────────────────────────────────────────────
// Circuit breaker
// ─────────────────────────────────────────────────────────────────────────────

const (
	breakerClosed int32 = iota
	breakerOpen
	breakerHalfOpen
)

type circuitBreaker struct {
	threshold int32
	cooldown  time.Duration
	logger    logging.Logger
	metrics   IntelligenceMetrics

	state        atomic.Int32
	failures     atomic.Int32
	openedAtNano atomic.Int64
	probing      atomic.Bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration, logger logging.Logger, metrics IntelligenceMetrics) *circuitBreaker {
	return &circuitBreaker{
		threshold: int32(threshold),
		cooldown:  cooldown,
		logger:    logger,
		metrics:   metrics,
	}
}

func (cb *circuitBreaker) allow() bool {
	switch cb.state.Load() {
	case breakerClosed:
		return true
	case breakerOpen:
		opened := time.Unix(0, cb.openedAtNano.Load())
		if time.Since(opened) < cb.cooldown {
			return false
		}
		if cb.state.CompareAndSwap(breakerOpen, breakerHalfOpen) {
			cb.probing.Store(false)
			cb.logTransition("open", "half_open")
		}
		fallthrough
	case breakerHalfOpen:
		// One probe at a time while half-open.
		return cb.probing.CompareAndSwap(false, true)
	default:
		return true
	}
}

func (cb *circuitBreaker) onSuccess() {
	cb.failures.Store(0)
	if cb.state.CompareAndSwap(breakerHalfOpen, breakerClosed) {
		cb.probing.Store(false)
		cb.logTransition("half_open", "closed")
	}
}

func (cb *circuitBreaker) onFailure() {
	if cb.state.CompareAndSwap(breakerHalfOpen, breakerOpen) {
		cb.openedAtNano.Store(time.Now().UnixNano())
		cb.probing.Store(false)
		cb.logTransition("half_open", "open")
		return
	}
	if cb.failures.Add(1) >= cb.threshold {
		if cb.state.CompareAndSwap(breakerClosed, breakerOpen) {
			cb.openedAtNano.Store(time.Now().UnixNano())
			cb.logTransition("closed", "open")
		}
	}
}

func (cb *circuitBreaker) stateName() string {
	switch cb.state.Load() {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *circuitBreaker) logTransition(from, to string) {
	cb.logger.Warn("circuit breaker state change",
		logging.String("from", from),
		logging.String("to", to))
	if cb.metrics != nil {
		cb.metrics.RecordCircuitBreakerState(context.Background(), "batch_processor", to)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Priority queue
// ─────────────────────────────────────────────────────────────────────────────

type pqEntry[T any] struct {
	item     T
	priority int
	index    int
}

type priorityQueue[T any] []*pqEntry[T]

func (q priorityQueue[T]) Len() int { return len(q) }

func (q priorityQueue[T]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	// Equal priorities keep input order.
	return q[i].index < q[j].index
}

func (q priorityQueue[T]) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue[T]) Push(x interface{}) {
	*q = append(*q, x.(*pqEntry[T]))
}

func (q *priorityQueue[T]) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
