// Package shipper implements the background flush controller: it drains
// the ingestion buffer into batches, sends them through the transport,
// schedules retries, and owns the worker lifecycle.
package shipper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/loki-courier/internal/buffer"
	"github.com/szibis/loki-courier/internal/entry"
	"github.com/szibis/loki-courier/internal/logging"
	"github.com/szibis/loki-courier/internal/retry"
	"github.com/szibis/loki-courier/internal/stats"
	"github.com/szibis/loki-courier/internal/transport"
)

var (
	bufferDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loki_courier_buffer_dropped_total",
		Help: "Total number of entries dropped because the ingestion buffer was full",
	})

	retryDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loki_courier_retry_dropped_total",
		Help: "Total number of entries dropped from the retry queue by reason",
	}, []string{"reason"})

	flushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loki_courier_flushes_total",
		Help: "Total number of successfully delivered batches",
	})
)

func init() {
	prometheus.MustRegister(bufferDroppedTotal)
	prometheus.MustRegister(retryDroppedTotal)
	prometheus.MustRegister(flushesTotal)
}

// Config holds the flush controller configuration.
type Config struct {
	// BatchSize is the entry count that triggers an immediate flush and
	// bounds each batch.
	BatchSize int
	// MaxBatchBytes bounds the estimated serialized size of a batch.
	MaxBatchBytes int
	// FlushInterval is the time-based flush trigger.
	FlushInterval time.Duration
	// MaxBufferSize bounds the ingestion buffer; appends beyond it are
	// rejected.
	MaxBufferSize int
	// MaxRetries is the per-batch retry attempt budget.
	MaxRetries int
	// RetryBackoff is the delay before the first retry; later delays double.
	RetryBackoff time.Duration
	// RetryQueueSize bounds the retry queue in batches (default 100).
	RetryQueueSize int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 1 << 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 10000
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = 100
	}
	return c
}

// Shipper owns one ingestion buffer, one retry queue, one stats registry
// and exactly one background worker. Nothing is shared across instances.
type Shipper struct {
	cfg       Config
	buf       *buffer.Buffer
	rq        *retry.Queue
	stats     *stats.Registry
	transport transport.Transport

	wake   chan struct{}
	flushc chan chan struct{}
	stop   chan struct{}
	done   chan struct{}

	stopping atomic.Bool
}

// New creates a Shipper and starts its background worker.
func New(cfg Config, tr transport.Transport) *Shipper {
	cfg = cfg.withDefaults()
	s := &Shipper{
		cfg:       cfg,
		buf:       buffer.New(cfg.MaxBufferSize),
		rq:        retry.New(cfg.RetryQueueSize, cfg.RetryBackoff, cfg.MaxRetries),
		stats:     stats.New(),
		transport: tr,
		wake:      make(chan struct{}, 1),
		flushc:    make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	register(s)
	go s.run()
	return s
}

// Append adds an entry to the ingestion buffer. It never blocks and never
// fails visibly: overflow and post-stop appends are absorbed into the
// dropped counter and reported as false.
func (s *Shipper) Append(e entry.Entry) bool {
	if s.stopping.Load() {
		s.stats.AddDropped(1)
		return false
	}
	if !s.buf.Append(e) {
		s.stats.AddDropped(1)
		bufferDroppedTotal.Inc()
		return false
	}
	if s.buf.Len() >= s.cfg.BatchSize {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush blocks until the worker completes one full pass over the buffer
// and due retry items, or until timeout. It returns true when the pass
// completed in time.
func (s *Shipper) Flush(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	done := make(chan struct{})
	select {
	case s.flushc <- done:
	case <-s.done:
		return false
	case <-deadline.C:
		return false
	}

	select {
	case <-done:
		return true
	case <-s.done:
		return false
	case <-deadline.C:
		return false
	}
}

// Stop signals the worker to perform one final best-effort pass over the
// buffer and due retry items, then waits for it to terminate, up to
// timeout. It is idempotent: later calls are no-ops observing the same
// final stats.
func (s *Shipper) Stop(timeout time.Duration) {
	if s.stopping.CompareAndSwap(false, true) {
		close(s.stop)
	}

	select {
	case <-s.done:
	case <-time.After(timeout):
		logging.Warn("shutdown timed out before final flush completed")
	}
	unregister(s)
}

// Stats returns a point-in-time snapshot of delivery counters, buffer
// occupancy and retry queue depth.
func (s *Shipper) Stats() stats.Snapshot {
	return s.stats.Snapshot(s.buf.Len(), s.rq.Len())
}

// run is the single background worker loop. It sleeps until the earliest
// of the flush interval, the next due retry, or a wake signal.
func (s *Shipper) run() {
	timer := time.NewTimer(s.cfg.FlushInterval)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake())
	}

	for {
		select {
		case <-s.stop:
			s.finalPass()
			close(s.done)
			return
		case <-timer.C:
			s.pass()
		case <-s.wake:
			s.pass()
		case done := <-s.flushc:
			s.pass()
			close(done)
		}
		resetTimer()
	}
}

// nextWake computes how long the worker may sleep.
func (s *Shipper) nextWake() time.Duration {
	d := s.cfg.FlushInterval
	if due, ok := s.rq.NextDue(); ok {
		if until := time.Until(due); until < d {
			d = until
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// pass drains the buffer into batches, sends them sequentially, then
// processes due retry items. Batches are never sent concurrently so
// delivery per instance stays strictly batch-sequential.
func (s *Shipper) pass() {
	ctx := context.Background()
	for {
		batch := s.buf.Drain(s.cfg.BatchSize, s.cfg.MaxBatchBytes)
		if len(batch) == 0 {
			break
		}
		s.sendBatch(ctx, batch)
	}
	s.processRetries(ctx)
}

// sendBatch attempts one delivery and classifies the outcome.
func (s *Shipper) sendBatch(ctx context.Context, batch []entry.Entry) {
	err := s.transport.Send(ctx, batch)
	if err == nil {
		s.stats.AddSent(len(batch))
		s.stats.IncFlushes()
		flushesTotal.Inc()
		return
	}

	var serr *transport.SendError
	if errors.As(err, &serr) && !serr.IsTransient() {
		s.stats.AddErrors(len(batch))
		logging.Warn("batch rejected by endpoint", logging.F(
			"status", serr.StatusCode,
			"entries", len(batch),
		))
		return
	}

	evicted := s.rq.Add(batch, time.Now())
	if evicted > 0 {
		s.stats.AddDropped(evicted)
		retryDroppedTotal.WithLabelValues("evicted").Add(float64(evicted))
	}
	logging.Warn("batch send failed, scheduled for retry", logging.F(
		"error", err.Error(),
		"entries", len(batch),
		"retry_queue", s.rq.Len(),
	))
}

// processRetries re-sends every due retry item once.
func (s *Shipper) processRetries(ctx context.Context) {
	for _, item := range s.rq.PopDue(time.Now()) {
		err := s.transport.Send(ctx, item.Entries)
		if err == nil {
			s.stats.AddSent(len(item.Entries))
			s.stats.IncFlushes()
			flushesTotal.Inc()
			continue
		}

		var serr *transport.SendError
		if errors.As(err, &serr) && !serr.IsTransient() {
			s.stats.AddErrors(len(item.Entries))
			continue
		}

		if !s.rq.Requeue(item, time.Now()) {
			s.stats.AddDropped(len(item.Entries))
			retryDroppedTotal.WithLabelValues("exhausted").Add(float64(len(item.Entries)))
			logging.Warn("retry budget exhausted, dropping batch", logging.F(
				"batch_id", item.ID,
				"entries", len(item.Entries),
				"attempts", item.Attempts,
			))
		}
	}
}

// finalPass performs the shutdown drain: one send attempt per remaining
// buffer batch and per due retry item, then drops whatever is left,
// without waiting out future backoff delays.
func (s *Shipper) finalPass() {
	ctx := context.Background()

	for {
		batch := s.buf.Drain(s.cfg.BatchSize, s.cfg.MaxBatchBytes)
		if len(batch) == 0 {
			break
		}
		s.sendFinal(ctx, batch)
	}

	now := time.Now()
	for _, item := range s.rq.PopDue(now) {
		s.sendFinal(ctx, item.Entries)
	}
	for _, item := range s.rq.DrainAll() {
		s.stats.AddDropped(len(item.Entries))
		retryDroppedTotal.WithLabelValues("shutdown").Add(float64(len(item.Entries)))
	}

	if err := s.transport.Close(); err != nil {
		logging.Warn("transport close failed", logging.F("error", err.Error()))
	}
}

// sendFinal is a single shutdown-time attempt: transient failures are not
// requeued, they are dropped and counted.
func (s *Shipper) sendFinal(ctx context.Context, batch []entry.Entry) {
	err := s.transport.Send(ctx, batch)
	if err == nil {
		s.stats.AddSent(len(batch))
		s.stats.IncFlushes()
		flushesTotal.Inc()
		return
	}

	var serr *transport.SendError
	if errors.As(err, &serr) && !serr.IsTransient() {
		s.stats.AddErrors(len(batch))
		return
	}

	s.stats.AddDropped(len(batch))
	retryDroppedTotal.WithLabelValues("shutdown").Add(float64(len(batch)))
}
