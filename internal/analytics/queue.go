package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hanashi-ai/hanashi/internal/model"
	"github.com/hanashi-ai/hanashi/internal/telemetry"
)

// maxQueueCapacity bounds the in-memory export queue. Past this point
// Enqueue falls through to the spool directly.
const maxQueueCapacity = 10_000

// redeliveryBatch limits how many spooled exports a single flush cycle
// retries, so a long outage does not stall fresh exports on recovery.
const redeliveryBatch = 100

// Hot-lead thresholds match the default qualification policy.
const (
	hotLeadTeamSize      = 5
	hotLeadMonthlyVolume = 100
)

// Queue decouples session teardown from sink delivery. Exports are
// buffered in memory, flushed by a background worker, and spooled to
// SQLite when the sink rejects them.
type Queue struct {
	sink          Sink
	spool         *Spool
	logger        *slog.Logger
	flushInterval time.Duration

	mu      sync.Mutex
	pending []model.SessionExport

	published atomic.Int64
	spooled   atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewQueue creates an export queue. spool may be nil, in which case
// failed publishes are retried only while they fit in memory.
func NewQueue(sink Sink, spool *Spool, logger *slog.Logger, flushInterval time.Duration) *Queue {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Queue{
		sink:          sink,
		spool:         spool,
		logger:        logger,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush worker and registers metrics.
// Call Drain to stop.
func (q *Queue) Start(ctx context.Context) {
	q.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel
	go q.flushLoop(loopCtx)
}

// Enqueue accepts a terminal session export. It never blocks session
// teardown: when the in-memory buffer is full the export goes straight
// to the spool, and without a spool it is dropped with a log line.
func (q *Queue) Enqueue(export model.SessionExport) {
	q.logHotLead(export)

	q.mu.Lock()
	if len(q.pending) < maxQueueCapacity {
		q.pending = append(q.pending, export)
		q.mu.Unlock()
		select {
		case q.flushCh <- struct{}{}:
		default:
		}
		return
	}
	q.mu.Unlock()

	if q.spool != nil {
		if err := q.spool.Put(context.Background(), export); err == nil {
			q.spooled.Add(1)
			return
		}
	}
	q.logger.Error("analytics: dropping export, queue full and spool unavailable",
		"session_id", export.SessionID)
}

// logHotLead gives sales-ready sessions higher visibility at export
// time, so they stand out without querying the analytics backend.
func (q *Queue) logHotLead(export model.SessionExport) {
	teamSize := 0
	if export.Signals.TeamSize != nil {
		teamSize = *export.Signals.TeamSize
	}
	volume := 0
	if export.Signals.MonthlyVolume != nil {
		volume = *export.Signals.MonthlyVolume
	}
	if teamSize < hotLeadTeamSize && volume < hotLeadMonthlyVolume {
		return
	}
	q.logger.Info("analytics: hot lead",
		"session_id", export.SessionID,
		"qualification_tier", export.Tier,
		"team_size", teamSize,
		"monthly_volume", volume)
}

func (q *Queue) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on a context that is not already cancelled.
			if q.drainCtx != nil {
				q.flush(q.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				q.flush(fallbackCtx)
				cancel()
			}
			close(q.done)
			return
		case <-ticker.C:
			q.flush(ctx)
		case <-q.flushCh:
			q.flush(ctx)
		}
	}
}

func (q *Queue) flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, export := range batch {
		if err := q.sink.Publish(ctx, export); err != nil {
			q.logger.Error("analytics: publish failed, spooling",
				"session_id", export.SessionID, "error", err)
			q.spoolOrDrop(ctx, export)
			continue
		}
		q.published.Add(1)
	}

	q.redeliver(ctx)
}

func (q *Queue) spoolOrDrop(ctx context.Context, export model.SessionExport) {
	if q.spool == nil {
		q.logger.Error("analytics: dropping export, no spool configured",
			"session_id", export.SessionID)
		return
	}
	if err := q.spool.Put(ctx, export); err != nil {
		q.logger.Error("analytics: spool write failed, export lost",
			"session_id", export.SessionID, "error", err)
		return
	}
	q.spooled.Add(1)
}

// redeliver retries spooled exports. A failed retry stays in the spool
// untouched for the next cycle.
func (q *Queue) redeliver(ctx context.Context) {
	if q.spool == nil {
		return
	}
	spooled, err := q.spool.Pending(ctx, redeliveryBatch)
	if err != nil {
		q.logger.Error("analytics: read spool failed", "error", err)
		return
	}
	for _, export := range spooled {
		if err := q.sink.Publish(ctx, export); err != nil {
			return
		}
		if err := q.spool.Remove(ctx, export.SessionID); err != nil {
			q.logger.Error("analytics: remove spooled export failed",
				"session_id", export.SessionID, "error", err)
			return
		}
		q.published.Add(1)
	}
}

// Drain stops the worker, performs one final flush bounded by ctx, and
// waits for the loop to exit.
func (q *Queue) Drain(ctx context.Context) {
	q.drainCtx = ctx
	if q.cancelLoop != nil {
		q.cancelLoop()
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("analytics: drain timed out waiting for flush loop")
	}
}

// Len reports the current in-memory queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Published reports the total exports delivered to the sink.
func (q *Queue) Published() int64 { return q.published.Load() }

func (q *Queue) registerMetrics() {
	meter := telemetry.Meter("hanashi/analytics")

	_, _ = meter.Int64ObservableGauge("hanashi.analytics.queue_depth",
		metric.WithDescription("Session exports waiting in the delivery queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("hanashi.analytics.published_total",
		metric.WithDescription("Session exports delivered to the sink"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.published.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("hanashi.analytics.spooled_total",
		metric.WithDescription("Session exports diverted to the local spool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.spooled.Load())
			return nil
		}),
	)
}
