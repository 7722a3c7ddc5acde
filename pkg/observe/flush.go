package observe

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	flushBatchSize = 500
	flushInterval  = time.Second
)

// Flusher drains the ingest channels into the relational store: up to 500
// records per batch or one second of waiting, whichever comes first. On
// shutdown each flusher performs a final drain.
type Flusher struct {
	channels *Channels
	store    *Store
	rdb      *redis.Client
	logger   *slog.Logger
}

// NewFlusher creates the flush tasks over the given buffers.
func NewFlusher(channels *Channels, pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) *Flusher {
	return &Flusher{channels: channels, store: NewStore(pool), rdb: rdb, logger: logger}
}

// RunSpans drains the span channel; it blocks until ctx is cancelled.
func (f *Flusher) RunSpans(ctx context.Context) {
	f.logger.Info("span flusher started")
	runFlushLoop(ctx, f.channels.Spans, func(batch []SpanRecord) {
		if err := f.store.WriteSpans(context.Background(), batch); err != nil {
			f.logger.Error("flushing spans", "count", len(batch), "error", err)
		}
	})
	f.logger.Info("span flusher stopped")
}

// RunLogs drains the log channel, publishing each record to the project's
// live-tail channel before batching the insert.
func (f *Flusher) RunLogs(ctx context.Context) {
	f.logger.Info("log flusher started")
	runFlushLoop(ctx, f.channels.Logs, func(batch []LogRecord) {
		for i := range batch {
			f.publishTail(&batch[i])
		}
		if err := f.store.WriteLogs(context.Background(), batch); err != nil {
			f.logger.Error("flushing logs", "count", len(batch), "error", err)
		}
	})
	f.logger.Info("log flusher stopped")
}

// RunMetrics drains the metric channel.
func (f *Flusher) RunMetrics(ctx context.Context) {
	f.logger.Info("metric flusher started")
	runFlushLoop(ctx, f.channels.Metrics, func(batch []MetricRecord) {
		if err := f.store.WriteMetrics(context.Background(), batch); err != nil {
			f.logger.Error("flushing metrics", "count", len(batch), "error", err)
		}
	})
	f.logger.Info("metric flusher stopped")
}

func (f *Flusher) publishTail(l *LogRecord) {
	payload, err := json.Marshal(TailMessage{
		Timestamp: l.Timestamp,
		Service:   l.Service,
		Level:     l.Level,
		Message:   l.Message,
		TraceID:   l.TraceID,
	})
	if err != nil {
		return
	}
	if err := f.rdb.Publish(context.Background(), TailChannel(l.ProjectID), payload).Err(); err != nil {
		f.logger.Debug("publishing log tail", "error", err)
	}
}

// runFlushLoop accumulates records until the batch fills or the interval
// elapses, then hands the batch to flush. On ctx cancellation it performs a
// final non-blocking drain before returning.
func runFlushLoop[T any](ctx context.Context, ch <-chan T, flush func([]T)) {
	batch := make([]T, 0, flushBatchSize)
	timer := time.NewTimer(flushInterval)
	defer timer.Stop()

	emit := func() {
		if len(batch) > 0 {
			flush(batch)
			batch = make([]T, 0, flushBatchSize)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain: collect whatever is already buffered.
			for {
				select {
				case rec := <-ch:
					batch = append(batch, rec)
					if len(batch) >= flushBatchSize {
						emit()
					}
				default:
					emit()
					return
				}
			}
		case rec := <-ch:
			batch = append(batch, rec)
			if len(batch) >= flushBatchSize {
				emit()
				resetTimer(timer)
			}
		case <-timer.C:
			emit()
			timer.Reset(flushInterval)
		}
	}
}

func resetTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(flushInterval)
}
