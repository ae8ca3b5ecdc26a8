// Package recorder buffers exposure events between the evaluation path and
// the database. Record never blocks: when the buffer is full the event is
// dropped and counted, because an analytics sink outage must not slow down
// flag evaluation.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/seamly/rollout/internal/repository"
)

const (
	defaultBufferSize    = 4096
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	flushTimeout         = 10 * time.Second
)

// Sink receives flushed exposure batches.
type Sink interface {
	InsertExposures(ctx context.Context, exposures []repository.Exposure) error
}

// Options tune the buffer. Zero values fall back to defaults.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
	// OnDrop is called once per event dropped on a full buffer.
	OnDrop func()
}

// Buffered is a fire-and-forget exposure recorder. It implements
// core.Recorder.
type Buffered struct {
	sink          Sink
	events        chan repository.Exposure
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	onDrop        func()
}

// New creates a recorder. Call Run to start the flush loop.
func New(sink Sink, options Options) *Buffered {
	if options.BufferSize <= 0 {
		options.BufferSize = defaultBufferSize
	}
	if options.BatchSize <= 0 {
		options.BatchSize = defaultBatchSize
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = defaultFlushInterval
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.OnDrop == nil {
		options.OnDrop = func() {}
	}

	return &Buffered{
		sink:          sink,
		events:        make(chan repository.Exposure, options.BufferSize),
		batchSize:     options.BatchSize,
		flushInterval: options.FlushInterval,
		logger:        options.Logger,
		onDrop:        options.OnDrop,
	}
}

// Record enqueues one exposure event. It never blocks and never fails; a
// full buffer drops the event.
func (b *Buffered) Record(event, userID string, properties map[string]any) {
	exposure := repository.Exposure{
		Event:      event,
		UserID:     userID,
		Properties: properties,
		CreatedAt:  time.Now().UTC(),
	}

	select {
	case b.events <- exposure:
	default:
		b.onDrop()
	}
}

// Run flushes batches until ctx is done, then drains whatever is still
// buffered. Callers run it in its own goroutine.
func (b *Buffered) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]repository.Exposure, 0, b.batchSize)

	for {
		select {
		case <-ctx.Done():
			b.drain(batch)
			return
		case exposure := <-b.events:
			batch = append(batch, exposure)
			if len(batch) >= b.batchSize {
				batch = b.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = b.flush(ctx, batch)
		}
	}
}

// flush writes the batch and returns an empty slice reusing its backing
// array. On error the batch is dropped; exposures are best-effort data.
func (b *Buffered) flush(ctx context.Context, batch []repository.Exposure) []repository.Exposure {
	if len(batch) == 0 {
		return batch
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	if err := b.sink.InsertExposures(flushCtx, batch); err != nil {
		b.logger.Warn("exposure flush failed", "count", len(batch), "error", err)
	}

	return batch[:0]
}

// drain empties the buffer into one final flush on shutdown.
func (b *Buffered) drain(batch []repository.Exposure) {
	for {
		select {
		case exposure := <-b.events:
			batch = append(batch, exposure)
		default:
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()

			if len(batch) == 0 {
				return
			}
			if err := b.sink.InsertExposures(flushCtx, batch); err != nil {
				b.logger.Warn("final exposure flush failed", "count", len(batch), "error", err)
			}
			return
		}
	}
}
