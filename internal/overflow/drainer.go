package overflow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Drainer runs Store.Dequeue/Replayer on a schedule and on every Notify
// call. cmd/runestone never calls Notify, so in the gateway queued
// requests are replayed at the next tick.
type Drainer struct {
	store    *Store
	replay   Replayer
	interval time.Duration
	batch    int
	signal   chan struct{}
	logger   *zap.Logger

	onDiscard func(job *PendingRequest)
}

// NewDrainer builds a Drainer. interval is the wall-clock polling period;
// batch bounds how many jobs are dequeued per tick.
func NewDrainer(store *Store, replay Replayer, interval time.Duration, batch int, logger *zap.Logger) *Drainer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		store:    store,
		replay:   replay,
		interval: interval,
		batch:    batch,
		signal:   make(chan struct{}, 1),
		logger:   logger.With(zap.String("component", "overflow_drainer")),
	}
}

// OnDiscard registers a callback invoked for every job discarded after
// exhausting its retry budget, used to emit the terminal-failure telemetry
// event the spec requires.
func (d *Drainer) OnDiscard(fn func(job *PendingRequest)) {
	d.onDiscard = fn
}

// Notify wakes the drainer immediately (non-blocking); call this whenever
// a concurrency slot is released so queued jobs don't wait for the next
// scheduled tick.
func (d *Drainer) Notify() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Run blocks, draining on each tick or Notify, until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		case <-d.signal:
			d.drainOnce(ctx)
		}
	}
}

func (d *Drainer) drainOnce(ctx context.Context) {
	jobs, err := d.store.Dequeue(ctx, d.batch)
	if err != nil {
		d.logger.Warn("dequeue failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		err := d.replay(ctx, job)
		if err == nil {
			if cerr := d.store.Complete(ctx, job.ID); cerr != nil {
				d.logger.Warn("failed to delete completed job", zap.Uint("id", job.ID), zap.Error(cerr))
			}
			continue
		}

		exhausted, rerr := d.store.Reschedule(ctx, job)
		if rerr != nil {
			d.logger.Warn("failed to reschedule job", zap.Uint("id", job.ID), zap.Error(rerr))
			continue
		}
		if exhausted {
			if derr := d.store.Discard(ctx, job.ID); derr != nil {
				d.logger.Warn("failed to discard exhausted job", zap.Uint("id", job.ID), zap.Error(derr))
			}
			if d.onDiscard != nil {
				d.onDiscard(job)
			}
		}
	}
}
