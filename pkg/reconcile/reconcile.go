// Package reconcile copies escrow task snapshots one way into a read-side mirror. The escrow
// store stays authoritative; a failing mirror only delays the copy.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
)

// Source yields tasks strictly after a cursor, in (UpdatedAt, ID) order. escrow.Store
// implements it.
type Source interface {
	UpdatedSince(ctx context.Context, cursor escrow.Cursor, limit int) ([]escrow.Task, error)
}

// Mirror receives snapshots. Upsert must be idempotent and must not regress a row to an older
// snapshot.
type Mirror interface {
	Upsert(ctx context.Context, tasks []escrow.Task) error
	// Watermark is the cursor of the last task the mirror holds, zero when empty.
	Watermark(ctx context.Context) (escrow.Cursor, error)
}

const DefaultBatch = 500

// Reconciler pushes changed tasks from Source to Mirror.
type Reconciler struct {
	source    Source
	mirror    Mirror
	batch     int
	logger    *slog.Logger
	watermark escrow.Cursor
	loaded    bool
}

func New(source Source, mirror Mirror, batch int, logger *slog.Logger) *Reconciler {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{source: source, mirror: mirror, batch: batch, logger: logger.With("component", "reconcile")}
}

// RunOnce pushes every task changed since the watermark and returns how many were written.
// Pages are keyed on (UpdatedAt, ID), so tasks sharing a timestamp split cleanly across batches.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	if !r.loaded {
		wm, err := r.mirror.Watermark(ctx)
		if err != nil {
			return 0, fmt.Errorf("mirror watermark: %w", err)
		}
		r.watermark, r.loaded = wm, true
	}

	total := 0
	for {
		tasks, err := r.source.UpdatedSince(ctx, r.watermark, r.batch)
		if err != nil {
			return total, fmt.Errorf("read changed tasks: %w", err)
		}
		if len(tasks) == 0 {
			return total, nil
		}
		if err := r.mirror.Upsert(ctx, tasks); err != nil {
			return total, fmt.Errorf("mirror upsert: %w", err)
		}
		total += len(tasks)

		r.watermark = escrow.CursorOf(tasks[len(tasks)-1])
		if len(tasks) < r.batch {
			return total, nil
		}
	}
}

// Run calls RunOnce every interval until ctx is done. Failures are logged and retried on the
// next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "mirror reconciliation failed", "error", err)
		case n > 0:
			r.logger.DebugContext(ctx, "mirror reconciled", "tasks", n,
				"watermark", r.watermark.UpdatedAt, "watermark_id", r.watermark.ID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
