package escrow

import (
	"context"
	"errors"
	"time"
)

// DrainResult summarises one pass over the payout outbox.
type DrainResult struct {
	Resumed  int `json:"resumed"`
	Settled  int `json:"settled"`
	Deferred int `json:"deferred"`
}

// DrainPayouts completes tasks stuck in VERIFIED and re-drives every PENDING payout with its
// original idempotency key.
func (l *Ledger) DrainPayouts(ctx context.Context, limit int) (DrainResult, error) {
	var res DrainResult
	attempted := make(map[string]bool)

	stuck, err := l.store.ListByStatus(ctx, StatusVerified, limit)
	if err != nil {
		return res, err
	}
	for _, t := range stuck {
		if t.Paid {
			continue
		}
		_, err := l.ReleaseVerified(ctx, t.ID)
		attempted[releaseKey(t.ID)] = true
		switch {
		case err == nil:
			res.Resumed++
			res.Settled++
		case errors.Is(err, ErrPayoutDeferred):
			res.Resumed++
			res.Deferred++
		case errors.Is(err, ErrInvalidState):
			// released by someone else in the meantime
		default:
			return res, err
		}
	}

	pending, err := l.store.PendingPayouts(ctx, limit)
	if err != nil {
		return res, err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if attempted[p.Key] {
			continue
		}
		if err := l.pay(ctx, p); err != nil {
			res.Deferred++
			continue
		}
		res.Settled++
	}
	return res, nil
}

// RunPayoutWorker drains the outbox every interval until ctx is cancelled.
func (l *Ledger) RunPayoutWorker(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.DrainPayouts(ctx, batch)
			if err != nil && !errors.Is(err, context.Canceled) {
				l.logger.ErrorContext(ctx, "payout drain failed", "error", err)
				continue
			}
			if res.Settled+res.Deferred > 0 {
				l.logger.InfoContext(ctx, "payout drain", "settled", res.Settled, "deferred", res.Deferred, "resumed", res.Resumed)
			}
		}
	}
}
