package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
)

// PGMirror is a Postgres read model of escrow tasks, for dashboards and search.
type PGMirror struct {
	pool *pgxpool.Pool
}

// NewPGMirror connects and ensures the task_mirror table exists.
func NewPGMirror(ctx context.Context, dsn string) (*PGMirror, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect mirror: %w", err)
	}
	m := &PGMirror{pool: pool}
	if err := m.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return m, nil
}

func (m *PGMirror) initSchema(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS task_mirror (
  id BIGINT PRIMARY KEY,
  requester TEXT NOT NULL,
  worker TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  budget TEXT NOT NULL,
  budget_minor BIGINT NOT NULL,
  currency TEXT NOT NULL,
  deadline TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL,
  paid BOOLEAN NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_mirror_status_idx ON task_mirror (status);
CREATE INDEX IF NOT EXISTS task_mirror_updated_idx ON task_mirror (updated_at, id);
`)
	if err != nil {
		return fmt.Errorf("init mirror schema: %w", err)
	}
	return nil
}

// Upsert writes tasks in one transaction. A row is only replaced by a snapshot at least as new.
func (m *PGMirror) Upsert(ctx context.Context, tasks []escrow.Task) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range tasks {
		_, err := tx.Exec(ctx, `
INSERT INTO task_mirror (id, requester, worker, title, description, budget, budget_minor, currency, deadline, status, paid, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  worker = EXCLUDED.worker,
  status = EXCLUDED.status,
  paid = EXCLUDED.paid,
  updated_at = EXCLUDED.updated_at
WHERE task_mirror.updated_at <= EXCLUDED.updated_at
`, t.ID, t.Requester, t.Worker, t.Title, t.Description, t.Budget.Decimal(), t.Budget.AmountMinor, t.Budget.Currency,
			t.Deadline, string(t.Status), t.Paid, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert task %d: %w", t.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// Watermark returns the last row in (updated_at, id) order. Postgres keeps microseconds, so the
// cursor may sit slightly behind the source and re-read a few rows.
func (m *PGMirror) Watermark(ctx context.Context) (escrow.Cursor, error) {
	var c escrow.Cursor
	err := m.pool.QueryRow(ctx, `SELECT updated_at, id FROM task_mirror ORDER BY updated_at DESC, id DESC LIMIT 1`).
		Scan(&c.UpdatedAt, &c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return escrow.Cursor{}, nil
	}
	if err != nil {
		return escrow.Cursor{}, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Ping checks the pool. Used by /health.
func (m *PGMirror) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

func (m *PGMirror) Close() {
	m.pool.Close()
}
