package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/util/sqldb"
)

// SQLStore implements Store on database/sql. Conditional transitions are a single
// UPDATE ... WHERE <guard> RETURNING statement, so the check and the write cannot interleave
// with another writer. Timestamps are stored as unix nanoseconds in both dialects.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

func NewSQLStore(db *sql.DB, dialect sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const taskColumns = `id, requester, worker, title, description, budget_minor, currency, scale,
	deadline_ns, proof_hash, status, paid, created_ns, updated_ns`

const payoutColumns = `payout_key, task_id, kind, legs, status, attempts, last_error, reference, created_ns, updated_ns`

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	idCol := sqldb.AutoIncrementPK(s.dialect, "id")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS escrow_tasks (
			` + idCol + `,
			requester TEXT NOT NULL,
			worker TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			budget_minor BIGINT NOT NULL CHECK (budget_minor > 0),
			currency TEXT NOT NULL,
			scale INTEGER NOT NULL,
			deadline_ns BIGINT NOT NULL,
			proof_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			paid BOOLEAN NOT NULL DEFAULT FALSE,
			created_ns BIGINT NOT NULL,
			updated_ns BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS escrow_tasks_status_idx ON escrow_tasks (status)`,
		`CREATE INDEX IF NOT EXISTS escrow_tasks_updated_idx ON escrow_tasks (updated_ns)`,
		`CREATE TABLE IF NOT EXISTS escrow_payouts (
			payout_key TEXT PRIMARY KEY,
			task_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			legs TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			created_ns BIGINT NOT NULL,
			updated_ns BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS escrow_payouts_status_idx ON escrow_payouts (status)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("escrow schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, t Task) (Task, error) {
	q := s.rebind(`INSERT INTO escrow_tasks (requester, worker, title, description, budget_minor, currency, scale,
		deadline_ns, proof_hash, status, paid, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowContext(ctx, q,
		t.Requester, t.Worker, t.Title, t.Description, t.Budget.AmountMinor, t.Budget.Currency, t.Budget.Scale,
		t.Deadline.UnixNano(), t.ProofHash, string(t.Status), t.Paid, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	).Scan(&t.ID)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (Task, error) {
	q := s.rebind(`SELECT ` + taskColumns + ` FROM escrow_tasks WHERE id = ?`)
	t, err := scanTask(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

func (s *SQLStore) Transition(ctx context.Context, id int64, guard Guard, change Change, payout *Payout) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	set, setArgs := change.sql()
	where, whereArgs := guard.sql()
	args := append(setArgs, id)
	args = append(args, whereArgs...)
	q := s.rebind(`UPDATE escrow_tasks SET ` + set + ` WHERE id = ?` + where + ` RETURNING ` + taskColumns)

	t, err := scanTask(tx.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrStale
	}
	if err != nil {
		return Task{}, fmt.Errorf("transition task %d: %w", id, err)
	}

	if payout != nil {
		legs, err := json.Marshal(payout.Legs)
		if err != nil {
			return Task{}, err
		}
		ins := s.rebind(`INSERT INTO escrow_payouts (` + payoutColumns + `) VALUES (?, ?, ?, ?, ?, 0, '', '', ?, ?)`)
		if _, err := tx.ExecContext(ctx, ins,
			payout.Key, id, string(payout.Kind), string(legs), string(PayoutPending),
			change.At.UnixNano(), change.At.UnixNano(),
		); err != nil {
			return Task{}, fmt.Errorf("record payout %s: %w", payout.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Task, error) {
	q := s.rebind(`SELECT ` + taskColumns + ` FROM escrow_tasks WHERE status = ? ORDER BY id LIMIT ?`)
	return s.queryTasks(ctx, q, string(status), limitOrAll(limit))
}

func (s *SQLStore) UpdatedSince(ctx context.Context, cursor Cursor, limit int) ([]Task, error) {
	q := s.rebind(`SELECT ` + taskColumns + ` FROM escrow_tasks
		WHERE updated_ns > ? OR (updated_ns = ? AND id > ?)
		ORDER BY updated_ns, id LIMIT ?`)
	var after int64
	if !cursor.UpdatedAt.IsZero() {
		after = cursor.UpdatedAt.UnixNano()
	}
	return s.queryTasks(ctx, q, after, after, cursor.ID, limitOrAll(limit))
}

func (s *SQLStore) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) PendingPayouts(ctx context.Context, limit int) ([]Payout, error) {
	q := s.rebind(`SELECT ` + payoutColumns + ` FROM escrow_payouts WHERE status = ? ORDER BY created_ns, payout_key LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, string(PayoutPending), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetPayout(ctx context.Context, key string) (Payout, error) {
	q := s.rebind(`SELECT ` + payoutColumns + ` FROM escrow_payouts WHERE payout_key = ?`)
	p, err := scanPayout(s.db.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Payout{}, fmt.Errorf("payout %s: %w", key, ErrNotFound)
	}
	return p, err
}

func (s *SQLStore) CompletePayout(ctx context.Context, key, reference string, at time.Time) error {
	q := s.rebind(`UPDATE escrow_payouts SET status = ?, reference = ?, last_error = '', attempts = attempts + 1, updated_ns = ?
		WHERE payout_key = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, string(PayoutDone), reference, at.UnixNano(), key, string(PayoutPending))
	return err
}

func (s *SQLStore) FailPayout(ctx context.Context, key, reason string, at time.Time) error {
	q := s.rebind(`UPDATE escrow_payouts SET last_error = ?, attempts = attempts + 1, updated_ns = ?
		WHERE payout_key = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, reason, at.UnixNano(), key, string(PayoutPending))
	return err
}

func (s *SQLStore) rebind(q string) string {
	return sqldb.Rebind(s.dialect, q)
}

func (c Change) sql() (string, []any) {
	var parts []string
	var args []any
	if c.Status != "" {
		parts = append(parts, "status = ?")
		args = append(args, string(c.Status))
	}
	if c.Worker != "" {
		parts = append(parts, "worker = ?")
		args = append(args, c.Worker)
	}
	if c.ProofHash != "" {
		parts = append(parts, "proof_hash = ?")
		args = append(args, c.ProofHash)
	}
	if c.MarkPaid {
		parts = append(parts, "paid = ?")
		args = append(args, true)
	}
	parts = append(parts, "updated_ns = ?")
	args = append(args, c.At.UnixNano())
	return strings.Join(parts, ", "), args
}

func (g Guard) sql() (string, []any) {
	var b strings.Builder
	var args []any
	if len(g.Statuses) > 0 {
		b.WriteString(" AND status IN (")
		for i, st := range g.Statuses {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, string(st))
		}
		b.WriteString(")")
	}
	if g.Unclaimed {
		b.WriteString(" AND worker = ''")
	}
	if g.Worker != "" {
		b.WriteString(" AND worker = ?")
		args = append(args, g.Worker)
	}
	if g.Requester != "" {
		b.WriteString(" AND requester = ?")
		args = append(args, g.Requester)
	}
	if g.Unpaid {
		b.WriteString(" AND paid = ?")
		args = append(args, false)
	}
	if !g.DeadlineBefore.IsZero() {
		b.WriteString(" AND deadline_ns < ?")
		args = append(args, g.DeadlineBefore.UnixNano())
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                          Task
		status                     string
		deadline, created, updated int64
	)
	err := r.Scan(&t.ID, &t.Requester, &t.Worker, &t.Title, &t.Description,
		&t.Budget.AmountMinor, &t.Budget.Currency, &t.Budget.Scale,
		&deadline, &t.ProofHash, &status, &t.Paid, &created, &updated)
	if err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.Deadline = time.Unix(0, deadline).UTC()
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}

func scanPayout(r rowScanner) (Payout, error) {
	var (
		p                Payout
		kind, status     string
		legs             string
		created, updated int64
	)
	err := r.Scan(&p.Key, &p.TaskID, &kind, &legs, &status, &p.Attempts, &p.LastError, &p.Reference, &created, &updated)
	if err != nil {
		return Payout{}, err
	}
	if err := json.Unmarshal([]byte(legs), &p.Legs); err != nil {
		return Payout{}, fmt.Errorf("payout %s legs: %w", p.Key, err)
	}
	p.Kind = PayoutKind(kind)
	p.Status = PayoutStatus(status)
	p.CreatedAt = time.Unix(0, created).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
