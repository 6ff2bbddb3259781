package paygate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/util/sqldb"
)

// SQLConsumedStore implements ConsumedStore on Postgres or SQLite. Reserve is an insert that
// only overwrites an expired row, so the primary key arbitrates concurrent reservations.
type SQLConsumedStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	clock   func() time.Time
}

func NewSQLConsumedStore(db *sql.DB, dialect sqldb.Dialect) *SQLConsumedStore {
	return &SQLConsumedStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *SQLConsumedStore) WithClock(clock func() time.Time) *SQLConsumedStore {
	s.clock = clock
	return s
}

// Init creates the consumed_proofs table.
func (s *SQLConsumedStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS consumed_proofs (
		proof_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		expires_ns BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("consumed_proofs schema: %w", err)
	}
	return nil
}

func (s *SQLConsumedStore) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := s.clock()
	q := sqldb.Rebind(s.dialect, `INSERT INTO consumed_proofs (proof_id, state, reference, expires_ns)
		VALUES (?, 'reserved', '', ?)
		ON CONFLICT (proof_id) DO UPDATE SET state = 'reserved', reference = '', expires_ns = excluded.expires_ns
		WHERE consumed_proofs.expires_ns <= ?`)
	res, err := s.db.ExecContext(ctx, q, id, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("reserve proof: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLConsumedStore) Commit(ctx context.Context, id, reference string, ttl time.Duration) error {
	q := sqldb.Rebind(s.dialect, `INSERT INTO consumed_proofs (proof_id, state, reference, expires_ns)
		VALUES (?, 'consumed', ?, ?)
		ON CONFLICT (proof_id) DO UPDATE SET state = 'consumed', reference = excluded.reference, expires_ns = excluded.expires_ns`)
	if _, err := s.db.ExecContext(ctx, q, id, reference, s.clock().Add(ttl).UnixNano()); err != nil {
		return fmt.Errorf("commit proof: %w", err)
	}
	return nil
}

func (s *SQLConsumedStore) Release(ctx context.Context, id string) error {
	q := sqldb.Rebind(s.dialect, `DELETE FROM consumed_proofs WHERE proof_id = ? AND state = 'reserved'`)
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("release proof: %w", err)
	}
	return nil
}

func (s *SQLConsumedStore) Consumed(ctx context.Context, id string) (bool, error) {
	q := sqldb.Rebind(s.dialect, `SELECT state, expires_ns FROM consumed_proofs WHERE proof_id = ?`)
	var (
		state   string
		expires int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&state, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup proof: %w", err)
	}
	return state == "consumed" && expires > s.clock().UnixNano(), nil
}

// Sweep deletes expired rows.
func (s *SQLConsumedStore) Sweep(ctx context.Context) (int64, error) {
	q := sqldb.Rebind(s.dialect, `DELETE FROM consumed_proofs WHERE expires_ns <= ?`)
	res, err := s.db.ExecContext(ctx, q, s.clock().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
