package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paygate/pkg/util/sqldb"
)

var taskCols = []string{"id", "requester", "worker", "title", "description", "budget_minor", "currency", "scale",
	"deadline_ns", "proof_hash", "status", "paid", "created_ns", "updated_ns"}

func TestSQLStore_ClaimIsConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, sqldb.Postgres)
	at := time.Unix(1700000000, 0).UTC()
	deadline := at.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`UPDATE escrow_tasks SET status = $1, worker = $2, updated_ns = $3 WHERE id = $4 AND status IN ($5) AND worker = '' AND paid = $6 RETURNING`)).
		WithArgs("CLAIMED", "bob", at.UnixNano(), int64(7), "OPEN", false).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(
			int64(7), "alice", "bob", "t", "", int64(1_000_000), "USDC", 6,
			deadline.UnixNano(), "", "CLAIMED", false, at.UnixNano(), at.UnixNano()))
	mock.ExpectCommit()

	task, err := store.Transition(context.Background(), 7,
		Guard{Statuses: []Status{StatusOpen}, Unclaimed: true, Unpaid: true},
		Change{Status: StatusClaimed, Worker: "bob", At: at}, nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", task.Worker)
	assert.Equal(t, StatusClaimed, task.Status)
	assert.Equal(t, deadline, task.Deadline)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LostRaceIsStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, sqldb.Postgres)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE escrow_tasks SET`)).
		WillReturnRows(sqlmock.NewRows(taskCols))
	mock.ExpectRollback()

	_, err = store.Transition(context.Background(), 7,
		Guard{Statuses: []Status{StatusOpen}, Unclaimed: true},
		Change{Status: StatusClaimed, Worker: "carol", At: time.Now()}, nil)
	assert.ErrorIs(t, err, ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ReleaseRecordsPayoutInSameTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db, sqldb.Postgres)
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		`UPDATE escrow_tasks SET status = $1, paid = $2, updated_ns = $3 WHERE id = $4 AND status IN ($5) AND paid = $6 RETURNING`)).
		WithArgs("COMPLETED", true, at.UnixNano(), int64(3), "VERIFIED", false).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(
			int64(3), "alice", "bob", "t", "", int64(1_000_000), "USDC", 6,
			at.UnixNano(), "0xproof", "COMPLETED", true, at.UnixNano(), at.UnixNano()))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO escrow_payouts`)).
		WithArgs("task-3-release", int64(3), "release", sqlmock.AnyArg(), "PENDING", at.UnixNano(), at.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payout := &Payout{Key: "task-3-release", TaskID: 3, Kind: PayoutRelease, Legs: []Leg{{To: "bob", Amount: usdc(980_000)}}}
	task, err := store.Transition(context.Background(), 3,
		Guard{Statuses: []Status{StatusVerified}, Unpaid: true},
		Change{Status: StatusCompleted, MarkPaid: true, At: at}, payout)
	require.NoError(t, err)
	assert.True(t, task.Paid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM escrow_tasks WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err = NewSQLStore(db, sqldb.Postgres).Get(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db, sqldb.SQLite)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	store := openSQLite(t)
	f := newFixture(t, store)
	ctx := context.Background()

	task := f.create(t)
	assert.Equal(t, int64(1), task.ID)
	second := f.create(t)
	assert.Equal(t, int64(2), second.ID, "ids are sequential")

	_, err := f.ledger.ClaimTask(ctx, task.ID, "bob")
	require.NoError(t, err)
	_, err = f.ledger.SubmitWork(ctx, task.ID, "bob", "0xproof")
	require.NoError(t, err)
	done, err := f.ledger.VerifyWork(ctx, task.ID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.True(t, done.Paid)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xproof", got.ProofHash)
	assert.Equal(t, usdc(1_000_000), got.Budget)
	assert.True(t, got.Deadline.Equal(task.Deadline))

	p, err := store.GetPayout(ctx, "task-1-release")
	require.NoError(t, err)
	assert.Equal(t, PayoutDone, p.Status)
	assert.Len(t, p.Legs, 2)

	changed, err := store.UpdatedSince(ctx, Cursor{}, 0)
	require.NoError(t, err)
	assert.Len(t, changed, 2)
	rest, err := store.UpdatedSince(ctx, CursorOf(changed[0]), 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, changed[1].ID, rest[0].ID)

	open, err := store.ListByStatus(ctx, StatusOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func TestSQLiteStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	store := openSQLite(t)
	f := newFixture(t, store)
	task := f.create(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.ClaimTask(context.Background(), task.ID, fmt.Sprintf("w%d", i))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInvalidState)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLiteStore_PayoutOutbox(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0).UTC()

	task, err := store.Create(ctx, Task{Requester: "alice", Title: "t", Budget: usdc(10), Deadline: at.Add(time.Hour),
		Status: StatusDisputed, CreatedAt: at, UpdatedAt: at})
	require.NoError(t, err)

	payout := &Payout{Key: "task-1-refund", TaskID: task.ID, Kind: PayoutRefund, Legs: []Leg{{To: "alice", Amount: usdc(10)}}}
	_, err = store.Transition(ctx, task.ID, Guard{Statuses: []Status{StatusDisputed}, Unpaid: true},
		Change{MarkPaid: true, At: at}, payout)
	require.NoError(t, err)

	_, err = store.Transition(ctx, task.ID, Guard{Statuses: []Status{StatusDisputed}, Unpaid: true},
		Change{MarkPaid: true, At: at}, payout)
	assert.ErrorIs(t, err, ErrStale, "paid flips once")

	require.NoError(t, store.FailPayout(ctx, payout.Key, "boom", at.Add(time.Second)))
	pending, err := store.PendingPayouts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "boom", pending[0].LastError)

	require.NoError(t, store.CompletePayout(ctx, payout.Key, "tx-1", at.Add(2*time.Second)))
	pending, err = store.PendingPayouts(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	p, err := store.GetPayout(ctx, payout.Key)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", p.Reference)
	assert.Equal(t, 2, p.Attempts)
}
