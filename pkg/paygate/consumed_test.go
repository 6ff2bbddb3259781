package paygate

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paygate/pkg/util/sqldb"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func consumedStores(t *testing.T, clock *testClock) map[string]ConsumedStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "consumed.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	sqlStore := NewSQLConsumedStore(db, sqldb.SQLite).WithClock(clock.Now)
	require.NoError(t, sqlStore.Init(context.Background()))

	return map[string]ConsumedStore{
		"memory": NewMemoryConsumedStore().WithClock(clock.Now),
		"sqlite": sqlStore,
	}
}

func TestConsumedStore_Semantics(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	for name, store := range consumedStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ok, err := store.Reserve(ctx, "0xaa", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Reserve(ctx, "0xaa", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second reservation must lose")

			consumed, err := store.Consumed(ctx, "0xaa")
			require.NoError(t, err)
			assert.False(t, consumed, "reserved is not consumed")

			require.NoError(t, store.Release(ctx, "0xaa"))
			ok, err = store.Reserve(ctx, "0xaa", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "released id can be reserved again")

			require.NoError(t, store.Commit(ctx, "0xaa", "ref-1", time.Minute))
			require.NoError(t, store.Release(ctx, "0xaa"))
			consumed, err = store.Consumed(ctx, "0xaa")
			require.NoError(t, err)
			assert.True(t, consumed, "release never drops a consumed id")

			ok, err = store.Reserve(ctx, "0xaa", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestConsumedStore_Expiry(t *testing.T) {
	ctx := context.Background()
	for name, store := range consumedStores(t, newTestClock()) {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			switch s := store.(type) {
			case *MemoryConsumedStore:
				s.WithClock(clock.Now)
			case *SQLConsumedStore:
				s.WithClock(clock.Now)
			}

			ok, err := store.Reserve(ctx, "0xbb", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, store.Commit(ctx, "0xbb", "ref", time.Minute))

			clock.Advance(time.Minute)
			consumed, err := store.Consumed(ctx, "0xbb")
			require.NoError(t, err)
			assert.False(t, consumed)

			ok, err = store.Reserve(ctx, "0xbb", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "expired record can be reused")
		})
	}
}

func TestConsumedStore_ConcurrentReserveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for name, store := range consumedStores(t, newTestClock()) {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.Reserve(ctx, "0xcc", time.Minute)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestMemoryConsumedStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := NewMemoryConsumedStore().WithClock(clock.Now)

	_, _ = store.Reserve(ctx, "short", time.Second)
	_, _ = store.Reserve(ctx, "long", time.Hour)
	clock.Advance(time.Minute)

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestSQLConsumedStore_ReserveQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	clock := newTestClock()
	store := NewSQLConsumedStore(db, sqldb.Postgres).WithClock(clock.Now)
	now := clock.Now()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO consumed_proofs (proof_id, state, reference, expires_ns)`)).
		WithArgs("0xdd", now.Add(time.Minute).UnixNano(), now.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Reserve(context.Background(), "0xdd", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "no affected row means someone else holds the id")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisConsumedStore_Integration(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	store := NewRedisConsumedStoreWithClient(rdb)
	id := "0x" + time.Now().Format("20060102150405.000000000")
	defer rdb.Del(ctx, store.key(id))

	ok, err := store.Reserve(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, id))
	ok, err = store.Reserve(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Commit(ctx, id, "ref-9", time.Minute))
	require.NoError(t, store.Release(ctx, id))
	consumed, err := store.Consumed(ctx, id)
	require.NoError(t, err)
	assert.True(t, consumed)
}
