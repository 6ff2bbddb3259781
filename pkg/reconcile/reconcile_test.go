package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

type fakeMirror struct {
	mu      sync.Mutex
	rows    map[int64]escrow.Task
	writes  int
	failing bool
}

func newFakeMirror() *fakeMirror { return &fakeMirror{rows: make(map[int64]escrow.Task)} }

func (m *fakeMirror) Upsert(_ context.Context, tasks []escrow.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("mirror down")
	}
	for _, t := range tasks {
		if cur, ok := m.rows[t.ID]; ok && cur.UpdatedAt.After(t.UpdatedAt) {
			continue
		}
		m.rows[t.ID] = t
		m.writes++
	}
	return nil
}

func (m *fakeMirror) Watermark(context.Context) (escrow.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wm escrow.Cursor
	for _, t := range m.rows {
		if wm.Before(t) {
			wm = escrow.CursorOf(t)
		}
	}
	return wm, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *escrow.MemoryStore, n int, at time.Time) {
	t.Helper()
	seedEvery(t, store, n, at, time.Second)
}

// seedEvery creates n tasks whose UpdatedAt values are step apart.
func seedEvery(t *testing.T, store *escrow.MemoryStore, n int, at time.Time, step time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Create(context.Background(), escrow.Task{
			Requester: "alice", Title: "t", Budget: finance.NewMoney(1_000_000, "USDC"),
			Deadline: at.Add(time.Hour), Status: escrow.StatusOpen, CreatedAt: at, UpdatedAt: at.Add(time.Duration(i) * step),
		})
		require.NoError(t, err)
	}
}

func TestRunOnce_CopiesInBatches(t *testing.T) {
	store := escrow.NewMemoryStore()
	seed(t, store, 7, t0)
	mirror := newFakeMirror()
	r := New(store, mirror, 3, nil)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Len(t, mirror.rows, 7)

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing changed")
	assert.Equal(t, 7, mirror.writes)
}

func TestRunOnce_SharedTimestampLargerThanBatch(t *testing.T) {
	store := escrow.NewMemoryStore()
	seedEvery(t, store, 8, t0, 0)
	mirror := newFakeMirror()
	r := New(store, mirror, 3, nil)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Len(t, mirror.rows, 8)
	assert.Equal(t, escrow.Cursor{UpdatedAt: t0, ID: 8}, r.watermark)

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnce_PicksUpTransitions(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	seed(t, store, 2, t0)
	mirror := newFakeMirror()
	r := New(store, mirror, 10, nil)

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	_, err = store.Transition(ctx, 1, escrow.Guard{Statuses: []escrow.Status{escrow.StatusOpen}, Unclaimed: true},
		escrow.Change{Status: escrow.StatusClaimed, Worker: "bob", At: t0.Add(time.Minute)}, nil)
	require.NoError(t, err)

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusClaimed, mirror.rows[1].Status)
	assert.Equal(t, "bob", mirror.rows[1].Worker)
}

func TestRunOnce_MirrorFailureLeavesWatermark(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	seed(t, store, 3, t0)
	mirror := newFakeMirror()
	mirror.failing = true
	r := New(store, mirror, 10, nil)

	_, err := r.RunOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, escrow.Cursor{}, r.watermark)

	mirror.failing = false
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, mirror.rows, 3)

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusOpen, got.Status, "the mirror never writes back")
}

func TestRunOnce_ResumesFromMirrorWatermark(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	seed(t, store, 4, t0)
	mirror := newFakeMirror()

	_, err := New(store, mirror, 10, nil).RunOnce(ctx)
	require.NoError(t, err)
	writes := mirror.writes

	// A restarted reconciler starts from what the mirror already holds.
	_, err = New(store, mirror, 10, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, writes, mirror.writes)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := escrow.NewMemoryStore()
	seed(t, store, 1, t0)
	mirror := newFakeMirror()
	r := New(store, mirror, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return len(mirror.rows) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
