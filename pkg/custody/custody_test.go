package custody

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/finance"
	"github.com/Mindburn-Labs/paygate/pkg/util/resiliency"
)

func usdc(n int64) finance.Money { return finance.NewMoney(n, "USDC") }

func TestMemory_LockAndTransfer(t *testing.T) {
	m := NewMemory(true)
	ctx := context.Background()
	m.Fund("alice", usdc(1_000_000))

	_, err := m.Lock(ctx, "lock-1", "alice", usdc(2_000_000))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	ref, err := m.Lock(ctx, "lock-1", "alice", usdc(1_000_000))
	require.NoError(t, err)
	again, err := m.Lock(ctx, "lock-1", "alice", usdc(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, ref, again, "lock is idempotent on key")
	assert.Equal(t, int64(0), m.Balance("alice", "USDC"))
	assert.Equal(t, int64(1_000_000), m.Escrowed("USDC"))

	p := escrow.Payout{Key: "task-1-release", Legs: []escrow.Leg{
		{To: "bob", Amount: usdc(980_000)},
		{To: "treasury", Amount: usdc(20_000)},
	}}
	ref, err = m.Transfer(ctx, p)
	require.NoError(t, err)
	again, err = m.Transfer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	assert.Equal(t, int64(980_000), m.Balance("bob", "USDC"))
	assert.Equal(t, int64(20_000), m.Balance("treasury", "USDC"))
	assert.Equal(t, int64(0), m.Escrowed("USDC"))

	_, err = m.Transfer(ctx, escrow.Payout{Key: "other", Legs: []escrow.Leg{{To: "bob", Amount: usdc(1)}}})
	assert.ErrorIs(t, err, ErrEscrowShortfall, "transfers are all-or-nothing against the pool")
}

func TestHTTP_Transfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transfer", r.URL.Path)
		assert.Equal(t, "task-9-refund", r.Header.Get("Idempotency-Key"))
		var req transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refund", req.Kind)
		require.Len(t, req.Legs, 1)
		_ = json.NewEncoder(w).Encode(custodyResponse{Reference: "0xabc"})
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL+"/", resiliency.NewClient("custody", time.Second))
	ref, err := h.Transfer(context.Background(), escrow.Payout{
		Key: "task-9-refund", TaskID: 9, Kind: escrow.PayoutRefund,
		Legs: []escrow.Leg{{To: "alice", Amount: usdc(5)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", ref)
}

func TestHTTP_LockFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, resiliency.NewClient("custody", time.Second))
	_, err := h.Lock(context.Background(), "lock-1", "alice", usdc(5))
	require.Error(t, err)
	assert.False(t, resiliency.IsRetryable(err))
}
