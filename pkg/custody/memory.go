// Package custody provides the fund-moving collaborators used by the escrow ledger.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

var (
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrEscrowShortfall   = errors.New("custody: escrow pool shortfall")
)

// Memory is an in-process custody ledger for development and tests. Balances are tracked per
// account and currency; the escrow pool holds everything locked and not yet paid out.
type Memory struct {
	mu       sync.Mutex
	strict   bool
	balances map[string]int64
	pool     map[string]int64
	done     map[string]string
}

// NewMemory returns a Memory custody. When strict is false, accounts may go negative, which
// models requesters funding from outside the system.
func NewMemory(strict bool) *Memory {
	return &Memory{
		strict:   strict,
		balances: make(map[string]int64),
		pool:     make(map[string]int64),
		done:     make(map[string]string),
	}
}

// Fund credits an account.
func (m *Memory) Fund(account string, amount finance.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(account, amount.Currency)] += amount.AmountMinor
}

// Balance returns an account's balance in minor units.
func (m *Memory) Balance(account, currency string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey(account, currency)]
}

// Escrowed returns the locked pool for currency.
func (m *Memory) Escrowed(currency string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool[currency]
}

func (m *Memory) Lock(_ context.Context, key, account string, amount finance.Money) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.done[key]; ok {
		return ref, nil
	}
	bk := balanceKey(account, amount.Currency)
	if m.strict && m.balances[bk] < amount.AmountMinor {
		return "", fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, account, m.balances[bk], amount.AmountMinor)
	}
	m.balances[bk] -= amount.AmountMinor
	m.pool[amount.Currency] += amount.AmountMinor
	ref := "mem-" + uuid.NewString()
	m.done[key] = ref
	return ref, nil
}

func (m *Memory) Transfer(_ context.Context, p escrow.Payout) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.done[p.Key]; ok {
		return ref, nil
	}
	need := make(map[string]int64)
	for _, leg := range p.Legs {
		need[leg.Amount.Currency] += leg.Amount.AmountMinor
	}
	for cur, amt := range need {
		if m.pool[cur] < amt {
			return "", fmt.Errorf("%w: %s needs %d of %s, pool has %d", ErrEscrowShortfall, p.Key, amt, cur, m.pool[cur])
		}
	}
	for _, leg := range p.Legs {
		m.pool[leg.Amount.Currency] -= leg.Amount.AmountMinor
		m.balances[balanceKey(leg.To, leg.Amount.Currency)] += leg.Amount.AmountMinor
	}
	ref := "mem-" + uuid.NewString()
	m.done[p.Key] = ref
	return ref, nil
}

func balanceKey(account, currency string) string {
	return account + "|" + currency
}

var _ escrow.Custody = (*Memory)(nil)
