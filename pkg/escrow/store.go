package escrow

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

// Guard is the precondition of a conditional update. Every non-zero field must hold for the
// stored row at the moment of the write, otherwise the update is rejected with ErrStale.
type Guard struct {
	Statuses       []Status
	Unclaimed      bool
	Worker         string
	Requester      string
	Unpaid         bool
	DeadlineBefore time.Time
}

// Change is the set of fields a conditional update writes.
type Change struct {
	Status    Status
	Worker    string
	ProofHash string
	MarkPaid  bool
	At        time.Time
}

// PayoutKind distinguishes worker releases from requester refunds.
type PayoutKind string

const (
	PayoutRelease PayoutKind = "release"
	PayoutRefund  PayoutKind = "refund"
)

// PayoutStatus is the outbox state of a payout.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "PENDING"
	PayoutDone    PayoutStatus = "DONE"
)

// Leg is a single destination of a payout.
type Leg struct {
	To     string        `json:"to"`
	Amount finance.Money `json:"amount"`
}

// Payout is a committed movement of escrowed funds. It is recorded in the same write that flips
// the task's paid flag; custody is called afterwards with Key as the idempotency key.
type Payout struct {
	Key       string       `json:"key"`
	TaskID    int64        `json:"task_id"`
	Kind      PayoutKind   `json:"kind"`
	Legs      []Leg        `json:"legs"`
	Status    PayoutStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	Reference string       `json:"reference,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Total sums all legs.
func (p Payout) Total() (finance.Money, error) {
	if len(p.Legs) == 0 {
		return finance.Money{}, nil
	}
	total := p.Legs[0].Amount
	for _, l := range p.Legs[1:] {
		var err error
		if total, err = total.Add(l.Amount); err != nil {
			return finance.Money{}, err
		}
	}
	return total, nil
}

// Cursor is a position in the change feed, ordered by UpdatedAt then ID. The zero Cursor
// precedes every task.
type Cursor struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        int64     `json:"id"`
}

// CursorOf returns the feed position of t.
func CursorOf(t Task) Cursor {
	return Cursor{UpdatedAt: t.UpdatedAt, ID: t.ID}
}

// Before reports whether c precedes t in the feed.
func (c Cursor) Before(t Task) bool {
	if t.UpdatedAt.Equal(c.UpdatedAt) {
		return t.ID > c.ID
	}
	return t.UpdatedAt.After(c.UpdatedAt)
}

// Store persists tasks and the payout outbox. All task mutations go through Transition so the
// state checks and the write happen as one atomic step.
type Store interface {
	// Create assigns the next sequential ID and stores the task.
	Create(ctx context.Context, t Task) (Task, error)
	Get(ctx context.Context, id int64) (Task, error)
	// Transition applies change if guard holds, returning the updated task or ErrStale.
	// When payout is non-nil it is stored as PENDING in the same atomic step.
	Transition(ctx context.Context, id int64, guard Guard, change Change, payout *Payout) (Task, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Task, error)
	// UpdatedSince returns tasks strictly after cursor in (UpdatedAt, ID) order.
	UpdatedSince(ctx context.Context, cursor Cursor, limit int) ([]Task, error)

	PendingPayouts(ctx context.Context, limit int) ([]Payout, error)
	GetPayout(ctx context.Context, key string) (Payout, error)
	CompletePayout(ctx context.Context, key, reference string, at time.Time) error
	FailPayout(ctx context.Context, key, reason string, at time.Time) error
}
