// Package escrow implements the task escrow ledger: requesters lock a budget against a task,
// a single worker claims and proves the work, and funds leave custody exactly once, either to
// the worker (less the platform fee) or back to the requester.
package escrow

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClaimed   Status = "CLAIMED"
	StatusSubmitted Status = "SUBMITTED"
	StatusVerified  Status = "VERIFIED"
	StatusCompleted Status = "COMPLETED"
	StatusDisputed  Status = "DISPUTED"
)

var (
	ErrInvalidInput    = errors.New("escrow: invalid input")
	ErrInvalidState    = errors.New("escrow: invalid state")
	ErrNotFound        = errors.New("escrow: task not found")
	ErrNotWithdrawable = errors.New("escrow: task not withdrawable")
	ErrUnauthorized    = errors.New("escrow: caller not authorized")
	// ErrPayoutDeferred means the task reached its final state but the transfer did not go through.
	// The payout stays queued and is re-driven until custody confirms it.
	ErrPayoutDeferred = errors.New("escrow: payout deferred")
	// ErrStale is returned by a Store when a conditional update matched no row.
	ErrStale = errors.New("escrow: conditional update lost")
)

// Task is the authoritative financial record of one escrowed job.
type Task struct {
	ID          int64         `json:"id"`
	Requester   string        `json:"requester"`
	Worker      string        `json:"worker,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Budget      finance.Money `json:"budget"`
	Deadline    time.Time     `json:"deadline"`
	ProofHash   string        `json:"proof_hash,omitempty"`
	Status      Status        `json:"status"`
	Paid        bool          `json:"paid"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Claimed reports whether a worker has won the claim.
func (t Task) Claimed() bool {
	return t.Worker != ""
}

// NewTask is the input to CreateTask.
type NewTask struct {
	Requester   string
	Title       string
	Description string
	Budget      finance.Money
	Deadline    time.Time
}
