//go:build property
// +build property

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_FundsLeaveCustodyOnce drives one task through random operation sequences from
// random callers and checks the payment invariants after every step.
func TestProperty_FundsLeaveCustodyOnce(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	callers := []string{"alice", "bob", "carol"}

	properties.Property("paid implies terminal and at most one transfer", prop.ForAll(
		func(ops []int) bool {
			f := newFixture(t, NewMemoryStore())
			ctx := context.Background()
			task := f.create(t)
			wasPaid := false

			for i, op := range ops {
				caller := callers[i%len(callers)]
				switch op {
				case 0:
					_, _ = f.ledger.ClaimTask(ctx, task.ID, caller)
				case 1:
					_, _ = f.ledger.SubmitWork(ctx, task.ID, caller, "0xproof")
				case 2:
					_, _ = f.ledger.VerifyWork(ctx, task.ID, caller, true)
				case 3:
					_, _ = f.ledger.VerifyWork(ctx, task.ID, caller, false)
				case 4:
					_, _ = f.ledger.EmergencyWithdraw(ctx, task.ID, caller)
				case 5:
					f.clock.Advance(30 * time.Minute)
				}

				got, err := f.ledger.GetTask(ctx, task.ID)
				if err != nil {
					return false
				}
				if wasPaid && !got.Paid {
					return false
				}
				wasPaid = got.Paid
				if got.Paid && got.Status != StatusCompleted && got.Status != StatusDisputed {
					return false
				}
				f.custody.mu.Lock()
				calls := f.custody.calls
				f.custody.mu.Unlock()
				if calls > 1 || (calls == 1) != got.Paid {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
