package escrow

import (
	"context"

	"github.com/Mindburn-Labs/paygate/pkg/finance"
)

// Custody moves funds on the settlement network. Implementations must treat the key as an
// idempotency key: repeating a call with the same key must not move funds twice.
type Custody interface {
	// Lock takes amount from account into escrow.
	Lock(ctx context.Context, key, account string, amount finance.Money) (string, error)
	// Transfer pays out every leg of p from escrow as one all-or-nothing transfer.
	Transfer(ctx context.Context, p Payout) (string, error)
}
