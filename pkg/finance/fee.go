package finance

import (
	"fmt"
	"math/bits"
)

const (
	// PlatformFeeBps is the platform fee charged on every released escrow, in basis points.
	PlatformFeeBps = 200
	// BpsDenominator is the number of basis points in a whole.
	BpsDenominator = 10000
)

// Split is the division of an escrowed budget between worker and platform.
type Split struct {
	Worker Money `json:"worker"`
	Fee    Money `json:"fee"`
}

// SplitFee computes fee = floor(budget * bps / 10000) and worker = budget - fee.
// The product is computed in 128 bits so no budget representable in int64 overflows.
func SplitFee(budget Money, bps int64) (Split, error) {
	if !budget.IsPositive() {
		return Split{}, fmt.Errorf("%w: budget must be positive", ErrInvalidAmount)
	}
	if bps < 0 || bps > BpsDenominator {
		return Split{}, fmt.Errorf("%w: fee bps %d out of range", ErrInvalidAmount, bps)
	}
	hi, lo := bits.Mul64(uint64(budget.AmountMinor), uint64(bps))
	q, _ := bits.Div64(hi, lo, BpsDenominator)
	fee := Money{AmountMinor: int64(q), Currency: budget.Currency, Scale: budget.Scale}
	worker, err := budget.Sub(fee)
	if err != nil {
		return Split{}, err
	}
	return Split{Worker: worker, Fee: fee}, nil
}

// PlatformSplit applies PlatformFeeBps.
func PlatformSplit(budget Money) (Split, error) {
	return SplitFee(budget, PlatformFeeBps)
}
