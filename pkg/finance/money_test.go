package finance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_Add(t *testing.T) {
	sum, err := NewMoney(100, "USD").Add(NewMoney(50, "USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(150), sum.AmountMinor)

	_, err = NewMoney(100, "USD").Add(NewMoney(50, "EUR"))
	assert.Error(t, err, "currency mismatch must be rejected")
}

func TestMoney_Sub(t *testing.T) {
	diff, err := NewMoney(100, "USDC").Sub(NewMoney(2, "USDC"))
	require.NoError(t, err)
	assert.Equal(t, int64(98), diff.AmountMinor)

	_, err = NewMoney(100, "USDC").Sub(NewMoney(2, "USD"))
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		currency string
		want     int64
		wantErr  bool
	}{
		{"1.0", "USDC", 1_000_000, false},
		{"0.01", "USDC", 10_000, false},
		{"12", "USD", 1200, false},
		{".5", "USD", 50, false},
		{"0.0000001", "USDC", 0, true},
		{"abc", "USD", 0, true},
		{"", "USD", 0, true},
		{"99999999999999999999", "USDC", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := ParseAmount(tt.in, tt.currency)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.AmountMinor)
		})
	}
}

func TestMoney_Decimal(t *testing.T) {
	assert.Equal(t, "0.010000", NewMoney(10_000, "USDC").Decimal())
	assert.Equal(t, "1.000000 USDC", NewMoney(1_000_000, "USDC").String())
	assert.Equal(t, "-0.05", NewMoney(-5, "USD").Decimal())
}

func TestSplitFee(t *testing.T) {
	budget := NewMoney(1_000_000, "USDC")
	split, err := PlatformSplit(budget)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), split.Fee.AmountMinor)
	assert.Equal(t, int64(980_000), split.Worker.AmountMinor)

	// floor: 49 * 200 / 10000 = 0.98
	split, err = PlatformSplit(NewMoney(49, "USDC"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), split.Fee.AmountMinor)
	assert.Equal(t, int64(49), split.Worker.AmountMinor)

	_, err = PlatformSplit(NewMoney(0, "USDC"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSplitFee_LargeBudgetDoesNotOverflow(t *testing.T) {
	budget := NewMoney(9_000_000_000_000_000_000, "USDC")
	split, err := PlatformSplit(budget)
	require.NoError(t, err)
	assert.Equal(t, int64(180_000_000_000_000_000), split.Fee.AmountMinor)
	sum, err := split.Worker.Add(split.Fee)
	require.NoError(t, err)
	assert.True(t, sum.Equal(budget))
}
