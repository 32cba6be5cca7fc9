package fees

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Fee_ReferenceRate(t *testing.T) {
	p := Default()

	tests := []struct {
		amount uint64
		want   uint64
	}{
		{0, 0},
		{1, 0},
		{199, 0},
		{200, 1},
		{999, 4},
		{1000, 5},
		{1999, 9},
		{1_000_000, 5000},
	}
	for _, tt := range tests {
		got, err := p.Fee(tt.amount)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "fee(%d)", tt.amount)
	}
}

func TestPolicy_Total(t *testing.T) {
	fee, total, err := Default().Total(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), fee)
	assert.Equal(t, uint64(1005), total)
}

func TestPolicy_Fee_LargeAmountDoesNotWrap(t *testing.T) {
	// amount*5 overflows 64 bits, the floor division result does not.
	fee, err := Default().Fee(math.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64/1000*5+(math.MaxUint64%1000)*5/1000), fee)
}

func TestPolicy_Total_Overflow(t *testing.T) {
	_, _, err := Default().Total(math.MaxUint64)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestNewPolicy_Validation(t *testing.T) {
	_, err := NewPolicy(1, 0)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = NewPolicy(11, 10)
	assert.ErrorIs(t, err, ErrInvalidRate)

	p, err := NewPolicy(25, 1000)
	require.NoError(t, err)
	assert.Equal(t, "25/1000", p.String())
}
