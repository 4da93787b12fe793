package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// WeightedAmount returns total * weight / weightTotal rounded half-up (away from zero)
// to scale fractional digits.
func WeightedAmount(total decimal.Decimal, weightTotal int64, weight int64, scale int32) (decimal.Decimal, error) {
	if weightTotal <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: weight total must be greater than zero", ErrInvalidWeight)
	}
	if weight < 0 || weight > weightTotal {
		return decimal.Decimal{}, fmt.Errorf("%w: weight %d outside [0, %d]", ErrInvalidWeight, weight, weightTotal)
	}
	if scale < 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: negative scale", ErrInvalidWeight)
	}
	return total.Mul(decimal.NewFromInt(weight)).DivRound(decimal.NewFromInt(weightTotal), scale), nil
}

// WeightedAmounts splits total across weights. Every share but the last is
// WeightedAmount, capped at what is left of total so half-up rounding never
// over-allocates; the last takes the remainder. Shares sum to total exactly
// and none has the opposite sign of total.
func WeightedAmounts(total decimal.Decimal, weights []int64, scale int32) ([]decimal.Decimal, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: no weights", ErrInvalidWeight)
	}
	var weightTotal int64
	for _, weight := range weights {
		if weight < 0 {
			return nil, fmt.Errorf("%w: negative weight %d", ErrInvalidWeight, weight)
		}
		weightTotal += weight
	}
	shares := make([]decimal.Decimal, len(weights))
	remaining := total
	for index, weight := range weights[:len(weights)-1] {
		share, err := WeightedAmount(total, weightTotal, weight, scale)
		if err != nil {
			return nil, err
		}
		if share.Abs().GreaterThan(remaining.Abs()) {
			share = remaining
		}
		shares[index] = share
		remaining = remaining.Sub(share)
	}
	shares[len(weights)-1] = remaining
	return shares, nil
}
