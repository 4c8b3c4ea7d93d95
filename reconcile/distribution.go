package reconcile

import "github.com/shopspring/decimal"

// amountEpsilon is the threshold below which an individual invoice update is
// skipped as a no-op; sub-cent drift is not worth a round trip.
var amountEpsilon = decimal.NewFromFloat(0.01)

// CalculateAmountDistribution splits target across len(amounts) slots in
// proportion to the existing amounts, rounded to cents. The rounding
// remainder is absorbed by the slot with the largest existing amount (lowest
// index on ties) so the results always sum to target exactly. A zero or
// negative existing total falls back to an equal split.
func CalculateAmountDistribution(target decimal.Decimal, amounts []decimal.Decimal) []decimal.Decimal {
	if len(amounts) == 0 {
		return nil
	}

	target = target.Round(2)
	results := make([]decimal.Decimal, len(amounts))

	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}

	if sum.Sign() <= 0 {
		count := decimal.NewFromInt(int64(len(amounts)))
		share := target.Div(count).Round(2)
		allocated := decimal.Zero
		for i := range results {
			results[i] = share
			allocated = allocated.Add(share)
		}
		results[absorberIndex(amounts)] = results[absorberIndex(amounts)].Add(target.Sub(allocated))
		return results
	}

	allocated := decimal.Zero
	for i, a := range amounts {
		share := target.Mul(a).Div(sum).Round(2)
		results[i] = share
		allocated = allocated.Add(share)
	}

	remainder := target.Sub(allocated)
	if !remainder.IsZero() {
		idx := absorberIndex(amounts)
		results[idx] = results[idx].Add(remainder)
	}
	return results
}

// absorberIndex picks the slot that takes the rounding remainder: the
// largest existing amount, lowest index winning ties. Deterministic so
// repeated runs over the same inputs produce identical output.
func absorberIndex(amounts []decimal.Decimal) int {
	idx := 0
	for i := 1; i < len(amounts); i++ {
		if amounts[i].GreaterThan(amounts[idx]) {
			idx = i
		}
	}
	return idx
}
