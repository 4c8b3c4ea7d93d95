package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decs(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = dec(v)
	}
	return out
}

func TestCalculateAmountDistribution_SumsExactlyToTarget(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		amounts []string
	}{
		{"three way thirds", "1000.00", []string{"333.33", "333.33", "333.34"}},
		{"uneven proportions", "500.00", []string{"100.00", "250.00", "50.00"}},
		{"single invoice", "750.55", []string{"600.00"}},
		{"repeating decimal", "100.00", []string{"1.00", "1.00", "1.00"}},
		{"many small slots", "99.99", []string{"10", "10", "10", "10", "10", "10", "10"}},
		{"zero existing total", "120.00", []string{"0", "0", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := dec(tc.target)
			results := CalculateAmountDistribution(target, decs(tc.amounts...))
			if len(results) != len(tc.amounts) {
				t.Fatalf("expected %d results, got %d", len(tc.amounts), len(results))
			}
			sum := decimal.Zero
			for _, r := range results {
				if r.Exponent() < -2 {
					t.Fatalf("result %s has more than two decimal places", r)
				}
				sum = sum.Add(r)
			}
			if !sum.Equal(target) {
				t.Fatalf("results sum to %s, want exactly %s (results %v)", sum, target, results)
			}
		})
	}
}

func TestCalculateAmountDistribution_ProportionalShares(t *testing.T) {
	results := CalculateAmountDistribution(dec("2000.00"), decs("100.00", "300.00"))
	if !results[0].Equal(dec("500.00")) {
		t.Fatalf("expected first share 500.00, got %s", results[0])
	}
	if !results[1].Equal(dec("1500.00")) {
		t.Fatalf("expected second share 1500.00, got %s", results[1])
	}
}

func TestCalculateAmountDistribution_RemainderGoesToLargest(t *testing.T) {
	// 100.00 over three equal shares rounds to 33.33 each, leaving a cent.
	results := CalculateAmountDistribution(dec("100.00"), decs("50.00", "50.00", "50.00"))
	if !results[0].Equal(dec("33.34")) {
		t.Fatalf("expected the first (tie-winning) slot to absorb the cent, got %s", results[0])
	}
	if !results[1].Equal(dec("33.33")) || !results[2].Equal(dec("33.33")) {
		t.Fatalf("expected remaining slots at 33.33, got %s and %s", results[1], results[2])
	}

	// With distinct amounts the largest slot absorbs it regardless of position.
	results = CalculateAmountDistribution(dec("100.00"), decs("10.00", "70.00", "10.00"))
	sum := results[0].Add(results[1]).Add(results[2])
	if !sum.Equal(dec("100.00")) {
		t.Fatalf("expected exact sum, got %s", sum)
	}
}

func TestCalculateAmountDistribution_Deterministic(t *testing.T) {
	target := dec("1234.56")
	amounts := decs("333.33", "333.33", "333.34", "100.00")
	first := CalculateAmountDistribution(target, amounts)
	for i := 0; i < 10; i++ {
		again := CalculateAmountDistribution(target, amounts)
		for j := range first {
			if !first[j].Equal(again[j]) {
				t.Fatalf("run %d slot %d differs: %s vs %s", i, j, first[j], again[j])
			}
		}
	}
}

func TestCalculateAmountDistribution_EmptyInput(t *testing.T) {
	if results := CalculateAmountDistribution(dec("100.00"), nil); results != nil {
		t.Fatalf("expected nil for empty input, got %v", results)
	}
}

func TestAbsorberIndex_LowestIndexWinsTies(t *testing.T) {
	if idx := absorberIndex(decs("5", "5", "5")); idx != 0 {
		t.Fatalf("expected index 0 on a full tie, got %d", idx)
	}
	if idx := absorberIndex(decs("1", "9", "9")); idx != 1 {
		t.Fatalf("expected index 1, got %d", idx)
	}
	if idx := absorberIndex(decs("1", "2", "10")); idx != 2 {
		t.Fatalf("expected index 2, got %d", idx)
	}
}
