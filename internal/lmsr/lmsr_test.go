package lmsr

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Constructor tests ---

func TestNewMarketMaker_Valid(t *testing.T) {
	mm, err := NewMarketMaker(d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mm.B().Equal(d(100)) {
		t.Errorf("expected b=100, got %s", mm.B())
	}
}

func TestNewMarketMaker_NonPositiveB(t *testing.T) {
	for _, b := range []float64{0, -50} {
		_, err := NewMarketMaker(d(b))
		if !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("expected ErrInvalidParameter for b=%v, got %v", b, err)
		}
	}
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		b, fee  float64
		wantErr bool
	}{
		{"defaults", 10, 0.01, false},
		{"zero fee", 10, 0, false},
		{"zero b", 0, 0.01, true},
		{"negative b", -1, 0.01, true},
		{"negative fee", 10, -0.01, true},
		{"fee of one", 10, 1, true},
		{"fee above one", 10, 1.5, true},
		{"subnormal b", 1e-320, 0.01, true},
		{"smallest normal b", 0x1p-1022, 0.01, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(d(tt.b), d(tt.fee))
			if tt.wantErr && !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("expected ErrInvalidParameter, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateParams_HugeB(t *testing.T) {
	b := decimal.RequireFromString("1e400")
	if err := ValidateParams(b, d(0.01)); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("b=1e400: expected ErrInvalidParameter, got %v", err)
	}
	if _, err := NewMarketMaker(b); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("NewMarketMaker(1e400): expected ErrInvalidParameter, got %v", err)
	}
}

func TestInRange(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	tests := []struct {
		q    string
		want bool
	}{
		{"0", true},
		{"-50", true},
		{"1e16", true},
		{"-1e16", true},
		{"1e17", false},
		{"1e400", false},
		{"-1e400", false},
	}
	for _, tt := range tests {
		if got := mm.InRange(decimal.RequireFromString(tt.q)); got != tt.want {
			t.Errorf("InRange(%s) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

// --- Cost function tests ---

func TestCost_MatchesClosedForm(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))

	tests := []struct{ qYes, qNo float64 }{
		{0, 0},
		{5, 0},
		{0, 5},
		{37.5, 12.25},
		{-20, 80},
		{150, 149},
	}
	for _, tt := range tests {
		want := 10 * math.Log(math.Exp(tt.qYes/10)+math.Exp(tt.qNo/10))
		got := mm.Cost(d(tt.qYes), d(tt.qNo)).InexactFloat64()
		if rel := math.Abs(got-want) / math.Abs(want); rel > 1e-12 {
			t.Errorf("cost(%v,%v): got %v want %v (rel err %g)", tt.qYes, tt.qNo, got, want, rel)
		}
	}
}

func TestCost_LargeInventoryNoOverflow(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	// exp(100000/10) overflows float64 without the log-sum-exp trick.
	cost := mm.Cost(d(100000), d(0))
	if math.IsInf(cost.InexactFloat64(), 0) || math.IsNaN(cost.InexactFloat64()) {
		t.Fatalf("cost overflowed: %s", cost)
	}
	if cost.Sub(d(100000)).Abs().GreaterThan(d(1e-6)) {
		t.Errorf("cost(100000,0) should be ≈ 100000, got %s", cost)
	}
}

func TestCost_Monotonic(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		qYes := d(rng.Float64()*100 - 50)
		qNo := d(rng.Float64()*100 - 50)
		dq := d(rng.Float64()*50 + 0.01)

		if !mm.Cost(qYes.Add(dq), qNo).GreaterThan(mm.Cost(qYes, qNo)) {
			t.Fatalf("cost not increasing in qYes at (%s,%s)+%s", qYes, qNo, dq)
		}
		if !mm.Cost(qYes, qNo.Add(dq)).GreaterThan(mm.Cost(qYes, qNo)) {
			t.Fatalf("cost not increasing in qNo at (%s,%s)+%s", qYes, qNo, dq)
		}
	}
}

// --- Price function tests ---

func TestPrice_InitiallyFiftyFifty(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	price := mm.PriceYes(d(0), d(0))
	if !price.Equal(d(0.5)) {
		t.Errorf("expected initial price 0.5, got %s", price)
	}
}

func TestPrice_BuyingYesIncreasesPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	priceBefore := mm.PriceYes(d(0), d(0))
	priceAfter := mm.PriceYes(d(10), d(0))
	if priceAfter.LessThanOrEqual(priceBefore) {
		t.Errorf("buying YES should increase price: before=%s after=%s",
			priceBefore, priceAfter)
	}
}

func TestPrice_BuyingNoDecreasesYesPrice(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	priceBefore := mm.PriceYes(d(0), d(0))
	priceAfter := mm.PriceYes(d(0), d(10))
	if priceAfter.GreaterThanOrEqual(priceBefore) {
		t.Errorf("buying NO should decrease YES price: before=%s after=%s",
			priceBefore, priceAfter)
	}
}

func TestPrice_ValidAndSumsToOne(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	one := decimal.NewFromInt(1)

	tests := []struct {
		qYes, qNo float64
	}{
		{0, 0},
		{10, 0},
		{0, 10},
		{30, 10},
		{100, 200},
		{500, 100},
		{-50, 30},
		{1e6, 0},
		{0, 1e6},
	}
	for _, tt := range tests {
		pYes := mm.PriceYes(d(tt.qYes), d(tt.qNo))
		pNo := mm.PriceNo(d(tt.qYes), d(tt.qNo))
		if !pYes.IsPositive() || pYes.GreaterThanOrEqual(one) {
			t.Errorf("price_yes outside (0,1): %s (q=%v,%v)", pYes, tt.qYes, tt.qNo)
		}
		if !pYes.Add(pNo).Equal(one) {
			t.Errorf("prices should sum to 1: pYes=%s pNo=%s (q=%v,%v)",
				pYes, pNo, tt.qYes, tt.qNo)
		}
	}
}

func TestPrice_ScenarioFromOrigin(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	price := mm.PriceYes(d(5), d(0))
	if price.Sub(d(0.6225)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected price ≈ 0.6225, got %s", price)
	}
}

// --- Trade cost tests ---

func TestTradeCost_BuyPositive(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	cost := mm.TradeCost(d(0), d(0), d(10))
	if cost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("buying YES should cost positive amount, got %s", cost)
	}
}

func TestTradeCost_TinyTradeOnLargeInventoryStillPositive(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	// A plain C(after)-C(before) cancels to zero in float64 here.
	cost := mm.TradeCost(d(1e6), d(0), d(1e-9))
	if !cost.IsPositive() {
		t.Errorf("expected positive cost, got %s", cost)
	}
	costNo := mm.TradeCostNo(d(0), d(1e6), d(1e-9))
	if !costNo.IsPositive() {
		t.Errorf("expected positive NO cost, got %s", costNo)
	}
}

func TestTradeCost_MatchesCostDifference(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))

	tests := []struct{ qYes, qNo, dq float64 }{
		{0, 0, 5},
		{12, 3, 0.5},
		{-8, 40, 25},
		{0, 0, 10000},
	}
	for _, tt := range tests {
		want := mm.Cost(d(tt.qYes+tt.dq), d(tt.qNo)).Sub(mm.Cost(d(tt.qYes), d(tt.qNo)))
		got := mm.TradeCost(d(tt.qYes), d(tt.qNo), d(tt.dq))
		if got.Sub(want).Abs().GreaterThan(d(1e-9)) {
			t.Errorf("TradeCost(%v,%v,%v)=%s, cost difference=%s", tt.qYes, tt.qNo, tt.dq, got, want)
		}
	}
}

func TestTradeCost_ScenarioFromOrigin(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	// 10*ln(e^0.5 + 1) - 10*ln(2)
	want := 10*math.Log(math.Exp(0.5)+1) - 10*math.Ln2
	got := mm.TradeCost(d(0), d(0), d(5)).InexactFloat64()
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTradeCostNo_MatchesSymmetry(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// Buying 10 NO from (0,0) should cost the same as buying 10 YES from (0,0)
	// because LMSR is symmetric at the origin.
	costYes := mm.TradeCost(d(0), d(0), d(10))
	costNo := mm.TradeCostNo(d(0), d(0), d(10))
	if !costYes.Equal(costNo) {
		t.Errorf("expected symmetric cost at origin: YES=%s NO=%s", costYes, costNo)
	}
}

func TestCost_PathIndependence(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	tolerance := d(0.0000001)

	// Buy 10, then buy 5 more should cost the same as buying 15 at once.
	cost1 := mm.TradeCost(d(0), d(0), d(10))
	cost2 := mm.TradeCost(d(10), d(0), d(5))
	sequential := cost1.Add(cost2)

	direct := mm.TradeCost(d(0), d(0), d(15))

	if sequential.Sub(direct).Abs().GreaterThan(tolerance) {
		t.Errorf("LMSR should be path-independent: sequential=%s direct=%s",
			sequential, direct)
	}
}

func TestCost_Convexity(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	// Second 10 shares should cost more than the first 10 (convex cost).
	cost1 := mm.TradeCost(d(0), d(0), d(10))
	cost2 := mm.TradeCost(d(10), d(0), d(10))
	if cost2.LessThanOrEqual(cost1) {
		t.Errorf("second batch should cost more (convexity): first=%s second=%s",
			cost1, cost2)
	}
}

// --- Bounded loss tests ---

func TestMaxLoss_Value(t *testing.T) {
	mm, _ := NewMarketMaker(d(10))
	if math.Abs(mm.MaxLoss().InexactFloat64()-10*math.Ln2) > 1e-12 {
		t.Errorf("expected 10*ln2, got %s", mm.MaxLoss())
	}
}

func TestMaxLoss_RandomTradeSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tolerance := d(1e-9)

	for run := 0; run < 200; run++ {
		b := d(rng.Float64()*100 + 1)
		mm, _ := NewMarketMaker(b)
		maxLoss := mm.MaxLoss()

		qYes, qNo, collected := decimal.Zero, decimal.Zero, decimal.Zero
		yesBias := rng.Float64()
		for i := 0; i < 50; i++ {
			dq := d(rng.Float64() * b.InexactFloat64())
			if !dq.IsPositive() {
				continue
			}
			if rng.Float64() < yesBias {
				collected = collected.Add(mm.TradeCost(qYes, qNo, dq))
				qYes = qYes.Add(dq)
			} else {
				collected = collected.Add(mm.TradeCostNo(qYes, qNo, dq))
				qNo = qNo.Add(dq)
			}
		}

		// The maker pays out one share per winning share.
		for _, payout := range []decimal.Decimal{qYes, qNo} {
			loss := payout.Sub(collected)
			if loss.GreaterThan(maxLoss.Add(tolerance)) {
				t.Fatalf("run %d: maker loss %s exceeds bound %s (b=%s q=%s,%s)",
					run, loss, maxLoss, b, qYes, qNo)
			}
		}
	}
}

func TestMaxLoss_DrivenToCertainty(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))
	maxLoss := mm.MaxLoss()

	// Trader buys 10000 YES shares one hundred at a time; YES happens.
	qYes, collected := decimal.Zero, decimal.Zero
	for i := 0; i < 100; i++ {
		collected = collected.Add(mm.TradeCost(qYes, decimal.Zero, d(100)))
		qYes = qYes.Add(d(100))
	}
	mmLoss := qYes.Sub(collected)

	if mmLoss.GreaterThan(maxLoss.Add(d(1e-9))) {
		t.Errorf("market maker loss %s exceeds theoretical bound %s", mmLoss, maxLoss)
	}
}

// --- Boundary condition tests ---

func TestPrice_ExtremeQuantities_NoPanic(t *testing.T) {
	mm, _ := NewMarketMaker(d(100))

	tests := []struct {
		name      string
		qYes, qNo float64
	}{
		{"very large YES", 100000, 0},
		{"very large NO", 0, 100000},
		{"both large equal", 100000, 100000},
		{"large asymmetric", 100000, 50000},
		{"very negative YES", -100000, 0},
		{"both very negative", -100000, -100000},
		{"overflow-scale values", 1e15, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := mm.PriceYes(d(tt.qYes), d(tt.qNo))
			if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				t.Errorf("price out of (0,1): %s", price)
			}
		})
	}
}

// --- Internal helper tests ---

func TestLogSumExp_NoOverflow(t *testing.T) {
	// Values that would overflow naive exp().
	result := logSumExp([]float64{1000, 1001})
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	result := logSumExp(nil)
	if !math.IsInf(result, -1) {
		t.Errorf("expected -Inf for empty input, got %f", result)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(n * exp(x)) = x + ln(n)
	result := logSumExp([]float64{3, 3})
	expected := 3.0 + math.Log(2)
	if math.Abs(result-expected) > 1e-10 {
		t.Errorf("logSumExp([3,3]) should be %f, got %f", expected, result)
	}
}

func TestSoftplus_LargeArgument(t *testing.T) {
	if got := softplus(800); math.IsInf(got, 1) || math.Abs(got-800) > 1e-9 {
		t.Errorf("softplus(800) should be ≈ 800, got %f", got)
	}
}
