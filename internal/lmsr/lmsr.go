// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal, never float64.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidParameter is returned for a malformed market configuration:
	// b <= 0, b outside the normal float64 range, or a fee rate outside
	// [0, 1).
	ErrInvalidParameter = errors.New("lmsr: invalid market parameter")

	// MaxScaledQuantity bounds |q / b| for every quantity passed to a
	// MarketMaker. Inside it all intermediate float64 values stay finite.
	MaxScaledQuantity = 1e15

	// PriceFloor keeps instantaneous prices strictly inside (0, 1) when the
	// float64 softmax saturates.
	PriceFloor = decimal.New(1, -15)

	one = decimal.NewFromInt(1)
)

// minNormal is the smallest positive normal float64. A smaller b loses
// precision and overflows q / b.
const minNormal = 0x1p-1022

func validateB(b decimal.Decimal) error {
	if b.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: liquidity b must be positive, got %s", ErrInvalidParameter, b)
	}
	if bf := b.InexactFloat64(); bf < minNormal || math.IsInf(bf, 0) {
		return fmt.Errorf("%w: liquidity b %s outside float64 range", ErrInvalidParameter, b)
	}
	return nil
}

// ValidateParams checks a market's liquidity parameter and fee rate.
func ValidateParams(b, feeRate decimal.Decimal) error {
	if err := validateB(b); err != nil {
		return err
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: fee rate must be in [0, 1), got %s", ErrInvalidParameter, feeRate)
	}
	return nil
}

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless (market quantities are passed as arguments, not stored)
// and safe for concurrent use.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(2) for binary markets.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if err := validateB(b); err != nil {
		return nil, err
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// softplus computes ln(1 + exp(t)) without overflow.
func softplus(t float64) float64 {
	if t > 35 {
		return t + math.Log1p(math.Exp(-t))
	}
	return math.Log1p(math.Exp(t))
}

// InRange reports whether q / b lies within ±MaxScaledQuantity. Cost,
// PriceYes and TradeCost are only defined for quantities in range; callers
// check inventories and trade sizes before pricing.
func (m *MarketMaker) InRange(q decimal.Decimal) bool {
	x := q.InexactFloat64() / m.b.InexactFloat64()
	return !math.IsNaN(x) && math.Abs(x) <= MaxScaledQuantity
}

func (m *MarketMaker) scaled(qYes, qNo decimal.Decimal) (bf, y, n float64) {
	bf = m.b.InexactFloat64()
	return bf, qYes.InexactFloat64() / bf, qNo.InexactFloat64() / bf
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(exp(qYes / b) + exp(qNo / b))
//
// Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf, y, n := m.scaled(qYes, qNo)
	return decimal.NewFromFloat(bf * logSumExp([]float64{y, n}))
}

// PriceYes computes the instantaneous price (probability) for the YES outcome:
//
//	p_yes = exp(qYes / b) / (exp(qYes / b) + exp(qNo / b))
//
// This is the softmax function, evaluated with the same max subtraction as
// Cost. The result lies in [PriceFloor, 1-PriceFloor].
func (m *MarketMaker) PriceYes(qYes, qNo decimal.Decimal) decimal.Decimal {
	_, y, n := m.scaled(qYes, qNo)
	maxVal := math.Max(y, n)

	expYes := math.Exp(y - maxVal)
	expNo := math.Exp(n - maxVal)

	price := decimal.NewFromFloat(expYes / (expYes + expNo))
	if price.LessThan(PriceFloor) {
		return PriceFloor
	}
	if ceiling := one.Sub(PriceFloor); price.GreaterThan(ceiling) {
		return ceiling
	}
	return price
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return one.Sub(m.PriceYes(qYes, qNo))
}

// TradeCost computes the cost of buying deltaYes YES shares:
//
//	cost = C(qYes + deltaYes, qNo) - C(qYes, qNo)
//
// For a buy the difference is evaluated as b * ln(1 + p_yes * (exp(d/b) - 1))
// in log space, which equals the cost difference but does not cancel to
// zero when deltaYes is small relative to the inventory. The result is
// strictly positive for deltaYes > 0.
func (m *MarketMaker) TradeCost(qYes, qNo, deltaYes decimal.Decimal) decimal.Decimal {
	if !deltaYes.IsPositive() {
		return m.Cost(qYes.Add(deltaYes), qNo).Sub(m.Cost(qYes, qNo))
	}

	bf, y, n := m.scaled(qYes, qNo)
	a := deltaYes.InexactFloat64() / bf
	if a > 700 {
		// expm1 would overflow; the plain difference has no cancellation here.
		after := logSumExp([]float64{y + a, n})
		before := logSumExp([]float64{y, n})
		return decimal.NewFromFloat(bf * (after - before))
	}

	logPriceYes := y - logSumExp([]float64{y, n})
	t := logPriceYes + math.Log(math.Expm1(a))
	return decimal.NewFromFloat(bf * softplus(t))
}

// TradeCostNo computes the cost of buying deltaNo NO shares.
// Uses the symmetry property: C(a, b) = C(b, a).
//
//	cost = C(qYes, qNo + deltaNo) - C(qYes, qNo)
func (m *MarketMaker) TradeCostNo(qYes, qNo, deltaNo decimal.Decimal) decimal.Decimal {
	return m.TradeCost(qNo, qYes, deltaNo)
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n),
// where n = 2 for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	return decimal.NewFromFloat(m.b.InexactFloat64() * math.Ln2)
}
