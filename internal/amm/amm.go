// Package amm encapsulates the constant-product math for two-outcome
// pools and the pure event applier that turns decoded pool events into
// persisted rows.
//
// All arithmetic is exact integer math on 18-decimal fixed-point values;
// only the API layer renders decimals. Reserve subtraction saturates at
// zero so a log replayed against partially hydrated state can never drive
// reserves negative.
package amm

import (
	"math/big"
)

// Scale is 10¹⁸, the fixed-point denominator.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		return new(big.Int)
	}
	return r
}

// YesPriceScaled returns the YES spot price no/(yes+no) at fixed-18
// precision. A drained pool (total ≤ 0) prices at 0.
func YesPriceScaled(yes, no *big.Int) *big.Int {
	total := new(big.Int).Add(yes, no)
	if total.Sign() <= 0 {
		return new(big.Int)
	}
	p := new(big.Int).Mul(no, Scale)
	return p.Div(p, total)
}

// NoPriceScaled returns SCALE − yesPrice, so for a non-empty pool the pair
// sums to 1 within fixed-18 rounding. A drained pool prices at 0.
func NoPriceScaled(yes, no *big.Int) *big.Int {
	total := new(big.Int).Add(yes, no)
	if total.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(Scale, YesPriceScaled(yes, no))
}

// TVLScaled values the pool at spot: yes·p + no·(1−p), both legs at
// fixed-18 precision.
func TVLScaled(yes, no *big.Int) *big.Int {
	p := YesPriceScaled(yes, no)
	yesLeg := new(big.Int).Mul(yes, p)
	yesLeg.Div(yesLeg, Scale)
	noLeg := new(big.Int).Mul(no, new(big.Int).Sub(Scale, p))
	noLeg.Div(noLeg, Scale)
	return yesLeg.Add(yesLeg, noLeg)
}

// DivScaled returns a·SCALE/b, the fixed-18 quotient, or 0 when b is 0.
func DivScaled(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		return new(big.Int)
	}
	q := new(big.Int).Mul(a, Scale)
	return q.Div(q, b)
}
