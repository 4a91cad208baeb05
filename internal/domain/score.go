package domain

import (
	"fmt"
	"math/big"
)

const (
	DefaultMinScore = 1
	DefaultMaxScore = 5

	// MaxPrecision bounds the number of decimal digits AverageOf will produce.
	MaxPrecision = 9
)

// ScoreBounds is the inclusive range of acceptable scores.
type ScoreBounds struct {
	Min int
	Max int
}

// DefaultBounds returns the 1..5 range.
func DefaultBounds() ScoreBounds {
	return ScoreBounds{Min: DefaultMinScore, Max: DefaultMaxScore}
}

// Validate checks the bounds themselves are coherent.
func (b ScoreBounds) Validate() error {
	if b.Min > b.Max {
		return fmt.Errorf("min score %d exceeds max score %d", b.Min, b.Max)
	}
	return nil
}

// Contains reports whether Min <= score <= Max.
func (b ScoreBounds) Contains(score int) bool {
	return score >= b.Min && score <= b.Max
}

// Check returns a *ScoreError when score is out of range.
func (b ScoreBounds) Check(score int) error {
	if !b.Contains(score) {
		return &ScoreError{Score: score, Min: b.Min, Max: b.Max}
	}
	return nil
}

// AverageOf returns total/votes rounded to precision decimal digits using
// round-half-away-from-zero. The division is done on exact integers, so 5/2
// rounds to 3 and 2.5 never becomes 2.4999... Zero votes yield 0.
// Precision is clamped to [0, MaxPrecision].
func AverageOf(total, votes int64, precision int) float64 {
	if votes <= 0 {
		return 0
	}
	if precision < 0 {
		precision = 0
	}
	if precision > MaxPrecision {
		precision = MaxPrecision
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(precision)), nil)

	num := new(big.Int).Abs(big.NewInt(total))
	num.Mul(num, scale)
	// floor((2*num + votes) / (2*votes)) == floor(num/votes + 1/2)
	num.Mul(num, big.NewInt(2))
	num.Add(num, big.NewInt(votes))
	den := big.NewInt(2 * votes)
	q := new(big.Int).Quo(num, den)
	if total < 0 {
		q.Neg(q)
	}

	out, _ := new(big.Rat).SetFrac(q, scale).Float64()
	return out
}
