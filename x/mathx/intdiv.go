package mathx

import "golang.org/x/exp/constraints"

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// RoundDiv returns (a + b/2) / b, classic half-up rounding for a
// non-negative numerator. Control-loop step maths relies on this
// truncating exactly like C integer division.
func RoundDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b/2) / b
}
