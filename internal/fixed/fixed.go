// Package fixed implements the Q16.16 and Q15 fixed-point arithmetic used
// throughout the coordination kernel. Nothing here allocates or touches
// floating point outside of the boundary conversion helpers.
package fixed

import "math"

// Fixed is a signed Q16.16 fixed-point value: 16 integer bits, 16
// fractional bits.
type Fixed int32

// Q15 is a signed Q1.15 fixed-point value covering [-1.0, +0.99997). Used
// for compact gradient storage.
type Q15 int16

const (
	One     Fixed = 1 << 16
	Half    Fixed = 1 << 15
	Quarter Fixed = 1 << 14

	MaxFixed Fixed = math.MaxInt32
	MinFixed Fixed = math.MinInt32

	Q15One    Q15 = 0x7FFF
	Q15Half   Q15 = 0x4000
	Q15NegOne Q15 = -0x8000
)

// FromInt converts an integer to Q16.16.
func FromInt(i int32) Fixed {
	return Fixed(i) << 16
}

// FromFloat converts a float to Q16.16. Boundary use only (configuration,
// tests); kernel arithmetic stays in fixed point.
func FromFloat(f float64) Fixed {
	return Fixed(f * float64(One))
}

// Float64 converts back to a float for display and assertions.
func (f Fixed) Float64() float64 {
	return float64(f) / float64(One)
}

// Mul multiplies two Q16.16 values through a 64-bit intermediate. Overflow
// of the final 32-bit result is the caller's responsibility.
func Mul(a, b Fixed) Fixed {
	return Fixed((int64(a) * int64(b)) >> 16)
}

// Div divides two Q16.16 values through a 64-bit intermediate. Division by
// zero saturates toward the sign of the dividend.
func Div(a, b Fixed) Fixed {
	if b == 0 {
		if a >= 0 {
			return MaxFixed
		}
		return MinFixed
	}
	return Fixed((int64(a) << 16) / int64(b))
}

// Abs returns the magnitude of f.
func Abs(f Fixed) Fixed {
	if f < 0 {
		return -f
	}
	return f
}

// Lerp interpolates from a to b by t in [0, 1]. t is clamped.
func Lerp(a, b, t Fixed) Fixed {
	if t <= 0 {
		return a
	}
	if t >= One {
		return b
	}
	diff := int64(b) - int64(a)
	return a + Fixed((diff*int64(t))>>16)
}

// Clamp bounds f to [lo, hi].
func Clamp(f, lo, hi Fixed) Fixed {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// Sqrt computes the square root of a non-negative Q16.16 value by integer
// Newton-Raphson iteration. Negative inputs return zero.
func Sqrt(f Fixed) Fixed {
	if f <= 0 {
		return 0
	}
	// Widen by 16 bits so the integer root lands back on the Q16.16 scale.
	n := uint64(f) << 16
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return Fixed(x)
}

// ToQ15 narrows Q16.16 to Q15, saturating at the representable range.
func (f Fixed) ToQ15() Q15 {
	shifted := int32(f) >> 1
	if shifted > int32(Q15One) {
		return Q15One
	}
	if shifted < int32(Q15NegOne) {
		return Q15NegOne
	}
	return Q15(shifted)
}

// Fixed widens Q15 back to Q16.16.
func (q Q15) Fixed() Fixed {
	return Fixed(q) << 1
}

// Q15Mul multiplies two Q15 values, saturating.
func Q15Mul(a, b Q15) Q15 {
	return satQ15((int32(a) * int32(b)) >> 15)
}

// Q15AddSat adds two Q15 values, saturating.
func Q15AddSat(a, b Q15) Q15 {
	return satQ15(int32(a) + int32(b))
}

// Q15SubSat subtracts b from a, saturating.
func Q15SubSat(a, b Q15) Q15 {
	return satQ15(int32(a) - int32(b))
}

func satQ15(v int32) Q15 {
	if v > int32(Q15One) {
		return Q15One
	}
	if v < int32(Q15NegOne) {
		return Q15NegOne
	}
	return Q15(v)
}
