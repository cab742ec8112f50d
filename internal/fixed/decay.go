package fixed

// Piecewise-linear anchors for exp(-t/tau) in Q16.16. The curve is exact at
// the segment boundaries and within 15% of the true exponential between
// them, which is sufficient for field attenuation.
const (
	decayTau1 Fixed = 24117 // exp(-1) ~ 0.368
	decayTau2 Fixed = 8847  // exp(-2) ~ 0.135
	decayTau3 Fixed = 3211  // exp(-3) ~ 0.049
)

// ExpDecay approximates exp(-elapsed/tau) with three linear segments keyed
// by the elapsed/tau ratio, breakpoints at 1x, 2x and 3x the time constant,
// zero beyond. Deterministic and branch-bounded; no allocation.
func ExpDecay(elapsedMicros, tauMicros uint64) Fixed {
	if tauMicros == 0 {
		return 0
	}
	if elapsedMicros == 0 {
		return One
	}
	if elapsedMicros >= 3*tauMicros {
		return 0
	}

	// Ratio fits comfortably in Q16.16 because elapsed < 3*tau here.
	x := Fixed((int64(elapsedMicros) << 16) / int64(tauMicros))
	switch {
	case x < One:
		return One - Mul(x, One-decayTau1)
	case x < 2*One:
		return decayTau1 - Mul(x-One, decayTau1-decayTau2)
	default:
		return decayTau2 - Mul(x-2*One, decayTau2-decayTau3)
	}
}

// LinearDecay is 1 - elapsed/tau, clamped to zero at and beyond tau.
func LinearDecay(elapsedMicros, tauMicros uint64) Fixed {
	if tauMicros == 0 || elapsedMicros >= tauMicros {
		return 0
	}
	return One - Fixed((int64(elapsedMicros)<<16)/int64(tauMicros))
}

// StepDecay is 1 before tau and 0 afterwards.
func StepDecay(elapsedMicros, tauMicros uint64) Fixed {
	if tauMicros == 0 || elapsedMicros >= tauMicros {
		return 0
	}
	return One
}
