package stats

import "math"

// RequiredSampleSize estimates the per-arm impressions needed to detect a
// relative minimum detectable effect over the baseline rate with the given
// power, using the standard two-proportion power formula.
//
// baselineRate is the control's expected conversion rate, relativeMDE the
// relative lift to detect (0.10 = +10%), power the desired 1-beta
// (e.g. 0.8), and confidence the two-tailed alpha complement shared with
// the significance gate. Degenerate inputs (rate or effect <= 0) return 0.
func RequiredSampleSize(baselineRate, relativeMDE, power, confidence float64) int64 {
	if baselineRate <= 0 || baselineRate >= 1 || relativeMDE <= 0 {
		return 0
	}

	p1 := baselineRate
	p2 := baselineRate * (1 + relativeMDE)
	if p2 > 1 {
		p2 = 1
	}

	zAlpha := CriticalZ(confidence)
	zBeta := powerZ(power)

	pBar := (p1 + p2) / 2
	numerator := zAlpha*math.Sqrt(2*pBar*(1-pBar)) +
		zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	delta := p2 - p1

	n := (numerator * numerator) / (delta * delta)
	return int64(math.Ceil(n))
}

// powerZ returns the one-sided z value for the requested power. Values
// outside (0, 1) fall back to 80% power.
func powerZ(power float64) float64 {
	if power <= 0 || power >= 1 {
		power = 0.8
	}
	return InverseNormalCDF(power)
}
