package stats

import "math"

// WilsonInterval calculates the Wilson score confidence interval for a
// single arm's conversion rate. It behaves better than the normal
// approximation on small samples, so the per-variant bounds shown on
// dashboards stay inside [0, 1] even early in a test.
func WilsonInterval(conversions, impressions int64, confidence float64) (lower, upper float64) {
	if impressions <= 0 {
		return 0, 0
	}

	z := CriticalZ(confidence)
	p := float64(conversions) / float64(impressions)
	n := float64(impressions)

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	lower = center - spread
	upper = center + spread

	if lower < 0 {
		lower = 0
	}
	if upper > 1 {
		upper = 1
	}
	return lower, upper
}
