// Package stats implements the statistical decision layer for A/B tests:
// two-proportion z-tests, confidence intervals, sample size estimation,
// and multi-variant winner selection. All functions are pure and safe for
// concurrent use.
package stats

import "math"

// Supported confidence levels and their two-tailed critical z values.
// Unrecognized levels fall back to 95% (1.96).
var criticalZ = map[float64]float64{
	0.90:  1.645,
	0.95:  1.96,
	0.99:  2.576,
	0.999: 3.291,
}

// DefaultConfidenceLevel is used when a test carries an unrecognized level.
const DefaultConfidenceLevel = 0.95

// CriticalZ returns the two-tailed critical z value for the given
// confidence level, falling back to 1.96 for unrecognized levels.
func CriticalZ(confidence float64) float64 {
	if z, ok := criticalZ[confidence]; ok {
		return z
	}
	return criticalZ[DefaultConfidenceLevel]
}

// Observation is one experiment arm's raw counters.
type Observation struct {
	Conversions int64
	Impressions int64
}

// Rate returns conversions/impressions, or 0 for an arm with no impressions.
func (o Observation) Rate() float64 {
	if o.Impressions <= 0 {
		return 0
	}
	return float64(o.Conversions) / float64(o.Impressions)
}

// ZScore computes the two-proportion z statistic for a vs b using the
// pooled proportion under the null hypothesis. A degenerate sample
// (zero standard error, including zero impressions) yields z = 0.
func ZScore(a, b Observation) float64 {
	if a.Impressions <= 0 || b.Impressions <= 0 {
		return 0
	}

	n1 := float64(a.Impressions)
	n2 := float64(b.Impressions)
	pooled := float64(a.Conversions+b.Conversions) / (n1 + n2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0
	}

	return (a.Rate() - b.Rate()) / se
}

// PValue returns the two-tailed p-value for a z statistic.
func PValue(z float64) float64 {
	return 2 * (1 - NormalCDF(math.Abs(z)))
}

// ConfidenceInterval computes the interval for the rate difference a-b
// using the unpooled standard error. Zero-impression arms contribute
// nothing to the standard error rather than dividing by zero.
func ConfidenceInterval(a, b Observation, confidence float64) (lower, upper float64) {
	diff := a.Rate() - b.Rate()

	var variance float64
	if a.Impressions > 0 {
		p := a.Rate()
		variance += p * (1 - p) / float64(a.Impressions)
	}
	if b.Impressions > 0 {
		p := b.Rate()
		variance += p * (1 - p) / float64(b.Impressions)
	}

	margin := CriticalZ(confidence) * math.Sqrt(variance)
	return diff - margin, diff + margin
}

// Options carries the per-test statistical configuration. There are no
// global defaults beyond the 95% fallback for unrecognized levels; callers
// supply both values from the test record.
type Options struct {
	ConfidenceLevel   float64
	MinimumSampleSize int64
}

// Comparison is the outcome of testing one arm pair.
type Comparison struct {
	RateA               float64
	RateB               float64
	Difference          float64
	ZScore              float64
	PValue              float64
	CILower             float64
	CIUpper             float64
	RelativeImprovement float64
	SampleSizeReached   bool
	HasSignificance     bool
}

// Compare runs the two-proportion z-test for arm a against arm b.
//
// Below the minimum sample size the z statistic is not computed and the
// result is pinned to pValue=1, hasSignificance=false so tiny samples can
// never produce a false positive. The confidence interval is still
// reported so dashboards can render a "collecting data" state.
func Compare(a, b Observation, opts Options) Comparison {
	c := Comparison{
		RateA:      a.Rate(),
		RateB:      b.Rate(),
		Difference: a.Rate() - b.Rate(),
	}
	c.CILower, c.CIUpper = ConfidenceInterval(a, b, opts.ConfidenceLevel)
	if c.RateB > 0 {
		c.RelativeImprovement = (c.RateA - c.RateB) / c.RateB
	}

	c.SampleSizeReached = a.Impressions >= opts.MinimumSampleSize &&
		b.Impressions >= opts.MinimumSampleSize
	if !c.SampleSizeReached {
		c.PValue = 1
		return c
	}

	c.ZScore = ZScore(a, b)
	c.PValue = PValue(c.ZScore)

	alpha := 1 - opts.ConfidenceLevel
	if _, ok := criticalZ[opts.ConfidenceLevel]; !ok {
		alpha = 1 - DefaultConfidenceLevel
	}
	c.HasSignificance = c.PValue < alpha

	return c
}
