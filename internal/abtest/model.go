// Package abtest provides the A/B test and variant models, lifecycle
// rules, and repositories with the atomic counter-update semantics the
// ingestion pipeline depends on.
package abtest

import "time"

// Status is a test's lifecycle state.
type Status string

// Test lifecycle states. DRAFT -> RUNNING -> (PAUSED <-> RUNNING) ->
// COMPLETED; ARCHIVED is terminal and reachable from any state.
const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusArchived {
		return s != StatusArchived
	}
	switch s {
	case StatusDraft:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusPaused || next == StatusCompleted
	case StatusPaused:
		return next == StatusRunning || next == StatusCompleted
	}
	return false
}

// Variant is one arm of a test. Counters are mutated only through
// Repository.ApplyVariantDeltas and never decremented; ConversionRate is
// derived from the counters inside the same transactional step.
type Variant struct {
	ID        string
	TestID    string
	Name      string
	IsControl bool

	Impressions    int64
	Conversions    int64
	ConversionRate float64
}

// Test owns one control and any number of challenger variants.
type Test struct {
	ID          string
	WorkspaceID string
	PageID      string
	Name        string
	Status      Status

	// ConfidenceLevel and MinimumSampleSize are per-test configuration;
	// there is no system-wide default beyond the engine's 95% fallback
	// for unrecognized levels.
	ConfidenceLevel   float64
	MinimumSampleSize int64

	WinningVariantID *string
	StartDate        *time.Time
	EndDate          *time.Time
	DeclaredAt       *time.Time
	CreatedAt        time.Time
}

// VariantDelta is the per-batch counter increment for one variant.
// Both fields are non-negative; there is no decrement path.
type VariantDelta struct {
	Impressions int64
	Conversions int64
}

func (t *Test) clone() *Test {
	c := *t
	if t.WinningVariantID != nil {
		v := *t.WinningVariantID
		c.WinningVariantID = &v
	}
	for _, p := range []**time.Time{&c.StartDate, &c.EndDate, &c.DeclaredAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &c
}
