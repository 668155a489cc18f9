// Package cohort groups sessions into time- or attribute-based cohorts
// and computes retention and conversion matrices across sequential
// periods.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/session"
)

// Kind selects the grouping rule for a cohort definition.
type Kind string

// Supported cohort kinds.
const (
	// KindWeekly buckets sessions by the ISO week of their start time.
	KindWeekly Kind = "weekly"
	// KindSource buckets sessions by UTM source.
	KindSource Kind = "source"
	// KindGeo buckets sessions by country.
	KindGeo Kind = "geo"
)

// Valid reports whether k is a recognized cohort kind.
func (k Kind) Valid() bool {
	return k == KindWeekly || k == KindSource || k == KindGeo
}

// Fallback bucket labels for sessions with missing attributes.
const (
	directSource   = "direct"
	unknownCountry = "unknown"
)

// ErrInvalidDefinition is returned for a definition with an unknown kind
// or non-positive period count.
var ErrInvalidDefinition = errors.New("invalid cohort definition")

// Definition is a grouping rule plus the retention window layout. Each
// cohort member's time origin is its session start; period p covers
// [t0 + p*PeriodDays, t0 + (p+1)*PeriodDays) per member.
type Definition struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	Periods    int    `json:"periods"`
	PeriodDays int    `json:"periodDays"`
}

// Validate checks the definition and applies the 7-day period default.
func (d *Definition) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, d.Kind)
	}
	if d.Periods <= 0 {
		return fmt.Errorf("%w: periods must be > 0", ErrInvalidDefinition)
	}
	if d.PeriodDays <= 0 {
		d.PeriodDays = 7
	}
	return nil
}

// Row is one cohort's retention series. Retention[0] is always 1 for a
// non-empty cohort; every value is in [0, 1].
type Row struct {
	CohortID  string    `json:"cohortId"`
	Size      int       `json:"size"`
	Retention []float64 `json:"retention"`
}

// Matrix is the (cohortId, period) -> retention fraction result.
type Matrix struct {
	DefinitionID string `json:"definitionId"`
	Periods      int    `json:"periods"`
	Rows         []Row  `json:"rows"`
}

// ConversionRow is one cohort's conversion summary. Timing of the
// conversion within the session is irrelevant.
type ConversionRow struct {
	CohortID  string  `json:"cohortId"`
	Size      int     `json:"size"`
	Converted int     `json:"converted"`
	Rate      float64 `json:"rate"`
}

// Analyzer computes cohort breakdowns over stored sessions and events.
// It is stateless and safe for concurrent use.
type Analyzer struct {
	sessions session.Repository
	events   event.Repository
}

// NewAnalyzer creates a cohort analyzer over the given stores.
func NewAnalyzer(sessions session.Repository, events event.Repository) *Analyzer {
	return &Analyzer{sessions: sessions, events: events}
}

// cohortKey assigns a session to exactly one cohort for the definition.
func cohortKey(kind Kind, s *session.Session) string {
	switch kind {
	case KindWeekly:
		year, week := s.StartedAt.UTC().ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case KindSource:
		if s.UTMSource != nil && *s.UTMSource != "" {
			return *s.UTMSource
		}
		return directSource
	case KindGeo:
		if s.Country != nil && *s.Country != "" {
			return *s.Country
		}
		return unknownCountry
	}
	return ""
}

// Retention computes the retention matrix for one definition. A member is
// active in period p when its visitor produced at least one event inside
// that period's window; period 0 is active by construction since the
// member exists by virtue of its originating session.
func (a *Analyzer) Retention(ctx context.Context, scope session.Scope, def Definition) (*Matrix, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	sessions, err := a.sessions.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading cohort sessions: %w", err)
	}

	eventsByVisitor, err := a.eventsByVisitor(ctx, scope, sessions)
	if err != nil {
		return nil, err
	}

	period := time.Duration(def.PeriodDays) * 24 * time.Hour

	type tally struct {
		size   int
		active []int
	}
	cohorts := make(map[string]*tally)

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := cohortKey(def.Kind, s)
		c, ok := cohorts[key]
		if !ok {
			c = &tally{active: make([]int, def.Periods)}
			cohorts[key] = c
		}
		c.size++

		t0 := s.StartedAt
		for p := 0; p < def.Periods; p++ {
			if p == 0 {
				c.active[0]++
				continue
			}
			windowStart := t0.Add(time.Duration(p) * period)
			windowEnd := windowStart.Add(period)
			if visitorActive(eventsByVisitor[s.VisitorID], windowStart, windowEnd) {
				c.active[p]++
			}
		}
	}

	matrix := &Matrix{DefinitionID: def.ID, Periods: def.Periods}
	for key, c := range cohorts {
		row := Row{CohortID: key, Size: c.size, Retention: make([]float64, def.Periods)}
		for p := 0; p < def.Periods; p++ {
			row.Retention[p] = float64(c.active[p]) / float64(c.size)
		}
		matrix.Rows = append(matrix.Rows, row)
	}
	sort.Slice(matrix.Rows, func(i, j int) bool {
		return matrix.Rows[i].CohortID < matrix.Rows[j].CohortID
	})
	return matrix, nil
}

// Conversion counts sessions with at least one conversion event per
// cohort, independent of when the conversion happened.
func (a *Analyzer) Conversion(ctx context.Context, scope session.Scope, def Definition) ([]ConversionRow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	sessions, err := a.sessions.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("loading cohort sessions: %w", err)
	}

	converted, err := a.convertedSessions(ctx, scope)
	if err != nil {
		return nil, err
	}

	type tally struct{ size, converted int }
	cohorts := make(map[string]*tally)
	for _, s := range sessions {
		key := cohortKey(def.Kind, s)
		c, ok := cohorts[key]
		if !ok {
			c = &tally{}
			cohorts[key] = c
		}
		c.size++
		if converted[s.ID] {
			c.converted++
		}
	}

	rows := []ConversionRow{}
	for key, c := range cohorts {
		row := ConversionRow{CohortID: key, Size: c.size, Converted: c.converted}
		if c.size > 0 {
			row.Rate = float64(c.converted) / float64(c.size)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CohortID < rows[j].CohortID })
	return rows, nil
}

// Compare computes retention matrices for several definitions at once.
func (a *Analyzer) Compare(ctx context.Context, scope session.Scope, defs []Definition) ([]*Matrix, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no definitions", ErrInvalidDefinition)
	}

	matrices := make([]*Matrix, 0, len(defs))
	for _, def := range defs {
		m, err := a.Retention(ctx, scope, def)
		if err != nil {
			return nil, err
		}
		matrices = append(matrices, m)
	}
	return matrices, nil
}

// Breakdown returns cohort sizes and conversion rates for a bare kind,
// used by the simple weekly/source/geo query types.
func (a *Analyzer) Breakdown(ctx context.Context, scope session.Scope, kind Kind) ([]ConversionRow, error) {
	return a.Conversion(ctx, scope, Definition{ID: string(kind), Kind: kind, Periods: 1})
}

// eventsByVisitor loads scoped events and indexes their occurrence times
// by the owning session's visitor.
func (a *Analyzer) eventsByVisitor(ctx context.Context, scope session.Scope, sessions []*session.Session) (map[string][]time.Time, error) {
	visitorBySession := make(map[string]string, len(sessions))
	for _, s := range sessions {
		visitorBySession[s.ID] = s.VisitorID
	}

	evs, err := a.events.ListByScope(ctx, eventScope(scope))
	if err != nil {
		return nil, fmt.Errorf("loading cohort events: %w", err)
	}

	byVisitor := make(map[string][]time.Time)
	for _, e := range evs {
		visitor, ok := visitorBySession[e.SessionID]
		if !ok {
			continue
		}
		byVisitor[visitor] = append(byVisitor[visitor], e.OccurredAt)
	}
	return byVisitor, nil
}

// convertedSessions returns the set of session IDs with a conversion.
func (a *Analyzer) convertedSessions(ctx context.Context, scope session.Scope) (map[string]bool, error) {
	evs, err := a.events.ListByScope(ctx, eventScope(scope))
	if err != nil {
		return nil, fmt.Errorf("loading conversion events: %w", err)
	}

	converted := make(map[string]bool)
	for _, e := range evs {
		if e.IsConversion || e.Type == event.TypeConversion {
			converted[e.SessionID] = true
		}
	}
	return converted, nil
}

// eventScope widens the session scope to events: cohort activity may
// happen after the scope's end date, so only the start bound carries over.
func eventScope(scope session.Scope) event.Scope {
	return event.Scope{
		WorkspaceID: scope.WorkspaceID,
		PageID:      scope.PageID,
		From:        scope.From,
	}
}

func visitorActive(times []time.Time, start, end time.Time) bool {
	for _, t := range times {
		if !t.Before(start) && t.Before(end) {
			return true
		}
	}
	return false
}
