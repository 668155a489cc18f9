package cohort

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/session"
)

var base = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday

type fixture struct {
	sessions *session.InMemoryRepository
	events   *event.InMemoryRepository
	analyzer *Analyzer
}

func newFixture() *fixture {
	f := &fixture{
		sessions: session.NewInMemoryRepository(),
		events:   event.NewInMemoryRepository(),
	}
	f.analyzer = NewAnalyzer(f.sessions, f.events)
	return f
}

func (f *fixture) addSession(t *testing.T, id, visitorID string, startedAt time.Time, source, country string) *session.Session {
	t.Helper()
	s := &session.Session{
		ID:          "row-" + id,
		SessionID:   id,
		VisitorID:   visitorID,
		WorkspaceID: "ws-1",
		PageID:      "page-1",
		StartedAt:   startedAt,
	}
	if source != "" {
		s.UTMSource = &source
	}
	if country != "" {
		s.Country = &country
	}
	stored, err := f.sessions.Insert(context.Background(), s)
	if err != nil {
		t.Fatalf("seeding session failed: %v", err)
	}
	return stored
}

func (f *fixture) addEvent(t *testing.T, s *session.Session, typ event.Type, at time.Time) {
	t.Helper()
	err := f.events.InsertBatch(context.Background(), []*event.Event{{
		ID:          fmt.Sprintf("%s-%s-%d", s.ID, typ, at.UnixNano()),
		SessionID:   s.ID,
		WorkspaceID: "ws-1",
		PageID:      "page-1",
		Type:        typ,
		OccurredAt:  at,
		CreatedAt:   at,
	}})
	if err != nil {
		t.Fatalf("seeding event failed: %v", err)
	}
}

func scope() session.Scope { return session.Scope{WorkspaceID: "ws-1"} }

func TestDefinitionValidate(t *testing.T) {
	d := Definition{Kind: KindWeekly, Periods: 4}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.PeriodDays != 7 {
		t.Errorf("expected default period of 7 days, got %d", d.PeriodDays)
	}

	bad := Definition{Kind: Kind("monthly-ish"), Periods: 4}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition, got %v", err)
	}

	zero := Definition{Kind: KindGeo, Periods: 0}
	if err := zero.Validate(); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition for zero periods, got %v", err)
	}
}

func TestRetention_PeriodZeroIsAlwaysFull(t *testing.T) {
	f := newFixture()
	s := f.addSession(t, "s1", "v1", base, "", "")
	f.addEvent(t, s, event.TypePageView, base)

	m, err := f.analyzer.Retention(context.Background(), scope(), Definition{ID: "d1", Kind: KindWeekly, Periods: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Rows) != 1 {
		t.Fatalf("expected 1 cohort, got %d", len(m.Rows))
	}
	if m.Rows[0].Retention[0] != 1.0 {
		t.Errorf("retention at period 0 = %v, want 1.0", m.Rows[0].Retention[0])
	}
}

func TestRetention_SubsequentPeriods(t *testing.T) {
	f := newFixture()

	// Two members in the same ISO week. v1 comes back in week two,
	// v2 never does.
	s1 := f.addSession(t, "s1", "v1", base, "", "")
	s2 := f.addSession(t, "s2", "v2", base.Add(24*time.Hour), "", "")
	f.addEvent(t, s1, event.TypePageView, base)
	f.addEvent(t, s2, event.TypePageView, base.Add(24*time.Hour))
	f.addEvent(t, s1, event.TypeClick, base.Add(8*24*time.Hour))

	m, err := f.analyzer.Retention(context.Background(), scope(), Definition{ID: "d1", Kind: KindWeekly, Periods: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Rows) != 1 {
		t.Fatalf("expected 1 cohort, got %d", len(m.Rows))
	}

	row := m.Rows[0]
	if row.Size != 2 {
		t.Fatalf("cohort size = %d, want 2", row.Size)
	}
	if row.Retention[1] != 0.5 {
		t.Errorf("retention at period 1 = %v, want 0.5", row.Retention[1])
	}
	if row.Retention[2] != 0 {
		t.Errorf("retention at period 2 = %v, want 0", row.Retention[2])
	}
}

func TestRetention_ValuesWithinUnitInterval(t *testing.T) {
	f := newFixture()
	for i := 0; i < 5; i++ {
		s := f.addSession(t, fmt.Sprintf("s%d", i), fmt.Sprintf("v%d", i),
			base.Add(time.Duration(i)*24*time.Hour), "", "")
		// Multiple events per visitor must not push retention above 1.
		f.addEvent(t, s, event.TypePageView, s.StartedAt)
		f.addEvent(t, s, event.TypeClick, s.StartedAt.Add(7*24*time.Hour))
		f.addEvent(t, s, event.TypeScroll, s.StartedAt.Add(7*24*time.Hour+time.Minute))
	}

	m, err := f.analyzer.Retention(context.Background(), scope(), Definition{ID: "d1", Kind: KindWeekly, Periods: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, row := range m.Rows {
		for p, r := range row.Retention {
			if r < 0 || r > 1 {
				t.Errorf("cohort %s period %d retention %v out of [0,1]", row.CohortID, p, r)
			}
		}
	}
}

func TestRetention_WeeklyCohortKeys(t *testing.T) {
	f := newFixture()
	f.addSession(t, "s1", "v1", base, "", "")
	f.addSession(t, "s2", "v2", base.Add(7*24*time.Hour), "", "")

	m, err := f.analyzer.Retention(context.Background(), scope(), Definition{ID: "d1", Kind: KindWeekly, Periods: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Rows) != 2 {
		t.Fatalf("expected 2 weekly cohorts, got %d", len(m.Rows))
	}
	if m.Rows[0].CohortID == m.Rows[1].CohortID {
		t.Errorf("sessions a week apart should land in distinct cohorts: %s", m.Rows[0].CohortID)
	}
}

func TestConversion_BySource(t *testing.T) {
	f := newFixture()
	s1 := f.addSession(t, "s1", "v1", base, "newsletter", "")
	s2 := f.addSession(t, "s2", "v2", base, "newsletter", "")
	s3 := f.addSession(t, "s3", "v3", base, "", "")

	// Conversion timing is irrelevant, only presence counts.
	f.addEvent(t, s1, event.TypeConversion, base.Add(30*24*time.Hour))
	f.addEvent(t, s2, event.TypePageView, base)
	f.addEvent(t, s3, event.TypeConversion, base)

	rows, err := f.analyzer.Conversion(context.Background(), scope(), Definition{ID: "d1", Kind: KindSource, Periods: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 cohorts, got %d", len(rows))
	}

	for _, row := range rows {
		switch row.CohortID {
		case "newsletter":
			if row.Size != 2 || row.Converted != 1 || row.Rate != 0.5 {
				t.Errorf("newsletter cohort: %+v", row)
			}
		case "direct":
			if row.Size != 1 || row.Converted != 1 || row.Rate != 1.0 {
				t.Errorf("direct cohort: %+v", row)
			}
		default:
			t.Errorf("unexpected cohort %q", row.CohortID)
		}
	}
}

func TestBreakdown_Geo(t *testing.T) {
	f := newFixture()
	f.addSession(t, "s1", "v1", base, "", "DE")
	f.addSession(t, "s2", "v2", base, "", "DE")
	f.addSession(t, "s3", "v3", base, "", "")

	rows, err := f.analyzer.Breakdown(context.Background(), scope(), KindGeo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 cohorts, got %d", len(rows))
	}
	if rows[0].CohortID != "DE" || rows[0].Size != 2 {
		t.Errorf("unexpected DE cohort: %+v", rows[0])
	}
	if rows[1].CohortID != unknownCountry || rows[1].Size != 1 {
		t.Errorf("unexpected fallback cohort: %+v", rows[1])
	}
}

func TestCompare(t *testing.T) {
	f := newFixture()
	s := f.addSession(t, "s1", "v1", base, "ads", "US")
	f.addEvent(t, s, event.TypePageView, base)

	matrices, err := f.analyzer.Compare(context.Background(), scope(), []Definition{
		{ID: "by-week", Kind: KindWeekly, Periods: 2},
		{ID: "by-source", Kind: KindSource, Periods: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matrices) != 2 {
		t.Fatalf("expected 2 matrices, got %d", len(matrices))
	}
	if matrices[0].DefinitionID != "by-week" || matrices[1].DefinitionID != "by-source" {
		t.Error("matrices not keyed by definition")
	}

	if _, err := f.analyzer.Compare(context.Background(), scope(), nil); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition for empty compare, got %v", err)
	}
}
