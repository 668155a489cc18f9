package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pagelift/pagelift/internal/abtest"
	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/page"
	"github.com/pagelift/pagelift/internal/session"
)

type fixture struct {
	pipeline *Pipeline
	pages    *page.InMemoryRepository
	sessions *session.InMemoryRepository
	cache    *session.Cache
	events   *event.InMemoryRepository
	tests    *abtest.InMemoryRepository
}

func newFixture() *fixture {
	f := &fixture{
		pages:    page.NewInMemoryRepository(),
		sessions: session.NewInMemoryRepository(),
		cache:    session.NewCache(100),
		events:   event.NewInMemoryRepository(),
		tests:    abtest.NewInMemoryRepository(),
	}

	f.pages.Put(&page.Page{
		ID:            "page-1",
		WorkspaceID:   "ws-1",
		WorkspaceSlug: "acme",
		Name:          "Landing",
		Published:     true,
	})
	f.tests.PutTest(
		&abtest.Test{ID: "test-1", Status: abtest.StatusRunning, ConfidenceLevel: 0.95, MinimumSampleSize: 100},
		&abtest.Variant{ID: "var-a", IsControl: true},
		&abtest.Variant{ID: "var-b"},
	)

	f.pipeline = NewPipeline(f.pages, f.sessions, f.cache, f.events, f.tests, nil, nil)
	return f
}

func simpleBatch(events ...IncomingEvent) Batch {
	return Batch{
		WorkspaceSlug: "acme",
		PageID:        "page-1",
		UserAgent:     "test-agent",
		Events:        events,
	}
}

func pageView(sessionID string) IncomingEvent {
	return IncomingEvent{
		SessionID: sessionID,
		VisitorID: "visitor-" + sessionID,
		Type:      event.TypePageView,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcess_EmptyBatch(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline.Process(context.Background(), simpleBatch())
	if !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestProcess_UnknownPage(t *testing.T) {
	f := newFixture()
	batch := simpleBatch(pageView("s1"))
	batch.PageID = "missing"

	_, err := f.pipeline.Process(context.Background(), batch)
	if !errors.Is(err, page.ErrNotFound) {
		t.Errorf("expected page.ErrNotFound, got %v", err)
	}
}

func TestProcess_WorkspaceMismatch(t *testing.T) {
	f := newFixture()
	batch := simpleBatch(pageView("s1"))
	batch.WorkspaceSlug = "someone-else"

	_, err := f.pipeline.Process(context.Background(), batch)
	if !errors.Is(err, ErrWorkspaceMismatch) {
		t.Errorf("expected ErrWorkspaceMismatch, got %v", err)
	}
}

func TestProcess_CreatesSessionAndEvents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, simpleBatch(pageView("s1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EventsProcessed != 1 || res.SessionsCreated != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	s, err := f.sessions.GetBySessionID(ctx, "s1")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if s.UserAgent != "test-agent" {
		t.Errorf("user agent not captured: %q", s.UserAgent)
	}
	if s.WorkspaceID != "ws-1" || s.PageID != "page-1" {
		t.Errorf("session not seeded from page: %+v", s)
	}

	events, _ := f.events.ListBySession(ctx, s.ID)
	if len(events) != 1 {
		t.Fatalf("expected 1 event referencing the durable session, got %d", len(events))
	}
}

func TestProcess_SameSessionTwiceInBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ev1 := pageView("s1")
	ev2 := pageView("s1")
	ev2.Type = event.TypeClick
	ev2.Timestamp = ev1.Timestamp.Add(time.Second)

	res, err := f.pipeline.Process(ctx, simpleBatch(ev1, ev2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EventsProcessed != 2 {
		t.Errorf("expected 2 events, got %d", res.EventsProcessed)
	}
	if res.SessionsCreated != 1 {
		t.Errorf("expected exactly one session creation, got %d", res.SessionsCreated)
	}

	s, _ := f.sessions.GetBySessionID(ctx, "s1")
	events, _ := f.events.ListBySession(ctx, s.ID)
	if len(events) != 2 {
		t.Errorf("expected 2 events on one session, got %d", len(events))
	}
}

func TestProcess_SecondBatchHitsCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, simpleBatch(pageView("s1"))); err != nil {
		t.Fatalf("first batch failed: %v", err)
	}

	res, err := f.pipeline.Process(ctx, simpleBatch(pageView("s1")))
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	if res.SessionsCreated != 0 {
		t.Errorf("cached session recreated: %d", res.SessionsCreated)
	}
}

func TestProcess_ResolvesExistingSessionAfterCacheEviction(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, simpleBatch(pageView("s1"))); err != nil {
		t.Fatalf("first batch failed: %v", err)
	}
	before, _ := f.sessions.GetBySessionID(ctx, "s1")

	// Simulate eviction between batches; the store tier must win over create.
	f.cache = session.NewCache(100)
	f.pipeline = NewPipeline(f.pages, f.sessions, f.cache, f.events, f.tests, nil, nil)

	res, err := f.pipeline.Process(ctx, simpleBatch(pageView("s1")))
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	if res.SessionsCreated != 0 {
		t.Errorf("store lookup bypassed, session recreated: %d", res.SessionsCreated)
	}

	after, _ := f.sessions.GetBySessionID(ctx, "s1")
	if after.ID != before.ID {
		t.Error("session identity changed across batches")
	}
}

func TestProcess_VariantDeltas(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	varB := "var-b"
	impression := pageView("s1")
	impression.VariantID = &varB

	conversion := pageView("s1")
	conversion.VariantID = &varB
	conversion.Type = event.TypeConversion
	conversion.IsConversion = true
	conversion.Timestamp = impression.Timestamp.Add(time.Minute)

	noVariant := pageView("s2")

	if _, err := f.pipeline.Process(ctx, simpleBatch(impression, conversion, noVariant)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	variants, _ := f.tests.ListVariants(ctx, "test-1")
	for _, v := range variants {
		switch v.ID {
		case "var-b":
			// Conversion events count as both an impression and a conversion.
			if v.Impressions != 2 || v.Conversions != 1 {
				t.Errorf("var-b counters = %d/%d, want 2/1", v.Impressions, v.Conversions)
			}
			if v.ConversionRate != 0.5 {
				t.Errorf("var-b rate = %v, want 0.5", v.ConversionRate)
			}
		case "var-a":
			if v.Impressions != 0 {
				t.Errorf("var-a should be untouched, got %d impressions", v.Impressions)
			}
		}
	}
}

func TestProcess_SessionCapturesFirstEventAttribution(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	source := "newsletter"
	ev := pageView("s1")
	ev.UTMSource = &source

	later := pageView("s1")
	other := "other"
	later.UTMSource = &other
	later.Timestamp = ev.Timestamp.Add(time.Second)

	if _, err := f.pipeline.Process(ctx, simpleBatch(ev, later)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, _ := f.sessions.GetBySessionID(ctx, "s1")
	if s.UTMSource == nil || *s.UTMSource != "newsletter" {
		t.Errorf("attribution should come from the first event only: %v", s.UTMSource)
	}
}
