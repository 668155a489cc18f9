package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pagelift/pagelift/internal/middleware"
)

func trackBody(t *testing.T, body any) *strings.Reader {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	return strings.NewReader(string(data))
}

func trackRequest(t *testing.T, body any) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/analytics/track", trackBody(t, body))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "192.0.2.1:1234"
	return r
}

func TestTrack_Success(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, trackRequest(t, TrackRequest{
		WorkspaceSlug: "acme",
		PageID:        "page-1",
		Events: []TrackEventRequest{
			{SessionID: "sess-1", VisitorID: "vis-1", EventType: "page_view"},
			{SessionID: "sess-1", VisitorID: "vis-1", EventType: "click"},
		},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp TrackResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
	if resp.EventsProcessed != 2 {
		t.Errorf("eventsProcessed = %d, want 2", resp.EventsProcessed)
	}

	if w.Header().Get("X-RateLimit-Limit") != "300" {
		t.Errorf("X-RateLimit-Limit = %q, want 300", w.Header().Get("X-RateLimit-Limit"))
	}

	events, err := f.events.ListBySession(context.Background(), mustSessionID(t, f, "sess-1"))
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("stored events = %d, want 2", len(events))
	}
}

func mustSessionID(t *testing.T, f *apiFixture, clientID string) string {
	t.Helper()
	s, err := f.sessions.GetBySessionID(context.Background(), clientID)
	if err != nil {
		t.Fatalf("resolving session %s: %v", clientID, err)
	}
	return s.ID
}

func TestTrack_ValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body TrackRequest
	}{
		{"missing workspace", TrackRequest{PageID: "page-1", Events: []TrackEventRequest{{SessionID: "s", VisitorID: "v", EventType: "page_view"}}}},
		{"missing page", TrackRequest{WorkspaceSlug: "acme", Events: []TrackEventRequest{{SessionID: "s", VisitorID: "v", EventType: "page_view"}}}},
		{"empty events", TrackRequest{WorkspaceSlug: "acme", PageID: "page-1"}},
		{"missing session id", TrackRequest{WorkspaceSlug: "acme", PageID: "page-1", Events: []TrackEventRequest{{VisitorID: "v", EventType: "page_view"}}}},
		{"unknown event type", TrackRequest{WorkspaceSlug: "acme", PageID: "page-1", Events: []TrackEventRequest{{SessionID: "s", VisitorID: "v", EventType: "hover"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, trackRequest(t, tt.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestTrack_MalformedJSON(t *testing.T) {
	f := newAPIFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/analytics/track", strings.NewReader("{not json"))
	r.RemoteAddr = "192.0.2.1:1234"
	w := f.do(t, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTrack_UnknownPage(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, trackRequest(t, TrackRequest{
		WorkspaceSlug: "acme",
		PageID:        "page-missing",
		Events:        []TrackEventRequest{{SessionID: "s", VisitorID: "v", EventType: "page_view"}},
	}))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error: %v", err)
	}
	if resp.Error.Code != ErrCodePageNotFound {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodePageNotFound)
	}
}

func TestTrack_WorkspaceMismatch(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, trackRequest(t, TrackRequest{
		WorkspaceSlug: "not-acme",
		PageID:        "page-1",
		Events:        []TrackEventRequest{{SessionID: "s", VisitorID: "v", EventType: "page_view"}},
	}))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestTrack_RateLimited(t *testing.T) {
	// 1-per-minute limit on the real route to exercise the 429 path.
	f := newAPIFixtureWithLimit(t, middleware.RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
	})

	req := TrackRequest{
		WorkspaceSlug: "acme",
		PageID:        "page-1",
		Events:        []TrackEventRequest{{SessionID: "sess-rl", VisitorID: "vis-rl", EventType: "page_view"}},
	}

	w := f.do(t, trackRequest(t, req))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body = %s", w.Code, w.Body.String())
	}

	w = f.do(t, trackRequest(t, req))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set on 429")
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset not set on 429")
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error: %v", err)
	}
	if resp.Error.Code != ErrCodeRateLimited {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrCodeRateLimited)
	}
}

func TestTrack_VariantCountersApplied(t *testing.T) {
	f := newAPIFixture(t)

	variantB := "var-b"
	w := f.do(t, trackRequest(t, TrackRequest{
		WorkspaceSlug: "acme",
		PageID:        "page-1",
		Events: []TrackEventRequest{
			{SessionID: "s1", VisitorID: "v1", EventType: "page_view", VariantID: &variantB},
			{SessionID: "s1", VisitorID: "v1", EventType: "conversion", VariantID: &variantB},
		},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	variants, err := f.tests.ListVariants(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("listing variants: %v", err)
	}
	for _, v := range variants {
		if v.ID != variantB {
			continue
		}
		if v.Impressions != 2 || v.Conversions != 1 {
			t.Errorf("var-b counters = %d/%d, want 2/1", v.Impressions, v.Conversions)
		}
		if v.ConversionRate != 0.5 {
			t.Errorf("var-b rate = %f, want 0.5", v.ConversionRate)
		}
	}
}
