package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pagelift/pagelift/internal/cohort"
	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/session"
)

// seedCohortSession inserts one session and, if converted, a conversion
// event referencing its durable row ID.
func seedCohortSession(t *testing.T, f *apiFixture, visitorID string, utmSource, country *string, startedAt time.Time, converted bool) *session.Session {
	t.Helper()

	stored, err := f.sessions.Insert(context.Background(), &session.Session{
		ID:          uuid.New().String(),
		SessionID:   uuid.New().String(),
		VisitorID:   visitorID,
		WorkspaceID: "ws-1",
		PageID:      "page-1",
		UTMSource:   utmSource,
		Country:     country,
		StartedAt:   startedAt,
	})
	if err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	if converted {
		err := f.events.InsertBatch(context.Background(), []*event.Event{{
			ID: uuid.New().String(), SessionID: stored.ID, WorkspaceID: "ws-1",
			PageID: "page-1", Type: event.TypeConversion, IsConversion: true,
			OccurredAt: startedAt.Add(time.Minute),
		}})
		if err != nil {
			t.Fatalf("seeding conversion: %v", err)
		}
	}
	return stored
}

func cohortURL(queryType, cohortJSON string) string {
	q := url.Values{}
	q.Set("type", queryType)
	q.Set("workspaceId", "ws-1")
	if cohortJSON != "" {
		q.Set("cohort", cohortJSON)
	}
	return "/analytics/cohorts?" + q.Encode()
}

func TestCohortBreakdown_BySource(t *testing.T) {
	f := newAPIFixture(t)

	google := "google"
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	seedCohortSession(t, f, "v1", &google, nil, start, true)
	seedCohortSession(t, f, "v2", &google, nil, start, true)
	seedCohortSession(t, f, "v3", &google, nil, start, false)
	seedCohortSession(t, f, "v4", nil, nil, start, false)
	seedCohortSession(t, f, "v5", nil, nil, start, false)

	w := f.do(t, authedRequest(t, f, http.MethodGet, cohortURL("source", ""), ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var rows []cohort.ConversionRow
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Rows are sorted by cohort ID.
	if rows[0].CohortID != "direct" || rows[0].Size != 2 || rows[0].Converted != 0 {
		t.Errorf("direct row = %+v", rows[0])
	}
	if rows[1].CohortID != "google" || rows[1].Size != 3 || rows[1].Converted != 2 {
		t.Errorf("google row = %+v", rows[1])
	}
	if rows[1].Rate < 0.66 || rows[1].Rate > 0.67 {
		t.Errorf("google rate = %f, want 2/3", rows[1].Rate)
	}
}

func TestCohortBreakdown_ByGeo(t *testing.T) {
	f := newAPIFixture(t)

	us := "US"
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	seedCohortSession(t, f, "v1", nil, &us, start, true)
	seedCohortSession(t, f, "v2", nil, nil, start, false)

	w := f.do(t, authedRequest(t, f, http.MethodGet, cohortURL("geo", ""), ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var rows []cohort.ConversionRow
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].CohortID != "US" || rows[0].Converted != 1 {
		t.Errorf("US row = %+v", rows[0])
	}
	if rows[1].CohortID != "unknown" || rows[1].Converted != 0 {
		t.Errorf("unknown row = %+v", rows[1])
	}
}

func TestCohortRetention(t *testing.T) {
	f := newAPIFixture(t)

	// Two sessions in the same ISO week; only v1 comes back in week two.
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	s1 := seedCohortSession(t, f, "v1", nil, nil, start, false)
	seedCohortSession(t, f, "v2", nil, nil, start.Add(time.Hour), false)

	err := f.events.InsertBatch(context.Background(), []*event.Event{{
		ID: uuid.New().String(), SessionID: s1.ID, WorkspaceID: "ws-1",
		PageID: "page-1", Type: event.TypePageView,
		OccurredAt: start.Add(8 * 24 * time.Hour),
	}})
	if err != nil {
		t.Fatalf("seeding return visit: %v", err)
	}

	def := `{"id":"ret-1","kind":"weekly","periods":2,"periodDays":7}`
	w := f.do(t, authedRequest(t, f, http.MethodGet, cohortURL("retention", def), ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var matrix cohort.Matrix
	if err := json.NewDecoder(w.Body).Decode(&matrix); err != nil {
		t.Fatalf("decoding matrix: %v", err)
	}
	if matrix.DefinitionID != "ret-1" || matrix.Periods != 2 {
		t.Fatalf("matrix header = %+v", matrix)
	}
	if len(matrix.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(matrix.Rows))
	}
	row := matrix.Rows[0]
	if row.CohortID != "2025-W23" || row.Size != 2 {
		t.Errorf("row = %+v", row)
	}
	if row.Retention[0] != 1 {
		t.Errorf("period 0 retention = %f, want 1", row.Retention[0])
	}
	if row.Retention[1] != 0.5 {
		t.Errorf("period 1 retention = %f, want 0.5", row.Retention[1])
	}
}

func TestCohortCompare(t *testing.T) {
	f := newAPIFixture(t)

	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	google := "google"
	seedCohortSession(t, f, "v1", &google, nil, start, false)

	defs := `[{"id":"a","kind":"weekly","periods":1},{"id":"b","kind":"source","periods":1}]`
	w := f.do(t, authedRequest(t, f, http.MethodGet, cohortURL("compare", defs), ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var matrices []*cohort.Matrix
	if err := json.NewDecoder(w.Body).Decode(&matrices); err != nil {
		t.Fatalf("decoding matrices: %v", err)
	}
	if len(matrices) != 2 {
		t.Fatalf("matrices = %d, want 2", len(matrices))
	}
	if matrices[0].DefinitionID != "a" || matrices[1].DefinitionID != "b" {
		t.Errorf("definition order = %q, %q", matrices[0].DefinitionID, matrices[1].DefinitionID)
	}
	if matrices[1].Rows[0].CohortID != "google" {
		t.Errorf("source cohort = %q", matrices[1].Rows[0].CohortID)
	}
}

func TestCohortAnalyze_WorkspaceMismatch(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, authedRequest(t, f, http.MethodGet, "/analytics/cohorts?type=weekly&workspaceId=ws-2", ""))
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for workspace outside token scope", w.Code)
	}
}

func TestCohortAnalyze_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		path string
	}{
		{"unknown type", cohortURL("hourly", "")},
		{"missing workspace", "/analytics/cohorts?type=weekly"},
		{"retention without cohort", cohortURL("retention", "")},
		{"retention malformed cohort", cohortURL("retention", "{bad")},
		{"retention unknown kind", cohortURL("retention", `{"id":"x","kind":"daily","periods":2}`)},
		{"retention zero periods", cohortURL("retention", `{"id":"x","kind":"weekly","periods":0}`)},
		{"conversion without cohort", cohortURL("conversion", "")},
		{"compare not an array", cohortURL("compare", `{"id":"x"}`)},
		{"compare empty array", cohortURL("compare", `[]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, authedRequest(t, f, http.MethodGet, tt.path, ""))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body = %s", w.Code, w.Body.String())
			}
		})
	}
}
