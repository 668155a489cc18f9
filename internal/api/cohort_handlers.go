package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pagelift/pagelift/internal/cohort"
	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/middleware"
	"github.com/pagelift/pagelift/internal/session"
)

// CohortHandlers holds dependencies for cohort HTTP handlers.
type CohortHandlers struct {
	analyzer *cohort.Analyzer
}

// NewCohortHandlers creates a new CohortHandlers instance.
func NewCohortHandlers(analyzer *cohort.Analyzer) *CohortHandlers {
	return &CohortHandlers{analyzer: analyzer}
}

// sessionScope converts the shared query-parameter scope to a session scope.
func sessionScope(sc event.Scope) session.Scope {
	return session.Scope{
		WorkspaceID: sc.WorkspaceID,
		PageID:      sc.PageID,
		From:        sc.From,
		To:          sc.To,
	}
}

// Analyze handles GET /analytics/cohorts?type={weekly|source|geo|retention|conversion|compare}.
//
// weekly/source/geo run a bare conversion breakdown by cohort kind.
// retention and conversion require a JSON-encoded cohort definition in
// the cohort parameter; compare requires a JSON-encoded array of them.
// Malformed JSON and unknown type values are 400s.
func (h *CohortHandlers) Analyze(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	eventScope, errMsg := parseScope(r)
	if errMsg != "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, errMsg)
		return
	}
	if !workspaceAllowed(r, eventScope.WorkspaceID) {
		writeWorkspaceMismatch(w, r)
		return
	}
	scope := sessionScope(eventScope)

	var (
		result any
		err    error
	)
	switch queryType := q.Get("type"); queryType {
	case "weekly", "source", "geo":
		result, err = h.analyzer.Breakdown(r.Context(), scope, cohort.Kind(queryType))

	case "retention":
		def, errMsg := decodeDefinition(q.Get("cohort"))
		if errMsg != "" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidCohort)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCohort, errMsg)
			return
		}
		result, err = h.analyzer.Retention(r.Context(), scope, def)

	case "conversion":
		def, errMsg := decodeDefinition(q.Get("cohort"))
		if errMsg != "" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidCohort)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCohort, errMsg)
			return
		}
		result, err = h.analyzer.Conversion(r.Context(), scope, def)

	case "compare":
		defs, errMsg := decodeDefinitions(q.Get("cohort"))
		if errMsg != "" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidCohort)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCohort, errMsg)
			return
		}
		result, err = h.analyzer.Compare(r.Context(), scope, defs)

	default:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "unknown type "+queryType)
		return
	}

	if err != nil {
		if errors.Is(err, cohort.ErrInvalidDefinition) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidCohort)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCohort, err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "failed to analyze cohorts", "error", err, "workspace_id", scope.WorkspaceID)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to analyze cohorts")
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, result)
}

// decodeDefinition parses one cohort definition from a query parameter.
// Returns an error message for the client, empty string if valid.
func decodeDefinition(raw string) (cohort.Definition, string) {
	var def cohort.Definition
	if raw == "" {
		return def, "cohort is required"
	}
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return def, "cohort must be a JSON-encoded cohort definition"
	}
	return def, ""
}

// decodeDefinitions parses an array of cohort definitions.
func decodeDefinitions(raw string) ([]cohort.Definition, string) {
	if raw == "" {
		return nil, "cohort is required"
	}
	var defs []cohort.Definition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, "cohort must be a JSON array of cohort definitions"
	}
	if len(defs) == 0 {
		return nil, "cohort must not be empty"
	}
	return defs, ""
}
