package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pagelift/pagelift/internal/auth"
	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/funnel"
	"github.com/pagelift/pagelift/internal/middleware"
)

// FunnelHandlers holds dependencies for funnel HTTP handlers.
type FunnelHandlers struct {
	analyzer *funnel.Analyzer
}

// NewFunnelHandlers creates a new FunnelHandlers instance.
func NewFunnelHandlers(analyzer *funnel.Analyzer) *FunnelHandlers {
	return &FunnelHandlers{analyzer: analyzer}
}

// parseScope reads the common workspaceId/pageId/from/to query parameters.
// Returns an error message for the client, empty string if valid.
func parseScope(r *http.Request) (event.Scope, string) {
	q := r.URL.Query()

	scope := event.Scope{WorkspaceID: q.Get("workspaceId")}
	if scope.WorkspaceID == "" {
		return scope, "workspaceId is required"
	}
	if pageID := q.Get("pageId"); pageID != "" {
		scope.PageID = &pageID
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return scope, "from must be RFC 3339"
		}
		scope.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return scope, "to must be RFC 3339"
		}
		scope.To = &t
	}
	return scope, ""
}

// workspaceAllowed reports whether the requested workspace matches the
// token's workspace scope.
func workspaceAllowed(r *http.Request, workspaceID string) bool {
	return workspaceID == auth.GetWorkspaceID(r.Context())
}

func writeWorkspaceMismatch(w http.ResponseWriter, r *http.Request) {
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeWorkspaceMismatch)
	WriteError(w, ctx, http.StatusForbidden, ErrCodeWorkspaceMismatch, "Token is not scoped to the requested workspace")
}

// Analyze handles GET /analytics/funnels?type=analyze&steps=<json>.
// steps is a JSON-encoded ordered array of funnel steps. Unknown type
// values and malformed JSON are 400s, never silently defaulted.
func (h *FunnelHandlers) Analyze(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("type") != "analyze" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "type must be analyze")
		return
	}

	scope, errMsg := parseScope(r)
	if errMsg != "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, errMsg)
		return
	}
	if !workspaceAllowed(r, scope.WorkspaceID) {
		writeWorkspaceMismatch(w, r)
		return
	}

	stepsJSON := q.Get("steps")
	if stepsJSON == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidFunnel)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidFunnel, "steps is required")
		return
	}
	var steps []funnel.Step
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidFunnel)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidFunnel, "steps must be a JSON array of funnel steps")
		return
	}
	if len(steps) == 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidFunnel)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidFunnel, "steps must not be empty")
		return
	}
	for i := range steps {
		if !steps[i].EventType.Valid() {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidFunnel)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidFunnel, "unknown eventType "+string(steps[i].EventType))
			return
		}
	}

	result, err := h.analyzer.Analyze(r.Context(), scope, steps)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to analyze funnel", "error", err, "workspace_id", scope.WorkspaceID)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to analyze funnel")
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, result)
}
