// Package api provides HTTP handlers for the analytics API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/ingest"
	"github.com/pagelift/pagelift/internal/middleware"
	"github.com/pagelift/pagelift/internal/page"
)

// MaxBatchEvents caps the number of events accepted in one tracking
// request. Batches stay small because a failure anywhere aborts the whole
// batch and the client retries it in full.
const MaxBatchEvents = 500

// TrackEventRequest is one client event inside a tracking batch.
type TrackEventRequest struct {
	SessionID       string         `json:"sessionId"`
	VisitorID       string         `json:"visitorId"`
	VariantID       *string        `json:"variantId,omitempty"`
	EventType       string         `json:"eventType"`
	ElementID       *string        `json:"elementId,omitempty"`
	IsConversion    bool           `json:"isConversion"`
	ConversionValue *float64       `json:"conversionValue,omitempty"`
	EventData       map[string]any `json:"eventData,omitempty"`
	Referrer        *string        `json:"referrer,omitempty"`
	UTMSource       *string        `json:"utmSource,omitempty"`
	UTMMedium       *string        `json:"utmMedium,omitempty"`
	UTMCampaign     *string        `json:"utmCampaign,omitempty"`
	Country         *string        `json:"country,omitempty"`
	Timestamp       *time.Time     `json:"timestamp,omitempty"`
}

// TrackRequest is the body for POST /analytics/track.
type TrackRequest struct {
	WorkspaceSlug string              `json:"workspaceSlug"`
	PageID        string              `json:"pageId"`
	Events        []TrackEventRequest `json:"events"`
}

// TrackResponse is the success body for POST /analytics/track.
type TrackResponse struct {
	Success         bool `json:"success"`
	EventsProcessed int  `json:"eventsProcessed"`
}

// TrackHandlers holds dependencies for the ingestion endpoint.
type TrackHandlers struct {
	pipeline *ingest.Pipeline
}

// NewTrackHandlers creates a new TrackHandlers instance.
func NewTrackHandlers(pipeline *ingest.Pipeline) *TrackHandlers {
	return &TrackHandlers{pipeline: pipeline}
}

// Track handles POST /analytics/track - ingests a batch of events.
func (h *TrackHandlers) Track(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if req.WorkspaceSlug == "" || req.PageID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "workspaceSlug and pageId are required")
		return
	}
	if len(req.Events) == 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "events must not be empty")
		return
	}
	if len(req.Events) > MaxBatchEvents {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "batch exceeds maximum of 500 events")
		return
	}

	batch := ingest.Batch{
		WorkspaceSlug: req.WorkspaceSlug,
		PageID:        req.PageID,
		UserAgent:     r.UserAgent(),
		Events:        make([]ingest.IncomingEvent, 0, len(req.Events)),
	}
	for i := range req.Events {
		in := &req.Events[i]

		if in.SessionID == "" || in.VisitorID == "" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "every event requires sessionId and visitorId")
			return
		}
		eventType := event.Type(in.EventType)
		if !eventType.Valid() {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "unknown eventType "+in.EventType)
			return
		}

		incoming := ingest.IncomingEvent{
			SessionID:       in.SessionID,
			VisitorID:       in.VisitorID,
			VariantID:       in.VariantID,
			Type:            eventType,
			ElementID:       in.ElementID,
			IsConversion:    in.IsConversion,
			ConversionValue: in.ConversionValue,
			Data:            in.EventData,
			Referrer:        in.Referrer,
			UTMSource:       in.UTMSource,
			UTMMedium:       in.UTMMedium,
			UTMCampaign:     in.UTMCampaign,
			Country:         in.Country,
		}
		if in.Timestamp != nil {
			incoming.Timestamp = *in.Timestamp
		}
		batch.Events = append(batch.Events, incoming)
	}

	result, err := h.pipeline.Process(r.Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, page.ErrNotFound):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodePageNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodePageNotFound, "Page not found")
		case errors.Is(err, ingest.ErrWorkspaceMismatch):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeWorkspaceMismatch)
			WriteError(w, ctx, http.StatusForbidden, ErrCodeWorkspaceMismatch, "Page does not belong to workspace")
		case errors.Is(err, ingest.ErrEmptyBatch):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "events must not be empty")
		default:
			slog.ErrorContext(r.Context(), "failed to process batch", "error", err, "page_id", req.PageID)
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to process batch")
		}
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, TrackResponse{
		Success:         true,
		EventsProcessed: result.EventsProcessed,
	})
}
