package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pagelift/pagelift/internal/abtest"
	"github.com/pagelift/pagelift/internal/auth"
	"github.com/pagelift/pagelift/internal/middleware"
	"github.com/pagelift/pagelift/internal/stats"
)

// VariantResponse is one variant in a test detail response.
type VariantResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	IsControl      bool    `json:"isControl"`
	Impressions    int64   `json:"impressions"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
	// CILower/CIUpper are the Wilson score bounds on this variant's own
	// conversion rate at the test's confidence level.
	CILower float64 `json:"ciLower"`
	CIUpper float64 `json:"ciUpper"`
}

// StatisticsResponse is the significance block of a test detail response.
type StatisticsResponse struct {
	HasSignificance    bool       `json:"hasSignificance"`
	PValue             float64    `json:"pValue"`
	ConfidenceInterval [2]float64 `json:"confidenceInterval"`
	RecommendedWinner  string     `json:"recommendedWinner"`
	SampleSizeReached  bool       `json:"sampleSizeReached"`
}

// TestResponse is the body for GET /ab-tests/{testID}.
type TestResponse struct {
	ID                string              `json:"id"`
	WorkspaceID       string              `json:"workspaceId"`
	PageID            string              `json:"pageId"`
	Name              string              `json:"name"`
	Status            string              `json:"status"`
	ConfidenceLevel   float64             `json:"confidenceLevel"`
	MinimumSampleSize int64               `json:"minimumSampleSize"`
	WinningVariantID  *string             `json:"winningVariantId,omitempty"`
	StartDate         *time.Time          `json:"startDate,omitempty"`
	EndDate           *time.Time          `json:"endDate,omitempty"`
	DeclaredAt        *time.Time          `json:"declaredAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	Variants          []VariantResponse   `json:"variants"`
	Statistics        *StatisticsResponse `json:"statistics,omitempty"`
}

// DeclareWinnerRequest is the body for POST /ab-tests/{testID}/declare-winner.
type DeclareWinnerRequest struct {
	WinningVariantID string `json:"winningVariantId"`
}

// TestHandlers holds dependencies for A/B test HTTP handlers.
type TestHandlers struct {
	tests abtest.Repository
	now   func() time.Time
}

// NewTestHandlers creates a new TestHandlers instance.
func NewTestHandlers(tests abtest.Repository) *TestHandlers {
	return &TestHandlers{tests: tests, now: time.Now}
}

// GetTest handles GET /ab-tests/{testID} - returns the test, its
// variants with Wilson bounds, and the significance statistics computed
// from the stored counters.
func (h *TestHandlers) GetTest(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("testID")

	test, err := h.tests.GetTest(r.Context(), testID)
	if err != nil {
		if errors.Is(err, abtest.ErrTestNotFound) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeTestNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeTestNotFound, "Test not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to retrieve test", "error", err, "test_id", testID)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to retrieve test")
		return
	}

	// Tests outside the token's workspace are indistinguishable from
	// missing ones.
	if test.WorkspaceID != auth.GetWorkspaceID(r.Context()) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeTestNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeTestNotFound, "Test not found")
		return
	}

	variants, err := h.tests.ListVariants(r.Context(), testID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list variants", "error", err, "test_id", testID)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list variants")
		return
	}

	resp := TestResponse{
		ID:                test.ID,
		WorkspaceID:       test.WorkspaceID,
		PageID:            test.PageID,
		Name:              test.Name,
		Status:            string(test.Status),
		ConfidenceLevel:   test.ConfidenceLevel,
		MinimumSampleSize: test.MinimumSampleSize,
		WinningVariantID:  test.WinningVariantID,
		StartDate:         test.StartDate,
		EndDate:           test.EndDate,
		DeclaredAt:        test.DeclaredAt,
		CreatedAt:         test.CreatedAt,
		Variants:          make([]VariantResponse, 0, len(variants)),
	}

	arms := make([]stats.Arm, 0, len(variants))
	for _, v := range variants {
		lower, upper := stats.WilsonInterval(v.Conversions, v.Impressions, test.ConfidenceLevel)
		resp.Variants = append(resp.Variants, VariantResponse{
			ID:             v.ID,
			Name:           v.Name,
			IsControl:      v.IsControl,
			Impressions:    v.Impressions,
			Conversions:    v.Conversions,
			ConversionRate: v.ConversionRate,
			CILower:        lower,
			CIUpper:        upper,
		})
		arms = append(arms, stats.Arm{
			VariantID: v.ID,
			IsControl: v.IsControl,
			Observation: stats.Observation{
				Conversions: v.Conversions,
				Impressions: v.Impressions,
			},
		})
	}

	opts := stats.Options{
		ConfidenceLevel:   test.ConfidenceLevel,
		MinimumSampleSize: test.MinimumSampleSize,
	}
	winner, err := stats.SelectWinner(arms, opts)
	if err == nil {
		resp.Statistics = &StatisticsResponse{
			HasSignificance:    winner.HasSignificance,
			PValue:             winner.Decisive.PValue,
			ConfidenceInterval: [2]float64{winner.Decisive.CILower, winner.Decisive.CIUpper},
			RecommendedWinner:  winner.WinningVariantID,
			SampleSizeReached:  winner.Decisive.SampleSizeReached,
		}
	}
	// A test with no control (or no variants yet) has no statistics
	// block; the rest of the payload still renders.

	WriteJSON(w, r.Context(), http.StatusOK, resp)
}

// DeclareWinner handles POST /ab-tests/{testID}/declare-winner.
// The variant must belong to the test and the test must be running or
// paused. On success the test transitions to COMPLETED with declaredAt
// stamped and endDate set if it was unset.
func (h *TestHandlers) DeclareWinner(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("testID")

	var req DeclareWinnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}
	if req.WinningVariantID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "winningVariantId is required")
		return
	}

	existing, err := h.tests.GetTest(r.Context(), testID)
	if err != nil && !errors.Is(err, abtest.ErrTestNotFound) {
		slog.ErrorContext(r.Context(), "failed to retrieve test", "error", err, "test_id", testID)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to retrieve test")
		return
	}
	// Unknown tests and tests in another workspace get the same answer.
	if err != nil || existing.WorkspaceID != auth.GetWorkspaceID(r.Context()) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeTestNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeTestNotFound, "Test not found")
		return
	}

	test, err := h.tests.DeclareWinner(r.Context(), testID, req.WinningVariantID, h.now())
	if err != nil {
		switch {
		case errors.Is(err, abtest.ErrTestNotFound):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeTestNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeTestNotFound, "Test not found")
		case errors.Is(err, abtest.ErrVariantNotFound), errors.Is(err, abtest.ErrVariantMismatch):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeVariantMismatch)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeVariantMismatch, "Variant does not belong to test")
		case errors.Is(err, abtest.ErrInvalidTransition):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidTransition)
			WriteError(w, ctx, http.StatusConflict, ErrCodeInvalidTransition, "Test cannot be completed from its current status")
		default:
			slog.ErrorContext(r.Context(), "failed to declare winner", "error", err, "test_id", testID)
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to declare winner")
		}
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, map[string]any{
		"id":               test.ID,
		"status":           string(test.Status),
		"winningVariantId": test.WinningVariantID,
		"declaredAt":       test.DeclaredAt,
		"endDate":          test.EndDate,
	})
}
