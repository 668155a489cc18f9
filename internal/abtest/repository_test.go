package abtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedTest(repo *InMemoryRepository) {
	repo.PutTest(
		&Test{
			ID:                "test-1",
			WorkspaceID:       "ws-1",
			PageID:            "page-1",
			Name:              "Hero headline",
			Status:            StatusRunning,
			ConfidenceLevel:   0.95,
			MinimumSampleSize: 100,
		},
		&Variant{ID: "var-control", Name: "Control", IsControl: true},
		&Variant{ID: "var-b", Name: "Challenger"},
	)
}

func TestInMemoryRepository_GetTest(t *testing.T) {
	repo := NewInMemoryRepository()
	seedTest(repo)

	got, err := repo.GetTest(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "Hero headline" {
		t.Errorf("unexpected test: %+v", got)
	}

	if _, err := repo.GetTest(context.Background(), "nope"); err != ErrTestNotFound {
		t.Errorf("expected ErrTestNotFound, got %v", err)
	}
}

func TestInMemoryRepository_ListVariants_ControlFirst(t *testing.T) {
	repo := NewInMemoryRepository()
	seedTest(repo)

	variants, err := repo.ListVariants(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(variants))
	}
	if !variants[0].IsControl {
		t.Error("control should be listed first")
	}
}

func TestApplyVariantDeltas_RecomputesRate(t *testing.T) {
	repo := NewInMemoryRepository()
	seedTest(repo)
	ctx := context.Background()

	err := repo.ApplyVariantDeltas(ctx, map[string]VariantDelta{
		"var-b": {Impressions: 10, Conversions: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	variants, _ := repo.ListVariants(ctx, "test-1")
	var b *Variant
	for _, v := range variants {
		if v.ID == "var-b" {
			b = v
		}
	}
	if b.Impressions != 10 || b.Conversions != 3 {
		t.Errorf("unexpected counters: %+v", b)
	}
	if b.ConversionRate != 0.3 {
		t.Errorf("rate not recomputed from post-increment counters: %v", b.ConversionRate)
	}
}

func TestApplyVariantDeltas_UnknownVariantAbortsWholeBatch(t *testing.T) {
	repo := NewInMemoryRepository()
	seedTest(repo)
	ctx := context.Background()

	err := repo.ApplyVariantDeltas(ctx, map[string]VariantDelta{
		"var-b":    {Impressions: 10},
		"var-nope": {Impressions: 5},
	})
	if !errors.Is(err, ErrVariantNotFound) {
		t.Fatalf("expected ErrVariantNotFound, got %v", err)
	}

	variants, _ := repo.ListVariants(ctx, "test-1")
	for _, v := range variants {
		if v.Impressions != 0 {
			t.Errorf("partial delta leaked into %s: %d impressions", v.ID, v.Impressions)
		}
	}
}

func TestApplyVariantDeltas_ConcurrentBatchesSerialize(t *testing.T) {
	repo := NewInMemoryRepository()
	seedTest(repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.ApplyVariantDeltas(ctx, map[string]VariantDelta{
				"var-b": {Impressions: 2, Conversions: 1},
			})
		}()
	}
	wg.Wait()

	variants, _ := repo.ListVariants(ctx, "test-1")
	for _, v := range variants {
		if v.ID != "var-b" {
			continue
		}
		if v.Impressions != 100 || v.Conversions != 50 {
			t.Errorf("lost updates: %d/%d", v.Conversions, v.Impressions)
		}
		if v.ConversionRate != 0.5 {
			t.Errorf("rate inconsistent with counters: %v", v.ConversionRate)
		}
		if v.Conversions > v.Impressions {
			t.Error("invariant violated: conversions > impressions")
		}
	}
}

func TestDeclareWinner(t *testing.T) {
	repo := NewInMemoryRepository()
	seedTest(repo)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	got, err := repo.DeclareWinner(ctx, "test-1", "var-b", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
	if got.WinningVariantID == nil || *got.WinningVariantID != "var-b" {
		t.Errorf("winner not recorded: %v", got.WinningVariantID)
	}
	if got.DeclaredAt == nil || !got.DeclaredAt.Equal(at) {
		t.Errorf("declaredAt not stamped: %v", got.DeclaredAt)
	}
	if got.EndDate == nil || !got.EndDate.Equal(at) {
		t.Errorf("endDate should default to declaration time: %v", got.EndDate)
	}
}

func TestDeclareWinner_PreservesExistingEndDate(t *testing.T) {
	repo := NewInMemoryRepository()
	end := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	repo.PutTest(
		&Test{ID: "test-2", Status: StatusPaused, EndDate: &end},
		&Variant{ID: "var-x", IsControl: true},
	)

	got, err := repo.DeclareWinner(context.Background(), "test-2", "var-x", end.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.EndDate.Equal(end) {
		t.Errorf("existing endDate overwritten: %v", got.EndDate)
	}
}

func TestDeclareWinner_Validation(t *testing.T) {
	repo := NewInMemoryRepository()
	seedTest(repo)
	repo.PutTest(
		&Test{ID: "test-done", Status: StatusCompleted},
		&Variant{ID: "var-done", IsControl: true},
	)
	ctx := context.Background()
	now := time.Now()

	if _, err := repo.DeclareWinner(ctx, "missing", "var-b", now); err != ErrTestNotFound {
		t.Errorf("expected ErrTestNotFound, got %v", err)
	}
	if _, err := repo.DeclareWinner(ctx, "test-1", "missing", now); err != ErrVariantNotFound {
		t.Errorf("expected ErrVariantNotFound, got %v", err)
	}
	if _, err := repo.DeclareWinner(ctx, "test-1", "var-done", now); err != ErrVariantMismatch {
		t.Errorf("expected ErrVariantMismatch, got %v", err)
	}
	if _, err := repo.DeclareWinner(ctx, "test-done", "var-done", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}
