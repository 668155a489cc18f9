package abtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrTestNotFound is returned when no test exists for the given ID.
	ErrTestNotFound = errors.New("test not found")

	// ErrVariantNotFound is returned when no variant exists for the given ID.
	ErrVariantNotFound = errors.New("variant not found")

	// ErrVariantMismatch is returned when a variant does not belong to the
	// test it was declared against.
	ErrVariantMismatch = errors.New("variant does not belong to test")

	// ErrInvalidTransition is returned for a lifecycle transition the
	// state machine does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository defines durable storage for tests and variants.
type Repository interface {
	// GetTest retrieves a test by ID. Returns ErrTestNotFound if missing.
	GetTest(ctx context.Context, id string) (*Test, error)

	// ListVariants returns a test's variants, control first.
	ListVariants(ctx context.Context, testID string) ([]*Variant, error)

	// ApplyVariantDeltas atomically increments the counters for every
	// variant in the map and recomputes each conversion rate from the
	// post-increment totals in the same transactional step. Concurrent
	// batches touching the same variant serialize their increments.
	ApplyVariantDeltas(ctx context.Context, deltas map[string]VariantDelta) error

	// DeclareWinner transitions the test to COMPLETED, records the
	// winning variant, stamps declaredAt, and sets endDate if unset.
	// The variant must belong to the test and the transition must be
	// permitted by the lifecycle.
	DeclareWinner(ctx context.Context, testID, variantID string, at time.Time) (*Test, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and single-instance development.
type InMemoryRepository struct {
	mu       sync.RWMutex
	tests    map[string]*Test
	variants map[string]*Variant
}

// NewInMemoryRepository creates an empty in-memory test repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		tests:    make(map[string]*Test),
		variants: make(map[string]*Variant),
	}
}

// PutTest seeds a test and its variants. Intended for tests and dev wiring.
func (r *InMemoryRepository) PutTest(t *Test, variants ...*Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tests[t.ID] = t.clone()
	for _, v := range variants {
		vc := *v
		vc.TestID = t.ID
		r.variants[v.ID] = &vc
	}
}

// GetTest retrieves a test by ID.
func (r *InMemoryRepository) GetTest(_ context.Context, id string) (*Test, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tests[id]
	if !ok {
		return nil, ErrTestNotFound
	}
	return t.clone(), nil
}

// ListVariants returns a test's variants, control first.
func (r *InMemoryRepository) ListVariants(_ context.Context, testID string) ([]*Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []*Variant{}
	for _, v := range r.variants {
		if v.TestID == testID {
			vc := *v
			result = append(result, &vc)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].IsControl != result[j].IsControl {
			return result[i].IsControl
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ApplyVariantDeltas atomically applies all increments under one lock,
// mirroring the single-transaction semantics of the Postgres repository.
func (r *InMemoryRepository) ApplyVariantDeltas(_ context.Context, deltas map[string]VariantDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate before mutating so a bad variant aborts the whole batch.
	for id := range deltas {
		if _, ok := r.variants[id]; !ok {
			return fmt.Errorf("applying delta for %s: %w", id, ErrVariantNotFound)
		}
	}

	for id, d := range deltas {
		v := r.variants[id]
		v.Impressions += d.Impressions
		v.Conversions += d.Conversions
		// Rate is recomputed from the just-updated counters, never from
		// a separately fetched snapshot.
		if v.Impressions > 0 {
			v.ConversionRate = float64(v.Conversions) / float64(v.Impressions)
		} else {
			v.ConversionRate = 0
		}
	}
	return nil
}

// DeclareWinner transitions the test to COMPLETED and records the winner.
func (r *InMemoryRepository) DeclareWinner(_ context.Context, testID, variantID string, at time.Time) (*Test, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tests[testID]
	if !ok {
		return nil, ErrTestNotFound
	}

	v, ok := r.variants[variantID]
	if !ok {
		return nil, ErrVariantNotFound
	}
	if v.TestID != testID {
		return nil, ErrVariantMismatch
	}

	if !t.Status.CanTransitionTo(StatusCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}

	t.Status = StatusCompleted
	t.WinningVariantID = &variantID
	t.DeclaredAt = &at
	if t.EndDate == nil {
		t.EndDate = &at
	}
	return t.clone(), nil
}
