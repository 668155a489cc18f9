package event

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEmptyBatch is returned when a bulk insert carries no events.
var ErrEmptyBatch = errors.New("event batch is empty")

// Scope restricts event queries for the analyzers.
type Scope struct {
	WorkspaceID string
	PageID      *string
	From        *time.Time
	To          *time.Time
}

// Matches reports whether the event falls inside the scope.
func (sc Scope) Matches(e *Event) bool {
	if e.WorkspaceID != sc.WorkspaceID {
		return false
	}
	if sc.PageID != nil && e.PageID != *sc.PageID {
		return false
	}
	if sc.From != nil && e.OccurredAt.Before(*sc.From) {
		return false
	}
	if sc.To != nil && e.OccurredAt.After(*sc.To) {
		return false
	}
	return true
}

// Repository defines append-only durable event storage.
type Repository interface {
	// InsertBatch persists all events in one write. The batch either
	// fully succeeds or fully fails; there is no partial success.
	InsertBatch(ctx context.Context, events []*Event) error

	// ListByScope returns events within the scope ordered by occurrence time.
	ListByScope(ctx context.Context, scope Scope) ([]*Event, error)

	// ListBySession returns a session's events ordered by occurrence time.
	ListBySession(ctx context.Context, sessionID string) ([]*Event, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and single-instance development.
type InMemoryRepository struct {
	mu     sync.RWMutex
	events []*Event
}

// NewInMemoryRepository creates an empty in-memory event repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// InsertBatch persists all events in one write.
func (r *InMemoryRepository) InsertBatch(_ context.Context, events []*Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	copies := make([]*Event, len(events))
	for i, e := range events {
		copies[i] = e.clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, copies...)
	return nil
}

// ListByScope returns events within the scope ordered by occurrence time.
func (r *InMemoryRepository) ListByScope(ctx context.Context, scope Scope) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []*Event{}
	for _, e := range r.events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if scope.Matches(e) {
			result = append(result, e.clone())
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// ListBySession returns a session's events ordered by occurrence time.
func (r *InMemoryRepository) ListBySession(_ context.Context, sessionID string) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []*Event{}
	for _, e := range r.events {
		if e.SessionID == sessionID {
			result = append(result, e.clone())
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}
