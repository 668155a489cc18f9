package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no session exists for the given key.
var ErrNotFound = errors.New("session not found")

// Scope restricts session queries for the analyzers.
type Scope struct {
	WorkspaceID string
	PageID      *string
	From        *time.Time
	To          *time.Time
}

// Matches reports whether the session falls inside the scope.
func (sc Scope) Matches(s *Session) bool {
	if s.WorkspaceID != sc.WorkspaceID {
		return false
	}
	if sc.PageID != nil && s.PageID != *sc.PageID {
		return false
	}
	if sc.From != nil && s.StartedAt.Before(*sc.From) {
		return false
	}
	if sc.To != nil && s.StartedAt.After(*sc.To) {
		return false
	}
	return true
}

// Repository defines durable session storage.
//
// Insert is a conditional insert: when a session with the same client
// SessionID already exists, implementations return the existing record
// rather than creating a duplicate. This closes the check-then-create
// race at the storage boundary for concurrent first-touch requests.
type Repository interface {
	// Insert stores the session, or returns the already-stored session
	// with the same client SessionID.
	Insert(ctx context.Context, s *Session) (*Session, error)

	// GetBySessionID retrieves a session by its client-generated ID.
	// Returns ErrNotFound when no such session exists.
	GetBySessionID(ctx context.Context, sessionID string) (*Session, error)

	// ListByScope returns all sessions within the scope.
	ListByScope(ctx context.Context, scope Scope) ([]*Session, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and single-instance development.
type InMemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session // client SessionID -> session
}

// NewInMemoryRepository creates an empty in-memory session repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{sessions: make(map[string]*Session)}
}

// Insert stores the session, or returns the existing one for the same
// client SessionID.
func (r *InMemoryRepository) Insert(_ context.Context, s *Session) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.SessionID]; ok {
		return existing.clone(), nil
	}

	stored := s.clone()
	r.sessions[s.SessionID] = stored
	return stored.clone(), nil
}

// GetBySessionID retrieves a session by its client-generated ID.
func (r *InMemoryRepository) GetBySessionID(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// ListByScope returns all sessions within the scope.
func (r *InMemoryRepository) ListByScope(ctx context.Context, scope Scope) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []*Session{}
	for _, s := range r.sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if scope.Matches(s) {
			result = append(result, s.clone())
		}
	}
	return result, nil
}
