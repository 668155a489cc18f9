// Package page is the boundary to the page-builder subsystem. The engine
// only needs to resolve a page and verify workspace ownership before
// accepting events; everything else about pages lives outside this
// repository.
package page

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no page exists for the given ID.
var ErrNotFound = errors.New("page not found")

// Page is the slice of the builder's page record the engine cares about.
type Page struct {
	ID            string
	WorkspaceID   string
	WorkspaceSlug string
	Name          string
	Published     bool
}

// Repository resolves pages for batch validation.
type Repository interface {
	// GetByID retrieves a page. Returns ErrNotFound if missing.
	GetByID(ctx context.Context, id string) (*Page, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and single-instance development.
type InMemoryRepository struct {
	mu    sync.RWMutex
	pages map[string]*Page
}

// NewInMemoryRepository creates an empty in-memory page repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{pages: make(map[string]*Page)}
}

// Put seeds a page.
func (r *InMemoryRepository) Put(p *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc := *p
	r.pages[p.ID] = &pc
}

// GetByID retrieves a page.
func (r *InMemoryRepository) GetByID(_ context.Context, id string) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	pc := *p
	return &pc, nil
}
