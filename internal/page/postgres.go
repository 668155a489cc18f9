package page

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepository implements Repository backed by PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID retrieves a page joined with its workspace slug.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Page, error) {
	var p Page
	err := r.db.QueryRowContext(ctx, `
		SELECT p.id, p.workspace_id, w.slug, p.name, p.published
		FROM pages p
		JOIN workspaces w ON w.id = p.workspace_id
		WHERE p.id = $1
	`, id).Scan(&p.ID, &p.WorkspaceID, &p.WorkspaceSlug, &p.Name, &p.Published)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting page: %w", err)
	}
	return &p, nil
}
