package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// PostgresRepository implements Repository backed by PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const sessionColumns = `id, session_id, visitor_id, workspace_id, page_id, variant_id,
	referrer, utm_source, utm_medium, utm_campaign, country, user_agent, started_at`

// Insert stores the session. ON CONFLICT on the client session_id makes the
// insert a no-op for duplicates, and the follow-up fetch returns whichever
// record won, so concurrent first-touch requests converge on one row.
func (r *PostgresRepository) Insert(ctx context.Context, s *Session) (*Session, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id) DO NOTHING
	`, s.ID, s.SessionID, s.VisitorID, s.WorkspaceID, s.PageID, s.VariantID,
		s.Referrer, s.UTMSource, s.UTMMedium, s.UTMCampaign, s.Country, s.UserAgent, s.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	return r.GetBySessionID(ctx, s.SessionID)
}

// GetBySessionID retrieves a session by its client-generated ID.
func (r *PostgresRepository) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE session_id = $1
	`, sessionID)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return s, nil
}

// ListByScope returns all sessions within the scope.
func (r *PostgresRepository) ListByScope(ctx context.Context, scope Scope) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE workspace_id = $1
			AND ($2::text IS NULL OR page_id = $2)
			AND ($3::timestamptz IS NULL OR started_at >= $3)
			AND ($4::timestamptz IS NULL OR started_at <= $4)
		ORDER BY started_at
	`

	rows, err := r.db.QueryContext(ctx, query, scope.WorkspaceID, scope.PageID, scope.From, scope.To)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close session rows", "error", err)
		}
	}()

	result := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return result, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var s Session
	err := sc.Scan(&s.ID, &s.SessionID, &s.VisitorID, &s.WorkspaceID, &s.PageID, &s.VariantID,
		&s.Referrer, &s.UTMSource, &s.UTMMedium, &s.UTMCampaign, &s.Country, &s.UserAgent, &s.StartedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
