package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pagelift/pagelift/internal/tracing"
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

const eventColumns = `id, session_id, workspace_id, page_id, variant_id,
	event_type, element_id, is_conversion, conversion_value, event_data, occurred_at, created_at`

// InsertBatch persists all events in a single multi-row INSERT so the
// batch is atomic: either every event lands or none do.
func (r *PostgresRepository) InsertBatch(ctx context.Context, events []*Event) (retErr error) {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "analytics_events", tracing.DBOperationInsert)
	defer func() { endSpan(retErr) }()

	const fieldsPerRow = 12
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*fieldsPerRow)

	for i, e := range events {
		base := i * fieldsPerRow
		marks := make([]string, fieldsPerRow)
		for j := range marks {
			marks[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")

		var data []byte
		if e.Data != nil {
			var err error
			data, err = json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("marshaling event data: %w", err)
			}
		}

		args = append(args, e.ID, e.SessionID, e.WorkspaceID, e.PageID, e.VariantID,
			string(e.Type), e.ElementID, e.IsConversion, e.ConversionValue, data,
			e.OccurredAt, e.CreatedAt)
	}

	query := `INSERT INTO analytics_events (` + eventColumns + `) VALUES ` +
		strings.Join(placeholders, ", ")

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk inserting %d events: %w", len(events), err)
	}
	return nil
}

// ListByScope returns events within the scope ordered by occurrence time.
func (r *PostgresRepository) ListByScope(ctx context.Context, scope Scope) ([]*Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM analytics_events
		WHERE workspace_id = $1
			AND ($2::text IS NULL OR page_id = $2)
			AND ($3::timestamptz IS NULL OR occurred_at >= $3)
			AND ($4::timestamptz IS NULL OR occurred_at <= $4)
		ORDER BY occurred_at
	`, scope.WorkspaceID, scope.PageID, scope.From, scope.To)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return r.collect(rows)
}

// ListBySession returns a session's events ordered by occurrence time.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM analytics_events
		WHERE session_id = $1
		ORDER BY occurred_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session events: %w", err)
	}
	return r.collect(rows)
}

func (r *PostgresRepository) collect(rows *sql.Rows) ([]*Event, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close event rows", "error", err)
		}
	}()

	result := []*Event{}
	for rows.Next() {
		var (
			e         Event
			eventType string
			data      []byte
		)
		err := rows.Scan(&e.ID, &e.SessionID, &e.WorkspaceID, &e.PageID, &e.VariantID,
			&eventType, &e.ElementID, &e.IsConversion, &e.ConversionValue, &data,
			&e.OccurredAt, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = Type(eventType)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshaling event data: %w", err)
			}
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return result, nil
}
