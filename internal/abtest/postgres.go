package abtest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pagelift/pagelift/internal/tracing"
)

// PostgresRepository implements Repository using PostgreSQL with full
// transaction support for counter updates.
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

// GetTest retrieves a test by ID.
func (r *PostgresRepository) GetTest(ctx context.Context, id string) (*Test, error) {
	var (
		t      Test
		status string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, page_id, name, status, confidence_level,
			minimum_sample_size, winning_variant_id, start_date, end_date,
			declared_at, created_at
		FROM ab_tests
		WHERE id = $1
	`, id).Scan(&t.ID, &t.WorkspaceID, &t.PageID, &t.Name, &status, &t.ConfidenceLevel,
		&t.MinimumSampleSize, &t.WinningVariantID, &t.StartDate, &t.EndDate,
		&t.DeclaredAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting test: %w", err)
	}
	t.Status = Status(status)
	return &t, nil
}

// ListVariants returns a test's variants, control first.
func (r *PostgresRepository) ListVariants(ctx context.Context, testID string) ([]*Variant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, test_id, name, is_control, impressions, conversions, conversion_rate
		FROM ab_test_variants
		WHERE test_id = $1
		ORDER BY is_control DESC, id
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("listing variants: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close variant rows", "error", err)
		}
	}()

	result := []*Variant{}
	for rows.Next() {
		var v Variant
		err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.IsControl,
			&v.Impressions, &v.Conversions, &v.ConversionRate)
		if err != nil {
			return nil, fmt.Errorf("scanning variant: %w", err)
		}
		result = append(result, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating variants: %w", err)
	}
	return result, nil
}

// ApplyVariantDeltas applies all counter increments in a single
// transaction. Each UPDATE recomputes conversion_rate from the
// post-increment counters in the same statement, so there is no window
// where the stored rate is stale relative to the counters, and concurrent
// batches serialize on the row locks.
func (r *PostgresRepository) ApplyVariantDeltas(ctx context.Context, deltas map[string]VariantDelta) (retErr error) {
	if len(deltas) == 0 {
		return nil
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "ab_test_variants", tracing.DBOperationUpdate)
	defer func() { endSpan(retErr) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("beginning delta transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			r.logger.Warn("failed to rollback delta transaction", "error", err)
		}
	}()

	// Deterministic order avoids deadlocks between concurrent batches
	// touching overlapping variant sets.
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		d := deltas[id]
		res, err := tx.ExecContext(ctx, `
			UPDATE ab_test_variants
			SET impressions = impressions + $1,
				conversions = conversions + $2,
				conversion_rate = CASE
					WHEN impressions + $1 > 0
					THEN (conversions + $2)::double precision / (impressions + $1)
					ELSE 0
				END
			WHERE id = $3
		`, d.Impressions, d.Conversions, id)
		if err != nil {
			return fmt.Errorf("applying delta for variant %s: %w", id, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking delta result for variant %s: %w", id, err)
		}
		if affected == 0 {
			return fmt.Errorf("applying delta for %s: %w", id, ErrVariantNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delta transaction: %w", err)
	}
	return nil
}

// DeclareWinner transitions the test to COMPLETED and records the winner.
func (r *PostgresRepository) DeclareWinner(ctx context.Context, testID, variantID string, at time.Time) (*Test, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("beginning declare transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			r.logger.Warn("failed to rollback declare transaction", "error", err)
		}
	}()

	var (
		status        string
		variantTestID string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM ab_tests WHERE id = $1 FOR UPDATE`, testID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking test: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT test_id FROM ab_test_variants WHERE id = $1`, variantID).Scan(&variantTestID)
	if err == sql.ErrNoRows {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking variant: %w", err)
	}
	if variantTestID != testID {
		return nil, ErrVariantMismatch
	}

	if !Status(status).CanTransitionTo(StatusCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, StatusCompleted)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ab_tests
		SET status = $1,
			winning_variant_id = $2,
			declared_at = $3,
			end_date = COALESCE(end_date, $3)
		WHERE id = $4
	`, string(StatusCompleted), variantID, at, testID)
	if err != nil {
		return nil, fmt.Errorf("declaring winner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing declare transaction: %w", err)
	}

	return r.GetTest(ctx, testID)
}
