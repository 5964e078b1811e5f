package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duckgate/duckgate/internal/history"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, entry history.Entry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := `
INSERT INTO query_history (identifier, sql_text, disposition, duration_ms, row_count, detail, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, query,
		entry.Identifier,
		entry.SQL,
		string(entry.Disposition),
		entry.Duration.Milliseconds(),
		entry.RowCount,
		entry.Detail,
		at,
	); err != nil {
		return fmt.Errorf("record query history: %w", err)
	}
	return nil
}

// RecentEntries returns the newest entries for an identifier, newest
// first. An empty identifier returns entries across all identifiers.
func (r *Repository) RecentEntries(ctx context.Context, identifier string, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT identifier, sql_text, disposition, duration_ms, row_count, detail, recorded_at
FROM query_history
WHERE ($1 = '' OR identifier = $1)
ORDER BY recorded_at DESC
LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("list query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []history.Entry
	for rows.Next() {
		var entry history.Entry
		var disposition string
		var durationMs int64
		if err := rows.Scan(
			&entry.Identifier,
			&entry.SQL,
			&disposition,
			&durationMs,
			&entry.RowCount,
			&entry.Detail,
			&entry.At,
		); err != nil {
			return nil, fmt.Errorf("scan query history row: %w", err)
		}
		entry.Disposition = history.Disposition(disposition)
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query history rows: %w", err)
	}
	return entries, nil
}
