package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckgate/duckgate/internal/engine"
)

// Opener opens read-only connections to a DuckDB database file. Every
// connection carries access_mode=read_only so that even SQL that slips
// past the validator cannot mutate the database.
type Opener struct {
	Path string
}

func NewOpener(path string) (*Opener, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &Opener{Path: path}, nil
}

func (o *Opener) Open(ctx context.Context) (engine.Conn, error) {
	db, err := sql.Open("duckdb", o.dsn())
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// One engine handle per pooled connection; the pool above owns reuse.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &conn{db: db}, nil
}

func (o *Opener) dsn() string {
	return o.Path + "?access_mode=" + url.QueryEscape("read_only")
}

type conn struct {
	db *sql.DB
}

// NewConn wraps an existing database handle. Used by tests to substitute
// a mocked *sql.DB for a real DuckDB file.
func NewConn(db *sql.DB) engine.Conn {
	return &conn{db: db}
}

func (c *conn) Execute(ctx context.Context, sqlText string) (engine.Result, error) {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return engine.Result{}, fmt.Errorf("sql is required")
	}

	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return engine.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return engine.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return engine.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return engine.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return engine.Result{Columns: columns, Rows: resultRows}, nil
}

func (c *conn) Ping(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	return c.db.Close()
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
