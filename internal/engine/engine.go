package engine

import (
	"context"
	"time"
)

// Result is a fully materialized tabular query result. Callers must treat
// a Result handed out by the cache as read-only.
type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

func (r Result) RowCount() int {
	return len(r.Rows)
}

// Conn is a single live connection to the embedded analytical engine.
// A Conn is not safe for concurrent use; the pool guarantees exclusivity.
type Conn interface {
	Execute(ctx context.Context, sqlText string) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Opener creates new engine connections on behalf of the pool.
type Opener interface {
	Open(ctx context.Context) (Conn, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Conn, error)

func (f OpenerFunc) Open(ctx context.Context) (Conn, error) {
	return f(ctx)
}
