package history

import (
	"context"
	"time"
)

// Disposition classifies how a query attempt ended.
type Disposition string

const (
	DispositionOK          Disposition = "ok"
	DispositionCached      Disposition = "cached"
	DispositionRejected    Disposition = "rejected"
	DispositionRateLimited Disposition = "rate_limited"
	DispositionExhausted   Disposition = "pool_exhausted"
	DispositionFailed      Disposition = "failed"
)

// Entry is one recorded query attempt.
type Entry struct {
	Identifier  string
	SQL         string
	Disposition Disposition
	Duration    time.Duration
	RowCount    int
	Detail      string
	At          time.Time
}

// Recorder persists query attempts for audit and debugging. Recording is
// best effort: the executor logs failures and never surfaces them.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}
