package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duckgate/duckgate/internal/cache"
	"github.com/duckgate/duckgate/internal/engine"
	"github.com/duckgate/duckgate/internal/history"
	"github.com/duckgate/duckgate/internal/pool"
	"github.com/duckgate/duckgate/internal/ratelimit"
	"github.com/duckgate/duckgate/internal/sqlguard"
)

type fakeConn struct {
	executions *atomic.Int64
	executeErr error
}

func (f *fakeConn) Execute(_ context.Context, _ string) (engine.Result, error) {
	f.executions.Add(1)
	if f.executeErr != nil {
		return engine.Result{}, f.executeErr
	}
	return engine.Result{
		Columns: []string{"id", "name"},
		Rows:    [][]any{{int64(1), "alpha"}, {int64(2), "beta"}},
	}, nil
}

func (f *fakeConn) Ping(context.Context) error { return nil }
func (f *fakeConn) Close() error               { return nil }

type harness struct {
	executor   *Executor
	pool       *pool.Pool
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	executions *atomic.Int64
	recorder   *fakeRecorder
}

type harnessOptions struct {
	maxCalls     int
	executeErr   error
	strictTables bool
	coalesce     bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	executions := &atomic.Int64{}
	opener := engine.OpenerFunc(func(context.Context) (engine.Conn, error) {
		return &fakeConn{executions: executions, executeErr: opts.executeErr}, nil
	})
	p, err := pool.New(pool.Config{
		Opener:         opener,
		MaxConnections: 2,
		AcquireTimeout: time.Second,
		ProbeAfter:     time.Minute,
	})
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	t.Cleanup(p.Close)

	schema, err := sqlguard.NewSchema([]string{"events", "metrics"}, nil)
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	validator, err := sqlguard.NewValidator(schema)
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	c, err := cache.New(16, 5*time.Minute)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}

	maxCalls := opts.maxCalls
	if maxCalls == 0 {
		maxCalls = 100
	}
	limiter, err := ratelimit.NewLimiter(maxCalls, time.Minute)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	recorder := &fakeRecorder{}
	exec, err := New(Config{
		Pool:         p,
		Validator:    validator,
		Cache:        c,
		Limiter:      limiter,
		History:      recorder,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Coalesce:     opts.coalesce,
		StrictTables: opts.strictTables,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &harness{
		executor:   exec,
		pool:       p,
		limiter:    limiter,
		cache:      c,
		executions: executions,
		recorder:   recorder,
	}
}

func TestExecuteReturnsRowsAndCachesResult(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	first, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT id, name FROM events"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if first.Cached {
		t.Fatal("first execution should not be cached")
	}
	if first.Result.RowCount() != 2 {
		t.Fatalf("RowCount() = %d", first.Result.RowCount())
	}
	if got := h.executions.Load(); got != 1 {
		t.Fatalf("engine executions = %d", got)
	}

	second, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT id, name FROM events"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !second.Cached {
		t.Fatal("second execution should be served from cache")
	}
	if got := h.executions.Load(); got != 1 {
		t.Fatalf("engine executions after cache hit = %d", got)
	}
	if second.Result.RowCount() != 2 {
		t.Fatalf("cached RowCount() = %d", second.Result.RowCount())
	}
}

func TestExecuteDistinguishesSQLTexts(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT id FROM events"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT id  FROM events"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := h.executions.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2 for distinct texts", got)
	}
}

func TestExecuteRejectsUnsafeSQL(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "DROP TABLE events"})
	var validationErr *sqlguard.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if got := h.executions.Load(); got != 0 {
		t.Fatalf("engine executions = %d, want 0", got)
	}
	if h.recorder.lastDisposition() != history.DispositionRejected {
		t.Fatalf("disposition = %q", h.recorder.lastDisposition())
	}
}

func TestExecuteRateLimitPrecedesValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{maxCalls: 1})

	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT 1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// The second call is over the limit and carries unsafe SQL. The
	// limiter must answer before the validator ever sees the text.
	_, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "DROP TABLE events"})
	var limitErr *ratelimit.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("error = %v, want LimitExceededError", err)
	}
	if limitErr.RetryAfterSeconds() <= 0 {
		t.Fatalf("RetryAfterSeconds() = %d", limitErr.RetryAfterSeconds())
	}
	if h.recorder.lastDisposition() != history.DispositionRateLimited {
		t.Fatalf("disposition = %q", h.recorder.lastDisposition())
	}
}

func TestExecuteRateLimitIsPerIdentifier(t *testing.T) {
	h := newHarness(t, harnessOptions{maxCalls: 1})

	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT 1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "bob", SQL: "SELECT 2"}); err != nil {
		t.Fatalf("Execute() for second identifier error = %v", err)
	}
}

func TestExecuteWrapsEngineFailure(t *testing.T) {
	engineErr := fmt.Errorf("binder error: column missing")
	h := newHarness(t, harnessOptions{executeErr: engineErr})

	_, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT nope FROM events"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want ExecutionError", err)
	}
	if !errors.Is(err, engineErr) {
		t.Fatal("expected wrapped engine error")
	}
	if execErr.SQL != "SELECT nope FROM events" {
		t.Fatalf("SQL = %q", execErr.SQL)
	}
	if h.recorder.lastDisposition() != history.DispositionFailed {
		t.Fatalf("disposition = %q", h.recorder.lastDisposition())
	}
}

func TestExecuteStrictTablesRejectsUnknownTable(t *testing.T) {
	h := newHarness(t, harnessOptions{strictTables: true})

	_, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT * FROM secrets"})
	var validationErr *sqlguard.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}

	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT * FROM events"}); err != nil {
		t.Fatalf("Execute() for allowed table error = %v", err)
	}
}

func TestExecuteCacheTTLOverride(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	zero := time.Duration(0)
	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT 1", CacheTTL: &zero}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	resp, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Cached {
		t.Fatal("zero TTL entry must not be served from cache")
	}
	if got := h.executions.Load(); got != 2 {
		t.Fatalf("engine executions = %d, want 2", got)
	}
}

func TestExecuteRecordsHistoryOutcomes(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT 1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT 1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	entries := h.recorder.snapshot()
	if len(entries) != 2 {
		t.Fatalf("history entries = %d", len(entries))
	}
	if entries[0].Disposition != history.DispositionOK {
		t.Fatalf("first disposition = %q", entries[0].Disposition)
	}
	if entries[1].Disposition != history.DispositionCached {
		t.Fatalf("second disposition = %q", entries[1].Disposition)
	}
	if entries[0].RowCount != 2 {
		t.Fatalf("recorded row count = %d", entries[0].RowCount)
	}
}

func TestExecuteSurvivesHistoryFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.recorder.recordErr = fmt.Errorf("history db down")

	resp, err := h.executor.Execute(context.Background(), Request{Identifier: "alice", SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Result.RowCount() != 2 {
		t.Fatalf("RowCount() = %d", resp.Result.RowCount())
	}
}

func TestExecuteCoalescesConcurrentIdenticalQueries(t *testing.T) {
	h := newHarness(t, harnessOptions{coalesce: true})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.executor.Execute(context.Background(), Request{
				Identifier: fmt.Sprintf("caller-%d", i),
				SQL:        "SELECT id FROM events",
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d error = %v", i, err)
		}
	}
	// Coalescing plus the cache keeps engine round-trips well under the
	// caller count. The exact number depends on scheduling.
	if got := h.executions.Load(); got >= callers {
		t.Fatalf("engine executions = %d, want < %d", got, callers)
	}
}

func TestExecuteRequiresIdentifierAndSQL(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if _, err := h.executor.Execute(context.Background(), Request{SQL: "SELECT 1"}); err == nil {
		t.Fatal("expected missing identifier error")
	}
	if _, err := h.executor.Execute(context.Background(), Request{Identifier: "alice"}); err == nil {
		t.Fatal("expected missing sql error")
	}
}

type fakeRecorder struct {
	mu        sync.Mutex
	entries   []history.Entry
	recordErr error
}

func (f *fakeRecorder) Record(_ context.Context, entry history.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeRecorder) snapshot() []history.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]history.Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *fakeRecorder) lastDisposition() history.Disposition {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return ""
	}
	return f.entries[len(f.entries)-1].Disposition
}
