// Package executor is the front door for query execution. It threads a
// request through the rate limiter, result cache, safety validator and
// connection pool in that fixed order, so a rate-limited caller cannot
// probe the validator and a cached result never touches the engine.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/duckgate/duckgate/internal/cache"
	"github.com/duckgate/duckgate/internal/engine"
	"github.com/duckgate/duckgate/internal/history"
	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/pool"
	"github.com/duckgate/duckgate/internal/ratelimit"
	"github.com/duckgate/duckgate/internal/sqlguard"
)

// ExecutionError wraps an engine runtime failure for a query that passed
// validation. The connection that produced it is marked suspect before
// release.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Config struct {
	Pool      *pool.Pool
	Validator *sqlguard.Validator
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	// History is optional. Recording is best effort and never blocks or
	// fails a query.
	History history.Recorder
	Logger  *slog.Logger
	// Coalesce collapses concurrent identical queries into one engine
	// round-trip via singleflight.
	Coalesce bool
	// StrictTables pre-flight rejects queries referencing tables outside
	// the configured schema.
	StrictTables bool
}

type Request struct {
	Identifier string
	SQL        string
	// CacheTTL overrides the cache's default TTL for this result.
	// cache.NoExpiration pins the entry.
	CacheTTL *time.Duration
}

type Response struct {
	Result   engine.Result
	Cached   bool
	Duration time.Duration
}

type Executor struct {
	pool         *pool.Pool
	validator    *sqlguard.Validator
	cache        *cache.Cache
	limiter      *ratelimit.Limiter
	history      history.Recorder
	logger       *slog.Logger
	coalesce     bool
	strictTables bool
	group        singleflight.Group
	now          func() time.Time
}

func New(cfg Config) (*Executor, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:         cfg.Pool,
		validator:    cfg.Validator,
		cache:        cfg.Cache,
		limiter:      cfg.Limiter,
		history:      cfg.History,
		logger:       logger,
		coalesce:     cfg.Coalesce,
		strictTables: cfg.StrictTables,
		now:          time.Now,
	}, nil
}

// CacheKey derives the cache key for a SQL text. The raw text is hashed,
// so two queries differing only in whitespace are distinct entries.
func CacheKey(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

func (e *Executor) Execute(ctx context.Context, req Request) (Response, error) {
	start := e.now()
	if req.Identifier == "" {
		return Response{}, fmt.Errorf("identifier is required")
	}
	if req.SQL == "" {
		return Response{}, fmt.Errorf("sql is required")
	}

	if err := e.limiter.CheckAndRecord(req.Identifier); err != nil {
		var limitErr *ratelimit.LimitExceededError
		if !errors.As(err, &limitErr) {
			return Response{}, err
		}
		observability.IncrementRateLimitRejection()
		e.finish(ctx, req, history.DispositionRateLimited, start, 0, err.Error())
		return Response{}, err
	}

	key := CacheKey(req.SQL)
	if value, ok := e.cache.Get(key); ok {
		result, ok := value.(engine.Result)
		if ok {
			observability.IncrementCacheHit()
			e.finish(ctx, req, history.DispositionCached, start, result.RowCount(), "")
			return Response{Result: result, Cached: true, Duration: e.now().Sub(start)}, nil
		}
		// Foreign value under our key. Drop it and fall through.
		e.cache.Delete(key)
	}
	observability.IncrementCacheMiss()

	if err := e.validator.ValidateSafety(req.SQL); err != nil {
		observability.IncrementValidationRejection()
		e.finish(ctx, req, history.DispositionRejected, start, 0, err.Error())
		return Response{}, err
	}
	if e.strictTables {
		if err := e.validator.ValidateTables(req.SQL); err != nil {
			observability.IncrementValidationRejection()
			e.finish(ctx, req, history.DispositionRejected, start, 0, err.Error())
			return Response{}, err
		}
	}

	result, err := e.runEngine(ctx, key, req)
	if err != nil {
		disposition := history.DispositionFailed
		var exhausted *pool.ExhaustedError
		if errors.As(err, &exhausted) {
			disposition = history.DispositionExhausted
		}
		e.finish(ctx, req, disposition, start, 0, err.Error())
		return Response{}, err
	}

	e.finish(ctx, req, history.DispositionOK, start, result.RowCount(), "")
	return Response{Result: result, Cached: false, Duration: e.now().Sub(start)}, nil
}

func (e *Executor) runEngine(ctx context.Context, key string, req Request) (engine.Result, error) {
	if !e.coalesce {
		return e.acquireAndExecute(ctx, key, req)
	}
	value, err, _ := e.group.Do(key, func() (any, error) {
		return e.acquireAndExecute(ctx, key, req)
	})
	if err != nil {
		return engine.Result{}, err
	}
	return value.(engine.Result), nil
}

func (e *Executor) acquireAndExecute(ctx context.Context, key string, req Request) (engine.Result, error) {
	acquireStart := e.now()
	conn, err := e.pool.Acquire(ctx)
	observability.ObservePoolWait(e.now().Sub(acquireStart))
	if err != nil {
		e.publishPoolGauges()
		return engine.Result{}, err
	}
	e.publishPoolGauges()

	result, err := conn.Execute(ctx, req.SQL)
	if err != nil {
		conn.MarkSuspect()
		e.pool.Release(conn)
		e.publishPoolGauges()
		return engine.Result{}, &ExecutionError{SQL: req.SQL, Err: err}
	}
	e.pool.Release(conn)
	e.publishPoolGauges()

	if req.CacheTTL != nil {
		e.cache.SetWithTTL(key, result, *req.CacheTTL)
	} else {
		e.cache.Set(key, result)
	}
	return result, nil
}

// finish records the outcome in metrics and, when configured, history.
func (e *Executor) finish(ctx context.Context, req Request, disposition history.Disposition, start time.Time, rowCount int, detail string) {
	duration := e.now().Sub(start)
	observability.ObserveQuery(string(disposition), duration)
	if e.history == nil {
		return
	}
	entry := history.Entry{
		Identifier:  req.Identifier,
		SQL:         req.SQL,
		Disposition: disposition,
		Duration:    duration,
		RowCount:    rowCount,
		Detail:      detail,
		At:          e.now().UTC(),
	}
	if err := e.history.Record(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "history record failed",
			slog.String("identifier", req.Identifier),
			slog.String("disposition", string(disposition)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) publishPoolGauges() {
	stats := e.pool.Stats()
	observability.SetPoolGauges(stats.Active, stats.Idle)
}
