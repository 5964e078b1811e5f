// Package pool maintains a bounded set of live engine connections.
// Idle reuse is stack ordered to keep a warm working set; saturation
// waits are served FIFO so no waiter starves.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duckgate/duckgate/internal/engine"
)

var ErrClosed = errors.New("pool is closed")

// ExhaustedError is returned when no connection became available within
// the acquire timeout. Safe to retry with backoff.
type ExhaustedError struct {
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: no connection available within %s", e.Timeout)
}

// ConnectionFailedError wraps an engine open or probe-replacement failure.
// Potentially fatal (missing database file); the pool does not retry.
type ConnectionFailedError struct {
	Err error
}

func (e *ConnectionFailedError) Error() string {
	return "connection failed: " + e.Err.Error()
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Err
}

type Config struct {
	Opener         engine.Opener
	MaxConnections int
	AcquireTimeout time.Duration
	// ProbeAfter is how long a connection may sit idle before the next
	// Acquire health-probes it. Zero probes every idle connection.
	ProbeAfter time.Duration
}

func (c Config) validate() error {
	var fields []string
	if c.Opener == nil {
		fields = append(fields, "Opener is required")
	}
	if c.MaxConnections <= 0 {
		fields = append(fields, fmt.Sprintf("MaxConnections must be positive, got %d", c.MaxConnections))
	}
	if c.AcquireTimeout <= 0 {
		fields = append(fields, fmt.Sprintf("AcquireTimeout must be positive, got %s", c.AcquireTimeout))
	}
	if c.ProbeAfter < 0 {
		fields = append(fields, fmt.Sprintf("ProbeAfter must not be negative, got %s", c.ProbeAfter))
	}
	if len(fields) > 0 {
		return fmt.Errorf("invalid pool config: %s", strings.Join(fields, "; "))
	}
	return nil
}

// Stats is a consistent snapshot of the pool counters.
type Stats struct {
	Created            int
	Active             int
	Idle               int
	Acquisitions       int64
	Releases           int64
	FailedAcquisitions int64
	TotalWait          time.Duration
	MaxWait            time.Duration
}

// PooledConn wraps one engine connection. Owned by exactly one caller
// between Acquire and Release.
type PooledConn struct {
	conn      engine.Conn
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	suspect   bool
}

// Execute runs sqlText on the underlying engine connection.
func (p *PooledConn) Execute(ctx context.Context, sqlText string) (engine.Result, error) {
	p.useCount++
	return p.conn.Execute(ctx, sqlText)
}

// MarkSuspect flags the connection for a health probe on its next
// Acquire. Callers use this after an execution error instead of
// destroying a possibly healthy connection.
func (p *PooledConn) MarkSuspect() {
	p.suspect = true
}

func (p *PooledConn) UseCount() int64 {
	return p.useCount
}

type waiter struct {
	ready chan *PooledConn
}

type Pool struct {
	cfg Config

	mu      sync.Mutex
	idle    []*PooledConn // stack: reuse most recently released first
	waiters []*waiter     // FIFO
	created int
	active  int
	closed  bool
	stats   Stats

	now func() time.Time
}

func New(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg, now: time.Now}, nil
}

// Acquire returns an exclusive connection, blocking up to the configured
// AcquireTimeout (or an earlier ctx deadline) when the pool is saturated.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()

		healthy, err := p.ensureHealthy(ctx, conn)
		if err != nil {
			p.recordFailure(start)
			return nil, err
		}
		p.finishAcquire(healthy, start)
		return healthy, nil
	}

	if p.created < p.cfg.MaxConnections {
		p.created++
		p.active++
		p.mu.Unlock()

		conn, err := p.open(ctx)
		if err != nil {
			p.freeSlot()
			p.recordFailure(start)
			return nil, &ConnectionFailedError{Err: err}
		}
		p.finishAcquire(conn, start)
		return conn, nil
	}

	// Saturated: join the FIFO wait list and block without the lock.
	w := &waiter{ready: make(chan *PooledConn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case conn, ok := <-w.ready:
			if !ok {
				return nil, ErrClosed
			}
			if conn == nil {
				// A capacity slot freed up without a connection to hand
				// over. Try to claim it; keep waiting if another caller
				// or a racing release got there first.
				claimed, rejoined, err := p.claimFreedSlot(ctx, w)
				if err != nil {
					p.recordFailure(start)
					return nil, err
				}
				if rejoined {
					continue
				}
				p.finishAcquire(claimed, start)
				return claimed, nil
			}
			healthy, err := p.ensureHealthy(ctx, conn)
			if err != nil {
				p.recordFailure(start)
				return nil, err
			}
			p.finishAcquire(healthy, start)
			return healthy, nil
		case <-timer.C:
		case <-ctx.Done():
		}
		break
	}

	// Timed out or cancelled. If the waiter is no longer queued a handoff
	// is in flight: receive it and give it back instead of leaking it.
	p.mu.Lock()
	removed := p.removeWaiterLocked(w)
	p.mu.Unlock()
	if !removed {
		if conn, ok := <-w.ready; ok {
			if conn != nil {
				p.Release(conn)
			} else {
				p.signalFreeSlot()
			}
		}
	}

	p.recordFailure(start)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &ExhaustedError{Timeout: p.cfg.AcquireTimeout}
}

// ensureHealthy probes a checked-out connection when due and replaces it
// if the probe fails. Runs outside the lock so one slow round-trip does
// not serialize every caller. A probe cut short by the caller's own ctx
// returns the connection to the pool instead of destroying it.
func (p *Pool) ensureHealthy(ctx context.Context, conn *PooledConn) (*PooledConn, error) {
	if !p.needsProbe(conn) {
		return conn, nil
	}
	if err := conn.conn.Ping(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.recycle(conn)
			return nil, ctxErr
		}
		replacement, replaceErr := p.replace(ctx, conn)
		if replaceErr != nil {
			return nil, replaceErr
		}
		conn = replacement
	}
	conn.suspect = false
	return conn, nil
}

// claimFreedSlot is the waiter side of a nil handoff: a slot opened but
// no connection exists for it. Returns rejoined=true when the slot was
// lost to a racing caller and the waiter went back on the queue.
func (p *Pool) claimFreedSlot(ctx context.Context, w *waiter) (conn *PooledConn, rejoined bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		// A release landed first; take the idle connection instead.
		idle := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()
		healthy, healthErr := p.ensureHealthy(ctx, idle)
		if healthErr != nil {
			return nil, false, healthErr
		}
		return healthy, false, nil
	}
	if p.created >= p.cfg.MaxConnections {
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
		return nil, true, nil
	}
	p.created++
	p.active++
	p.mu.Unlock()

	opened, openErr := p.open(ctx)
	if openErr != nil {
		p.freeSlot()
		return nil, false, &ConnectionFailedError{Err: openErr}
	}
	return opened, false, nil
}

// Release returns conn to the pool. After Close, released connections are
// closed instead of pooled. A waiter receiving the connection re-probes
// it before use, so releasing a suspect connection is safe.
func (p *Pool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.stats.Releases++
	p.mu.Unlock()
	p.recycle(conn)
}

// recycle returns a checked-out connection without counting a release,
// for acquires that were cancelled mid-probe.
func (p *Pool) recycle(conn *PooledConn) {
	conn.lastUsed = p.now()

	p.mu.Lock()
	if p.closed {
		p.created--
		p.active--
		p.mu.Unlock()
		_ = conn.conn.Close()
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		p.mu.Unlock()
		w.ready <- conn
		return
	}
	p.active--
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Close drains and closes every idle connection and wakes all waiters
// with ErrClosed. Connections still checked out are closed on Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.created -= len(idle)
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.conn.Close()
	}
	for _, w := range waiters {
		close(w.ready)
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Created = p.created
	stats.Active = p.active
	stats.Idle = len(p.idle)
	return stats
}

func (p *Pool) open(ctx context.Context) (*PooledConn, error) {
	conn, err := p.cfg.Opener.Open(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	return &PooledConn{conn: conn, createdAt: now, lastUsed: now}, nil
}

// replace closes a dead connection and opens a fresh one in its place.
// The checkout already counted the slot, so counters only move when the
// replacement fails too.
func (p *Pool) replace(ctx context.Context, dead *PooledConn) (*PooledConn, error) {
	_ = dead.conn.Close()
	conn, err := p.open(ctx)
	if err != nil {
		p.freeSlot()
		return nil, &ConnectionFailedError{Err: err}
	}
	return conn, nil
}

// freeSlot gives back a counted slot and tells the next waiter that
// capacity opened up, so it does not sit out its full timeout.
func (p *Pool) freeSlot() {
	p.mu.Lock()
	p.created--
	p.active--
	p.mu.Unlock()
	p.signalFreeSlot()
}

// signalFreeSlot wakes the head waiter with a nil handoff.
func (p *Pool) signalFreeSlot() {
	p.mu.Lock()
	w := p.popWaiterLocked()
	p.mu.Unlock()
	if w != nil {
		w.ready <- nil
	}
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) needsProbe(conn *PooledConn) bool {
	if conn.suspect {
		return true
	}
	return p.now().Sub(conn.lastUsed) >= p.cfg.ProbeAfter
}

func (p *Pool) finishAcquire(conn *PooledConn, start time.Time) {
	wait := p.now().Sub(start)
	conn.lastUsed = p.now()

	p.mu.Lock()
	p.stats.Acquisitions++
	p.stats.TotalWait += wait
	if wait > p.stats.MaxWait {
		p.stats.MaxWait = wait
	}
	p.mu.Unlock()
}

func (p *Pool) recordFailure(start time.Time) {
	wait := p.now().Sub(start)
	p.mu.Lock()
	p.stats.FailedAcquisitions++
	p.stats.TotalWait += wait
	if wait > p.stats.MaxWait {
		p.stats.MaxWait = wait
	}
	p.mu.Unlock()
}

// removeWaiterLocked reports whether the waiter was still queued.
func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
