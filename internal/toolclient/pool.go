// Package toolclient invokes remote security tools on a worker process over
// pooled, long-lived stdio connections.
//
// The pool owns connection lifecycle exclusively: connections are created
// lazily per credential key, reused across calls, and evicted on idle expiry
// or failure. Callers never close connections directly.
package toolclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/posturewatch/posturewatch/internal/telemetry"
)

// DefaultSlowTools lists known-slow tools that get the long deadline.
var DefaultSlowTools = []string{
	"run_hunting_query",
	"search_purview_audit",
	"detect_privileged_user_risks",
}

// Config controls the pool and its timeout policy.
type Config struct {
	Command string   // worker executable
	Args    []string // worker arguments

	DefaultTimeout time.Duration // deadline for ordinary tools
	SlowTimeout    time.Duration // deadline for tools in SlowTools
	SlowTools      []string
	IdleTimeout    time.Duration // evict connections unused this long
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.SlowTimeout <= 0 {
		c.SlowTimeout = 90 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SlowTools == nil {
		c.SlowTools = DefaultSlowTools
	}
	return c
}

// Pool is the process-wide tool invocation client.
type Pool struct {
	cfg  Config
	slow map[string]struct{}

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	// Injection points for tests.
	now  func() time.Time
	dial func(ctx context.Context, command string, args []string, envOverrides []string) (workerConn, error)
}

// entry holds one credential key's connection. Its mutex serializes
// connection establishment and eviction for that key, so at most one live
// connection exists per key even under concurrent first use. Calls
// themselves run concurrently on the shared connection.
type entry struct {
	mu       sync.Mutex
	conn     workerConn
	lastUsed time.Time
}

// NewPool creates the pool and starts its idle-eviction janitor.
func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:     cfg,
		slow:    make(map[string]struct{}, len(cfg.SlowTools)),
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
		dial:    dialWorker,
	}
	for _, name := range cfg.SlowTools {
		p.slow[name] = struct{}{}
	}

	go p.janitor()
	return p
}

// Invoke calls one tool with the given arguments under the credentials'
// pooled connection. Timeouts return *TimeoutError without retry or
// eviction; any other transport failure evicts the connection and retries
// exactly once against a fresh one, surfacing *ConnectionError if the retry
// also fails.
func (p *Pool) Invoke(ctx context.Context, tool string, args map[string]interface{}, creds *Credentials) (Result, error) {
	key := creds.PoolKey()
	e := p.entry(key)

	conn, err := p.checkout(e, creds)
	if err != nil {
		telemetry.ToolCallsTotal.WithLabelValues(telemetry.OutcomeError).Inc()
		return Result{}, &ConnectionError{Key: key, Err: err}
	}

	timeout := p.timeoutFor(tool)
	res, err := p.callOnce(ctx, conn, tool, args, timeout)
	if err == nil {
		p.touch(e)
		telemetry.ToolCallsTotal.WithLabelValues(resultOutcome(res)).Inc()
		return res, nil
	}

	if errors.Is(err, context.Canceled) {
		return Result{}, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// A stuck call wastes the long deadline twice if retried, and the
		// connection itself is presumed healthy.
		p.touch(e)
		telemetry.ToolCallsTotal.WithLabelValues(telemetry.OutcomeTimeout).Inc()
		return Result{}, &TimeoutError{Tool: tool, Timeout: timeout}
	}

	log.Warn().
		Err(err).
		Str("tool", tool).
		Str("key", key).
		Msg("Tool call failed, evicting connection and retrying once")
	p.evict(e, conn)

	conn, err = p.checkout(e, creds)
	if err != nil {
		telemetry.ToolCallsTotal.WithLabelValues(telemetry.OutcomeError).Inc()
		return Result{}, &ConnectionError{Key: key, Err: err}
	}

	res, err = p.callOnce(ctx, conn, tool, args, timeout)
	if err == nil {
		p.touch(e)
		telemetry.ToolCallsTotal.WithLabelValues(resultOutcome(res)).Inc()
		return res, nil
	}

	// Retry failed too: leave no entry in the pool.
	p.evict(e, conn)
	telemetry.ToolCallsTotal.WithLabelValues(telemetry.OutcomeError).Inc()
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{}, &TimeoutError{Tool: tool, Timeout: timeout}
	}
	if errors.Is(err, context.Canceled) {
		return Result{}, err
	}
	return Result{}, &ConnectionError{Key: key, Err: err}
}

func (p *Pool) callOnce(ctx context.Context, conn workerConn, tool string, args map[string]interface{}, timeout time.Duration) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.CallTool(callCtx, tool, args)
}

func (p *Pool) timeoutFor(tool string) time.Duration {
	if _, ok := p.slow[tool]; ok {
		return p.cfg.SlowTimeout
	}
	return p.cfg.DefaultTimeout
}

func (p *Pool) entry(key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	return e
}

// checkout returns the entry's live connection, expiring an idle one and
// dialing a fresh one as needed. Expiry is checked on every access, not
// only by the janitor, to avoid handing out a connection the worker side
// already abandoned.
func (p *Pool) checkout(e *entry, creds *Credentials) (workerConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := p.now()
	if e.conn != nil && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
		log.Debug().Str("key", creds.PoolKey()).Msg("Evicting idle tool worker connection")
		e.conn.Close()
		e.conn = nil
		telemetry.PoolConnections.Dec()
	}

	if e.conn == nil {
		conn, err := p.dial(context.Background(), p.cfg.Command, p.cfg.Args, creds.envOverrides())
		if err != nil {
			return nil, err
		}
		e.conn = conn
		telemetry.PoolConnections.Inc()
	}

	e.lastUsed = now
	return e.conn, nil
}

func (p *Pool) touch(e *entry) {
	e.mu.Lock()
	e.lastUsed = p.now()
	e.mu.Unlock()
}

// evict closes and drops the connection, but only if it is still the one
// the entry holds; a concurrent caller may have replaced it already.
func (p *Pool) evict(e *entry, conn workerConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conn != nil && e.conn == conn {
		e.conn.Close()
		e.conn = nil
		telemetry.PoolConnections.Dec()
	}
}

func (p *Pool) janitor() {
	defer close(p.doneCh)

	interval := p.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweep() {
	now := p.now()

	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
			e.conn.Close()
			e.conn = nil
			telemetry.PoolConnections.Dec()
		}
		e.mu.Unlock()
	}
}

// Stats reports the number of live connections.
func (p *Pool) Stats() int {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	live := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			live++
		}
		e.mu.Unlock()
	}
	return live
}

// Close stops the janitor and tears down every connection.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.doneCh

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
			telemetry.PoolConnections.Dec()
		}
		e.mu.Unlock()
	}
}

func resultOutcome(res Result) string {
	if res.IsError() {
		return telemetry.OutcomeError
	}
	return telemetry.OutcomeOK
}
