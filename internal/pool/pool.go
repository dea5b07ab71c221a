// Package pool maintains warm speech-API connections shared across sessions.
//
// Dialing the realtime speech endpoint costs hundreds of milliseconds; the
// pool keeps released connections alive per tenant so a new session usually
// attaches to a warm one instead. Acquisition is fail-fast: at capacity the
// caller gets an *ExhaustedError immediately and sheds load rather than
// queueing behind a dial.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitespeak/voicecore/internal/observe"
	"github.com/sitespeak/voicecore/internal/resilience"
	"github.com/sitespeak/voicecore/pkg/clock"
	"github.com/sitespeak/voicecore/pkg/speech"
)

// ErrExhausted is the match target for *ExhaustedError.
var ErrExhausted = errors.New("pool: exhausted")

// ErrClosed is returned by operations on a closed pool.
var ErrClosed = errors.New("pool: closed")

// ExhaustedError reports a fail-fast rejection at capacity. Global reports
// whether the global cap (rather than the tenant cap) was the limit.
type ExhaustedError struct {
	Tenant string
	Global bool
}

func (e *ExhaustedError) Error() string {
	if e.Global {
		return fmt.Sprintf("pool: global connection cap reached (tenant %s)", e.Tenant)
	}
	return fmt.Sprintf("pool: tenant %s connection cap reached", e.Tenant)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// HealthError reports a connection failing its liveness probe. The
// connection is excluded from acquisition and removed on the next sweep.
type HealthError struct {
	ConnID string
	Tenant string
	Err    error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("pool: connection %s (tenant %s) unhealthy: %v", e.ConnID, e.Tenant, e.Err)
}
func (e *HealthError) Unwrap() error { return e.Err }

// Config holds the pool limits and maintenance cadence.
type Config struct {
	// MaxPerTenant caps live connections per tenant. Default: 5.
	MaxPerTenant int

	// MaxTotal caps live connections across all tenants. Default: 50.
	MaxTotal int

	// TTL is the maximum connection lifetime. Default: 30m.
	TTL time.Duration

	// IdleTimeout removes connections unused for this long. Default: 5m.
	IdleTimeout time.Duration

	// HealthCheckInterval is the cadence of the liveness probe over idle
	// connections. Default: 30s.
	HealthCheckInterval time.Duration

	// CleanupInterval is the cadence of the expiry sweep. Default: 1m.
	CleanupInterval time.Duration

	// DialTimeout bounds one connection attempt. Default: 10s.
	DialTimeout time.Duration

	// PreWarmCount is how many connections PreWarm dials at startup.
	PreWarmCount int

	// DisableAffinity turns off scoring; acquisition takes any idle
	// connection.
	DisableAffinity bool
}

func (c *Config) validate() error {
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 5
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 50
	}
	if c.MaxPerTenant > c.MaxTotal {
		return fmt.Errorf("pool: per-tenant cap %d exceeds global cap %d", c.MaxPerTenant, c.MaxTotal)
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return nil
}

// Conn is one pooled speech connection with its bookkeeping.
type Conn struct {
	id     string
	tenant string
	conn   speech.Conn

	// Owned by Pool.mu.
	created   time.Time
	lastUsed  time.Time
	uses      int
	sessionID string
	inUse     bool
	healthy   bool
	latency   time.Duration // last dial or probe round-trip
}

// ID returns the pool-assigned connection identifier.
func (c *Conn) ID() string { return c.id }

// Tenant returns the owning tenant.
func (c *Conn) Tenant() string { return c.tenant }

// Speech returns the underlying speech connection.
func (c *Conn) Speech() speech.Conn { return c.conn }

// Affinity scoring weights. A session-id match dominates; recency decays
// linearly over recencyWindow; low probe latency and low historical use
// break ties.
const (
	weightSessionMatch = 100.0
	weightRecency      = 50.0
	weightLatency      = 30.0
	weightUseCount     = 20.0

	recencyWindow  = 5 * time.Minute
	latencyCeiling = time.Second
)

// Option configures a Pool.
type Option func(*Pool)

// WithClock injects the clock driving TTL, idle expiry, and the background
// loops. Tests use a mock.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clk = c }
}

// WithBreaker replaces the default circuit breaker guarding dials.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(p *Pool) { p.breaker = b }
}

// WithMetrics injects the instrument set tracking the live connection
// gauge. Defaults to the process-wide set.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool is a per-tenant connection pool over one speech provider. Safe for
// concurrent use.
type Pool struct {
	cfg      Config
	provider speech.Provider
	connCfg  speech.ConnConfig
	clk      clock.Clock
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	mu       sync.Mutex
	conns    map[string]*Conn
	byTenant map[string][]*Conn
	// pending counts in-flight dials so caps hold while a dial is out;
	// a failed dial releases its reservation and never counts.
	pendingTotal  int
	pendingTenant map[string]int
	seq           uint64
	closed        bool

	healthTimer  clock.Timer
	cleanupTimer clock.Timer
}

// New creates a Pool and starts its maintenance loops.
func New(cfg Config, provider speech.Provider, connCfg speech.ConnConfig, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:           cfg,
		provider:      provider,
		connCfg:       connCfg,
		clk:           clock.New(),
		conns:         make(map[string]*Conn),
		byTenant:      make(map[string][]*Conn),
		pendingTenant: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.breaker == nil {
		p.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "speech-dial",
		}, resilience.WithBreakerClock(p.clk))
	}
	p.healthTimer = p.clk.AfterFunc(p.cfg.HealthCheckInterval, p.healthPass)
	p.cleanupTimer = p.clk.AfterFunc(p.cfg.CleanupInterval, p.cleanupPass)
	return p, nil
}

// Acquire returns an exclusive connection for tenantID, preferring a warm
// one by affinity score, dialing a new one under the caps, and otherwise
// failing fast with *ExhaustedError. sessionID may be empty.
func (p *Pool) Acquire(ctx context.Context, tenantID, sessionID string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if c := p.pickLocked(tenantID, sessionID); c != nil {
		p.checkoutLocked(c, sessionID)
		p.mu.Unlock()
		return c, nil
	}

	if !p.reserveLocked(tenantID) {
		// One sweep may free an expired slot before we reject.
		p.removeExpiredLocked()
		if !p.reserveLocked(tenantID) {
			global := p.liveTotalLocked() >= p.cfg.MaxTotal
			p.mu.Unlock()
			return nil, &ExhaustedError{Tenant: tenantID, Global: global}
		}
	}
	p.mu.Unlock()

	c, err := p.dial(ctx, tenantID)

	p.mu.Lock()
	p.unreserveLocked(tenantID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = c.conn.Close()
		return nil, ErrClosed
	}
	p.insertLocked(c)
	p.checkoutLocked(c, sessionID)
	p.mu.Unlock()
	return c, nil
}

// Release returns a connection to the pool. It never closes the
// connection; expiry and health are the sweeps' business. The connection
// remembers the session it last served so a reconnecting session scores an
// affinity match.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c.inUse = false
	c.lastUsed = p.clk.Now()
}

// PreWarm dials cfg.PreWarmCount connections for tenantID and leaves them
// idle. Dial failures are logged and skipped.
func (p *Pool) PreWarm(ctx context.Context, tenantID string) int {
	warmed := 0
	for i := 0; i < p.cfg.PreWarmCount; i++ {
		p.mu.Lock()
		if p.closed || !p.reserveLocked(tenantID) {
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		c, err := p.dial(ctx, tenantID)

		p.mu.Lock()
		p.unreserveLocked(tenantID)
		if err != nil {
			p.mu.Unlock()
			slog.Warn("pre-warm dial failed", "tenant", tenantID, "error", err)
			continue
		}
		if p.closed {
			p.mu.Unlock()
			_ = c.conn.Close()
			break
		}
		p.insertLocked(c)
		p.mu.Unlock()
		warmed++
	}
	return warmed
}

// Remove closes and evicts a connection the caller knows is broken, for
// example after a send error. The caller re-acquires afterwards.
func (p *Pool) Remove(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.evictLocked(c)
	p.mu.Unlock()
	_ = c.conn.Close()
}

// Close stops the maintenance loops and closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.healthTimer.Stop()
	p.cleanupTimer.Stop()
	victims := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		victims = append(victims, c)
	}
	p.conns = map[string]*Conn{}
	p.byTenant = map[string][]*Conn{}
	p.metrics.ActiveConnections.Add(context.Background(), int64(-len(victims)))
	p.mu.Unlock()

	var first error
	for _, c := range victims {
		if err := c.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Size returns the number of live connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// IdleCount returns the number of healthy idle connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if !c.inUse && c.healthy {
			n++
		}
	}
	return n
}

// TenantSize returns the number of live connections for one tenant.
func (p *Pool) TenantSize(tenantID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTenant[tenantID])
}

// Healthy reports whether the pool can serve acquisitions: not closed and
// the dial breaker not open.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return !closed && p.breaker.State() != resilience.StateOpen
}

// ── Acquisition internals (all *Locked methods require p.mu) ───────────────

// pickLocked returns the best idle, healthy, non-expired connection for the
// tenant, or nil.
func (p *Pool) pickLocked(tenantID, sessionID string) *Conn {
	now := p.clk.Now()
	var best *Conn
	bestScore := -1.0
	for _, c := range p.byTenant[tenantID] {
		if c.inUse || !c.healthy || p.expiredLocked(c, now) {
			continue
		}
		if p.cfg.DisableAffinity {
			return c
		}
		if s := p.scoreLocked(c, sessionID, now); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// scoreLocked ranks one candidate for affinity.
func (p *Pool) scoreLocked(c *Conn, sessionID string, now time.Time) float64 {
	score := 0.0
	if sessionID != "" && c.sessionID == sessionID {
		score += weightSessionMatch
	}
	if age := now.Sub(c.lastUsed); age < recencyWindow {
		score += weightRecency * (1 - float64(age)/float64(recencyWindow))
	}
	lat := c.latency
	if lat > latencyCeiling {
		lat = latencyCeiling
	}
	score += weightLatency * (1 - float64(lat)/float64(latencyCeiling))
	score += weightUseCount / float64(1+c.uses)
	return score
}

func (p *Pool) checkoutLocked(c *Conn, sessionID string) {
	c.inUse = true
	c.uses++
	c.sessionID = sessionID
	c.lastUsed = p.clk.Now()
}

// liveTotalLocked counts live plus in-flight connections.
func (p *Pool) liveTotalLocked() int { return len(p.conns) + p.pendingTotal }

// reserveLocked claims one dial slot under both caps.
func (p *Pool) reserveLocked(tenantID string) bool {
	if p.liveTotalLocked() >= p.cfg.MaxTotal {
		return false
	}
	if len(p.byTenant[tenantID])+p.pendingTenant[tenantID] >= p.cfg.MaxPerTenant {
		return false
	}
	p.pendingTotal++
	p.pendingTenant[tenantID]++
	return true
}

func (p *Pool) unreserveLocked(tenantID string) {
	p.pendingTotal--
	if p.pendingTenant[tenantID]--; p.pendingTenant[tenantID] <= 0 {
		delete(p.pendingTenant, tenantID)
	}
}

// dial creates one connection through the circuit breaker. Called without
// p.mu held.
func (p *Pool) dial(ctx context.Context, tenantID string) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	start := p.clk.Now()
	var sc speech.Conn
	err := p.breaker.Execute(func() error {
		var derr error
		sc, derr = p.provider.Connect(dctx, p.connCfg)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("pool: dial for tenant %s: %w", tenantID, err)
	}
	now := p.clk.Now()
	return &Conn{
		tenant:   tenantID,
		conn:     sc,
		created:  now,
		lastUsed: now,
		healthy:  true,
		latency:  p.clk.Since(start),
	}, nil
}

func (p *Pool) insertLocked(c *Conn) {
	p.seq++
	c.id = fmt.Sprintf("conn-%d", p.seq)
	p.conns[c.id] = c
	p.byTenant[c.tenant] = append(p.byTenant[c.tenant], c)
	p.metrics.ActiveConnections.Add(context.Background(), 1)
}

func (p *Pool) evictLocked(c *Conn) {
	if _, ok := p.conns[c.id]; !ok {
		return
	}
	p.metrics.ActiveConnections.Add(context.Background(), -1)
	delete(p.conns, c.id)
	peers := p.byTenant[c.tenant]
	for i, pc := range peers {
		if pc == c {
			p.byTenant[c.tenant] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(p.byTenant[c.tenant]) == 0 {
		delete(p.byTenant, c.tenant)
	}
}

// expiredLocked reports whether an idle connection is past its TTL or idle
// timeout. In-use connections never expire.
func (p *Pool) expiredLocked(c *Conn, now time.Time) bool {
	if c.inUse {
		return false
	}
	return now.Sub(c.created) >= p.cfg.TTL || now.Sub(c.lastUsed) >= p.cfg.IdleTimeout
}

// removeExpiredLocked evicts expired idle connections, returning them for
// closing by the caller after the lock is dropped. Acquire closes them
// lazily via the cleanup sweep instead, so it only evicts here.
func (p *Pool) removeExpiredLocked() {
	now := p.clk.Now()
	for _, c := range p.conns {
		if p.expiredLocked(c, now) {
			p.evictLocked(c)
			go c.conn.Close()
		}
	}
}

// ── Background maintenance ─────────────────────────────────────────────────

// healthPass probes idle connections and marks failures unhealthy. The
// probe runs without the pool lock; a connection acquired mid-probe keeps
// its current mark and is re-checked when next idle.
func (p *Pool) healthPass() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	idle := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if !c.inUse && c.healthy {
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()

	for _, c := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		start := p.clk.Now()
		err := c.conn.Ping(ctx)
		cancel()

		p.mu.Lock()
		if err != nil {
			c.healthy = false
			herr := &HealthError{ConnID: c.id, Tenant: c.tenant, Err: err}
			slog.Warn("pooled connection failed health check", "error", herr)
		} else {
			c.latency = p.clk.Since(start)
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	if !p.closed {
		p.healthTimer.Reset(p.cfg.HealthCheckInterval)
	}
	p.mu.Unlock()
}

// cleanupPass evicts idle connections that are expired or unhealthy.
func (p *Pool) cleanupPass() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := p.clk.Now()
	victims := make([]*Conn, 0)
	for _, c := range p.conns {
		if c.inUse {
			continue
		}
		if !c.healthy || p.expiredLocked(c, now) {
			p.evictLocked(c)
			victims = append(victims, c)
		}
	}
	p.cleanupTimer.Reset(p.cfg.CleanupInterval)
	p.mu.Unlock()

	for _, c := range victims {
		if err := c.conn.Close(); err != nil {
			slog.Warn("closing expired connection", "conn", c.id, "error", err)
		}
	}
}
