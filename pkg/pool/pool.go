// Package pool amortizes MCP connect cost by keeping a bounded set of ready
// sessions per server identity. Callers borrow a session with Get and hand it
// back with Release; background sweeps evict dead and stale idle entries.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/mcppool/pkg/mcp"
)

var (
	// ErrPoolExhausted means every slot for the server is busy. Get fails
	// fast rather than queuing.
	ErrPoolExhausted = errors.New("pool: exhausted")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("pool: closed")
)

// Conn is the slice of a client session the pool manages.
type Conn interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) (time.Duration, error)
	Connected() bool
	Disconnect() error
}

// DialFunc creates an unconnected session for a descriptor. The default
// builds a stdio client.
type DialFunc func(desc mcp.ServerDescriptor) Conn

// Config tunes the pool.
type Config struct {
	// MaxConnections caps the sessions per server identity.
	MaxConnections int

	// MinConnections is how many idle sessions survive eviction.
	MinConnections int

	// IdleTimeout is how long an unused idle session lives before the
	// cleanup sweep evicts it.
	IdleTimeout time.Duration

	// SweepInterval is the period of the health and cleanup sweeps.
	SweepInterval time.Duration

	// ConnectRetries is how many times a failed connect is retried, with
	// exponential backoff starting at one second. Zero means the default;
	// use a negative value to disable retries.
	ConnectRetries int

	// PingFailureLimit is how many consecutive failed sweep pings evict an
	// idle session.
	PingFailureLimit int

	// PingTimeout bounds each sweep ping.
	PingTimeout time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MaxConnections:   10,
		MinConnections:   2,
		IdleTimeout:      5 * time.Minute,
		SweepInterval:    60 * time.Second,
		ConnectRetries:   3,
		PingFailureLimit: 3,
		PingTimeout:      10 * time.Second,
	}
}

// entry is one pooled session plus its bookkeeping. Guarded by the owning
// serverPool's mutex.
type entry struct {
	id           string
	conn         Conn
	inUse        bool
	connecting   bool // slot reserved, session not yet established
	lastUsed     time.Time
	pingFailures int
}

// serverPool holds the entries for one server identity. Acquire, release,
// and evict for the same identity serialize on mu; different identities
// proceed independently.
type serverPool struct {
	desc    mcp.ServerDescriptor
	mu      sync.Mutex
	entries map[string]*entry
}

// Lease is a borrowed session. Hand it back with Pool.Release.
type Lease struct {
	Conn   Conn
	server string
	id     string
}

// ServerStats is a point-in-time view of one server's pool.
type ServerStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Healthy int `json:"healthy"`
}

// Pool manages per-server session pools. All methods are safe for concurrent
// use.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	dial   DialFunc

	mu      sync.Mutex
	servers map[string]*serverPool
	closed  bool

	stop chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithDialer replaces how sessions are created. Used in tests.
func WithDialer(d DialFunc) Option {
	return func(p *Pool) { p.dial = d }
}

// New creates a Pool and starts its background sweeps. Zero fields in cfg
// fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MinConnections < 0 {
		cfg.MinConnections = def.MinConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = def.ConnectRetries
	} else if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	if cfg.PingFailureLimit <= 0 {
		cfg.PingFailureLimit = def.PingFailureLimit
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}

	p := &Pool{
		cfg:    cfg,
		logger: slog.Default(),
		dial: func(desc mcp.ServerDescriptor) Conn {
			return mcp.NewClient(desc)
		},
		servers: make(map[string]*serverPool),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.sweep(p.healthSweep)
	go p.sweep(p.cleanupSweep)

	return p
}

// Get borrows a session for the server: an idle healthy entry if one exists,
// a freshly connected one if the pool is under its cap, a reclaimed dead
// idle slot otherwise. When every slot is busy Get fails fast with
// ErrPoolExhausted.
func (p *Pool) Get(ctx context.Context, desc mcp.ServerDescriptor) (*Lease, error) {
	sp, err := p.serverPool(desc)
	if err != nil {
		return nil, err
	}

	sp.mu.Lock()

	for _, e := range sp.entries {
		if e.inUse || e.connecting || e.conn == nil || !e.conn.Connected() {
			continue
		}
		e.inUse = true
		e.lastUsed = time.Now()
		sp.mu.Unlock()
		return &Lease{Conn: e.conn, server: desc.Name, id: e.id}, nil
	}

	if len(sp.entries) < p.cfg.MaxConnections {
		// Reserve the slot before connecting so concurrent callers cannot
		// oversubscribe while the dial is in flight.
		e := &entry{id: uuid.NewString(), inUse: true, connecting: true, lastUsed: time.Now()}
		sp.entries[e.id] = e
		sp.mu.Unlock()
		return p.fill(ctx, sp, e, desc)
	}

	// At capacity. The only candidates left are idle entries that failed the
	// health check above; reclaim the least recently used one.
	var lru *entry
	for _, e := range sp.entries {
		if e.inUse || e.connecting {
			continue
		}
		if lru == nil || e.lastUsed.Before(lru.lastUsed) {
			lru = e
		}
	}
	if lru == nil {
		sp.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d sessions in use", ErrPoolExhausted, desc.Name, p.cfg.MaxConnections)
	}

	lru.inUse = true
	lru.connecting = true
	old := lru.conn
	lru.conn = nil
	sp.mu.Unlock()

	if old != nil {
		_ = old.Disconnect()
	}
	p.logger.Debug("reclaiming idle pool slot", "server", desc.Name, "entry", lru.id)
	return p.fill(ctx, sp, lru, desc)
}

// fill establishes the session for a reserved slot. On failure the slot is
// released so the pool never accumulates phantom entries.
func (p *Pool) fill(ctx context.Context, sp *serverPool, e *entry, desc mcp.ServerDescriptor) (*Lease, error) {
	conn, err := p.connect(ctx, desc)

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if err != nil {
		delete(sp.entries, e.id)
		return nil, err
	}

	e.conn = conn
	e.connecting = false
	e.pingFailures = 0
	e.lastUsed = time.Now()
	return &Lease{Conn: conn, server: desc.Name, id: e.id}, nil
}

// connect dials a session, retrying with exponential backoff.
func (p *Pool) connect(ctx context.Context, desc mcp.ServerDescriptor) (Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second

	var conn Conn
	op := func() error {
		c := p.dial(desc)
		if err := c.Connect(ctx); err != nil {
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.cfg.ConnectRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

// Release hands a borrowed session back to the pool. When the release pushes
// the idle count past MinConnections, the least recently used idle entry is
// torn down immediately.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}

	p.mu.Lock()
	sp, ok := p.servers[l.server]
	p.mu.Unlock()
	if !ok {
		_ = l.Conn.Disconnect()
		return
	}

	sp.mu.Lock()
	e, ok := sp.entries[l.id]
	if !ok {
		// Entry was evicted while leased.
		sp.mu.Unlock()
		_ = l.Conn.Disconnect()
		return
	}
	e.inUse = false
	e.lastUsed = time.Now()

	var idle []*entry
	for _, ie := range sp.entries {
		if !ie.inUse && !ie.connecting {
			idle = append(idle, ie)
		}
	}
	if len(idle) <= p.cfg.MinConnections {
		sp.mu.Unlock()
		return
	}

	victim := idle[0]
	for _, ie := range idle[1:] {
		if ie.lastUsed.Before(victim.lastUsed) {
			victim = ie
		}
	}
	delete(sp.entries, victim.id)
	conn := victim.conn
	sp.mu.Unlock()

	if conn != nil {
		_ = conn.Disconnect()
	}
	p.logger.Debug("evicted excess idle session", "server", l.server, "entry", victim.id)
}

// Prewarm connects count sessions for the server and parks them idle. A
// count of zero means MinConnections. All sessions are acquired before any
// is released so the pool genuinely grows to count.
func (p *Pool) Prewarm(ctx context.Context, desc mcp.ServerDescriptor, count int) error {
	if count <= 0 {
		count = p.cfg.MinConnections
	}

	leases := make(chan *Lease, count)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			l, err := p.Get(gctx, desc)
			if err != nil {
				return err
			}
			leases <- l
			return nil
		})
	}
	err := g.Wait()
	close(leases)
	for l := range leases {
		p.Release(l)
	}
	if err != nil {
		return fmt.Errorf("prewarm %s: %w", desc.Name, err)
	}
	return nil
}

// Stats reports per-server pool counts. Healthy counts entries whose session
// is currently connected.
func (p *Pool) Stats() map[string]ServerStats {
	p.mu.Lock()
	servers := make([]*serverPool, 0, len(p.servers))
	for _, sp := range p.servers {
		servers = append(servers, sp)
	}
	p.mu.Unlock()

	out := make(map[string]ServerStats, len(servers))
	for _, sp := range servers {
		sp.mu.Lock()
		var s ServerStats
		for _, e := range sp.entries {
			s.Total++
			if e.inUse {
				s.Active++
			} else if !e.connecting {
				s.Idle++
			}
			if e.conn != nil && e.conn.Connected() {
				s.Healthy++
			}
		}
		out[sp.desc.Name] = s
		sp.mu.Unlock()
	}
	return out
}

// Shutdown stops the sweeps and tears down every session in every pool.
// Subsequent Get calls fail with ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	servers := p.servers
	p.servers = make(map[string]*serverPool)
	p.mu.Unlock()

	for _, sp := range servers {
		sp.mu.Lock()
		entries := sp.entries
		sp.entries = make(map[string]*entry)
		sp.mu.Unlock()

		for _, e := range entries {
			if e.conn != nil {
				_ = e.conn.Disconnect()
			}
		}
	}
	p.logger.Info("pool shut down")
}

// serverPool returns the per-server pool, creating it on first use.
func (p *Pool) serverPool(desc mcp.ServerDescriptor) (*serverPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	sp, ok := p.servers[desc.Name]
	if !ok {
		sp = &serverPool{desc: desc, entries: make(map[string]*entry)}
		p.servers[desc.Name] = sp
	}
	return sp, nil
}

// sweep runs fn on the sweep interval until Shutdown.
func (p *Pool) sweep(fn func()) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// healthSweep pings every idle entry; entries that fail PingFailureLimit
// consecutive sweeps are evicted.
func (p *Pool) healthSweep() {
	for _, sp := range p.snapshotServers() {
		sp.mu.Lock()
		type probe struct {
			id   string
			conn Conn
		}
		var probes []probe
		for _, e := range sp.entries {
			if !e.inUse && !e.connecting && e.conn != nil {
				probes = append(probes, probe{id: e.id, conn: e.conn})
			}
		}
		sp.mu.Unlock()

		for _, pr := range probes {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PingTimeout)
			_, err := pr.conn.Ping(ctx)
			cancel()

			sp.mu.Lock()
			e, ok := sp.entries[pr.id]
			if !ok || e.inUse || e.connecting {
				// Acquired or evicted while we were pinging; the result is stale.
				sp.mu.Unlock()
				continue
			}
			if err == nil {
				e.pingFailures = 0
				sp.mu.Unlock()
				continue
			}
			e.pingFailures++
			failures := e.pingFailures
			evict := failures >= p.cfg.PingFailureLimit
			if evict {
				delete(sp.entries, e.id)
			}
			sp.mu.Unlock()

			if evict {
				_ = pr.conn.Disconnect()
				p.logger.Warn("evicted unhealthy idle session",
					"server", sp.desc.Name, "entry", pr.id, "consecutiveFailures", failures)
			}
		}
	}
}

// cleanupSweep evicts idle entries unused longer than IdleTimeout, keeping
// at least MinConnections entries per server, and drops empty server pools.
func (p *Pool) cleanupSweep() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	for _, sp := range p.snapshotServers() {
		var victims []*entry

		sp.mu.Lock()
		for {
			if len(sp.entries) <= p.cfg.MinConnections {
				break
			}
			var oldest *entry
			for _, e := range sp.entries {
				if e.inUse || e.connecting || !e.lastUsed.Before(cutoff) {
					continue
				}
				if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
					oldest = e
				}
			}
			if oldest == nil {
				break
			}
			delete(sp.entries, oldest.id)
			victims = append(victims, oldest)
		}
		empty := len(sp.entries) == 0
		sp.mu.Unlock()

		for _, e := range victims {
			if e.conn != nil {
				_ = e.conn.Disconnect()
			}
			p.logger.Debug("evicted stale idle session", "server", sp.desc.Name, "entry", e.id)
		}

		if empty {
			p.mu.Lock()
			if cur, ok := p.servers[sp.desc.Name]; ok && cur == sp {
				sp.mu.Lock()
				if len(sp.entries) == 0 {
					delete(p.servers, sp.desc.Name)
				}
				sp.mu.Unlock()
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) snapshotServers() []*serverPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*serverPool, 0, len(p.servers))
	for _, sp := range p.servers {
		out = append(out, sp)
	}
	return out
}
