// Package health tracks the liveness of MCP servers. A Monitor owns one
// session per monitored server, pings it on a fixed interval, counts
// consecutive failures, and publishes status transitions; ScheduleSmartRefresh
// re-probes only the servers that are stale and out of their backoff window.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhq/mcppool/pkg/mcp"
)

// Status is the monitor's verdict on a server.
type Status string

const (
	// StatusConnecting means the session is being established.
	StatusConnecting Status = "connecting"

	// StatusConnected means the session is up and the last ping succeeded.
	StatusConnected Status = "connected"

	// StatusError means pings have failed ErrorThreshold times in a row.
	// Not terminal: a single successful ping restores connected.
	StatusError Status = "error"

	// StatusDisconnected means monitoring stopped or the session ended.
	StatusDisconnected Status = "disconnected"
)

// Record is the monitored state of one server.
type Record struct {
	Server       string
	Status       Status
	LastPing     time.Time // last successful ping
	LastChecked  time.Time // last ping attempt, success or not
	ResponseTime time.Duration
	ErrorCount   int // consecutive failures
	LastError    string
	LastErrorAt  time.Time
	ConnectedAt  time.Time
}

// Uptime reports how long the server has been connected, zero if it is not.
func (r Record) Uptime() time.Duration {
	if r.ConnectedAt.IsZero() || r.Status == StatusDisconnected {
		return 0
	}
	return time.Since(r.ConnectedAt)
}

// Session is the slice of a client connection the monitor drives.
type Session interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) (time.Duration, error)
	Disconnect() error
}

// DialFunc creates a session for a server descriptor. The default builds a
// stdio client.
type DialFunc func(desc mcp.ServerDescriptor) Session

// Config tunes the monitor.
type Config struct {
	// PingInterval is how often each server is probed.
	PingInterval time.Duration

	// ErrorThreshold is how many consecutive failures flip a server to
	// StatusError.
	ErrorThreshold int

	// RefreshTimeout bounds a single ping or refresh probe.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the standard tuning: 30s pings, three strikes, 10s
// per probe.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		ErrorThreshold: 3,
		RefreshTimeout: 10 * time.Second,
	}
}

const (
	// freshWindow is how recently a server must have been successfully
	// pinged for ScheduleSmartRefresh to skip it.
	freshWindow = 5 * time.Minute

	// maxBackoffWindow caps how long a failing server is left alone.
	maxBackoffWindow = 30 * time.Minute

	refreshBatchSize  = 3
	refreshBatchDelay = 500 * time.Millisecond
)

type target struct {
	session Session
	stop    chan struct{}
}

// Monitor watches a set of servers, one owned session each. All methods are
// safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	dial   DialFunc

	mu      sync.Mutex
	targets map[string]*target
	records map[string]Record

	updates chan Record
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithDialer replaces how sessions are created. Used in tests.
func WithDialer(d DialFunc) Option {
	return func(m *Monitor) { m.dial = d }
}

// New creates a Monitor. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}

	m := &Monitor{
		cfg:    cfg,
		logger: slog.Default(),
		dial: func(desc mcp.ServerDescriptor) Session {
			return mcp.NewClient(desc)
		},
		targets: make(map[string]*target),
		records: make(map[string]Record),
		updates: make(chan Record, 32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartMonitoring establishes a session to the server and begins periodic
// pings. Monitoring an already monitored name replaces the old session.
func (m *Monitor) StartMonitoring(ctx context.Context, desc mcp.ServerDescriptor) error {
	m.setStatus(desc.Name, func(rec *Record) {
		rec.Status = StatusConnecting
	})

	sess := m.dial(desc)
	if err := sess.Connect(ctx); err != nil {
		m.setStatus(desc.Name, func(rec *Record) {
			rec.Status = StatusError
			rec.ErrorCount++
			rec.LastError = err.Error()
			rec.LastErrorAt = time.Now()
		})
		return err
	}

	t := &target{session: sess, stop: make(chan struct{})}

	m.mu.Lock()
	if old, ok := m.targets[desc.Name]; ok {
		close(old.stop)
		_ = old.session.Disconnect()
	}
	m.targets[desc.Name] = t
	m.mu.Unlock()

	m.setStatus(desc.Name, func(rec *Record) {
		rec.Status = StatusConnected
		rec.ErrorCount = 0
		rec.LastError = ""
		rec.ConnectedAt = time.Now()
	})

	go m.watch(desc.Name, t)
	return nil
}

// StopMonitoring cancels the ping timer for one server, disconnects its
// session, and emits a final disconnected status.
func (m *Monitor) StopMonitoring(name string) {
	m.mu.Lock()
	t, ok := m.targets[name]
	if ok {
		delete(m.targets, name)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	close(t.stop)
	if err := t.session.Disconnect(); err != nil {
		m.logger.Warn("disconnect failed", "server", name, "error", err)
	}
	m.setStatus(name, func(rec *Record) {
		rec.Status = StatusDisconnected
	})
}

// StopAll stops monitoring every server.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.StopMonitoring(name)
	}
}

func (m *Monitor) watch(name string, t *target) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			m.pingOnce(name, t.session)
		}
	}
}

// pingOnce probes a server and folds the result into its record. Success
// resets the failure count and restores connected; failures accumulate until
// the threshold flips the status to error.
func (m *Monitor) pingOnce(name string, s Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	latency, err := s.Ping(ctx)
	cancel()

	now := time.Now()
	if err != nil {
		m.logger.Warn("ping failed", "server", name, "error", err)
		m.setStatus(name, func(rec *Record) {
			rec.LastChecked = now
			rec.ErrorCount++
			rec.LastError = err.Error()
			rec.LastErrorAt = now
			if rec.ErrorCount >= m.cfg.ErrorThreshold {
				rec.Status = StatusError
			}
		})
		return
	}

	m.setStatus(name, func(rec *Record) {
		rec.LastChecked = now
		rec.LastPing = now
		rec.ResponseTime = latency
		rec.ErrorCount = 0
		rec.LastError = ""
		rec.Status = StatusConnected
	})
}

// setStatus applies fn to the server's record and publishes the result if
// the status changed.
func (m *Monitor) setStatus(name string, fn func(rec *Record)) {
	m.mu.Lock()
	rec := m.records[name]
	rec.Server = name
	before := rec.Status
	fn(&rec)
	m.records[name] = rec
	m.mu.Unlock()

	if rec.Status != before {
		m.logger.Info("server status changed", "server", name, "from", string(before), "to", string(rec.Status))
		select {
		case m.updates <- rec:
		default:
		}
	}
}

// Updates delivers a record each time a server changes status. The channel is
// buffered; updates are dropped when the consumer falls behind.
func (m *Monitor) Updates() <-chan Record { return m.updates }

// Snapshot returns a copy of every record the monitor holds.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(m.records))
	for name, rec := range m.records {
		out[name] = rec
	}
	return out
}

// Status returns the record for one server. The bool reports whether the
// server is known to the monitor.
func (m *Monitor) Status(name string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}

// ScheduleSmartRefresh pings only the monitored servers worth re-checking:
// it skips any server successfully pinged within the last five minutes, and
// any server in error status still inside its backoff window since the last
// failure. Eligible servers are probed in batches of three with a short pause
// between batches. Returns how many servers were probed.
func (m *Monitor) ScheduleSmartRefresh(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	due := make([]string, 0, len(m.targets))
	sessions := make(map[string]Session, len(m.targets))
	for name, t := range m.targets {
		rec := m.records[name]
		if !rec.LastPing.IsZero() && now.Sub(rec.LastPing) < freshWindow {
			continue
		}
		if rec.Status == StatusError && now.Sub(rec.LastErrorAt) < backoffWindow(rec.ErrorCount) {
			continue
		}
		due = append(due, name)
		sessions[name] = t.session
	}
	m.mu.Unlock()

	probed := 0
	for start := 0; start < len(due); start += refreshBatchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return probed
			case <-time.After(refreshBatchDelay):
			}
		}

		end := min(start+refreshBatchSize, len(due))
		var wg sync.WaitGroup
		for _, name := range due[start:end] {
			name := name
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.pingOnce(name, sessions[name])
			}()
			probed++
		}
		wg.Wait()
	}

	m.logger.Debug("smart refresh complete", "candidates", len(due), "probed", probed)
	return probed
}

// backoffWindow is how long a server with the given consecutive failure
// count is left alone between refresh attempts. It doubles per failure and
// tops out at maxBackoffWindow.
func backoffWindow(errorCount int) time.Duration {
	if errorCount <= 0 {
		return 0
	}
	if errorCount > 10 {
		return maxBackoffWindow
	}
	window := time.Duration(1<<uint(errorCount)) * time.Minute
	if window > maxBackoffWindow {
		return maxBackoffWindow
	}
	return window
}
