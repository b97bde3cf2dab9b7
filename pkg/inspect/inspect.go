// Package inspect discovers and caches the capability surface of MCP servers.
// An Inspector connects to servers on demand, asks for their tools, resources,
// and prompts, and keeps the answers until told to forget them.
package inspect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/mcppool/pkg/mcp"
)

// maxConcurrentInspections bounds InspectMany so a large server list does not
// fork an unbounded number of subprocesses at once.
const maxConcurrentInspections = 3

// InspectionError reports a failed inspection pass. A partial snapshot is
// still produced alongside it.
type InspectionError struct {
	Server string
	Stage  string // which listing failed: connect, tools, resources, prompts
	Err    error
}

func (e *InspectionError) Error() string {
	return fmt.Sprintf("inspect %q: %s failed: %v", e.Server, e.Stage, e.Err)
}

func (e *InspectionError) Unwrap() error { return e.Err }

// session is the slice of a client connection the inspector needs.
type session interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect() error
	GetTools(ctx context.Context) ([]mcp.Tool, error)
	GetResources(ctx context.Context) ([]mcp.Resource, error)
	GetPrompts(ctx context.Context) ([]mcp.Prompt, error)
}

// Inspector caches capability snapshots per server. Entries never expire on
// their own; staleness is the caller's call, made through force or Invalidate.
type Inspector struct {
	logger *slog.Logger

	newSession func(desc mcp.ServerDescriptor) session
	clientOpts []mcp.ClientOption

	mu       sync.Mutex
	cache    map[string]*Snapshot
	sessions map[string]session
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Inspector) { i.logger = l }
}

// WithClientOptions forwards options to the clients the default session
// factory builds, for things like request timeouts or an alternate transport.
func WithClientOptions(opts ...mcp.ClientOption) Option {
	return func(i *Inspector) { i.clientOpts = opts }
}

// withSessionFactory replaces how sessions are created. Test hook.
func withSessionFactory(f func(desc mcp.ServerDescriptor) session) Option {
	return func(i *Inspector) { i.newSession = f }
}

// New creates an Inspector with an empty cache.
func New(opts ...Option) *Inspector {
	i := &Inspector{
		logger:   slog.Default(),
		cache:    make(map[string]*Snapshot),
		sessions: make(map[string]session),
	}
	i.newSession = func(desc mcp.ServerDescriptor) session {
		return mcp.NewClient(desc, i.clientOpts...)
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect returns the capability snapshot for one server. A cached snapshot,
// including one that recorded a failure, is returned as-is unless force is
// set. A fresh pass that fails partway returns the partial snapshot together
// with an InspectionError; the partial result is cached like any other.
func (i *Inspector) Inspect(ctx context.Context, desc mcp.ServerDescriptor, force bool) (*Snapshot, error) {
	if !force {
		i.mu.Lock()
		if snap, ok := i.cache[desc.Name]; ok {
			i.mu.Unlock()
			return snap, nil
		}
		i.mu.Unlock()
	}

	snap, inspErr := i.run(ctx, desc)

	i.mu.Lock()
	i.cache[desc.Name] = snap
	i.mu.Unlock()

	if inspErr != nil {
		return snap, inspErr
	}
	return snap, nil
}

// run performs one inspection pass against a live session.
func (i *Inspector) run(ctx context.Context, desc mcp.ServerDescriptor) (*Snapshot, *InspectionError) {
	snap := &Snapshot{Server: desc.Name, InspectedAt: time.Now()}

	sess, err := i.acquireSession(ctx, desc)
	if err != nil {
		snap.Error = err.Error()
		return snap, &InspectionError{Server: desc.Name, Stage: "connect", Err: err}
	}

	fail := func(stage string, err error) (*Snapshot, *InspectionError) {
		snap.TokenEstimate = estimateTokens(snap)
		snap.Error = err.Error()
		i.dropSession(desc.Name)
		i.logger.Warn("inspection pass failed", "server", desc.Name, "stage", stage, "error", err)
		return snap, &InspectionError{Server: desc.Name, Stage: stage, Err: err}
	}

	if snap.Tools, err = sess.GetTools(ctx); err != nil {
		return fail("tools", err)
	}
	if snap.Resources, err = sess.GetResources(ctx); err != nil {
		return fail("resources", err)
	}
	if snap.Prompts, err = sess.GetPrompts(ctx); err != nil {
		return fail("prompts", err)
	}

	snap.TokenEstimate = estimateTokens(snap)

	tools, resources, prompts := snap.Counts()
	i.logger.Info("server inspected",
		"server", desc.Name,
		"tools", tools,
		"resources", resources,
		"prompts", prompts,
		"tokenEstimate", snap.TokenEstimate)
	return snap, nil
}

// acquireSession returns a live session for the server, reusing an existing
// one when it is still connected.
func (i *Inspector) acquireSession(ctx context.Context, desc mcp.ServerDescriptor) (session, error) {
	i.mu.Lock()
	sess, ok := i.sessions[desc.Name]
	i.mu.Unlock()

	if ok && sess.Connected() {
		return sess, nil
	}
	if ok {
		_ = sess.Disconnect()
	}

	sess = i.newSession(desc)
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}

	i.mu.Lock()
	if cur, ok := i.sessions[desc.Name]; ok && cur.Connected() {
		// A concurrent pass connected first; reuse its session, drop ours.
		i.mu.Unlock()
		_ = sess.Disconnect()
		return cur, nil
	}
	i.sessions[desc.Name] = sess
	i.mu.Unlock()
	return sess, nil
}

// dropSession disconnects and forgets the session for a server. Failed
// sessions are not worth keeping around for reuse.
func (i *Inspector) dropSession(name string) {
	i.mu.Lock()
	sess, ok := i.sessions[name]
	if ok {
		delete(i.sessions, name)
	}
	i.mu.Unlock()

	if ok {
		_ = sess.Disconnect()
	}
}

// InspectMany inspects a batch of servers, at most three at a time, and
// returns whatever snapshots were produced. Per-server failures do not stop
// the batch; each failed snapshot carries its error.
func (i *Inspector) InspectMany(ctx context.Context, descs []mcp.ServerDescriptor, force bool) map[string]*Snapshot {
	results := make(map[string]*Snapshot, len(descs))
	var resMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentInspections)

	for _, desc := range descs {
		desc := desc
		g.Go(func() error {
			snap, err := i.Inspect(ctx, desc, force)
			if err != nil {
				i.logger.Warn("batch inspection failed", "server", desc.Name, "error", err)
			}
			resMu.Lock()
			results[desc.Name] = snap
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Cached returns the cached snapshot for a server, or nil.
func (i *Inspector) Cached(name string) *Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cache[name]
}

// Invalidate forgets the cached snapshot for one server.
func (i *Inspector) Invalidate(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.cache, name)
}

// InvalidateAll empties the cache.
func (i *Inspector) InvalidateAll() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache = make(map[string]*Snapshot)
}

// DisconnectAll closes every session the inspector holds. The cache survives.
func (i *Inspector) DisconnectAll() {
	i.mu.Lock()
	sessions := i.sessions
	i.sessions = make(map[string]session)
	i.mu.Unlock()

	for name, sess := range sessions {
		if err := sess.Disconnect(); err != nil {
			i.logger.Warn("disconnect failed", "server", name, "error", err)
		}
	}
}
