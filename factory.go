package rabbitstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/brokerkit/rabbitstore/internal/rabbitmq"
)

// DefaultMaxConnectionsPerEndpoint caps how many live connections the
// factory hands out per endpoint before GetConnection starts failing.
const DefaultMaxConnectionsPerEndpoint = 10

// Factory hands out supervised connections across endpoints. Managers are
// keyed by endpoint identity, so two stores pointing at the same broker and
// vhost share one supervisor and therefore one connection.
type Factory struct {
	label   string
	logger  *slog.Logger
	maxLive int
	dial    Dialer

	mu       sync.Mutex
	managers map[string]*managerEntry
	shutdown bool
}

type managerEntry struct {
	supervisor *rabbitmq.ConnectionSupervisor
	endpoint   Endpoint
	live       int
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFactoryLabel prefixes the connection labels of every manager the
// factory creates.
func WithFactoryLabel(label string) FactoryOption {
	return func(f *Factory) {
		f.label = label
	}
}

// WithFactoryLogger sets the logger passed to created managers.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithMaxConnectionsPerEndpoint caps live connections per endpoint.
func WithMaxConnectionsPerEndpoint(n int) FactoryOption {
	return func(f *Factory) {
		if n > 0 {
			f.maxLive = n
		}
	}
}

// WithFactoryDialer replaces the production dialer for every manager the
// factory creates.
func WithFactoryDialer(dial Dialer) FactoryOption {
	return func(f *Factory) {
		f.dial = dial
	}
}

// NewFactory creates an empty factory. Managers are created on first
// request per endpoint.
func NewFactory(options ...FactoryOption) *Factory {
	f := &Factory{
		logger:   slog.Default(),
		maxLive:  DefaultMaxConnectionsPerEndpoint,
		managers: make(map[string]*managerEntry),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

var (
	defaultFactory     *Factory
	defaultFactoryOnce sync.Once
)

// DefaultFactory returns the process-wide factory, created on first use.
func DefaultFactory() *Factory {
	defaultFactoryOnce.Do(func() {
		defaultFactory = NewFactory()
	})
	return defaultFactory
}

// GetConnectionManager returns the manager for the endpoint, creating it if
// this is the first request for that identity. The manager's connection
// label is fixed at creation; later callers with a different clientLabel
// still share it.
func (f *Factory) GetConnectionManager(endpoint Endpoint, clientLabel string) (*ConnectionManager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return nil, ErrShutdown
	}
	entry := f.entryLocked(endpoint, clientLabel)
	return entry.supervisor, nil
}

// GetConnection returns a live connection for the endpoint, dialing through
// the endpoint's manager. Each successful call counts against the per
// endpoint cap until ReturnConnection observes the connection closed.
func (f *Factory) GetConnection(ctx context.Context, endpoint Endpoint, clientLabel string) (Connection, error) {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil, ErrShutdown
	}
	entry := f.entryLocked(endpoint, clientLabel)
	if entry.live >= f.maxLive {
		f.mu.Unlock()
		return nil, &CapacityError{Resource: "connections for " + entry.endpoint.Key(), Limit: f.maxLive}
	}
	entry.live++
	f.mu.Unlock()

	conn, err := entry.supervisor.Get(ctx)
	if err != nil {
		f.mu.Lock()
		entry.live--
		f.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// ReturnConnection gives a connection back to its endpoint's accounting.
// The count drops only when the connection is actually closed; an open
// connection stays checked out because the supervisor still shares it.
func (f *Factory) ReturnConnection(endpoint Endpoint, conn Connection) {
	if conn == nil || !conn.IsClosed() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.managers[endpoint.withDefaults().Key()]
	if ok && entry.live > 0 {
		entry.live--
	}
}

// ListConnections returns the endpoint identities with a manager, sorted.
func (f *Factory) ListConnections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.managers))
	for key := range f.managers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RemoveConnectionManager shuts down and drops the manager for the
// endpoint, reporting whether one existed. Stores still holding the manager
// will see ErrShutdown from it afterwards.
func (f *Factory) RemoveConnectionManager(endpoint Endpoint) bool {
	key := endpoint.withDefaults().Key()

	f.mu.Lock()
	entry, ok := f.managers[key]
	if ok {
		delete(f.managers, key)
	}
	f.mu.Unlock()

	if !ok {
		return false
	}
	entry.supervisor.Shutdown()
	f.logger.Info("connection manager removed", "endpoint", key)
	return true
}

// ShutdownAll shuts down every manager and marks the factory terminal.
// Idempotent.
func (f *Factory) ShutdownAll() {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return
	}
	f.shutdown = true
	entries := make([]*managerEntry, 0, len(f.managers))
	for _, entry := range f.managers {
		entries = append(entries, entry)
	}
	f.managers = make(map[string]*managerEntry)
	f.mu.Unlock()

	for _, entry := range entries {
		entry.supervisor.Shutdown()
	}
	f.logger.Info("factory shut down", "managers", len(entries))
}

// entryLocked returns the entry for the endpoint, creating the manager on
// first use. Caller holds f.mu.
func (f *Factory) entryLocked(endpoint Endpoint, clientLabel string) *managerEntry {
	endpoint = endpoint.withDefaults()
	key := endpoint.Key()
	if entry, ok := f.managers[key]; ok {
		return entry
	}

	label := clientLabel
	if f.label != "" {
		label = fmt.Sprintf("%s#%s", f.label, clientLabel)
	}
	supOpts := []rabbitmq.SupervisorOption{
		rabbitmq.WithConnectionLabel(label),
		rabbitmq.WithSupervisorLogger(f.logger),
	}
	if f.dial != nil {
		supOpts = append(supOpts, rabbitmq.WithDialer(f.dial))
	}
	entry := &managerEntry{
		supervisor: rabbitmq.NewConnectionSupervisor(endpoint.URL(), key, supOpts...),
		endpoint:   endpoint,
	}
	f.managers[key] = entry
	f.logger.Debug("connection manager created", "endpoint", key, "label", label)
	return entry
}
