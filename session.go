package gridsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/gridsync/queues"
	"pkt.systems/gridsync/semaphores"
	"pkt.systems/pslog"
)

var (
	// ErrSessionNotInitialized is returned when a named session was never
	// opened, or has been closed.
	ErrSessionNotInitialized = errors.New("gridsync: session not initialized")
	// ErrSessionExists is returned by Open when the name is already in use.
	ErrSessionExists = errors.New("gridsync: session already open")
)

var sessions = struct {
	mu     sync.Mutex
	byName map[string]*Session
}{byName: make(map[string]*Session)}

// Session is one named coordination scope: a grid store plus the semaphore
// registry and queue service running on it.
type Session struct {
	name       string
	cfg        Config
	logger     pslog.Logger
	store      grid.Store
	semaphores *semaphores.Registry
	queues     *queues.Service
	telemetry  *telemetryBundle

	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, opens its store and registers the session under
// cfg.SessionName so FindSession can resolve it.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	base := cfg.Logger.With("session", cfg.SessionName)
	logger := svcfields.WithSubsystem(base, "gridsync.session")

	sessions.mu.Lock()
	_, taken := sessions.byName[cfg.SessionName]
	sessions.mu.Unlock()
	if taken {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, cfg.SessionName)
	}

	telemetry, err := setupTelemetry(ctx, cfg.OTLPEndpoint, cfg.MetricsListen, cfg.EnableRuntimeMetrics, svcfields.WithSubsystem(base, "telemetry"))
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg, base)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("gridsync: open store: %w", err)
	}
	registry, err := semaphores.NewRegistry(semaphores.Config{
		Store:      store,
		Logger:     base,
		MinBackoff: cfg.AcquireMinBackoff,
		MaxBackoff: cfg.AcquireMaxBackoff,
	})
	if err != nil {
		_ = store.Close()
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}
	service, err := queues.NewService(queues.Config{
		Store:      store,
		Logger:     base,
		MaxSize:    cfg.QueueMaxSize,
		MinBackoff: cfg.AcquireMinBackoff,
		MaxBackoff: cfg.AcquireMaxBackoff,
	})
	if err != nil {
		_ = store.Close()
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}
	s := &Session{
		name:       cfg.SessionName,
		cfg:        cfg,
		logger:     logger,
		store:      store,
		semaphores: registry,
		queues:     service,
		telemetry:  telemetry,
	}

	sessions.mu.Lock()
	if _, taken := sessions.byName[s.name]; taken {
		sessions.mu.Unlock()
		_ = s.shutdown(ctx)
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, s.name)
	}
	sessions.byName[s.name] = s
	sessions.mu.Unlock()

	logger.Info("gridsync.session.opened", "store", cfg.Store)
	return s, nil
}

// FindSession returns the open session called name.
func FindSession(name string) (*Session, error) {
	if name == "" {
		name = DefaultSessionName
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	s, ok := sessions.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotInitialized, name)
	}
	return s, nil
}

// SessionNames lists the open sessions, sorted.
func SessionNames() []string {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	names := make([]string, 0, len(sessions.byName))
	for name := range sessions.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoteSemaphore resolves session and returns its distributed semaphore
// called name.
func RemoteSemaphore(ctx context.Context, session, name string, permits int64) (*semaphores.DistributedSemaphore, error) {
	s, err := FindSession(session)
	if err != nil {
		return nil, err
	}
	return s.RemoteSemaphore(ctx, name, permits)
}

// LocalSemaphore resolves session and returns its process-local semaphore
// called name.
func LocalSemaphore(session, name string, permits int64) (*semaphores.LocalSemaphore, error) {
	s, err := FindSession(session)
	if err != nil {
		return nil, err
	}
	return s.LocalSemaphore(name, permits)
}

// Queue resolves session and returns the queue called name.
func Queue(session, name string) (*queues.Queue, error) {
	s, err := FindSession(session)
	if err != nil {
		return nil, err
	}
	return s.Queue(name)
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Config returns the validated configuration the session was opened with.
func (s *Session) Config() Config { return s.cfg }

// Semaphores returns the session's semaphore registry.
func (s *Session) Semaphores() *semaphores.Registry { return s.semaphores }

// Queues returns the session's queue service.
func (s *Session) Queues() *queues.Service { return s.queues }

// MetricsAddr returns the Prometheus listener address, if metrics are enabled.
func (s *Session) MetricsAddr() string { return s.telemetry.MetricsAddr() }

// RemoteSemaphore returns the distributed semaphore called name.
func (s *Session) RemoteSemaphore(ctx context.Context, name string, permits int64) (*semaphores.DistributedSemaphore, error) {
	return s.semaphores.RemoteSemaphore(ctx, name, permits)
}

// LocalSemaphore returns the process-local semaphore called name.
func (s *Session) LocalSemaphore(name string, permits int64) (*semaphores.LocalSemaphore, error) {
	return s.semaphores.LocalSemaphore(name, permits)
}

// Queue returns the queue called name.
func (s *Session) Queue(name string) (*queues.Queue, error) {
	return s.queues.Queue(name)
}

// Peek inspects the element key addresses without removing it.
func (s *Session) Peek(ctx context.Context, key queues.QueueKey) (*queues.QueuePollResult, error) {
	return s.queues.Peek(ctx, key)
}

// Poll removes and returns the element key addresses.
func (s *Session) Poll(ctx context.Context, key queues.QueueKey) (*queues.QueuePollResult, error) {
	return s.queues.Poll(ctx, key)
}

// Offer adds element to the queue key addresses.
func (s *Session) Offer(ctx context.Context, key queues.QueueKey, element []byte) (bool, error) {
	return s.queues.Offer(ctx, key, element)
}

// Clear drops every semaphore and queue, local and remote.
func (s *Session) Clear(ctx context.Context) error {
	var errs []error
	if err := s.semaphores.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.queues.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close unregisters the session and releases its store and telemetry.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		sessions.mu.Lock()
		if sessions.byName[s.name] == s {
			delete(sessions.byName, s.name)
		}
		sessions.mu.Unlock()
		s.closeErr = s.shutdown(ctx)
		s.logger.Info("gridsync.session.closed")
	})
	return s.closeErr
}

func (s *Session) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
