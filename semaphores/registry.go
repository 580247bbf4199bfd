package semaphores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/gridsync/internal/clock"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/gridsync/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	// DefaultAcquireMinBackoff is the first wait between acquire attempts.
	DefaultAcquireMinBackoff = 10 * time.Millisecond
	// DefaultAcquireMaxBackoff caps the wait between acquire attempts.
	DefaultAcquireMaxBackoff = time.Second

	establishTimeout = 30 * time.Second
)

// Config configures a Registry.
type Config struct {
	// Store is the grid holding semaphore status records. Required.
	Store      grid.Store
	Logger     pslog.Logger
	Clock      clock.Clock
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Registry hands out semaphore handles. It caches one distributed handle and
// one local semaphore per name for its lifetime; create it when a session
// starts and drop it when the session ends.
type Registry struct {
	store      grid.Store
	baseLogger pslog.Logger
	logger     pslog.Logger
	clock      clock.Clock
	metrics    *semaphoreMetrics
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	remote map[string]*DistributedSemaphore
	local  map[string]*LocalSemaphore
	group  singleflight.Group
}

// NewRegistry returns an empty registry bound to cfg.Store.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("semaphores: store required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultAcquireMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultAcquireMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "semaphores.registry")
	return &Registry{
		store:      cfg.Store,
		baseLogger: cfg.Logger,
		logger:     logger,
		clock:      clock.Or(cfg.Clock),
		metrics:    newSemaphoreMetrics(logger),
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		remote:     make(map[string]*DistributedSemaphore),
		local:      make(map[string]*LocalSemaphore),
	}, nil
}

// RemoteSemaphore returns the distributed semaphore called name, creating it
// with permits if no process has yet. If the semaphore already exists with a
// different capacity the call fails with a *CapacityMismatchError.
func (r *Registry) RemoteSemaphore(ctx context.Context, name string, permits int64) (*DistributedSemaphore, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := checkPermits(permits, true); err != nil {
		return nil, err
	}
	r.mu.Lock()
	handle := r.remote[name]
	r.mu.Unlock()
	if handle == nil {
		ch := r.group.DoChan(name, func() (any, error) {
			// Shared by every caller waiting on name, so one caller's
			// cancellation must not fail the others.
			ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), establishTimeout)
			defer cancel()
			return r.establish(ectx, name, permits)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			handle = res.Val.(*DistributedSemaphore)
		}
	}
	if handle.permits != permits {
		return nil, &CapacityMismatchError{Name: name, Existing: handle.permits, Requested: permits}
	}
	return handle, nil
}

// establish creates or reads the status record and publishes a handle built
// from the stored capacity. The first handle published for a name is kept.
func (r *Registry) establish(ctx context.Context, name string, permits int64) (*DistributedSemaphore, error) {
	r.mu.Lock()
	if existing := r.remote[name]; existing != nil {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	key := grid.Key{Namespace: Namespace, ID: name}
	ctx = grid.WithInvocationID(ctx, uuidv7.NewString())
	data, err := r.store.Invoke(ctx, key, &EnsureProcessor{Permits: permits, NowMilli: r.clock.Now().UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("semaphores: establish %q: %w", name, err)
	}
	out, err := decodeOutcome(data)
	if err != nil {
		return nil, err
	}
	if out.Created {
		r.logger.Info("semaphore.created", "semaphore", name, "permits", permits)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.remote[name]; existing != nil {
		return existing, nil
	}
	handle := newDistributedSemaphore(name, out.Value, r)
	r.remote[name] = handle
	return handle, nil
}

// LocalSemaphore returns the process-local semaphore called name, creating it
// with permits on first use. Later calls return the cached semaphore whatever
// permits they pass.
func (r *Registry) LocalSemaphore(name string, permits int64) (*LocalSemaphore, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.local[name]; existing != nil {
		return existing, nil
	}
	sem, err := NewLocalSemaphore(name, permits)
	if err != nil {
		return nil, err
	}
	r.local[name] = sem
	return sem, nil
}

// Names returns the names of cached distributed handles, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.remote))
	for name := range r.remote {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear drops every cached handle and removes all semaphore records from the
// store. It affects every process using the grid and is meant for
// administrative tooling and tests.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	dropped := len(r.remote) + len(r.local)
	r.remote = make(map[string]*DistributedSemaphore)
	r.local = make(map[string]*LocalSemaphore)
	r.mu.Unlock()
	if err := r.store.Clear(ctx, Namespace); err != nil {
		return fmt.Errorf("semaphores: clear: %w", err)
	}
	r.logger.Warn("semaphore.registry.cleared", "dropped_handles", dropped)
	return nil
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: semaphore name required", ErrInvalidArgument)
	}
	return nil
}
