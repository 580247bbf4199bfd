// Package objectgrid is a grid engine layered on a conditional object store.
//
// Each routing group (namespace plus routing key) is stored as one object
// holding the group's entries and its invocation ledger. An invocation reads
// the object, runs the processor against a staging area and writes the result
// back guarded by the ETag it read, so members in different processes that
// share a bucket, directory or database serialize on the object. Lost races
// are retried up to CASMaxAttempts times.
package objectgrid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/gridsync/internal/clock"
	"pkt.systems/gridsync/internal/evolvable"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/objectstore"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/gridsync/internal/watch"
	"pkt.systems/pslog"
)

const (
	// DefaultCASMaxAttempts bounds read-process-write rounds per invocation.
	DefaultCASMaxAttempts = 32
	// DefaultWatchPollInterval is used for backends without a change feed.
	DefaultWatchPollInterval = 250 * time.Millisecond
	// DefaultLedgerSize bounds the invocations remembered per group.
	DefaultLedgerSize = 128
)

// ErrContention is wrapped (as transient) when every CAS attempt lost.
var ErrContention = errors.New("objectgrid: cas attempts exhausted")

// Config configures the engine.
type Config struct {
	Backend           objectstore.Backend
	CASMaxAttempts    int
	WatchPollInterval time.Duration
	LedgerSize        int
	Clock             clock.Clock
	Logger            pslog.Logger
}

// Store implements grid.Store over an objectstore.Backend.
type Store struct {
	backend      objectstore.Backend
	maxAttempts  int
	pollInterval time.Duration
	ledgerSize   int
	clock        clock.Clock
	logger       pslog.Logger
	hub          *watch.Hub
	metrics      *engineMetrics
	done         chan struct{}
	closed       atomic.Bool
	wg           sync.WaitGroup
}

// New returns an engine owning cfg.Backend; Close closes it.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("objectgrid: backend required")
	}
	if cfg.CASMaxAttempts <= 0 {
		cfg.CASMaxAttempts = DefaultCASMaxAttempts
	}
	if cfg.WatchPollInterval <= 0 {
		cfg.WatchPollInterval = DefaultWatchPollInterval
	}
	if cfg.LedgerSize <= 0 {
		cfg.LedgerSize = DefaultLedgerSize
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "grid.objectgrid")
	s := &Store{
		backend:      cfg.Backend,
		maxAttempts:  cfg.CASMaxAttempts,
		pollInterval: cfg.WatchPollInterval,
		ledgerSize:   cfg.LedgerSize,
		clock:        clock.Or(cfg.Clock),
		logger:       logger,
		hub:          watch.NewHub(),
		metrics:      newEngineMetrics(logger),
		done:         make(chan struct{}),
	}
	_, feed := cfg.Backend.(objectstore.ChangeFeed)
	logger.Info("grid.objectgrid.started",
		"backend", fmt.Sprintf("%T", cfg.Backend),
		"cas_max_attempts", cfg.CASMaxAttempts,
		"change_feed", feed,
		"ledger_size", cfg.LedgerSize,
	)
	return s, nil
}

// Invoke implements grid.Store.
func (s *Store) Invoke(ctx context.Context, key grid.Key, p grid.Processor) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("objectgrid: nil processor for %s", key)
	}
	if s.closed.Load() {
		return nil, grid.ErrClosed
	}
	ctx, id := grid.EnsureInvocationID(ctx)
	replayOnly := grid.ReplayOnly(ctx)
	objKey := objectKey(key.Namespace, key.RoutingKey())
	backoff := clock.Backoff{Base: 5 * time.Millisecond, Max: 250 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, etag, err := s.read(ctx, objKey)
		if err != nil {
			return nil, err
		}
		if res, ok := g.ledger.Lookup(id); ok {
			return append([]byte{}, res...), nil
		}
		if replayOnly {
			return nil, grid.ErrNotApplied
		}
		staging := grid.NewStaging(key.Namespace, key.RoutingKey(), g.load)
		result, err := grid.Run(p, staging.Entry(key.ID))
		if err != nil {
			return nil, err
		}
		if !staging.Dirty() {
			return result, nil
		}
		g.apply(staging.Changes())
		g.ledger.Record(id, result)
		err = s.write(ctx, objKey, g, etag)
		if err == nil {
			s.hub.Notify(objKey)
			if attempt > 1 {
				s.logger.Debug("grid.objectgrid.invoke.contended", "key", key.String(), "attempts", attempt)
			}
			return result, nil
		}
		if !errors.Is(err, objectstore.ErrCASMismatch) && !errors.Is(err, objectstore.ErrNotFound) {
			return nil, wrapBackendError(err)
		}
		s.metrics.recordConflict(ctx, key.Namespace)
		if attempt >= s.maxAttempts {
			s.logger.Warn("grid.objectgrid.invoke.exhausted", "key", key.String(), "attempts", attempt)
			return nil, grid.NewTransientError(fmt.Errorf("%w: %s after %d attempts", ErrContention, key, attempt))
		}
		if err := clock.Wait(ctx, s.clock, backoff.Next()); err != nil {
			return nil, err
		}
	}
}

// Get implements grid.Store.
func (s *Store) Get(ctx context.Context, key grid.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, grid.ErrClosed
	}
	g, _, err := s.read(ctx, objectKey(key.Namespace, key.RoutingKey()))
	if err != nil {
		return nil, err
	}
	v, ok := g.load(key.ID)
	if !ok {
		return nil, grid.ErrNotFound
	}
	return v, nil
}

// Remove implements grid.Store.
func (s *Store) Remove(ctx context.Context, key grid.Key) error {
	_, err := s.Invoke(ctx, key, grid.ProcessorFunc(func(e grid.Entry) ([]byte, error) {
		if e.Present() {
			e.Remove()
		}
		return nil, nil
	}))
	return err
}

// Clear implements grid.Store by deleting every group object in namespace.
func (s *Store) Clear(ctx context.Context, namespace string) error {
	if namespace == "" {
		return fmt.Errorf("%w: namespace required", grid.ErrInvalidKey)
	}
	if s.closed.Load() {
		return grid.ErrClosed
	}
	prefix := namespacePrefix(namespace)
	infos, err := s.backend.List(ctx, prefix)
	if err != nil {
		return wrapBackendError(err)
	}
	var errs []error
	for _, info := range infos {
		if err := s.backend.Delete(ctx, info.Key, objectstore.DeleteOptions{IgnoreNotFound: true}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", info.Key, wrapBackendError(err)))
		}
	}
	s.hub.NotifyPrefix(prefix)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug("grid.objectgrid.clear", "namespace", namespace, "groups", len(infos))
	return nil
}

// Subscribe implements grid.Store. Notifications cover the whole routing
// group of key.
func (s *Store) Subscribe(_ context.Context, key grid.Key) (grid.Subscription, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, grid.ErrClosed
	}
	return s.subscribe(objectKey(key.Namespace, key.RoutingKey())), nil
}

// Close stops subscriptions and closes the backend.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	s.hub.Close()
	err := s.backend.Close()
	s.logger.Info("grid.objectgrid.closed")
	return err
}

func (s *Store) read(ctx context.Context, objKey string) (*group, string, error) {
	data, info, err := s.backend.Get(ctx, objKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return newGroup(s.ledgerSize), "", nil
		}
		return nil, "", wrapBackendError(err)
	}
	g, err := decodeGroup(data, s.ledgerSize)
	if err != nil {
		return nil, "", err
	}
	return g, info.ETag, nil
}

func (s *Store) write(ctx context.Context, objKey string, g *group, etag string) error {
	opts := objectstore.PutOptions{ContentType: objectstore.ContentTypeProtobuf}
	if etag == "" {
		opts.IfNotExists = true
	} else {
		opts.ExpectedETag = etag
	}
	_, err := s.backend.Put(ctx, objKey, evolvable.Marshal(g), opts)
	return err
}

func wrapBackendError(err error) error {
	if objectstore.IsTransient(err) {
		return grid.NewTransientError(err)
	}
	return err
}
