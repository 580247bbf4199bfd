package queues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/gridsync/internal/clock"
	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/gridsync/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	// DefaultTakeMinBackoff is the first wait between Take attempts.
	DefaultTakeMinBackoff = 10 * time.Millisecond
	// DefaultTakeMaxBackoff caps the wait between Take attempts.
	DefaultTakeMaxBackoff = time.Second

	replayTimeout = 5 * time.Second
)

// Config configures a Service.
type Config struct {
	// Store is the grid holding queue entries. Required.
	Store  grid.Store
	Logger pslog.Logger
	Clock  clock.Clock
	// MaxSize bounds every queue. Zero means unbounded.
	MaxSize    int64
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Service runs queue operations against a grid.Store and caches one Queue
// handle per name.
type Service struct {
	store      grid.Store
	logger     pslog.Logger
	clock      clock.Clock
	metrics    *queueMetrics
	maxSize    int64
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewService returns a Service bound to cfg.Store.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("queues: store required")
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("%w: max size %d", ErrInvalidArgument, cfg.MaxSize)
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultTakeMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultTakeMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "queues.service")
	return &Service{
		store:      cfg.Store,
		logger:     logger,
		clock:      clock.Or(cfg.Clock),
		metrics:    newQueueMetrics(logger),
		maxSize:    cfg.MaxSize,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		queues:     make(map[string]*Queue),
	}, nil
}

// Peek returns the element at the end of the queue key addresses without
// removing it. IDTail inspects the most recently offered element; any other
// position inspects the head.
func (s *Service) Peek(ctx context.Context, key QueueKey) (*QueuePollResult, error) {
	if err := checkQueueName(key.Queue); err != nil {
		return nil, err
	}
	data, err := s.store.Invoke(ctx, key.GridKey(), PeekProcessor{})
	if err != nil {
		return nil, fmt.Errorf("queues: peek %s: %w", key, err)
	}
	res := &QueuePollResult{}
	if err := decodeRecord(data, res, "poll result"); err != nil {
		return nil, err
	}
	return res, nil
}

// Poll removes and returns the element Peek would report. Two concurrent
// polls never return the same element.
func (s *Service) Poll(ctx context.Context, key QueueKey) (*QueuePollResult, error) {
	if err := checkQueueName(key.Queue); err != nil {
		return nil, err
	}
	data, err := s.invokeOnce(ctx, key, PollProcessor{})
	if err != nil {
		return nil, fmt.Errorf("queues: poll %s: %w", key, err)
	}
	res := &QueuePollResult{}
	if err := decodeRecord(data, res, "poll result"); err != nil {
		return nil, err
	}
	if res.Present {
		s.metrics.recordPoll(ctx, key.Queue)
	}
	return res, nil
}

// Offer adds element to the queue: at the tail, or at the head when key is
// the IDHead key. It reports false when the queue is full.
func (s *Service) Offer(ctx context.Context, key QueueKey, element []byte) (bool, error) {
	res, err := s.offer(ctx, key, element)
	if err != nil {
		return false, err
	}
	return res.Accepted, nil
}

func (s *Service) offer(ctx context.Context, key QueueKey, element []byte) (*QueueOfferResult, error) {
	if err := checkQueueName(key.Queue); err != nil {
		return nil, err
	}
	data, err := s.invokeOnce(ctx, key, &OfferProcessor{Element: element, MaxSize: s.maxSize})
	if err != nil {
		return nil, fmt.Errorf("queues: offer %s: %w", key, err)
	}
	res := &QueueOfferResult{}
	if err := decodeRecord(data, res, "offer result"); err != nil {
		return nil, err
	}
	s.metrics.recordOffer(ctx, key.Queue, res.Accepted)
	if !res.Accepted {
		s.logger.Debug("queue.offer.rejected", "queue", key.Queue, "size", res.Size, "max_size", s.maxSize)
	}
	return res, nil
}

// Size returns the number of elements in queue.
func (s *Service) Size(ctx context.Context, queue string) (int64, error) {
	res, err := s.Peek(ctx, HeadKey(queue))
	if err != nil {
		return 0, err
	}
	return res.Remaining, nil
}

// Queue returns the cached handle for name.
func (s *Service) Queue(name string) (*Queue, error) {
	if err := checkQueueName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.queues[name]; q != nil {
		return q, nil
	}
	q := &Queue{name: name, svc: s}
	s.queues[name] = q
	return q, nil
}

// Names returns the names of cached handles, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Destroy removes every element of queue and returns how many were dropped.
func (s *Service) Destroy(ctx context.Context, queue string) (int64, error) {
	if err := checkQueueName(queue); err != nil {
		return 0, err
	}
	data, err := s.invokeOnce(ctx, HeadKey(queue), DestroyProcessor{})
	if err != nil {
		return 0, fmt.Errorf("queues: destroy %s: %w", queue, err)
	}
	res := &QueueOfferResult{}
	if err := decodeRecord(data, res, "destroy result"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	delete(s.queues, queue)
	s.mu.Unlock()
	s.logger.Info("queue.destroyed", "queue", queue, "dropped", res.Size)
	return res.Size, nil
}

// Clear drops every cached handle and removes all queue entries from the
// store, for every process sharing the grid.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	dropped := len(s.queues)
	s.queues = make(map[string]*Queue)
	s.mu.Unlock()
	if err := s.store.Clear(ctx, Namespace); err != nil {
		return fmt.Errorf("queues: clear: %w", err)
	}
	s.logger.Warn("queue.service.cleared", "dropped_handles", dropped)
	return nil
}

// invokeOnce runs a mutating processor under a fresh invocation id. When ctx
// ends mid-call the outcome is unknown, so the recorded result is looked up
// and returned if the processor was applied.
func (s *Service) invokeOnce(ctx context.Context, key QueueKey, p grid.Processor) ([]byte, error) {
	id := uuidv7.NewString()
	data, err := s.store.Invoke(grid.WithInvocationID(ctx, id), key.GridKey(), p)
	if err == nil || ctx.Err() == nil {
		return data, err
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replayTimeout)
	defer cancel()
	recorded, rerr := s.store.Invoke(grid.WithReplayOnly(grid.WithInvocationID(rctx, id)), key.GridKey(), p)
	switch {
	case rerr == nil:
		s.logger.Info("queue.invoke.recovered", "queue", key.Queue, "invocation", id)
		return recorded, nil
	case !errors.Is(rerr, grid.ErrNotApplied):
		s.logger.Warn("queue.invoke.replay_failed", "queue", key.Queue, "invocation", id, "error", rerr)
	}
	return nil, err
}
