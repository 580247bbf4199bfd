// Package partitioned is the in-process partitioned grid engine.
//
// Keys are hashed onto a fixed number of partitions. Each partition owns a
// primary replica and, when configured, a backup replica, and runs a single
// worker goroutine that executes requests one at a time. A mutation is copied
// to the backup before its caller is answered, so promoting the backup after
// an owner failure loses no acknowledged write. Both replicas carry the
// invocation ledger, which makes a retried invocation at most once across
// failover.
package partitioned

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/gridsync/internal/watch"
	"pkt.systems/pslog"
)

const (
	// DefaultPartitions is the partition count used when Config.Partitions is unset.
	DefaultPartitions = 31
	// DefaultMailboxSize bounds the queued requests per partition.
	DefaultMailboxSize = 64
)

// ErrNoBackup is returned by Failover when the partition has no backup replica.
var ErrNoBackup = errors.New("partitioned: partition has no backup")

// Config configures the engine.
type Config struct {
	Partitions int
	// BackupCount is 0 (no redundancy) or 1.
	BackupCount int
	LedgerSize  int
	MailboxSize int
	Logger      pslog.Logger
}

// Store implements grid.Store.
type Store struct {
	cfg        Config
	logger     pslog.Logger
	partitions []*partition
	hub        *watch.Hub
	done       chan struct{}
	closed     atomic.Bool
	wg         sync.WaitGroup
	metrics    *storeMetrics
}

// New starts an engine with one worker per partition.
func New(cfg Config) (*Store, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.BackupCount < 0 || cfg.BackupCount > 1 {
		return nil, fmt.Errorf("partitioned: backup count must be 0 or 1, got %d", cfg.BackupCount)
	}
	if cfg.LedgerSize <= 0 {
		cfg.LedgerSize = grid.DefaultLedgerLimit
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "grid.partitioned")
	s := &Store{
		cfg:    cfg,
		logger: logger,
		hub:    watch.NewHub(),
		done:   make(chan struct{}),
	}
	s.partitions = make([]*partition, cfg.Partitions)
	for i := range s.partitions {
		p := &partition{
			id:      i,
			mailbox: make(chan *request, cfg.MailboxSize),
			stopped: make(chan struct{}),
			primary: newReplica(cfg.LedgerSize),
		}
		if cfg.BackupCount == 1 {
			p.backup = newReplica(cfg.LedgerSize)
		}
		s.partitions[i] = p
	}
	for _, p := range s.partitions {
		s.wg.Add(1)
		go s.run(p)
	}
	s.metrics = newStoreMetrics(logger, s)
	logger.Info("grid.partitioned.started",
		"partitions", cfg.Partitions,
		"backups", cfg.BackupCount,
		"ledger_size", cfg.LedgerSize,
	)
	return s, nil
}

// PartitionFor returns the partition owning key.
func (s *Store) PartitionFor(key grid.Key) int {
	return int(xxhash.Sum64String(key.RoutingKey()) % uint64(len(s.partitions)))
}

// Partitions returns the partition count.
func (s *Store) Partitions() int {
	return len(s.partitions)
}

// Invoke implements grid.Store.
func (s *Store) Invoke(ctx context.Context, key grid.Key, p grid.Processor) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("partitioned: nil processor for %s", key)
	}
	ctx, id := grid.EnsureInvocationID(ctx)
	resp := s.dispatch(ctx, key, &request{
		kind:       opInvoke,
		key:        key,
		processor:  p,
		invocation: id,
		replayOnly: grid.ReplayOnly(ctx),
	})
	return resp.value, resp.err
}

// Get implements grid.Store.
func (s *Store) Get(ctx context.Context, key grid.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	resp := s.dispatch(ctx, key, &request{kind: opGet, key: key})
	return resp.value, resp.err
}

// Remove implements grid.Store.
func (s *Store) Remove(ctx context.Context, key grid.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.dispatch(ctx, key, &request{kind: opRemove, key: key}).err
}

// Clear implements grid.Store.
func (s *Store) Clear(ctx context.Context, namespace string) error {
	if namespace == "" {
		return fmt.Errorf("%w: namespace required", grid.ErrInvalidKey)
	}
	var errs []error
	for _, p := range s.partitions {
		resp := s.send(ctx, p, &request{kind: opClear, namespace: namespace})
		if resp.err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", p.id, resp.err))
		}
	}
	s.hub.NotifyPrefix(namespace + "/")
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug("grid.partitioned.clear", "namespace", namespace)
	return nil
}

// Subscribe implements grid.Store.
func (s *Store) Subscribe(_ context.Context, key grid.Key) (grid.Subscription, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, grid.ErrClosed
	}
	return s.hub.Subscribe(topic(key.Namespace, key.ID)), nil
}

// Close stops every partition worker. Requests still queued fail with
// grid.ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	s.hub.Close()
	s.metrics.unregister()
	s.logger.Info("grid.partitioned.closed")
	return nil
}

// BeginTransfer marks a partition as migrating; requests routed to it fail
// with a transient grid.ErrPartitionTransfer until EndTransfer.
func (s *Store) BeginTransfer(partitionID int) error {
	p, err := s.partition(partitionID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.transferring = true
	p.mu.Unlock()
	s.logger.Info("grid.partition.transfer.begin", "partition", partitionID)
	return nil
}

// EndTransfer ends a migration started by BeginTransfer.
func (s *Store) EndTransfer(partitionID int) error {
	p, err := s.partition(partitionID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.transferring = false
	p.mu.Unlock()
	s.logger.Info("grid.partition.transfer.end", "partition", partitionID)
	return nil
}

// Failover discards the primary replica of a partition and promotes its
// backup, as happens when the owning member is lost.
func (s *Store) Failover(partitionID int) error {
	p, err := s.partition(partitionID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backup == nil {
		return fmt.Errorf("%w: partition %d", ErrNoBackup, partitionID)
	}
	p.primary = p.backup
	p.backup = p.primary.clone()
	s.logger.Warn("grid.partition.failover", "partition", partitionID, "entries", p.primary.size())
	return nil
}

// PartitionStats describes one partition.
type PartitionStats struct {
	ID           int
	Entries      int
	Invocations  int
	Transferring bool
	HasBackup    bool
}

// Stats returns a snapshot of every partition.
func (s *Store) Stats() []PartitionStats {
	out := make([]PartitionStats, 0, len(s.partitions))
	for _, p := range s.partitions {
		p.mu.Lock()
		out = append(out, PartitionStats{
			ID:           p.id,
			Entries:      p.primary.size(),
			Invocations:  p.primary.ledger.Len(),
			Transferring: p.transferring,
			HasBackup:    p.backup != nil,
		})
		p.mu.Unlock()
	}
	return out
}

func (s *Store) partition(id int) (*partition, error) {
	if id < 0 || id >= len(s.partitions) {
		return nil, fmt.Errorf("partitioned: partition %d out of range [0,%d)", id, len(s.partitions))
	}
	return s.partitions[id], nil
}

func (s *Store) dispatch(ctx context.Context, key grid.Key, req *request) response {
	return s.send(ctx, s.partitions[s.PartitionFor(key)], req)
}

// send queues req on p and waits for the answer. Once the worker has accepted
// a request the caller always waits for its outcome, so an applied mutation is
// never reported as cancelled.
func (s *Store) send(ctx context.Context, p *partition, req *request) response {
	if s.closed.Load() {
		return response{err: grid.ErrClosed}
	}
	req.ctx = ctx
	req.reply = make(chan response, 1)
	select {
	case p.mailbox <- req:
	case <-ctx.Done():
		return response{err: ctx.Err()}
	case <-s.done:
		return response{err: grid.ErrClosed}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-p.stopped:
		select {
		case resp := <-req.reply:
			return resp
		default:
			return response{err: grid.ErrClosed}
		}
	}
}

func (s *Store) run(p *partition) {
	defer s.wg.Done()
	defer close(p.stopped)
	for {
		select {
		case <-s.done:
			for {
				select {
				case req := <-p.mailbox:
					req.reply <- response{err: grid.ErrClosed}
				default:
					return
				}
			}
		case req := <-p.mailbox:
			resp := p.handle(req)
			req.reply <- resp
			for _, t := range resp.touched {
				s.hub.Notify(t)
			}
		}
	}
}

func topic(namespace, id string) string {
	return namespace + "/" + id
}
