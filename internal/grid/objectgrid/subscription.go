package objectgrid

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/gridsync/internal/objectstore"
)

// subscription merges local write signals with the backend change feed, or
// with polling of the object's ETag when the backend has none.
type subscription struct {
	events chan struct{}
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *Store) subscribe(objKey string) *subscription {
	local := s.hub.Subscribe(objKey)
	var remote objectstore.Subscription
	if feed, ok := s.backend.(objectstore.ChangeFeed); ok {
		sub, err := feed.Watch(objKey)
		switch {
		case err == nil:
			remote = sub
		case errors.Is(err, objectstore.ErrNotImplemented):
		default:
			s.logger.Debug("grid.objectgrid.watch.fallback", "key", objKey, "error", err)
		}
	}
	sub := &subscription{events: make(chan struct{}, 1), stop: make(chan struct{})}
	s.wg.Add(1)
	sub.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.wg.Done()
		defer close(sub.events)
		defer local.Close()
		if remote != nil {
			defer remote.Close()
			s.pumpFeed(sub, local.Events(), remote.Events())
			return
		}
		s.pumpPoll(sub, objKey, local.Events())
	}()
	return sub
}

func (s *Store) pumpFeed(sub *subscription, local, remote <-chan struct{}) {
	for {
		select {
		case <-s.done:
			return
		case <-sub.stop:
			return
		case _, ok := <-local:
			if !ok {
				return
			}
		case _, ok := <-remote:
			if !ok {
				return
			}
		}
		sub.signal()
	}
}

func (s *Store) pumpPoll(sub *subscription, objKey string, local <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	last := s.etag(ctx, objKey)
	for {
		select {
		case <-s.done:
			return
		case <-sub.stop:
			return
		case _, ok := <-local:
			if !ok {
				return
			}
			last = s.etag(ctx, objKey)
			sub.signal()
		case <-s.clock.After(s.pollInterval):
			current := s.etag(ctx, objKey)
			if current != last {
				last = current
				sub.signal()
			}
		}
	}
}

func (s *Store) etag(ctx context.Context, objKey string) string {
	_, info, err := s.backend.Get(ctx, objKey)
	if err != nil {
		return ""
	}
	return info.ETag
}

func (sub *subscription) signal() {
	select {
	case sub.events <- struct{}{}:
	default:
	}
}

func (sub *subscription) Events() <-chan struct{} {
	return sub.events
}

func (sub *subscription) Close() error {
	sub.once.Do(func() { close(sub.stop) })
	sub.wg.Wait()
	return nil
}
