package queues

import (
	"context"

	"pkt.systems/gridsync/internal/clock"
)

// Queue is a handle on one named queue. It holds no queue state; every call
// goes to the store.
type Queue struct {
	name string
	svc  *Service
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Offer appends element. It reports false when the queue is full.
func (q *Queue) Offer(ctx context.Context, element []byte) (bool, error) {
	return q.svc.Offer(ctx, TailKey(q.name), element)
}

// OfferHead prepends element so the next Poll returns it.
func (q *Queue) OfferHead(ctx context.Context, element []byte) (bool, error) {
	return q.svc.Offer(ctx, HeadKey(q.name), element)
}

// Peek returns the oldest element without removing it.
func (q *Queue) Peek(ctx context.Context) (*QueuePollResult, error) {
	return q.svc.Peek(ctx, HeadKey(q.name))
}

// PeekTail returns the newest element without removing it.
func (q *Queue) PeekTail(ctx context.Context) (*QueuePollResult, error) {
	return q.svc.Peek(ctx, TailKey(q.name))
}

// Poll removes and returns the oldest element.
func (q *Queue) Poll(ctx context.Context) (*QueuePollResult, error) {
	return q.svc.Poll(ctx, HeadKey(q.name))
}

// PollTail removes and returns the newest element.
func (q *Queue) PollTail(ctx context.Context) (*QueuePollResult, error) {
	return q.svc.Poll(ctx, TailKey(q.name))
}

// Size returns the number of elements.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.svc.Size(ctx, q.name)
}

// Destroy removes every element and returns how many were dropped.
func (q *Queue) Destroy(ctx context.Context) (int64, error) {
	return q.svc.Destroy(ctx, q.name)
}

// Take blocks until it polls an element or ctx ends. It wakes on store change
// notifications for the queue and otherwise re-polls with backoff.
func (q *Queue) Take(ctx context.Context) (*QueuePollResult, error) {
	svc := q.svc
	var events <-chan struct{}
	sub, err := svc.store.Subscribe(ctx, TailKey(q.name).GridKey())
	if err != nil {
		svc.logger.Debug("queue.take.subscribe_failed", "queue", q.name, "error", err)
	} else {
		defer sub.Close()
		events = sub.Events()
	}
	backoff := clock.Backoff{Base: svc.minBackoff, Max: svc.maxBackoff, Multiplier: 2, Jitter: 0.2}
	for {
		res, err := q.Poll(ctx)
		if err != nil {
			return nil, err
		}
		if res.Present {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, open := <-events:
			if !open {
				events = nil
			}
		case <-svc.clock.After(backoff.Next()):
		}
	}
}
