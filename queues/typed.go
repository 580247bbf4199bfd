package queues

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Typed wraps a Queue whose elements are msgpack-encoded values of T.
type Typed[T any] struct {
	q *Queue
}

// NewTyped returns a typed view of q.
func NewTyped[T any](q *Queue) *Typed[T] {
	return &Typed[T]{q: q}
}

// Queue returns the underlying byte queue.
func (t *Typed[T]) Queue() *Queue { return t.q }

// Offer appends v. It reports false when the queue is full.
func (t *Typed[T]) Offer(ctx context.Context, v T) (bool, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("queues: encode element for %s: %w", t.q.name, err)
	}
	return t.q.Offer(ctx, data)
}

// Peek returns the oldest value without removing it. ok is false when the
// queue is empty.
func (t *Typed[T]) Peek(ctx context.Context) (v T, ok bool, err error) {
	res, err := t.q.Peek(ctx)
	if err != nil {
		return v, false, err
	}
	return t.decode(res)
}

// Poll removes and returns the oldest value. ok is false when the queue is
// empty.
func (t *Typed[T]) Poll(ctx context.Context) (v T, ok bool, err error) {
	res, err := t.q.Poll(ctx)
	if err != nil {
		return v, false, err
	}
	return t.decode(res)
}

// Take blocks until a value is available or ctx ends.
func (t *Typed[T]) Take(ctx context.Context) (T, error) {
	var zero T
	res, err := t.q.Take(ctx)
	if err != nil {
		return zero, err
	}
	v, _, err := t.decode(res)
	return v, err
}

func (t *Typed[T]) decode(res *QueuePollResult) (v T, ok bool, err error) {
	if !res.Present {
		return v, false, nil
	}
	if err := msgpack.Unmarshal(res.Element, &v); err != nil {
		return v, false, fmt.Errorf("queues: decode element %d of %s: %w", res.Position, t.q.name, err)
	}
	return v, true, nil
}
