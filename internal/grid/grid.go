// Package grid defines the partitioned key-value store contract that the
// coordination primitives run on.
//
// A Store routes each Key to the partition owning its routing key and runs
// Processors there one at a time. A processor sees the addressed entry (and
// any related entries sharing the routing key), stages writes, and returns a
// result. Staged writes are applied atomically when the processor returns
// without error and are discarded otherwise.
package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested entry is absent.
	ErrNotFound = errors.New("grid: not found")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("grid: store closed")
	// ErrPartitionTransfer indicates the owning partition is moving between
	// members. It is always wrapped as transient.
	ErrPartitionTransfer = errors.New("grid: partition transfer in progress")
	// ErrUnavailable is returned once transient failures outlast the retry budget.
	ErrUnavailable = errors.New("grid: store unavailable")
	// ErrNotApplied is returned for replay-only invocations whose id was never applied.
	ErrNotApplied = errors.New("grid: invocation not applied")
	// ErrInvalidKey indicates an empty namespace or id.
	ErrInvalidKey = errors.New("grid: invalid key")
)

// Key addresses one entry. Entries sharing Namespace and RoutingKey are
// co-resident and may be read or written by the same processor.
type Key struct {
	Namespace string
	ID        string
	// Affinity overrides the routing key. Empty routes by ID.
	Affinity string
}

// RoutingKey returns the value used to select the owning partition.
func (k Key) RoutingKey() string {
	if k.Affinity != "" {
		return k.Affinity
	}
	return k.ID
}

// Sibling returns the key for id in the same namespace and routing group.
func (k Key) Sibling(id string) Key {
	return Key{Namespace: k.Namespace, ID: id, Affinity: k.RoutingKey()}
}

// Validate reports whether the key is addressable.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Namespace) == "" {
		return fmt.Errorf("%w: namespace required", ErrInvalidKey)
	}
	if k.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidKey)
	}
	return nil
}

func (k Key) String() string {
	if k.Affinity != "" && k.Affinity != k.ID {
		return k.Namespace + "/" + k.ID + "@" + k.Affinity
	}
	return k.Namespace + "/" + k.ID
}

// Entry is a processor's view of one entry. Writes are staged until the
// processor returns.
type Entry interface {
	Key() Key
	Present() bool
	// Value returns the current (possibly staged) value. Callers must not
	// retain or modify the slice.
	Value() []byte
	SetValue(value []byte)
	Remove()
	// Related returns the entry for id sharing this entry's namespace and
	// routing key.
	Related(id string) Entry
}

// Processor mutates an entry atomically at its owner. Implementations must be
// deterministic functions of the entry state and their own fields, because an
// engine may run the same processor more than once before one run commits.
type Processor interface {
	Process(entry Entry) ([]byte, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(Entry) ([]byte, error)

// Process calls f.
func (f ProcessorFunc) Process(entry Entry) ([]byte, error) {
	return f(entry)
}

// Subscription delivers coalesced change notifications for one key. A
// notification means the value may have changed; receivers re-read.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// Store is the partitioned store contract.
type Store interface {
	// Invoke runs p against key at its owner and returns p's result. The
	// invocation id from ctx (see WithInvocationID) makes retries at most once.
	Invoke(ctx context.Context, key Key, p Processor) ([]byte, error)
	// Get returns the current value or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)
	// Remove deletes the entry. Removing an absent entry is not an error.
	Remove(ctx context.Context, key Key) error
	// Clear removes every entry in namespace.
	Clear(ctx context.Context, namespace string) error
	// Subscribe watches key for changes.
	Subscribe(ctx context.Context, key Key) (Subscription, error)
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
