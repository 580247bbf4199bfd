// Package objectstore defines the conditional blob contract shared by the
// object-backed grid engine and its backends.
//
// Every write can be guarded by an ETag (compare-and-swap) or by
// creation-only semantics, which is all the engine needs to serialize
// processors across processes sharing one bucket, directory or database.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ContentTypeProtobuf labels the protowire-encoded group records.
const ContentTypeProtobuf = "application/x-protobuf"

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("objectstore: not found")
	// ErrCASMismatch indicates a conditional write or delete lost a race.
	ErrCASMismatch = errors.New("objectstore: cas mismatch")
	// ErrNotImplemented indicates an optional capability is unavailable.
	ErrNotImplemented = errors.New("objectstore: not implemented")
	// ErrInvalidKey indicates a key that cannot be mapped onto the backend.
	ErrInvalidKey = errors.New("objectstore: invalid key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutOptions controls conditional writes.
type PutOptions struct {
	// ExpectedETag enables CAS semantics. When empty, no CAS is enforced.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics when true. Ignored when
	// ExpectedETag is provided.
	IfNotExists bool
	ContentType string
}

// DeleteOptions controls conditional deletes.
type DeleteOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// Backend is a flat key space of small objects with conditional writes. Keys
// are slash separated; backends map them onto their own layout.
type Backend interface {
	// Get returns the object payload and its metadata or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	// Put stores data. A failed ETag or IfNotExists guard returns
	// ErrCASMismatch; an ExpectedETag on a missing key returns ErrNotFound.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (ObjectInfo, error)
	// Delete removes key. A failed ETag guard returns ErrCASMismatch.
	Delete(ctx context.Context, key string, opts DeleteOptions) error
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Close() error
}

// Subscription delivers coalesced change notifications.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed is implemented by backends able to push change notifications
// for a single key. Backends without it are polled.
type ChangeFeed interface {
	Watch(key string) (Subscription, error)
}

// ValidateKey rejects keys that are empty, absolute or escape their root.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	if clean := path.Clean(key); clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, key)
	}
	return nil
}

// JoinPrefix joins a backend prefix and a key.
func JoinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
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
