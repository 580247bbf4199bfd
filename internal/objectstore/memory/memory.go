// Package memory implements objectstore.Backend in-memory; intended for tests
// and single-process deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/gridsync/internal/objectstore"
	"pkt.systems/gridsync/internal/uuidv7"
	"pkt.systems/gridsync/internal/watch"
)

// Store is an in-memory backend with change notifications.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object
	hub     *watch.Hub
	closed  bool
}

type object struct {
	data        []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string]*object),
		hub:     watch.NewHub(),
	}
}

// Get implements objectstore.Backend.
func (s *Store) Get(_ context.Context, key string) ([]byte, objectstore.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.info(key), nil
}

// Put implements objectstore.Backend.
func (s *Store) Put(_ context.Context, key string, data []byte, opts objectstore.PutOptions) (objectstore.ObjectInfo, error) {
	if err := objectstore.ValidateKey(key); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	s.mu.Lock()
	current, exists := s.objects[key]
	switch {
	case opts.ExpectedETag != "" && !exists:
		s.mu.Unlock()
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	case opts.ExpectedETag != "" && current.etag != opts.ExpectedETag:
		s.mu.Unlock()
		return objectstore.ObjectInfo{}, objectstore.ErrCASMismatch
	case opts.ExpectedETag == "" && opts.IfNotExists && exists:
		s.mu.Unlock()
		return objectstore.ObjectInfo{}, objectstore.ErrCASMismatch
	}
	obj := &object{
		data:        append([]byte(nil), data...),
		etag:        uuidv7.NewToken(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	s.objects[key] = obj
	info := obj.info(key)
	s.mu.Unlock()
	s.hub.Notify(key)
	return info, nil
}

// Delete implements objectstore.Backend.
func (s *Store) Delete(_ context.Context, key string, opts objectstore.DeleteOptions) error {
	s.mu.Lock()
	current, exists := s.objects[key]
	if !exists {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return objectstore.ErrNotFound
	}
	if opts.ExpectedETag != "" && current.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return objectstore.ErrCASMismatch
	}
	delete(s.objects, key)
	s.mu.Unlock()
	s.hub.Notify(key)
	return nil
}

// List implements objectstore.Backend.
func (s *Store) List(_ context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objectstore.ObjectInfo, 0)
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Watch implements objectstore.ChangeFeed.
func (s *Store) Watch(key string) (objectstore.Subscription, error) {
	return s.hub.Subscribe(key), nil
}

// Close releases watchers. Stored objects stay readable.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

func (o *object) info(key string) objectstore.ObjectInfo {
	return objectstore.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.data)),
		LastModified: o.updated,
		ContentType:  o.contentType,
	}
}
