package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/gridsync/internal/objectstore"
)

// Watch implements objectstore.ChangeFeed with an fsnotify watcher on the
// directory holding key. It returns objectstore.ErrNotImplemented when
// notifications are disabled or unsupported by the filesystem.
func (s *Store) Watch(key string) (objectstore.Subscription, error) {
	if !s.watchEnabled {
		return nil, objectstore.ErrNotImplemented
	}
	dataPath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dataPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare watch directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch directory %q: %w", dir, err)
	}
	sub := &changeSubscription{
		watcher: watcher,
		name:    filepath.Base(dataPath),
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	watcher *fsnotify.Watcher
	name    string
	events  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *changeSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *changeSubscription) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.watcher.Close()
	})
	<-c.done
	return nil
}

func (c *changeSubscription) run() {
	defer close(c.done)
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == c.name {
				c.signal()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.signal()
		}
	}
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
