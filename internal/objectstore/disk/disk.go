// Package disk implements objectstore.Backend on a local or shared
// filesystem. Writes land through a temp file and rename; conditional writes
// hold a process-wide mutex and an fcntl lock per key so several stores and
// processes can share one root.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/gridsync/internal/objectstore"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Watch enables fsnotify change notifications where the filesystem
	// supports them.
	Watch  bool
	Logger pslog.Logger
}

// Store implements objectstore.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lockDir   string
	logger    pslog.Logger

	watchEnabled bool
	watchReason  string
}

// fcntl locks belong to the process, so stores sharing a root in one process
// serialize on this map, keyed by absolute lock path.
var globalLocks sync.Map

func globalKeyMutex(lockPath string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(lockPath, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := flockFile(f.file, false); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root %q: %w", cfg.Root, err)
	}
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		logger:    cfg.Logger.With("storage_backend", "disk"),
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.watchReason = "config_disabled"
	if cfg.Watch {
		if watchSupported(root) {
			s.watchEnabled = true
			s.watchReason = "filesystem_watch_enabled"
		} else {
			s.watchReason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// WatchStatus reports whether fsnotify notifications are active and why.
func (s *Store) WatchStatus() (bool, string) {
	return s.watchEnabled, s.watchReason
}

// Root returns the directory the store lives in.
func (s *Store) Root() string { return s.root }

// Close implements objectstore.Backend.
func (s *Store) Close() error { return nil }

// Get implements objectstore.Backend.
func (s *Store) Get(_ context.Context, key string) ([]byte, objectstore.ObjectInfo, error) {
	dataPath, err := s.objectPath(key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	data, info, err := readObject(dataPath)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	info.Key = key
	return data, info, nil
}

// Put implements objectstore.Backend.
func (s *Store) Put(_ context.Context, key string, data []byte, opts objectstore.PutOptions) (info objectstore.ObjectInfo, err error) {
	dataPath, err := s.objectPath(key)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}
	defer func() {
		if uerr := unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	if opts.ExpectedETag != "" || opts.IfNotExists {
		_, current, rerr := readObject(dataPath)
		exists := rerr == nil
		if rerr != nil && !errors.Is(rerr, objectstore.ErrNotFound) {
			return objectstore.ObjectInfo{}, rerr
		}
		switch {
		case opts.ExpectedETag != "" && !exists:
			return objectstore.ObjectInfo{}, objectstore.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			s.logger.Trace("disk.put.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return objectstore.ObjectInfo{}, objectstore.ErrCASMismatch
		case opts.ExpectedETag == "" && exists:
			return objectstore.ObjectInfo{}, objectstore.ErrCASMismatch
		}
	}
	if err := s.writeBytesAtomic(dataPath, data); err != nil {
		return objectstore.ObjectInfo{}, fmt.Errorf("disk: write %q: %w", key, err)
	}
	st, err := os.Stat(dataPath)
	if err != nil {
		return objectstore.ObjectInfo{}, fmt.Errorf("disk: stat %q: %w", key, err)
	}
	return objectstore.ObjectInfo{
		Key:          key,
		ETag:         etagOf(data),
		Size:         int64(len(data)),
		LastModified: st.ModTime().UTC(),
		ContentType:  opts.ContentType,
	}, nil
}

// Delete implements objectstore.Backend.
func (s *Store) Delete(_ context.Context, key string, opts objectstore.DeleteOptions) (err error) {
	dataPath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	if opts.ExpectedETag != "" {
		_, current, rerr := readObject(dataPath)
		switch {
		case errors.Is(rerr, objectstore.ErrNotFound):
			if opts.IgnoreNotFound {
				return nil
			}
			return rerr
		case rerr != nil:
			return rerr
		case current.ETag != opts.ExpectedETag:
			return objectstore.ErrCASMismatch
		}
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return objectstore.ErrNotFound
		}
		return fmt.Errorf("disk: remove %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	return nil
}

// List implements objectstore.Backend.
func (s *Store) List(_ context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	out := make([]objectstore.ObjectInfo, 0)
	err := filepath.WalkDir(s.objectDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		data, info, err := readObject(p)
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		info.Key = key
		info.Size = int64(len(data))
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) objectPath(key string) (string, error) {
	if err := objectstore.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(key)), nil
}

// lockKey serializes writers of key within this process and across processes
// sharing the root. The global mutex is held for as long as the lock file is
// open, so the process never has two descriptors on it.
func (s *Store) lockKey(key string) (func() error, error) {
	lockPath := filepath.Join(s.lockDir, filepath.FromSlash(key)+".lock")
	mu := globalKeyMutex(lockPath)
	mu.Lock()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: prepare lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := flockFile(f, true); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	fl := &fileLock{file: f}
	return func() error {
		defer mu.Unlock()
		return fl.Unlock()
	}, nil
}

func (s *Store) writeBytesAtomic(dest string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "gridsync-object-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func readObject(p string) ([]byte, objectstore.ObjectInfo, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
		}
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("disk: read %q: %w", p, err)
	}
	info := objectstore.ObjectInfo{ETag: etagOf(data), Size: int64(len(data))}
	if st, err := os.Stat(p); err == nil {
		info.LastModified = st.ModTime().UTC()
	}
	return data, info, nil
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
