// Package sqlite implements objectstore.Backend in a single SQLite database
// file through the pure-Go modernc.org/sqlite driver. Processes on one host
// can share the file; conditional writes are single UPDATE or INSERT
// statements guarded by the stored ETag.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/gridsync/internal/objectstore"
	"pkt.systems/gridsync/internal/uuidv7"
	"pkt.systems/pslog"
)

// Config configures the SQLite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	Logger      pslog.Logger
}

// Store implements objectstore.Backend on SQLite.
type Store struct {
	db     *sql.DB
	path   string
	logger pslog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	etag TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	updated_unix_ms INTEGER NOT NULL
);
`

// New opens (creating if needed) the database at cfg.Path.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite: path required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", cfg.Path, err)
	}
	// SQLite allows one writer; a single connection keeps this process from
	// contending with itself.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &Store{db: db, path: cfg.Path, logger: cfg.Logger.With("storage_backend", "sqlite")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements objectstore.Backend.
func (s *Store) Get(ctx context.Context, key string) ([]byte, objectstore.ObjectInfo, error) {
	var (
		data        []byte
		info        = objectstore.ObjectInfo{Key: key}
		updatedUnix int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, etag, content_type, updated_unix_ms FROM objects WHERE key = ?`, key,
	).Scan(&data, &info.ETag, &info.ContentType, &updatedUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
		}
		return nil, objectstore.ObjectInfo{}, wrapError(err, "sqlite: get")
	}
	info.Size = int64(len(data))
	info.LastModified = time.UnixMilli(updatedUnix).UTC()
	return data, info, nil
}

// Put implements objectstore.Backend.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts objectstore.PutOptions) (objectstore.ObjectInfo, error) {
	if err := objectstore.ValidateKey(key); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	if data == nil {
		data = []byte{}
	}
	now := time.Now().UTC()
	etag := uuidv7.NewToken()
	var (
		res sql.Result
		err error
	)
	switch {
	case opts.ExpectedETag != "":
		res, err = s.db.ExecContext(ctx,
			`UPDATE objects SET data = ?, etag = ?, content_type = ?, updated_unix_ms = ? WHERE key = ? AND etag = ?`,
			data, etag, opts.ContentType, now.UnixMilli(), key, opts.ExpectedETag)
	case opts.IfNotExists:
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO objects (key, data, etag, content_type, updated_unix_ms) VALUES (?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			key, data, etag, opts.ContentType, now.UnixMilli())
	default:
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO objects (key, data, etag, content_type, updated_unix_ms) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET data = excluded.data, etag = excluded.etag, content_type = excluded.content_type, updated_unix_ms = excluded.updated_unix_ms`,
			key, data, etag, opts.ContentType, now.UnixMilli())
	}
	if err != nil {
		return objectstore.ObjectInfo{}, wrapError(err, "sqlite: put")
	}
	if n, err := res.RowsAffected(); err != nil {
		return objectstore.ObjectInfo{}, wrapError(err, "sqlite: put")
	} else if n == 0 {
		if opts.ExpectedETag != "" {
			if exists, err := s.exists(ctx, key); err != nil {
				return objectstore.ObjectInfo{}, err
			} else if !exists {
				return objectstore.ObjectInfo{}, objectstore.ErrNotFound
			}
		}
		s.logger.Trace("sqlite.put.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
		return objectstore.ObjectInfo{}, objectstore.ErrCASMismatch
	}
	return objectstore.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(data)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// Delete implements objectstore.Backend.
func (s *Store) Delete(ctx context.Context, key string, opts objectstore.DeleteOptions) error {
	var (
		res sql.Result
		err error
	)
	if opts.ExpectedETag != "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ? AND etag = ?`, key, opts.ExpectedETag)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
	}
	if err != nil {
		return wrapError(err, "sqlite: delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError(err, "sqlite: delete")
	}
	if n > 0 {
		return nil
	}
	exists := false
	if opts.ExpectedETag != "" {
		if exists, err = s.exists(ctx, key); err != nil {
			return err
		}
	}
	switch {
	case exists:
		return objectstore.ErrCASMismatch
	case opts.IgnoreNotFound:
		return nil
	}
	return objectstore.ErrNotFound
}

// List implements objectstore.Backend.
func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, etag, content_type, length(data), updated_unix_ms FROM objects WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, wrapError(err, "sqlite: list")
	}
	defer rows.Close()
	out := make([]objectstore.ObjectInfo, 0)
	for rows.Next() {
		var (
			info    objectstore.ObjectInfo
			updated int64
		)
		if err := rows.Scan(&info.Key, &info.ETag, &info.ContentType, &info.Size, &updated); err != nil {
			return nil, wrapError(err, "sqlite: list")
		}
		info.LastModified = time.UnixMilli(updated).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "sqlite: list")
	}
	return out, nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapError(err, "sqlite: exists")
	}
	return true, nil
}

// wrapError marks lock contention as transient so the engine retries.
func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	text := err.Error()
	if strings.Contains(text, "SQLITE_BUSY") || strings.Contains(text, "SQLITE_LOCKED") || strings.Contains(text, "database is locked") {
		return objectstore.NewTransientError(wrapped)
	}
	return wrapped
}
