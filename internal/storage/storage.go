// Package storage persists room files. Backends: filesystem (afero),
// PostgreSQL and SQLite.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
)

var (
	ErrNotFound    = errors.New("storage: file not found")
	ErrInvalidPath = errors.New("storage: invalid path")
)

// FileStore is the file-persistence collaborator, keyed by room and path.
type FileStore interface {
	Read(ctx context.Context, roomID, path string) (string, error)
	Write(ctx context.Context, roomID, path, content string) error
	Delete(ctx context.Context, roomID, path string) error
	List(ctx context.Context, roomID string) ([]string, error)
	Close() error
}

type Config struct {
	Driver      string `mapstructure:"driver"`
	Dir         string `mapstructure:"dir"`
	PostgresURL string `mapstructure:"postgres_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (FileStore, error) {
	switch cfg.Driver {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/rooms"
		}
		return NewFS(afero.NewOsFs(), dir), nil
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresURL)
	case "sqlite":
		p := cfg.SQLitePath
		if p == "" {
			p = "data/collabd.db"
		}
		s, err := NewSQLite(p)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
}

// CleanPath normalises a file path to a relative slash path that cannot
// escape the room.
func CleanPath(p string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}

func cleanRoom(roomID string) (string, error) {
	if roomID == "" || strings.ContainsAny(roomID, `/\`) || roomID == "." || roomID == ".." {
		return "", fmt.Errorf("%w: room %q", ErrInvalidPath, roomID)
	}
	return roomID, nil
}

// NewRetry is the backoff used for connecting and flushing.
func NewRetry(ctx context.Context, maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// LoadRoom reads every file of a room.
func LoadRoom(ctx context.Context, s FileStore, roomID string) (map[string]string, error) {
	paths, err := s.List(ctx, roomID)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		content, err := s.Read(ctx, roomID, p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files[p] = content
	}
	return files, nil
}
