package storage

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// FS stores each room as a directory under root.
type FS struct {
	fs   afero.Fs
	root string
}

func NewFS(fsys afero.Fs, root string) *FS {
	return &FS{fs: fsys, root: root}
}

func (s *FS) resolve(roomID, p string) (string, error) {
	room, err := cleanRoom(roomID)
	if err != nil {
		return "", err
	}
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, room, filepath.FromSlash(clean)), nil
}

func (s *FS) Read(_ context.Context, roomID, p string) (string, error) {
	full, err := s.resolve(roomID, p)
	if err != nil {
		return "", err
	}
	data, err := afero.ReadFile(s.fs, full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	return string(data), err
}

func (s *FS) Write(_ context.Context, roomID, p, content string) error {
	full, err := s.resolve(roomID, p)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, full, []byte(content), 0o644)
}

func (s *FS) Delete(_ context.Context, roomID, p string) error {
	full, err := s.resolve(roomID, p)
	if err != nil {
		return err
	}
	err = s.fs.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FS) List(_ context.Context, roomID string) ([]string, error) {
	room, err := cleanRoom(roomID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, room)
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return []string{}, nil
	}

	paths := []string{}
	err = afero.Walk(s.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

func (s *FS) Close() error { return nil }
