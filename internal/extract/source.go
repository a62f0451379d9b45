package extract

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"tdvc/internal/conflict"
	"tdvc/internal/errs"
)

// Source gives read access to one materialized text tree. Paths are
// slash-separated and relative to the tree root (the tracker directory).
type Source interface {
	// RootFiles lists the regular files directly under the root.
	RootFiles(ctx context.Context) ([]string, error)
	// ReadFile returns a file's content, or an errs.KindNotFound error.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// DirSource reads the working tree on disk.
type DirSource struct {
	Root string
}

// RootFiles implements Source.
func (s DirSource) RootFiles(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.NotFound("extract", "missing directory %s", s.Root)
	}
	if err != nil {
		return nil, errs.Backend("extract", err, "reading %s", s.Root)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

// ReadFile implements Source.
func (s DirSource) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.NotFound("extract", "missing file %s", path)
	}
	if err != nil {
		return nil, errs.Backend("extract", err, "reading %s", path)
	}
	return data, nil
}

// RevisionReader is the slice of the tracker a RevisionSource needs.
type RevisionReader interface {
	ReadFile(ctx context.Context, dir, path, versionID string) ([]byte, error)
	ListFiles(ctx context.Context, dir, versionID string) ([]string, error)
}

// RevisionSource reads the tree recorded by one version.
type RevisionSource struct {
	Reader    RevisionReader
	Dir       string
	VersionID string
}

// RootFiles implements Source.
func (s RevisionSource) RootFiles(ctx context.Context) ([]string, error) {
	all, err := s.Reader.ListFiles(ctx, s.Dir, s.VersionID)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range all {
		if !strings.Contains(f, "/") {
			files = append(files, f)
		}
	}
	return files, nil
}

// ReadFile implements Source.
func (s RevisionSource) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return s.Reader.ReadFile(ctx, s.Dir, path, s.VersionID)
}

// SideSource resolves every conflict block in favour of one side as files
// are read, so a conflicted tree can be extracted as either branch.
type SideSource struct {
	Source Source
	Side   conflict.Side
}

// RootFiles implements Source.
func (s SideSource) RootFiles(ctx context.Context) ([]string, error) {
	return s.Source.RootFiles(ctx)
}

// ReadFile implements Source.
func (s SideSource) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := s.Source.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return []byte(conflict.ResolveWithSide(string(data), s.Side)), nil
}
