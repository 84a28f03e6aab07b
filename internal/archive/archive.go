// Package archive persists job output by content category.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
)

var ErrClosed = errors.New("archive sink closed")

// Sink stores the file at srcPath under name. category describes the kind
// of content, sinks may be configured to ignore some categories.
type Sink interface {
	Archive(ctx context.Context, name, srcPath, category string) error
}

type excludes []string

func (e excludes) has(category string) bool {
	return slices.Contains(e, category)
}

// Filesystem copies archived files below a directory. Names are resolved
// with os.Root, so they cannot escape it.
type Filesystem struct {
	root    *os.Root
	exclude excludes
}

func NewFilesystem(dir string, exclude []string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Filesystem{root: root, exclude: exclude}, nil
}

func (s *Filesystem) Archive(ctx context.Context, name, srcPath, category string) error {
	if s.root == nil {
		return ErrClosed
	}
	if s.exclude.has(category) {
		return nil
	}
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating archive directory: %w", err)
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()
	dst, err := s.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing archive file: %w", err)
	}
	slog.DebugContext(ctx, "file archived", "sink", "filesystem", "name", name, "category", category)
	return nil
}

func (s *Filesystem) Close() error {
	if s.root == nil {
		return ErrClosed
	}
	err := s.root.Close()
	s.root = nil
	return err
}

// Multi archives into every sink and joins their errors.
type Multi []Sink

func (m Multi) Archive(ctx context.Context, name, srcPath, category string) error {
	var errs []error
	for _, s := range m {
		if err := s.Archive(ctx, name, srcPath, category); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the sinks implementing io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
