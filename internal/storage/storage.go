// Package storage persists uploaded documents and generated report artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("artifact not found")
var ErrInvalidRef = errors.New("invalid artifact reference")

// Store is the artifact storage interface. Refs are opaque to callers and
// stable across process restarts.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// LocalStore implements Store on a local directory tree.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at root, creating it if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Save(_ context.Context, name string, r io.Reader) (string, error) {
	ref, err := s.cleanRef(name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return ref, nil
}

func (s *LocalStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	clean, err := s.cleanRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (s *LocalStore) Delete(_ context.Context, ref string) error {
	clean, err := s.cleanRef(ref)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.root, filepath.FromSlash(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// cleanRef normalizes a slash-separated ref and rejects anything that would
// escape the storage root.
func (s *LocalStore) cleanRef(ref string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(ref)))
	if clean == "" || clean == "." || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return clean, nil
}
