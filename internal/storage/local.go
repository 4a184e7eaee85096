package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore implements ObjectStore on the local filesystem. Writes go to a
// temporary file first and are renamed into place, so a crashed write never
// leaves a partial object under the key. Sign returns a direct-serve URL
// handled by the service's /media endpoint.
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore ensures the root directory exists and returns a store over it.
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local store root: %w", err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *LocalStore) keyPath(key string) (string, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("local store: empty key")
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("local store: key %q escapes root", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put writes the object atomically via temp-file-then-rename.
func (s *LocalStore) Put(_ context.Context, key string, r io.Reader) (Ref, error) {
	dst, err := s.keyPath(key)
	if err != nil {
		return Ref{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Ref{}, fmt.Errorf("create local store dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp object: %w", err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("write local object %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("sync local object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("close local object %s: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("publish local object %s: %w", key, err)
	}

	return Ref{
		Key:      strings.TrimLeft(key, "/"),
		Location: s.directURL(key),
		Backend:  BackendLocal,
	}, nil
}

// Get opens the stored object for reading.
func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open local object %s: %w", key, err)
	}
	return f, nil
}

// Delete removes the object. Deleting a missing key is success.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.keyPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete local object %s: %w", key, err)
	}
	return nil
}

// Sign returns a direct-serve URL; local objects have no expiring links.
func (s *LocalStore) Sign(_ context.Context, key string, _ time.Duration) (string, error) {
	if _, err := s.keyPath(key); err != nil {
		return "", err
	}
	return s.directURL(key), nil
}

// Root exposes the backing directory for the direct-serve file handler.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) directURL(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.baseURL == "" {
		return "/media/" + key
	}
	return s.baseURL + "/media/" + key
}

var _ ObjectStore = (*LocalStore)(nil)
