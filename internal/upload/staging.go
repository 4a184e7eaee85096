package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Staging owns the on-disk area that holds clip bytes between upload and
// merge. Each session gets a single sparse file named by its id; chunk
// writes land directly at their byte offset.
type Staging struct {
	root string
}

// NewStaging ensures the staging root exists and returns a handle to it.
func NewStaging(root string) (*Staging, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Staging{root: root}, nil
}

// Path returns the staging file location for a session id.
func (s *Staging) Path(sessionID string) string {
	return filepath.Join(s.root, sessionID+".clip")
}

// Create allocates the staging file for a new session.
func (s *Staging) Create(sessionID string) (string, error) {
	path := s.Path(sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close staging file: %w", err)
	}
	return path, nil
}

// WriteAt writes a chunk at its byte offset within the session's file.
func (s *Staging) WriteAt(sessionID string, offset int64, data []byte) error {
	f, err := os.OpenFile(s.Path(sessionID), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write chunk at %d: %w", offset, err)
	}
	return nil
}

// Checksum streams the session's bytes through SHA-256 and returns the hex digest.
func (s *Staging) Checksum(sessionID string) (string, error) {
	f, err := os.Open(s.Path(sessionID))
	if err != nil {
		return "", fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash staging file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns a reader over the session's completed bytes.
func (s *Staging) Open(sessionID string) (*os.File, error) {
	f, err := os.Open(s.Path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	return f, nil
}

// Remove deletes the session's bytes. Removing an absent file is success.
func (s *Staging) Remove(sessionID string) error {
	if err := os.Remove(s.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// Exists reports whether the session still has bytes on disk.
func (s *Staging) Exists(sessionID string) bool {
	_, err := os.Stat(s.Path(sessionID))
	return !os.IsNotExist(err)
}
