package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// FallbackStore routes writes to the durable backend and falls back to
// local disk when it is unavailable. Reads, deletes, and signing take the
// Ref recorded at write time so they always hit the backend that actually
// holds the bytes.
type FallbackStore struct {
	durable ObjectStore
	local   ObjectStore
	logger  *slog.Logger
}

// NewFallbackStore builds the routing store. durable may be nil, in which
// case every operation uses local disk.
func NewFallbackStore(durable ObjectStore, local ObjectStore, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{durable: durable, local: local, logger: logger}
}

// Put writes to the durable backend when configured; on failure the bytes
// land on local disk and the returned Ref is flagged as not yet replicated.
// Callers must pass a seekable reader so the fallback can restart the stream.
func (s *FallbackStore) Put(ctx context.Context, key string, r io.ReadSeeker) (Ref, error) {
	if s.durable != nil {
		ref, err := s.durable.Put(ctx, key, r)
		if err == nil {
			return ref, nil
		}
		s.logger.Warn("durable store write failed, falling back to local disk", "key", key, "error", err)

		if _, serr := r.Seek(0, io.SeekStart); serr != nil {
			return Ref{}, fmt.Errorf("rewind for local fallback: %w", serr)
		}
	}

	ref, err := s.local.Put(ctx, key, r)
	if err != nil {
		return Ref{}, err
	}
	ref.Replicated = false
	return ref, nil
}

// Get streams an object from the backend recorded in its Ref.
func (s *FallbackStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	store, err := s.forBackend(ref.Backend)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ref.Key)
}

// Delete removes an object from the backend recorded in its Ref.
func (s *FallbackStore) Delete(ctx context.Context, ref Ref) error {
	store, err := s.forBackend(ref.Backend)
	if err != nil {
		return err
	}
	return store.Delete(ctx, ref.Key)
}

// Sign issues a retrieval URL from the backend recorded in the Ref: a
// time-limited presigned URL for the durable store, a direct-serve URL for
// local objects.
func (s *FallbackStore) Sign(ctx context.Context, ref Ref, ttl time.Duration) (string, error) {
	store, err := s.forBackend(ref.Backend)
	if err != nil {
		return "", err
	}
	return store.Sign(ctx, ref.Key, ttl)
}

func (s *FallbackStore) forBackend(backend Backend) (ObjectStore, error) {
	switch backend {
	case BackendS3:
		if s.durable == nil {
			return nil, fmt.Errorf("storage: durable backend not configured")
		}
		return s.durable, nil
	case BackendLocal:
		return s.local, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
