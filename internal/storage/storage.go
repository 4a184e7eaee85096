package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Backend names which store served a write. Asset records carry it so
// later reads, signing, and deletes route to the right place.
type Backend string

const (
	BackendS3    Backend = "s3"
	BackendLocal Backend = "local"
)

// Ref identifies a stored object. Replicated is false when the durable
// backend was unavailable and the bytes landed on local disk instead; a
// background reconciler can migrate such objects later.
type Ref struct {
	Key        string
	Location   string
	Backend    Backend
	Replicated bool
}

// ObjectStore is the uniform surface over one concrete backend. Put must be
// atomic from the caller's perspective: no partial object is ever visible
// under the key after a failed write.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (Ref, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ErrNotFound indicates no object exists under the requested key.
var ErrNotFound = errors.New("storage: object not found")
