package handlers

import (
	"context"
	"time"

	"github.com/clipstitch/backend/internal/merge"
	"github.com/clipstitch/backend/internal/models"
	"github.com/clipstitch/backend/internal/storage"
	"github.com/clipstitch/backend/internal/upload"
)

// UploadManager captures the chunked upload operations required by the upload handlers.
type UploadManager interface {
	Open(ctx context.Context, ownerID string, expectedSize int64, checksum string) (models.UploadSession, error)
	WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte) (upload.Progress, error)
	Complete(ctx context.Context, sessionID string) (models.UploadSession, error)
	Abort(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (upload.StatusReport, error)
}

// ChallengeService drives the merge lifecycle for a challenge's clip set.
type ChallengeService interface {
	CreateSession(ctx context.Context, ownerID string, uploadIDs []string) (models.MergeSession, error)
	NotifyUploadComplete(ctx context.Context, uploadID string) error
	Trigger(ctx context.Context, sessionID string) (models.MergeSession, error)
	Status(ctx context.Context, sessionID string) (merge.StatusReport, error)
	Result(ctx context.Context, sessionID string) (models.MergedAsset, error)
}

// AssetSigner issues retrieval URLs for stored assets, routed by the
// backend recorded at write time.
type AssetSigner interface {
	Sign(ctx context.Context, ref storage.Ref, ttl time.Duration) (string, error)
}
