package repositories

import (
	"context"
	"time"

	"github.com/clipstitch/backend/internal/models"
)

// UploadSessionRepository exposes data access for chunked upload sessions.
type UploadSessionRepository interface {
	Create(ctx context.Context, session models.UploadSession) error
	Get(ctx context.Context, id string) (models.UploadSession, error)
	Update(ctx context.Context, session models.UploadSession) error
	CountOpenForOwner(ctx context.Context, ownerID string) (int, error)
	ListIdleOpen(ctx context.Context, before time.Time) ([]models.UploadSession, error)
	MarkExpired(ctx context.Context, id string) error
}
