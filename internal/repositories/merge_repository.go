package repositories

import (
	"context"
	"time"

	"github.com/clipstitch/backend/internal/models"
)

// MergeSessionRepository exposes data access for merge sessions and their
// merged assets. Claim and MarkReady are conditional updates: the status
// transition happens atomically or not at all, which is what guarantees a
// single concurrent merge execution per session.
type MergeSessionRepository interface {
	Create(ctx context.Context, session models.MergeSession) error
	Get(ctx context.Context, id string) (models.MergeSession, error)
	FindByUploadID(ctx context.Context, uploadID string) (models.MergeSession, error)

	// MarkReady advances collecting -> ready. It reports false without error
	// when the session was already past collecting.
	MarkReady(ctx context.Context, id string) (bool, error)

	// Claim atomically moves ready -> merging (or failed -> merging while
	// retries remain), stamping the worker id and lease expiry. The boolean
	// reports whether this caller won the claim; the returned session
	// reflects current state either way.
	Claim(ctx context.Context, id, workerID string, leaseUntil time.Time, maxRetries int) (models.MergeSession, bool, error)

	// CompleteWithAsset records the merged asset and moves the session to
	// completed in one transaction.
	CompleteWithAsset(ctx context.Context, asset models.MergedAsset) error

	// RecordFailure increments the retry count, stores the error code, and
	// moves the session to failed, releasing the worker lease. Only the
	// worker currently holding the claim may record a failure: a stale
	// worker whose session was re-claimed gets ErrNotFound and must leave
	// the session to its new owner.
	RecordFailure(ctx context.Context, id, workerID, code string) (models.MergeSession, error)

	GetAsset(ctx context.Context, mergeSessionID string) (models.MergedAsset, error)

	// ListExpiredLeases returns merging sessions whose lease has lapsed,
	// meaning the claiming worker crashed or stalled.
	ListExpiredLeases(ctx context.Context, now time.Time) ([]models.MergeSession, error)

	// ReleaseLease moves a merging session back to ready so another worker
	// may claim it.
	ReleaseLease(ctx context.Context, id string) error

	// ListTerminalFailures returns failed sessions whose retry budget is
	// exhausted, so their scratch space can be garbage collected.
	ListTerminalFailures(ctx context.Context, minRetries int) ([]models.MergeSession, error)
}
