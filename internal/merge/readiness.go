package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/clipstitch/backend/internal/models"
	"github.com/clipstitch/backend/internal/repositories"
)

// ClipStore reads upload session state for readiness checks and merging.
type ClipStore interface {
	Get(ctx context.Context, id string) (models.UploadSession, error)
}

// ReadinessReport lists which constituent uploads are still incomplete.
type ReadinessReport struct {
	Ready   bool
	Missing []string
}

// Readiness reports whether every clip referenced by a merge session has
// finished uploading. Pure read; safe to call concurrently from the
// completion path and from external polls.
type Readiness struct {
	uploads ClipStore
}

// NewReadiness constructs a readiness tracker over the upload store.
func NewReadiness(uploads ClipStore) *Readiness {
	return &Readiness{uploads: uploads}
}

// Check inspects the session's uploads in declared order.
func (r *Readiness) Check(ctx context.Context, session models.MergeSession) (ReadinessReport, error) {
	report := ReadinessReport{Ready: true}

	for _, uploadID := range session.UploadIDs {
		clip, err := r.uploads.Get(ctx, uploadID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				report.Ready = false
				report.Missing = append(report.Missing, uploadID)
				continue
			}
			return ReadinessReport{}, fmt.Errorf("check upload %s: %w", uploadID, err)
		}
		if clip.Status != models.UploadStatusComplete {
			report.Ready = false
			report.Missing = append(report.Missing, uploadID)
		}
	}

	return report, nil
}
