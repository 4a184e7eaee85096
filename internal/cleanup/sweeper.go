package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clipstitch/backend/internal/logging"
	"github.com/clipstitch/backend/internal/models"
)

// UploadStore is the slice of upload persistence the sweeper drives.
type UploadStore interface {
	ListIdleOpen(ctx context.Context, before time.Time) ([]models.UploadSession, error)
	MarkExpired(ctx context.Context, id string) error
}

// MergeStore lets the sweeper recover sessions abandoned by crashed workers
// and reclaim the scratch space of merges that are never coming back.
type MergeStore interface {
	ListExpiredLeases(ctx context.Context, now time.Time) ([]models.MergeSession, error)
	ReleaseLease(ctx context.Context, id string) error
	ListTerminalFailures(ctx context.Context, minRetries int) ([]models.MergeSession, error)
}

// ClipStaging removes raw clip bytes from the staging area.
type ClipStaging interface {
	Remove(sessionID string) error
}

// Requeue re-offers a recovered merge session to the scheduler. Wired to
// the scheduler's Trigger.
type Requeue func(ctx context.Context, mergeSessionID string) error

// SweeperConfig controls retention windows and cadence. MergeMaxRetries
// must match the scheduler's budget so the sweeper only purges scratch for
// sessions the scheduler will never retry.
type SweeperConfig struct {
	Interval          time.Duration
	UploadIdleTimeout time.Duration
	ScratchDir        string
	MergeMaxRetries   int
}

// Sweeper enforces retention: it releases original clip bytes once a merge
// has durably completed, expires abandoned uploads, and returns
// crashed-worker merge sessions to the ready state.
type Sweeper struct {
	uploads UploadStore
	merges  MergeStore
	staging ClipStaging
	requeue Requeue
	cfg     SweeperConfig
	logger  *slog.Logger
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper constructs a sweeper; call Start to begin the periodic sweep.
func NewSweeper(uploads UploadStore, merges MergeStore, staging ClipStaging, requeue Requeue, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.UploadIdleTimeout <= 0 {
		cfg.UploadIdleTimeout = 30 * time.Minute
	}
	if cfg.MergeMaxRetries <= 0 {
		cfg.MergeMaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		uploads: uploads,
		merges:  merges,
		staging: staging,
		requeue: requeue,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
				s.Sweep(ctx)
				cancel()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current pass to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Sweep runs one retention pass. Exported so tests and operators can force one.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := logging.StartSpan(ctx, "cleanup.sweep")
	defer span.End()

	s.expireIdleUploads(ctx)
	s.recoverStalledMerges(ctx)
	s.purgeFailedScratch(ctx)
}

// ReleaseOriginals deletes the constituent clips' raw bytes. Callers invoke
// this only after the merged asset write is confirmed durable; the sweeper
// itself never deletes bytes for an incomplete merge.
func (s *Sweeper) ReleaseOriginals(_ context.Context, session models.MergeSession) error {
	for _, uploadID := range session.UploadIDs {
		if err := s.staging.Remove(uploadID); err != nil {
			return err
		}
	}
	s.logger.Info("original clips released", "mergeSessionId", session.ID, "clips", len(session.UploadIDs))
	return nil
}

func (s *Sweeper) expireIdleUploads(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.UploadIdleTimeout)

	idle, err := s.uploads.ListIdleOpen(ctx, cutoff)
	if err != nil {
		s.logger.Error("list idle uploads", "error", err)
		return
	}

	for _, session := range idle {
		if err := s.uploads.MarkExpired(ctx, session.ID); err != nil {
			s.logger.Error("expire upload session", "sessionId", session.ID, "error", err)
			continue
		}
		if err := s.staging.Remove(session.ID); err != nil {
			s.logger.Warn("purge expired upload bytes", "sessionId", session.ID, "error", err)
		}
		s.logger.Info("upload session expired", "sessionId", session.ID, "idleSince", session.LastActivityAt)
	}
}

func (s *Sweeper) recoverStalledMerges(ctx context.Context) {
	stalled, err := s.merges.ListExpiredLeases(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("list stalled merges", "error", err)
		return
	}

	for _, session := range stalled {
		if err := s.merges.ReleaseLease(ctx, session.ID); err != nil {
			s.logger.Error("release stalled merge", "mergeSessionId", session.ID, "error", err)
			continue
		}

		s.removeScratch(session.ID)
		s.logger.Warn("stalled merge released for re-claim", "mergeSessionId", session.ID, "worker", session.WorkerID)

		if s.requeue != nil {
			if err := s.requeue(ctx, session.ID); err != nil {
				s.logger.Error("requeue recovered merge", "mergeSessionId", session.ID, "error", err)
			}
		}
	}
}

// purgeFailedScratch reclaims scratch dirs and lock files of merges that
// exhausted their retry budget. Re-purging an already clean session is a
// no-op, so repeated sweeps over the same terminal failures are harmless.
func (s *Sweeper) purgeFailedScratch(ctx context.Context) {
	if s.cfg.ScratchDir == "" {
		return
	}

	terminal, err := s.merges.ListTerminalFailures(ctx, s.cfg.MergeMaxRetries)
	if err != nil {
		s.logger.Error("list terminal merge failures", "error", err)
		return
	}

	for _, session := range terminal {
		s.removeScratch(session.ID)
	}
}

// removeScratch clears the dead worker's scratch area so the next claim
// starts from clean inputs.
func (s *Sweeper) removeScratch(mergeSessionID string) {
	if s.cfg.ScratchDir == "" {
		return
	}
	scratch := filepath.Join(s.cfg.ScratchDir, mergeSessionID)
	if err := os.RemoveAll(scratch); err != nil {
		s.logger.Warn("remove stalled scratch dir", "mergeSessionId", mergeSessionID, "error", err)
	}
	if err := os.Remove(scratch + ".lock"); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove stalled scratch lock", "mergeSessionId", mergeSessionID, "error", err)
	}
}
