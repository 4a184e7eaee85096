package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clipstitch/backend/internal/fault"
	"github.com/clipstitch/backend/internal/logging"
	"github.com/clipstitch/backend/internal/models"
	"github.com/clipstitch/backend/internal/repositories"
	"github.com/clipstitch/backend/internal/storage"
)

// SessionStore is the merge-session persistence the scheduler drives. The
// conditional Claim update is what enforces single-flight execution.
type SessionStore interface {
	Create(ctx context.Context, session models.MergeSession) error
	Get(ctx context.Context, id string) (models.MergeSession, error)
	FindByUploadID(ctx context.Context, uploadID string) (models.MergeSession, error)
	MarkReady(ctx context.Context, id string) (bool, error)
	Claim(ctx context.Context, id, workerID string, leaseUntil time.Time, maxRetries int) (models.MergeSession, bool, error)
	CompleteWithAsset(ctx context.Context, asset models.MergedAsset) error
	RecordFailure(ctx context.Context, id, workerID, code string) (models.MergeSession, error)
	GetAsset(ctx context.Context, mergeSessionID string) (models.MergedAsset, error)
	ReleaseLease(ctx context.Context, id string) error
}

// ClipSource exposes the staged bytes of completed uploads.
type ClipSource interface {
	Path(sessionID string) string
	Exists(sessionID string) bool
}

// AssetStore persists the merged output durably.
type AssetStore interface {
	Put(ctx context.Context, key string, r io.ReadSeeker) (storage.Ref, error)
}

// Cleaner releases the original per-clip bytes after the merged asset is
// confirmed stored.
type Cleaner interface {
	ReleaseOriginals(ctx context.Context, session models.MergeSession) error
}

// SchedulerConfig controls worker-pool sizing and retry policy.
type SchedulerConfig struct {
	Workers      int
	QueueSize    int
	MaxRetries   int
	MergeTimeout time.Duration
	LeaseTTL     time.Duration
	ScratchDir   string
	MaxClipCount int
}

// StatusReport is the poll-friendly view of a merge session.
type StatusReport struct {
	Status          models.MergeStatus
	ProgressPercent int
	ErrorCode       string
	RetryCount      int
}

const (
	progressClaimed  = 5
	progressStaged   = 25
	progressEncoded  = 70
	progressStored   = 90
	progressComplete = 100

	retryBaseBackoff = 2 * time.Second
	retryMaxBackoff  = time.Minute
)

var (
	errSchedulerClosed = errors.New("merge scheduler closed")

	// errClaimLost marks an execution whose session is no longer owned by
	// this worker. It is not a merge failure: the new owner's outcome is
	// authoritative and nothing may be recorded against the session.
	errClaimLost = errors.New("merge claim lost")
)

// Scheduler owns the merge state machine from "all clips present" to
// "merged asset durably stored". A pool of workers consumes claimed
// sessions; claims are atomic status swaps, so a session merges on at most
// one worker at a time no matter how many triggers race.
type Scheduler struct {
	sessions   SessionStore
	readiness  *Readiness
	clips      ClipSource
	transcoder Transcoder
	assets     AssetStore
	cleaner    Cleaner
	cfg        SchedulerConfig
	logger     *slog.Logger
	now        func() time.Time

	workerID string

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	progressMu sync.Mutex
	progress   map[string]int
}

// NewScheduler constructs the worker pool and starts its workers.
func NewScheduler(sessions SessionStore, readiness *Readiness, clips ClipSource, transcoder Transcoder, assets AssetStore, cleaner Cleaner, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = 2 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.MaxClipCount <= 0 {
		cfg.MaxClipCount = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		sessions:   sessions,
		readiness:  readiness,
		clips:      clips,
		transcoder: transcoder,
		assets:     assets,
		cleaner:    cleaner,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		workerID:   uuid.NewString(),
		jobs:       make(chan string, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		progress:   make(map[string]int),
	}

	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.worker()
	}

	return s
}

// CreateSession declares a challenge of len(uploadIDs) clips in statement
// order. N is fixed here and never mutated.
func (s *Scheduler) CreateSession(ctx context.Context, ownerID string, uploadIDs []string) (models.MergeSession, error) {
	if strings.TrimSpace(ownerID) == "" {
		return models.MergeSession{}, fault.New(fault.CodeInvalidSize, "owner id is required")
	}
	if len(uploadIDs) == 0 || len(uploadIDs) > s.cfg.MaxClipCount {
		return models.MergeSession{}, fault.Newf(fault.CodeInvalidSize, "clip count must be within [1, %d]", s.cfg.MaxClipCount)
	}

	seen := make(map[string]struct{}, len(uploadIDs))
	for _, uploadID := range uploadIDs {
		if _, ok := seen[uploadID]; ok {
			return models.MergeSession{}, fault.Newf(fault.CodeInvalidSize, "upload %s referenced twice", uploadID)
		}
		seen[uploadID] = struct{}{}

		clip, err := s.readiness.uploads.Get(ctx, uploadID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return models.MergeSession{}, fault.Newf(fault.CodeSessionNotFound, "upload session %s not found", uploadID)
			}
			return models.MergeSession{}, fmt.Errorf("verify upload %s: %w", uploadID, err)
		}
		if clip.OwnerID != ownerID {
			return models.MergeSession{}, fault.Newf(fault.CodeSessionNotFound, "upload session %s not found", uploadID)
		}

		if _, err := s.sessions.FindByUploadID(ctx, uploadID); err == nil {
			return models.MergeSession{}, fault.Newf(fault.CodeRangeConflict, "upload %s already belongs to a challenge", uploadID)
		} else if !errors.Is(err, repositories.ErrNotFound) {
			return models.MergeSession{}, fmt.Errorf("verify upload binding %s: %w", uploadID, err)
		}
	}

	now := s.now().UTC()
	session := models.MergeSession{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		UploadIDs: append([]string(nil), uploadIDs...),
		Status:    models.MergeStatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return models.MergeSession{}, fmt.Errorf("create merge session: %w", err)
	}

	s.logger.Info("merge session created", "mergeSessionId", session.ID, "ownerId", ownerID, "clips", len(uploadIDs))
	return session, nil
}

// NotifyUploadComplete is called by the upload path after a clip completes.
// When it was the last missing clip, the session advances to ready and a
// merge is enqueued. Unbound uploads are ignored.
func (s *Scheduler) NotifyUploadComplete(ctx context.Context, uploadID string) error {
	session, err := s.sessions.FindByUploadID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find merge session for upload %s: %w", uploadID, err)
	}

	if session.Status != models.MergeStatusCollecting {
		return nil
	}

	report, err := s.readiness.Check(ctx, session)
	if err != nil {
		return err
	}
	if !report.Ready {
		return nil
	}

	if _, err := s.sessions.MarkReady(ctx, session.ID); err != nil {
		return fmt.Errorf("mark merge session ready: %w", err)
	}

	_, err = s.Trigger(ctx, session.ID)
	return err
}

// Trigger requests a merge. It is idempotent: a session already merging or
// completed is returned as-is; only one caller ever wins the claim.
func (s *Scheduler) Trigger(ctx context.Context, sessionID string) (models.MergeSession, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.MergeSession{}, fault.Newf(fault.CodeSessionNotFound, "merge session %s not found", sessionID)
		}
		return models.MergeSession{}, fmt.Errorf("load merge session: %w", err)
	}

	switch session.Status {
	case models.MergeStatusMerging, models.MergeStatusCompleted:
		return session, nil
	case models.MergeStatusCollecting:
		report, err := s.readiness.Check(ctx, session)
		if err != nil {
			return models.MergeSession{}, err
		}
		if !report.Ready {
			return models.MergeSession{}, fault.Newf(fault.CodeNotReady, "waiting on %d of %d clips", len(report.Missing), len(session.UploadIDs))
		}
		if _, err := s.sessions.MarkReady(ctx, session.ID); err != nil {
			return models.MergeSession{}, fmt.Errorf("mark merge session ready: %w", err)
		}
	case models.MergeStatusFailed:
		if session.RetryCount >= s.cfg.MaxRetries {
			return session, nil
		}
	}

	return s.claimAndEnqueue(ctx, sessionID)
}

func (s *Scheduler) claimAndEnqueue(ctx context.Context, sessionID string) (models.MergeSession, error) {
	leaseUntil := s.now().UTC().Add(s.cfg.LeaseTTL)
	session, claimed, err := s.sessions.Claim(ctx, sessionID, s.workerID, leaseUntil, s.cfg.MaxRetries)
	if err != nil {
		return models.MergeSession{}, fmt.Errorf("claim merge session: %w", err)
	}
	if !claimed {
		// Another trigger won; the existing execution is the caller's result.
		return session, nil
	}

	s.setProgress(sessionID, progressClaimed)

	select {
	case <-ctx.Done():
		s.releaseAfterEnqueueFailure(sessionID)
		return models.MergeSession{}, ctx.Err()
	case <-s.ctx.Done():
		s.releaseAfterEnqueueFailure(sessionID)
		return models.MergeSession{}, errSchedulerClosed
	case s.jobs <- sessionID:
		return session, nil
	}
}

func (s *Scheduler) releaseAfterEnqueueFailure(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sessions.ReleaseLease(ctx, sessionID); err != nil {
		s.logger.Error("release unqueued claim", "mergeSessionId", sessionID, "error", err)
	}
	s.clearProgress(sessionID)
}

// Status is the poll endpoint's read: current state, coarse progress while
// merging, and the classified error code after a failure.
func (s *Scheduler) Status(ctx context.Context, sessionID string) (StatusReport, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return StatusReport{}, fault.Newf(fault.CodeSessionNotFound, "merge session %s not found", sessionID)
		}
		return StatusReport{}, fmt.Errorf("load merge session: %w", err)
	}

	report := StatusReport{
		Status:     session.Status,
		ErrorCode:  session.LastErrorCode,
		RetryCount: session.RetryCount,
	}
	switch session.Status {
	case models.MergeStatusCompleted:
		report.ProgressPercent = progressComplete
	case models.MergeStatusMerging:
		report.ProgressPercent = s.getProgress(sessionID)
	}

	return report, nil
}

// Result returns the merged asset once the session has completed.
func (s *Scheduler) Result(ctx context.Context, sessionID string) (models.MergedAsset, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.MergedAsset{}, fault.Newf(fault.CodeSessionNotFound, "merge session %s not found", sessionID)
		}
		return models.MergedAsset{}, fmt.Errorf("load merge session: %w", err)
	}

	if session.Status != models.MergeStatusCompleted {
		return models.MergedAsset{}, fault.Newf(fault.CodeNotCompleted, "merge session is %s", session.Status)
	}

	asset, err := s.sessions.GetAsset(ctx, sessionID)
	if err != nil {
		return models.MergedAsset{}, fmt.Errorf("load merged asset: %w", err)
	}
	return asset, nil
}

// Shutdown stops claiming new work and waits for in-flight merges to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.once.Do(s.cancel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case sessionID := <-s.jobs:
			s.execute(sessionID)
		}
	}
}

// execute runs one claimed merge to completion or classified failure.
func (s *Scheduler) execute(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MergeTimeout)
	defer cancel()

	ctx, span := logging.StartSpan(ctx, "merge.execute")
	defer span.End()
	logger := s.logger.With("mergeSessionId", sessionID, "workerId", s.workerID)

	err := s.run(ctx, sessionID, logger)
	if err == nil {
		s.setProgress(sessionID, progressComplete)
		s.clearProgress(sessionID)
		logger.Info("merge completed")
		return
	}

	if errors.Is(err, errClaimLost) {
		// A stale queued job: the session was re-claimed (lease expiry and
		// sweep) and belongs to another worker now. Recording anything here
		// would clobber the active execution.
		logger.Info("merge claim lost, deferring to current owner")
		s.clearProgress(sessionID)
		return
	}

	code := fault.CodeOf(err)
	if code == "" {
		code = fault.CodeMergeError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		code = fault.CodeMergeError
	}

	logger.Error("merge failed", "code", string(code), "error", err)
	s.clearProgress(sessionID)

	recordCtx, recordCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recordCancel()

	session, rerr := s.sessions.RecordFailure(recordCtx, sessionID, s.workerID, string(code))
	if rerr != nil {
		if errors.Is(rerr, repositories.ErrNotFound) {
			logger.Info("merge claim moved before failure was recorded, deferring to current owner")
			return
		}
		logger.Error("record merge failure", "error", rerr)
		return
	}

	if fault.Retryable(code) && session.RetryCount < s.cfg.MaxRetries {
		backoff := retryBackoff(session.RetryCount)
		logger.Info("merge retry scheduled", "attempt", session.RetryCount, "backoff", backoff)
		time.AfterFunc(backoff, func() { s.retry(sessionID) })
		return
	}

	logger.Warn("merge terminally failed", "code", string(code), "retries", session.RetryCount)
}

func (s *Scheduler) retry(sessionID string) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	if _, err := s.claimAndEnqueue(ctx, sessionID); err != nil && !errors.Is(err, errSchedulerClosed) {
		s.logger.Error("requeue merge retry", "mergeSessionId", sessionID, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, sessionID string, logger *slog.Logger) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load claimed session: %w", err)
	}
	if session.Status != models.MergeStatusMerging || session.WorkerID != s.workerID {
		return fmt.Errorf("%w: session %s is %s under worker %q", errClaimLost, sessionID, session.Status, session.WorkerID)
	}

	scratch := filepath.Join(s.cfg.ScratchDir, sessionID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fault.Wrap(fault.CodeMergeError, "create scratch dir", err)
	}

	// The scratch area is exclusively owned by the claiming worker; the
	// flock guards against a lease-expired duplicate still running.
	lock := flock.New(filepath.Join(s.cfg.ScratchDir, sessionID+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fault.Wrap(fault.CodeMergeError, "lock scratch dir", err)
	}
	if !locked {
		return fault.New(fault.CodeMergeError, "scratch dir already locked by another worker")
	}
	defer lock.Unlock()

	inputs, err := s.stageInputs(ctx, session, scratch)
	if err != nil {
		return err
	}
	s.setProgress(sessionID, progressStaged)

	output := filepath.Join(scratch, "merged.mp4")
	result, err := s.transcoder.Merge(ctx, inputs, output)
	if err != nil {
		return err
	}
	s.setProgress(sessionID, progressEncoded)

	segments, err := ComputeSegments(result.InputDurationsMS, result.TotalDurationMS)
	if err != nil {
		return err
	}

	out, err := os.Open(result.OutputPath)
	if err != nil {
		return fault.Wrap(fault.CodeStorageError, "open merged output", err)
	}
	defer out.Close()

	key := fmt.Sprintf("assets/%s/merged.mp4", sessionID)
	ref, err := s.assets.Put(ctx, key, out)
	if err != nil {
		return fault.Wrap(fault.CodeStorageError, "store merged asset", err)
	}
	s.setProgress(sessionID, progressStored)

	asset := models.MergedAsset{
		ID:             uuid.NewString(),
		MergeSessionID: sessionID,
		StorageKey:     ref.Key,
		Location:       ref.Location,
		Backend:        string(ref.Backend),
		Replicated:     ref.Replicated,
		SizeBytes:      result.SizeBytes,
		DurationMS:     result.TotalDurationMS,
		Compressed:     true,
		Segments:       segments,
		CreatedAt:      s.now().UTC(),
	}

	if err := s.sessions.CompleteWithAsset(ctx, asset); err != nil {
		return fault.Wrap(fault.CodeStorageError, "record merged asset", err)
	}

	// Originals are only released after the asset write is confirmed
	// durable: store-then-delete, never the reverse.
	if s.cleaner != nil {
		if err := s.cleaner.ReleaseOriginals(ctx, session); err != nil {
			logger.Warn("release original clips", "error", err)
		}
	}

	if err := os.RemoveAll(scratch); err != nil {
		logger.Warn("remove scratch dir", "error", err)
	}
	if err := os.Remove(filepath.Join(s.cfg.ScratchDir, sessionID+".lock")); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove scratch lock", "error", err)
	}

	return nil
}

// stageInputs copies each completed clip into the worker-owned scratch dir
// in declared statement order.
func (s *Scheduler) stageInputs(ctx context.Context, session models.MergeSession, scratch string) ([]string, error) {
	inputs := make([]string, len(session.UploadIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, uploadID := range session.UploadIDs {
		g.Go(func() error {
			clip, err := s.readiness.uploads.Get(ctx, uploadID)
			if err != nil {
				return fault.Wrap(fault.CodeAnalysisError, fmt.Sprintf("load clip %s", uploadID), err)
			}
			if clip.Status != models.UploadStatusComplete {
				return fault.Newf(fault.CodeAnalysisError, "clip %s is %s, not complete", uploadID, clip.Status)
			}
			if !s.clips.Exists(uploadID) {
				return fault.Newf(fault.CodeAnalysisError, "clip %s bytes are missing from staging", uploadID)
			}

			dst := filepath.Join(scratch, fmt.Sprintf("clip-%03d.mp4", i))
			if err := copyFile(s.clips.Path(uploadID), dst); err != nil {
				return fault.Wrap(fault.CodeMergeError, fmt.Sprintf("stage clip %s", uploadID), err)
			}
			inputs[i] = dst
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func (s *Scheduler) setProgress(sessionID string, pct int) {
	s.progressMu.Lock()
	s.progress[sessionID] = pct
	s.progressMu.Unlock()
}

func (s *Scheduler) getProgress(sessionID string) int {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.progress[sessionID]
}

func (s *Scheduler) clearProgress(sessionID string) {
	s.progressMu.Lock()
	delete(s.progress, sessionID)
	s.progressMu.Unlock()
}

func retryBackoff(attempt int) time.Duration {
	backoff := retryBaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= retryMaxBackoff {
			return retryMaxBackoff
		}
	}
	return backoff
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
