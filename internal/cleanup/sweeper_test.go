package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipstitch/backend/internal/models"
	"github.com/clipstitch/backend/internal/repositories"
)

type stagingStub struct {
	removed []string
	err     error
}

func (s *stagingStub) Remove(sessionID string) error {
	if s.err != nil {
		return s.err
	}
	s.removed = append(s.removed, sessionID)
	return nil
}

func newTestSweeper(uploads *repositories.MemoryUploadSessionRepository, merges *repositories.MemoryMergeSessionRepository, staging *stagingStub, requeue Requeue) *Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSweeper(uploads, merges, staging, requeue, SweeperConfig{
		Interval:          time.Minute,
		UploadIdleTimeout: 30 * time.Minute,
	}, logger)
}

func TestSweeperExpiresIdleUploads(t *testing.T) {
	uploads := repositories.NewMemoryUploadSessionRepository()
	merges := repositories.NewMemoryMergeSessionRepository()
	staging := &stagingStub{}
	ctx := context.Background()

	now := time.Now().UTC()
	stale := models.UploadSession{
		ID: "stale", OwnerID: "owner-1", ExpectedSize: 10,
		Status: models.UploadStatusOpen, CreatedAt: now.Add(-2 * time.Hour), LastActivityAt: now.Add(-time.Hour),
	}
	fresh := models.UploadSession{
		ID: "fresh", OwnerID: "owner-1", ExpectedSize: 10,
		Status: models.UploadStatusOpen, CreatedAt: now, LastActivityAt: now,
	}
	sealed := models.UploadSession{
		ID: "sealed", OwnerID: "owner-1", ExpectedSize: 10,
		Status: models.UploadStatusComplete, CreatedAt: now.Add(-2 * time.Hour), LastActivityAt: now.Add(-time.Hour),
	}
	for _, session := range []models.UploadSession{stale, fresh, sealed} {
		if err := uploads.Create(ctx, session); err != nil {
			t.Fatalf("seed upload %s: %v", session.ID, err)
		}
	}

	sweeper := newTestSweeper(uploads, merges, staging, nil)
	sweeper.Sweep(ctx)

	got, err := uploads.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if got.Status != models.UploadStatusExpired {
		t.Fatalf("stale session not expired: %s", got.Status)
	}
	if len(staging.removed) != 1 || staging.removed[0] != "stale" {
		t.Fatalf("unexpected staging removals: %v", staging.removed)
	}

	// Active and completed sessions are untouched.
	if got, _ := uploads.Get(ctx, "fresh"); got.Status != models.UploadStatusOpen {
		t.Fatalf("fresh session was expired: %s", got.Status)
	}
	if got, _ := uploads.Get(ctx, "sealed"); got.Status != models.UploadStatusComplete {
		t.Fatalf("completed session changed: %s", got.Status)
	}
}

func TestSweeperRecoversStalledMerges(t *testing.T) {
	uploads := repositories.NewMemoryUploadSessionRepository()
	merges := repositories.NewMemoryMergeSessionRepository()
	staging := &stagingStub{}
	ctx := context.Background()

	now := time.Now().UTC()
	if err := merges.Create(ctx, models.MergeSession{
		ID: "stalled", OwnerID: "owner-1", UploadIDs: []string{"clip-a"},
		Status: models.MergeStatusReady, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed merge session: %v", err)
	}
	if _, claimed, _ := merges.Claim(ctx, "stalled", "dead-worker", now.Add(-time.Minute), 3); !claimed {
		t.Fatal("claim should win")
	}

	var requeued []string
	requeue := func(_ context.Context, id string) error {
		requeued = append(requeued, id)
		return nil
	}

	sweeper := newTestSweeper(uploads, merges, staging, requeue)
	sweeper.Sweep(ctx)

	session, err := merges.Get(ctx, "stalled")
	if err != nil {
		t.Fatalf("get merge session: %v", err)
	}
	if session.Status != models.MergeStatusReady || session.WorkerID != "" {
		t.Fatalf("stalled session not recovered: %+v", session)
	}
	if len(requeued) != 1 || requeued[0] != "stalled" {
		t.Fatalf("unexpected requeues: %v", requeued)
	}
}

func TestSweeperLeavesHealthyLeasesAlone(t *testing.T) {
	uploads := repositories.NewMemoryUploadSessionRepository()
	merges := repositories.NewMemoryMergeSessionRepository()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := merges.Create(ctx, models.MergeSession{
		ID: "active", OwnerID: "owner-1", UploadIDs: []string{"clip-a"},
		Status: models.MergeStatusReady, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed merge session: %v", err)
	}
	if _, claimed, _ := merges.Claim(ctx, "active", "live-worker", now.Add(time.Hour), 3); !claimed {
		t.Fatal("claim should win")
	}

	sweeper := newTestSweeper(uploads, merges, &stagingStub{}, nil)
	sweeper.Sweep(ctx)

	session, err := merges.Get(ctx, "active")
	if err != nil {
		t.Fatalf("get merge session: %v", err)
	}
	if session.Status != models.MergeStatusMerging || session.WorkerID != "live-worker" {
		t.Fatalf("healthy lease was disturbed: %+v", session)
	}
}

func TestSweeperPurgesTerminalFailedScratch(t *testing.T) {
	uploads := repositories.NewMemoryUploadSessionRepository()
	merges := repositories.NewMemoryMergeSessionRepository()
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"doomed", "retryable"} {
		if err := merges.Create(ctx, models.MergeSession{
			ID: id, OwnerID: "owner-1", UploadIDs: []string{"clip-a"},
			Status: models.MergeStatusReady, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("seed merge session %s: %v", id, err)
		}
	}

	// Exhaust the doomed session's retry budget; fail the other one once.
	lease := now.Add(time.Minute)
	for i, worker := range []string{"w1", "w2", "w3"} {
		if _, claimed, _ := merges.Claim(ctx, "doomed", worker, lease, 3); !claimed {
			t.Fatalf("claim %d should win", i)
		}
		if _, err := merges.RecordFailure(ctx, "doomed", worker, "MERGE_ERROR"); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
	}
	if _, claimed, _ := merges.Claim(ctx, "retryable", "w1", lease, 3); !claimed {
		t.Fatal("retryable claim should win")
	}
	if _, err := merges.RecordFailure(ctx, "retryable", "w1", "MERGE_ERROR"); err != nil {
		t.Fatalf("record retryable failure: %v", err)
	}

	scratchRoot := t.TempDir()
	for _, id := range []string{"doomed", "retryable"} {
		if err := os.MkdirAll(filepath.Join(scratchRoot, id), 0o755); err != nil {
			t.Fatalf("create scratch dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(scratchRoot, id+".lock"), nil, 0o644); err != nil {
			t.Fatalf("create scratch lock: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := NewSweeper(uploads, merges, &stagingStub{}, nil, SweeperConfig{
		Interval:          time.Minute,
		UploadIdleTimeout: 30 * time.Minute,
		ScratchDir:        scratchRoot,
		MergeMaxRetries:   3,
	}, logger)
	sweeper.Sweep(ctx)

	if _, err := os.Stat(filepath.Join(scratchRoot, "doomed")); !os.IsNotExist(err) {
		t.Fatalf("terminal scratch dir survived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(scratchRoot, "doomed.lock")); !os.IsNotExist(err) {
		t.Fatalf("terminal scratch lock survived: %v", err)
	}

	// A session with retries left keeps its scratch for the next attempt.
	if _, err := os.Stat(filepath.Join(scratchRoot, "retryable")); err != nil {
		t.Fatalf("retryable scratch dir removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(scratchRoot, "retryable.lock")); err != nil {
		t.Fatalf("retryable scratch lock removed: %v", err)
	}
}

func TestSweeperReleaseOriginals(t *testing.T) {
	staging := &stagingStub{}
	sweeper := newTestSweeper(repositories.NewMemoryUploadSessionRepository(), repositories.NewMemoryMergeSessionRepository(), staging, nil)

	session := models.MergeSession{ID: "m1", UploadIDs: []string{"clip-a", "clip-b", "clip-c"}}
	if err := sweeper.ReleaseOriginals(context.Background(), session); err != nil {
		t.Fatalf("release originals: %v", err)
	}
	if len(staging.removed) != 3 {
		t.Fatalf("unexpected removals: %v", staging.removed)
	}
}
