package repositories

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipstitch/backend/internal/models"
)

func seedMergeSession(t *testing.T, repo *MemoryMergeSessionRepository, status models.MergeStatus) models.MergeSession {
	t.Helper()

	now := time.Now().UTC()
	session := models.MergeSession{
		ID:        "merge-1",
		OwnerID:   "owner-1",
		UploadIDs: []string{"clip-a", "clip-b"},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Create(context.Background(), session); err != nil {
		t.Fatalf("seed merge session: %v", err)
	}
	return session
}

func TestMemoryMergeClaimSingleWinner(t *testing.T) {
	repo := NewMemoryMergeSessionRepository()
	seedMergeSession(t, repo, models.MergeStatusReady)

	const contenders = 16
	var winners atomic.Int32
	var wg sync.WaitGroup

	lease := time.Now().UTC().Add(time.Minute)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			_, claimed, err := repo.Claim(context.Background(), "merge-1", "worker", lease, 3)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", winners.Load())
	}

	session, err := repo.Get(context.Background(), "merge-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != models.MergeStatusMerging {
		t.Fatalf("unexpected status: %s", session.Status)
	}
	if session.LeaseExpiresAt == nil {
		t.Fatal("claimed session must carry a lease")
	}
}

func TestMemoryMergeClaimRespectsRetryBudget(t *testing.T) {
	repo := NewMemoryMergeSessionRepository()
	seedMergeSession(t, repo, models.MergeStatusReady)
	ctx := context.Background()
	lease := time.Now().UTC().Add(time.Minute)

	if _, claimed, _ := repo.Claim(ctx, "merge-1", "w1", lease, 2); !claimed {
		t.Fatal("first claim should win")
	}

	// Merging sessions cannot be claimed again.
	if _, claimed, _ := repo.Claim(ctx, "merge-1", "w2", lease, 2); claimed {
		t.Fatal("claim stole a merging session")
	}

	// Failures within the budget are claimable; beyond it they are not.
	if _, err := repo.RecordFailure(ctx, "merge-1", "w1", "MERGE_ERROR"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if _, claimed, _ := repo.Claim(ctx, "merge-1", "w2", lease, 2); !claimed {
		t.Fatal("failed session within budget should be claimable")
	}
	if _, err := repo.RecordFailure(ctx, "merge-1", "w2", "MERGE_ERROR"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	session, claimed, err := repo.Claim(ctx, "merge-1", "w3", lease, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed {
		t.Fatal("exhausted session must not be claimable")
	}
	if session.RetryCount != 2 || session.Status != models.MergeStatusFailed {
		t.Fatalf("unexpected terminal state: %+v", session)
	}
}

func TestMemoryMergeRecordFailureRequiresClaim(t *testing.T) {
	repo := NewMemoryMergeSessionRepository()
	seedMergeSession(t, repo, models.MergeStatusReady)
	ctx := context.Background()

	if _, claimed, _ := repo.Claim(ctx, "merge-1", "w1", time.Now().UTC().Add(time.Minute), 3); !claimed {
		t.Fatal("claim should win")
	}

	// A worker that no longer holds the claim cannot mark the session failed.
	if _, err := repo.RecordFailure(ctx, "merge-1", "stale-worker", "MERGE_ERROR"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale worker, got %v", err)
	}

	session, err := repo.Get(ctx, "merge-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != models.MergeStatusMerging || session.WorkerID != "w1" {
		t.Fatalf("stale worker disturbed the active claim: %+v", session)
	}
	if session.RetryCount != 0 {
		t.Fatalf("stale worker burned a retry: %d", session.RetryCount)
	}
}

func TestMemoryMergeCompleteWithAsset(t *testing.T) {
	repo := NewMemoryMergeSessionRepository()
	seedMergeSession(t, repo, models.MergeStatusReady)
	ctx := context.Background()

	asset := models.MergedAsset{
		ID:             "asset-1",
		MergeSessionID: "merge-1",
		StorageKey:     "assets/merge-1/merged.mp4",
		Backend:        "s3",
		SizeBytes:      10,
		DurationMS:     20000,
		Compressed:     true,
		Segments:       []models.SegmentMetadata{{Index: 0, StartMS: 0, EndMS: 20000, DurationMS: 20000}},
		CreatedAt:      time.Now().UTC(),
	}

	// Only a merging session can be completed.
	if err := repo.CompleteWithAsset(ctx, asset); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-merging session, got %v", err)
	}

	if _, claimed, _ := repo.Claim(ctx, "merge-1", "w1", time.Now().Add(time.Minute), 3); !claimed {
		t.Fatal("claim should win")
	}
	if err := repo.CompleteWithAsset(ctx, asset); err != nil {
		t.Fatalf("complete: %v", err)
	}

	session, err := repo.Get(ctx, "merge-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != models.MergeStatusCompleted || session.AssetID != "asset-1" {
		t.Fatalf("unexpected session after completion: %+v", session)
	}
	if session.WorkerID != "" || session.LeaseExpiresAt != nil {
		t.Fatalf("lease fields must clear on completion: %+v", session)
	}

	stored, err := repo.GetAsset(ctx, "merge-1")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if stored.StorageKey != asset.StorageKey || len(stored.Segments) != 1 {
		t.Fatalf("unexpected stored asset: %+v", stored)
	}
}

func TestMemoryMergeLeaseRecovery(t *testing.T) {
	repo := NewMemoryMergeSessionRepository()
	seedMergeSession(t, repo, models.MergeStatusReady)
	ctx := context.Background()

	expired := time.Now().UTC().Add(-time.Minute)
	if _, claimed, _ := repo.Claim(ctx, "merge-1", "dead-worker", expired, 3); !claimed {
		t.Fatal("claim should win")
	}

	stalled, err := repo.ListExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("list expired leases: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != "merge-1" {
		t.Fatalf("unexpected stalled sessions: %+v", stalled)
	}

	if err := repo.ReleaseLease(ctx, "merge-1"); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	session, err := repo.Get(ctx, "merge-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if session.Status != models.MergeStatusReady || session.WorkerID != "" {
		t.Fatalf("unexpected session after release: %+v", session)
	}

	// Releasing a non-merging session reports not found.
	if err := repo.ReleaseLease(ctx, "merge-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryMergeFindByUploadID(t *testing.T) {
	repo := NewMemoryMergeSessionRepository()
	seedMergeSession(t, repo, models.MergeStatusCollecting)
	ctx := context.Background()

	session, err := repo.FindByUploadID(ctx, "clip-b")
	if err != nil {
		t.Fatalf("find by upload: %v", err)
	}
	if session.ID != "merge-1" {
		t.Fatalf("unexpected session: %s", session.ID)
	}

	if _, err := repo.FindByUploadID(ctx, "clip-z"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUploadRepositoryIsolation(t *testing.T) {
	repo := NewMemoryUploadSessionRepository()
	ctx := context.Background()

	session := models.UploadSession{
		ID:       "u1",
		OwnerID:  "owner-1",
		Received: []models.ByteRange{{Start: 0, End: 10}},
		Status:   models.UploadStatusOpen,
	}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutating the caller's slice must not leak into the store.
	session.Received[0].End = 999
	got, err := repo.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Received[0].End != 10 {
		t.Fatalf("stored session aliases caller memory: %+v", got.Received)
	}

	if err := repo.Create(ctx, models.UploadSession{ID: "u1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
