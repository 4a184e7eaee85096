package repositories

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/clipstitch/backend/internal/models"
)

// MemoryUploadSessionRepository implements UploadSessionRepository with an
// in-memory map, for tests and database-less local development.
type MemoryUploadSessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]models.UploadSession
}

// NewMemoryUploadSessionRepository returns an empty in-memory upload store.
func NewMemoryUploadSessionRepository() *MemoryUploadSessionRepository {
	return &MemoryUploadSessionRepository{sessions: make(map[string]models.UploadSession)}
}

func (r *MemoryUploadSessionRepository) Create(_ context.Context, session models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return ErrConflict
	}
	r.sessions[session.ID] = cloneUpload(session)
	return nil
}

func (r *MemoryUploadSessionRepository) Get(_ context.Context, id string) (models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrNotFound
	}
	return cloneUpload(session), nil
}

func (r *MemoryUploadSessionRepository) Update(_ context.Context, session models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	r.sessions[session.ID] = cloneUpload(session)
	return nil
}

func (r *MemoryUploadSessionRepository) CountOpenForOwner(_ context.Context, ownerID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, session := range r.sessions {
		if session.OwnerID == ownerID && session.Status == models.UploadStatusOpen {
			count++
		}
	}
	return count, nil
}

func (r *MemoryUploadSessionRepository) ListIdleOpen(_ context.Context, before time.Time) ([]models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []models.UploadSession
	for _, session := range r.sessions {
		if session.Status == models.UploadStatusOpen && session.LastActivityAt.Before(before) {
			idle = append(idle, cloneUpload(session))
		}
	}
	return idle, nil
}

func (r *MemoryUploadSessionRepository) MarkExpired(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok || session.Status != models.UploadStatusOpen {
		return ErrNotFound
	}
	session.Status = models.UploadStatusExpired
	r.sessions[id] = session
	return nil
}

// MemoryMergeSessionRepository implements MergeSessionRepository with
// in-memory maps. The single mutex makes Claim a true compare-and-swap.
type MemoryMergeSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]models.MergeSession
	assets   map[string]models.MergedAsset // keyed by merge session id
}

// NewMemoryMergeSessionRepository returns an empty in-memory merge store.
func NewMemoryMergeSessionRepository() *MemoryMergeSessionRepository {
	return &MemoryMergeSessionRepository{
		sessions: make(map[string]models.MergeSession),
		assets:   make(map[string]models.MergedAsset),
	}
}

func (r *MemoryMergeSessionRepository) Create(_ context.Context, session models.MergeSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return ErrConflict
	}
	r.sessions[session.ID] = cloneMerge(session)
	return nil
}

func (r *MemoryMergeSessionRepository) Get(_ context.Context, id string) (models.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *MemoryMergeSessionRepository) FindByUploadID(_ context.Context, uploadID string) (models.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, session := range r.sessions {
		if slices.Contains(session.UploadIDs, uploadID) {
			return cloneMerge(session), nil
		}
	}
	return models.MergeSession{}, ErrNotFound
}

func (r *MemoryMergeSessionRepository) MarkReady(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if session.Status != models.MergeStatusCollecting {
		return false, nil
	}

	session.Status = models.MergeStatusReady
	session.UpdatedAt = time.Now().UTC()
	r.sessions[id] = session
	return true, nil
}

func (r *MemoryMergeSessionRepository) Claim(_ context.Context, id, workerID string, leaseUntil time.Time, maxRetries int) (models.MergeSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return models.MergeSession{}, false, ErrNotFound
	}

	claimable := session.Status == models.MergeStatusReady ||
		(session.Status == models.MergeStatusFailed && session.RetryCount < maxRetries)
	if !claimable {
		return cloneMerge(session), false, nil
	}

	session.Status = models.MergeStatusMerging
	session.WorkerID = workerID
	lease := leaseUntil
	session.LeaseExpiresAt = &lease
	session.UpdatedAt = time.Now().UTC()
	r.sessions[id] = session

	return cloneMerge(session), true, nil
}

func (r *MemoryMergeSessionRepository) CompleteWithAsset(_ context.Context, asset models.MergedAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[asset.MergeSessionID]
	if !ok || session.Status != models.MergeStatusMerging {
		return ErrNotFound
	}
	if _, ok := r.assets[asset.MergeSessionID]; ok {
		return ErrConflict
	}

	session.Status = models.MergeStatusCompleted
	session.AssetID = asset.ID
	session.WorkerID = ""
	session.LeaseExpiresAt = nil
	session.LastErrorCode = ""
	session.UpdatedAt = time.Now().UTC()
	r.sessions[asset.MergeSessionID] = session
	r.assets[asset.MergeSessionID] = cloneAsset(asset)

	return nil
}

// RecordFailure only succeeds for the worker holding the claim; a stale
// worker whose session was re-claimed gets ErrNotFound.
func (r *MemoryMergeSessionRepository) RecordFailure(_ context.Context, id, workerID, code string) (models.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok || session.Status != models.MergeStatusMerging || session.WorkerID != workerID {
		return models.MergeSession{}, ErrNotFound
	}

	session.Status = models.MergeStatusFailed
	session.RetryCount++
	session.LastErrorCode = code
	session.WorkerID = ""
	session.LeaseExpiresAt = nil
	session.UpdatedAt = time.Now().UTC()
	r.sessions[id] = session

	return cloneMerge(session), nil
}

func (r *MemoryMergeSessionRepository) GetAsset(_ context.Context, mergeSessionID string) (models.MergedAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, ok := r.assets[mergeSessionID]
	if !ok {
		return models.MergedAsset{}, ErrNotFound
	}
	return cloneAsset(asset), nil
}

func (r *MemoryMergeSessionRepository) ListTerminalFailures(_ context.Context, minRetries int) ([]models.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []models.MergeSession
	for _, session := range r.sessions {
		if session.Status == models.MergeStatusFailed && session.RetryCount >= minRetries {
			failed = append(failed, cloneMerge(session))
		}
	}
	return failed, nil
}

func (r *MemoryMergeSessionRepository) ListExpiredLeases(_ context.Context, now time.Time) ([]models.MergeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.MergeSession
	for _, session := range r.sessions {
		if session.Status == models.MergeStatusMerging && session.LeaseExpiresAt != nil && session.LeaseExpiresAt.Before(now) {
			expired = append(expired, cloneMerge(session))
		}
	}
	return expired, nil
}

func (r *MemoryMergeSessionRepository) ReleaseLease(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok || session.Status != models.MergeStatusMerging {
		return ErrNotFound
	}

	session.Status = models.MergeStatusReady
	session.WorkerID = ""
	session.LeaseExpiresAt = nil
	session.UpdatedAt = time.Now().UTC()
	r.sessions[id] = session
	return nil
}

func (r *MemoryMergeSessionRepository) getLocked(id string) (models.MergeSession, error) {
	session, ok := r.sessions[id]
	if !ok {
		return models.MergeSession{}, ErrNotFound
	}
	return cloneMerge(session), nil
}

func cloneUpload(s models.UploadSession) models.UploadSession {
	s.Received = slices.Clone(s.Received)
	return s
}

func cloneMerge(s models.MergeSession) models.MergeSession {
	s.UploadIDs = slices.Clone(s.UploadIDs)
	if s.LeaseExpiresAt != nil {
		lease := *s.LeaseExpiresAt
		s.LeaseExpiresAt = &lease
	}
	return s
}

func cloneAsset(a models.MergedAsset) models.MergedAsset {
	a.Segments = slices.Clone(a.Segments)
	return a
}

var _ UploadSessionRepository = (*MemoryUploadSessionRepository)(nil)
var _ MergeSessionRepository = (*MemoryMergeSessionRepository)(nil)
