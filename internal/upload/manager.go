package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipstitch/backend/internal/fault"
	"github.com/clipstitch/backend/internal/models"
	"github.com/clipstitch/backend/internal/repositories"
)

// SessionStore persists upload session records.
type SessionStore interface {
	Create(ctx context.Context, session models.UploadSession) error
	Get(ctx context.Context, id string) (models.UploadSession, error)
	Update(ctx context.Context, session models.UploadSession) error
	CountOpenForOwner(ctx context.Context, ownerID string) (int, error)
}

// ManagerConfig bounds the resources a Manager will hand out.
type ManagerConfig struct {
	MaxUploadBytes int64
	MaxOpenUploads int
}

// Progress reports chunk-write results back to the client.
type Progress struct {
	Received int64
	Total    int64
}

// StatusReport describes an upload for resume: which byte ranges are still
// missing from [0, ExpectedSize).
type StatusReport struct {
	Session models.UploadSession
	Missing []models.ByteRange
}

// Manager accepts a clip's bytes in ordered chunks across many requests,
// tracks completion, and supports resume after lost connections. Writes to
// the same session serialize on a per-session lock; writes across sessions
// are independent.
type Manager struct {
	store   SessionStore
	staging *Staging
	cfg     ManagerConfig
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager constructs an upload manager over the provided store and staging area.
func NewManager(store SessionStore, staging *Staging, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	if cfg.MaxOpenUploads <= 0 {
		cfg.MaxOpenUploads = 8
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:   store,
		staging: staging,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Open announces intent to upload one clip of expectedSize bytes. The
// optional checksum is a hex SHA-256 digest verified at completion.
func (m *Manager) Open(ctx context.Context, ownerID string, expectedSize int64, checksum string) (models.UploadSession, error) {
	if strings.TrimSpace(ownerID) == "" {
		return models.UploadSession{}, fault.New(fault.CodeInvalidSize, "owner id is required")
	}
	if expectedSize <= 0 || expectedSize > m.cfg.MaxUploadBytes {
		return models.UploadSession{}, fault.Newf(fault.CodeInvalidSize, "expected size must be within (0, %d]", m.cfg.MaxUploadBytes)
	}

	open, err := m.store.CountOpenForOwner(ctx, ownerID)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("count open uploads: %w", err)
	}
	if open >= m.cfg.MaxOpenUploads {
		return models.UploadSession{}, fault.Newf(fault.CodeQuotaExceeded, "owner has %d open uploads (limit %d)", open, m.cfg.MaxOpenUploads)
	}

	id := uuid.NewString()
	path, err := m.staging.Create(id)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("allocate staging: %w", err)
	}

	now := m.now().UTC()
	session := models.UploadSession{
		ID:             id,
		OwnerID:        ownerID,
		ExpectedSize:   expectedSize,
		ExpectedSHA256: strings.ToLower(strings.TrimSpace(checksum)),
		Status:         models.UploadStatusOpen,
		StagingPath:    path,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := m.store.Create(ctx, session); err != nil {
		_ = m.staging.Remove(id)
		return models.UploadSession{}, fmt.Errorf("create upload session: %w", err)
	}

	m.logger.Info("upload session opened", "sessionId", id, "ownerId", ownerID, "expectedSize", expectedSize)
	return session, nil
}

// WriteChunk stores bytes at the given offset. Re-sending an already
// received range is an idempotent no-op; a partial overlap is rejected so
// the client can query status and resume at the correct offset.
func (m *Manager) WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte) (Progress, error) {
	if len(data) == 0 {
		return Progress{}, fault.New(fault.CodeInvalidSize, "chunk must not be empty")
	}

	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.openSession(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}

	end := offset + int64(len(data))
	if offset < 0 || end > session.ExpectedSize {
		return Progress{}, fault.Newf(fault.CodeInvalidSize, "chunk [%d, %d) exceeds declared size %d", offset, end, session.ExpectedSize)
	}

	set, outcome := addRange(session.Received, offset, end)
	switch outcome {
	case rangeConflict:
		return Progress{}, fault.Newf(fault.CodeRangeConflict, "chunk [%d, %d) overlaps previously received bytes", offset, end)
	case rangeDuplicate:
		return Progress{Received: session.ReceivedBytes, Total: session.ExpectedSize}, nil
	}

	if err := m.staging.WriteAt(sessionID, offset, data); err != nil {
		return Progress{}, fmt.Errorf("stage chunk: %w", err)
	}

	session.Received = set
	session.ReceivedBytes = receivedBytes(set)
	session.LastActivityAt = m.now().UTC()

	if err := m.store.Update(ctx, session); err != nil {
		return Progress{}, fmt.Errorf("record chunk: %w", err)
	}

	return Progress{Received: session.ReceivedBytes, Total: session.ExpectedSize}, nil
}

// Complete seals the upload once every byte of [0, ExpectedSize) has been
// received and the declared checksum (if any) matches. Completing an
// already complete session returns it unchanged.
func (m *Manager) Complete(ctx context.Context, sessionID string) (models.UploadSession, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, m.classifyLookup(sessionID, err)
	}

	switch session.Status {
	case models.UploadStatusComplete:
		m.forgetLock(sessionID)
		return session, nil
	case models.UploadStatusOpen:
	default:
		return models.UploadSession{}, fault.Newf(fault.CodeSessionExpired, "upload session is %s", session.Status)
	}

	if session.ReceivedBytes != session.ExpectedSize {
		return models.UploadSession{}, fault.Newf(fault.CodeIncomplete, "received %d of %d bytes", session.ReceivedBytes, session.ExpectedSize)
	}

	if session.ExpectedSHA256 != "" {
		digest, err := m.staging.Checksum(sessionID)
		if err != nil {
			return models.UploadSession{}, fmt.Errorf("verify checksum: %w", err)
		}
		if digest != session.ExpectedSHA256 {
			session.Status = models.UploadStatusFailed
			session.LastActivityAt = m.now().UTC()
			if uerr := m.store.Update(ctx, session); uerr != nil {
				m.logger.Error("record checksum failure", "sessionId", sessionID, "error", uerr)
			}
			_ = m.staging.Remove(sessionID)
			m.forgetLock(sessionID)
			return models.UploadSession{}, fault.New(fault.CodeChecksumMismatch, "uploaded bytes do not match declared checksum")
		}
	}

	session.Status = models.UploadStatusComplete
	session.LastActivityAt = m.now().UTC()
	if err := m.store.Update(ctx, session); err != nil {
		return models.UploadSession{}, fmt.Errorf("complete upload session: %w", err)
	}

	m.forgetLock(sessionID)
	m.logger.Info("upload session completed", "sessionId", sessionID, "bytes", session.ReceivedBytes)
	return session, nil
}

// Abort releases the session's resources. It always succeeds, including
// for unknown or already-terminal sessions.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("abort lookup: %w", err)
	}

	if session.Status == models.UploadStatusOpen {
		session.Status = models.UploadStatusFailed
		session.LastActivityAt = m.now().UTC()
		if err := m.store.Update(ctx, session); err != nil {
			return fmt.Errorf("abort upload session: %w", err)
		}
	}

	if err := m.staging.Remove(sessionID); err != nil {
		m.logger.Warn("abort staging cleanup", "sessionId", sessionID, "error", err)
	}

	m.forgetLock(sessionID)
	m.logger.Info("upload session aborted", "sessionId", sessionID)
	return nil
}

// Status reports the session and the byte ranges still missing, letting a
// client that lost its connection resume by sending only the gaps.
func (m *Manager) Status(ctx context.Context, sessionID string) (StatusReport, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return StatusReport{}, m.classifyLookup(sessionID, err)
	}

	return StatusReport{
		Session: session,
		Missing: missingRanges(session.Received, session.ExpectedSize),
	}, nil
}

func (m *Manager) openSession(ctx context.Context, sessionID string) (models.UploadSession, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, m.classifyLookup(sessionID, err)
	}

	if session.Status != models.UploadStatusOpen {
		if session.Status == models.UploadStatusExpired {
			return models.UploadSession{}, fault.New(fault.CodeSessionExpired, "upload session expired")
		}
		return models.UploadSession{}, fault.Newf(fault.CodeSessionExpired, "upload session is %s", session.Status)
	}

	return session, nil
}

func (m *Manager) classifyLookup(sessionID string, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return fault.Newf(fault.CodeSessionNotFound, "upload session %s not found", sessionID)
	}
	return fmt.Errorf("load upload session: %w", err)
}

// lockSession serializes writes to one session's range set without blocking
// traffic for other sessions.
func (m *Manager) lockSession(sessionID string) func() {
	m.mu.Lock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// forgetLock drops a terminal session's mutex so the map does not grow with
// every upload ever made. A writer racing the eviction re-reads the session
// status under its own lock and is rejected there.
func (m *Manager) forgetLock(sessionID string) {
	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()
}
