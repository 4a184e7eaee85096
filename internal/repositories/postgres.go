package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clipstitch/backend/internal/db"
	"github.com/clipstitch/backend/internal/models"
)

// PostgresUploadSessionRepository provides PostgreSQL-backed persistence for upload sessions.
type PostgresUploadSessionRepository struct {
	pool db.Pool
}

// NewPostgresUploadSessionRepository constructs an upload session repository backed by PostgreSQL.
func NewPostgresUploadSessionRepository(pool db.Pool) *PostgresUploadSessionRepository {
	return &PostgresUploadSessionRepository{pool: pool}
}

// Create persists a new upload session record.
func (r *PostgresUploadSessionRepository) Create(ctx context.Context, session models.UploadSession) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	ranges, err := marshalRanges(session.Received)
	if err != nil {
		return err
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO upload_sessions (id, owner_id, expected_size, expected_sha256, received_ranges, received_bytes, status, staging_path, created_at, last_activity_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `, session.ID, session.OwnerID, session.ExpectedSize, session.ExpectedSHA256, ranges, session.ReceivedBytes, session.Status, session.StagingPath, session.CreatedAt, session.LastActivityAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert upload session: %w", err)
	}

	return nil
}

// Get fetches an upload session by id.
func (r *PostgresUploadSessionRepository) Get(ctx context.Context, id string) (models.UploadSession, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, owner_id, expected_size, expected_sha256, received_ranges, received_bytes, status, staging_path, created_at, last_activity_at
        FROM upload_sessions
        WHERE id = $1
    `, id)

	return scanUploadSession(row)
}

// Update rewrites a session's mutable fields (ranges, byte count, status, activity).
func (r *PostgresUploadSessionRepository) Update(ctx context.Context, session models.UploadSession) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	ranges, err := marshalRanges(session.Received)
	if err != nil {
		return err
	}

	tag, err := conn.Exec(ctx, `
        UPDATE upload_sessions
        SET received_ranges = $2, received_bytes = $3, status = $4, last_activity_at = $5
        WHERE id = $1
    `, session.ID, ranges, session.ReceivedBytes, session.Status, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("update upload session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CountOpenForOwner reports how many sessions the owner currently has open.
func (r *PostgresUploadSessionRepository) CountOpenForOwner(ctx context.Context, ownerID string) (int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var count int
	err = conn.QueryRow(ctx, `
        SELECT COUNT(*) FROM upload_sessions
        WHERE owner_id = $1 AND status = $2
    `, ownerID, models.UploadStatusOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open upload sessions: %w", err)
	}

	return count, nil
}

// ListIdleOpen returns open sessions with no activity since the cutoff.
func (r *PostgresUploadSessionRepository) ListIdleOpen(ctx context.Context, before time.Time) ([]models.UploadSession, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, owner_id, expected_size, expected_sha256, received_ranges, received_bytes, status, staging_path, created_at, last_activity_at
        FROM upload_sessions
        WHERE status = $1 AND last_activity_at < $2
    `, models.UploadStatusOpen, before)
	if err != nil {
		return nil, fmt.Errorf("query idle upload sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.UploadSession
	for rows.Next() {
		session, err := scanUploadSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle upload sessions: %w", err)
	}

	return sessions, nil
}

// MarkExpired moves an open session to expired. Expiry is one-way; the
// session cannot be resurrected afterwards.
func (r *PostgresUploadSessionRepository) MarkExpired(ctx context.Context, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE upload_sessions
        SET status = $2, last_activity_at = NOW()
        WHERE id = $1 AND status = $3
    `, id, models.UploadStatusExpired, models.UploadStatusOpen)
	if err != nil {
		return fmt.Errorf("expire upload session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadSession(row rowScanner) (models.UploadSession, error) {
	var (
		session models.UploadSession
		ranges  []byte
	)

	err := row.Scan(&session.ID, &session.OwnerID, &session.ExpectedSize, &session.ExpectedSHA256, &ranges, &session.ReceivedBytes, &session.Status, &session.StagingPath, &session.CreatedAt, &session.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, ErrNotFound
		}
		return models.UploadSession{}, fmt.Errorf("scan upload session: %w", err)
	}

	if err := json.Unmarshal(ranges, &session.Received); err != nil {
		return models.UploadSession{}, fmt.Errorf("decode received ranges: %w", err)
	}

	return session, nil
}

func marshalRanges(ranges []models.ByteRange) ([]byte, error) {
	if ranges == nil {
		ranges = []models.ByteRange{}
	}
	data, err := json.Marshal(ranges)
	if err != nil {
		return nil, fmt.Errorf("encode received ranges: %w", err)
	}
	return data, nil
}

// PostgresMergeSessionRepository provides PostgreSQL-backed persistence for
// merge sessions and merged assets.
type PostgresMergeSessionRepository struct {
	pool db.Pool
}

// NewPostgresMergeSessionRepository constructs a merge session repository backed by PostgreSQL.
func NewPostgresMergeSessionRepository(pool db.Pool) *PostgresMergeSessionRepository {
	return &PostgresMergeSessionRepository{pool: pool}
}

// Create persists a new merge session with its ordered upload references.
func (r *PostgresMergeSessionRepository) Create(ctx context.Context, session models.MergeSession) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO merge_sessions (id, owner_id, upload_ids, status, retry_count, last_error_code, worker_id, lease_expires_at, asset_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `, session.ID, session.OwnerID, session.UploadIDs, session.Status, session.RetryCount, session.LastErrorCode, session.WorkerID, session.LeaseExpiresAt, session.AssetID, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert merge session: %w", err)
	}

	return nil
}

const mergeSessionColumns = `id, owner_id, upload_ids, status, retry_count, last_error_code, worker_id, lease_expires_at, asset_id, created_at, updated_at`

// Get fetches a merge session by id.
func (r *PostgresMergeSessionRepository) Get(ctx context.Context, id string) (models.MergeSession, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.MergeSession{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+mergeSessionColumns+` FROM merge_sessions WHERE id = $1`, id)
	return scanMergeSession(row)
}

// FindByUploadID locates the merge session referencing the given upload.
func (r *PostgresMergeSessionRepository) FindByUploadID(ctx context.Context, uploadID string) (models.MergeSession, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.MergeSession{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+mergeSessionColumns+` FROM merge_sessions WHERE $1 = ANY(upload_ids)`, uploadID)
	return scanMergeSession(row)
}

// MarkReady advances collecting -> ready.
func (r *PostgresMergeSessionRepository) MarkReady(ctx context.Context, id string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE merge_sessions
        SET status = $2, updated_at = NOW()
        WHERE id = $1 AND status = $3
    `, id, models.MergeStatusReady, models.MergeStatusCollecting)
	if err != nil {
		return false, fmt.Errorf("mark merge session ready: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Claim performs the single-flight compare-and-swap into merging.
func (r *PostgresMergeSessionRepository) Claim(ctx context.Context, id, workerID string, leaseUntil time.Time, maxRetries int) (models.MergeSession, bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.MergeSession{}, false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        UPDATE merge_sessions
        SET status = $2, worker_id = $3, lease_expires_at = $4, updated_at = NOW()
        WHERE id = $1
          AND (status = $5 OR (status = $6 AND retry_count < $7))
        RETURNING `+mergeSessionColumns, id, models.MergeStatusMerging, workerID, leaseUntil, models.MergeStatusReady, models.MergeStatusFailed, maxRetries)

	session, err := scanMergeSession(row)
	if err == nil {
		return session, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.MergeSession{}, false, err
	}

	// Lost the race or the session is not claimable; report current state.
	session, err = r.Get(ctx, id)
	if err != nil {
		return models.MergeSession{}, false, err
	}
	return session, false, nil
}

// CompleteWithAsset atomically records the merged asset and completes the session.
func (r *PostgresMergeSessionRepository) CompleteWithAsset(ctx context.Context, asset models.MergedAsset) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	segments, err := json.Marshal(asset.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
        INSERT INTO merged_assets (id, merge_session_id, storage_key, location, backend, replicated, size_bytes, duration_ms, compressed, segments, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `, asset.ID, asset.MergeSessionID, asset.StorageKey, asset.Location, asset.Backend, asset.Replicated, asset.SizeBytes, asset.DurationMS, asset.Compressed, segments, asset.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert merged asset: %w", err)
	}

	tag, err := tx.Exec(ctx, `
        UPDATE merge_sessions
        SET status = $2, asset_id = $3, worker_id = '', lease_expires_at = NULL, last_error_code = '', updated_at = NOW()
        WHERE id = $1 AND status = $4
    `, asset.MergeSessionID, models.MergeStatusCompleted, asset.ID, models.MergeStatusMerging)
	if err != nil {
		return fmt.Errorf("complete merge session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete transaction: %w", err)
	}

	return nil
}

// RecordFailure increments the retry count and parks the session in failed.
// The worker_id guard keeps a stale worker, whose expired claim was handed
// to someone else, from clobbering the active execution.
func (r *PostgresMergeSessionRepository) RecordFailure(ctx context.Context, id, workerID, code string) (models.MergeSession, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.MergeSession{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        UPDATE merge_sessions
        SET status = $2, retry_count = retry_count + 1, last_error_code = $3, worker_id = '', lease_expires_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = $4 AND worker_id = $5
        RETURNING `+mergeSessionColumns, id, models.MergeStatusFailed, code, models.MergeStatusMerging, workerID)

	return scanMergeSession(row)
}

// GetAsset fetches the merged asset referenced by a merge session.
func (r *PostgresMergeSessionRepository) GetAsset(ctx context.Context, mergeSessionID string) (models.MergedAsset, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.MergedAsset{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, merge_session_id, storage_key, location, backend, replicated, size_bytes, duration_ms, compressed, segments, created_at
        FROM merged_assets
        WHERE merge_session_id = $1
    `, mergeSessionID)

	var (
		asset    models.MergedAsset
		segments []byte
	)
	err = row.Scan(&asset.ID, &asset.MergeSessionID, &asset.StorageKey, &asset.Location, &asset.Backend, &asset.Replicated, &asset.SizeBytes, &asset.DurationMS, &asset.Compressed, &segments, &asset.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MergedAsset{}, ErrNotFound
		}
		return models.MergedAsset{}, fmt.Errorf("scan merged asset: %w", err)
	}

	if err := json.Unmarshal(segments, &asset.Segments); err != nil {
		return models.MergedAsset{}, fmt.Errorf("decode segments: %w", err)
	}

	return asset, nil
}

// ListTerminalFailures returns failed sessions that are out of retries.
func (r *PostgresMergeSessionRepository) ListTerminalFailures(ctx context.Context, minRetries int) ([]models.MergeSession, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+mergeSessionColumns+`
        FROM merge_sessions
        WHERE status = $1 AND retry_count >= $2
    `, models.MergeStatusFailed, minRetries)
	if err != nil {
		return nil, fmt.Errorf("query terminal failures: %w", err)
	}
	defer rows.Close()

	var sessions []models.MergeSession
	for rows.Next() {
		session, err := scanMergeSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminal failures: %w", err)
	}

	return sessions, nil
}

// ListExpiredLeases returns merging sessions whose worker lease has lapsed.
func (r *PostgresMergeSessionRepository) ListExpiredLeases(ctx context.Context, now time.Time) ([]models.MergeSession, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+mergeSessionColumns+`
        FROM merge_sessions
        WHERE status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
    `, models.MergeStatusMerging, now)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var sessions []models.MergeSession
	for rows.Next() {
		session, err := scanMergeSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}

	return sessions, nil
}

// ReleaseLease returns a merging session to ready for re-claim.
func (r *PostgresMergeSessionRepository) ReleaseLease(ctx context.Context, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE merge_sessions
        SET status = $2, worker_id = '', lease_expires_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = $3
    `, id, models.MergeStatusReady, models.MergeStatusMerging)
	if err != nil {
		return fmt.Errorf("release merge lease: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func scanMergeSession(row rowScanner) (models.MergeSession, error) {
	var session models.MergeSession

	err := row.Scan(&session.ID, &session.OwnerID, &session.UploadIDs, &session.Status, &session.RetryCount, &session.LastErrorCode, &session.WorkerID, &session.LeaseExpiresAt, &session.AssetID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MergeSession{}, ErrNotFound
		}
		return models.MergeSession{}, fmt.Errorf("scan merge session: %w", err)
	}

	return session, nil
}

var _ UploadSessionRepository = (*PostgresUploadSessionRepository)(nil)
var _ MergeSessionRepository = (*PostgresMergeSessionRepository)(nil)
