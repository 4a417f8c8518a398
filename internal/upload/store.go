package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avaz/service/internal/db"
	"github.com/avaz/service/internal/song"
)

// Store handles all upload session and quota ledger database operations.
// Every quota mutation runs in a single short transaction holding the user's
// row lock, and every terminal session transition releases or confirms the
// reservation in the same transaction as the compare-and-swap status update,
// so a reservation can never be released twice.
type Store struct {
	db       *pgxpool.Pool
	defaults QuotaDefaults
}

// NewStore creates a new Store with the given pool and the limits applied to
// lazily created quota rows.
func NewStore(pool *pgxpool.Pool, defaults QuotaDefaults) *Store {
	return &Store{db: pool, defaults: defaults}
}

const sessionColumns = `id, user_id, file_name, file_size, content_type, storage_key,
	 metadata, status, status_message, confirmed, client_sha256, song_id,
	 created_at, updated_at, confirmed_at, completed_at, expires_at`

// ReserveAndCreate reserves quota for the upload and inserts its pending
// session, both in one transaction. The limit check runs under the quota
// row lock, which closes the race where two concurrent requests both passed
// CanReserve; the single commit means a reservation can never exist without
// a session row through which to release it. Fills in the generated id and
// timestamps on success.
func (st *Store) ReserveAndCreate(ctx context.Context, s *Session) error {
	tx, err := st.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := st.adjustQuota(ctx, tx, s.UserID, func(q *Quota) error {
		if qe := q.checkReserve(s.FileSize); qe != nil {
			return qe
		}
		q.reserve(s.FileSize)
		return nil
	}); err != nil {
		return err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO upload_sessions
		   (user_id, file_name, file_size, content_type, storage_key, metadata, status, expires_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, COALESCE($6, '{}'::jsonb), $7, $8)
		 RETURNING id, created_at, updated_at`,
		s.UserID, s.FileName, s.FileSize, s.ContentType, s.StorageKey, s.Metadata, StatusPending, s.ExpiresAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.Status = StatusPending

	return tx.Commit(ctx)
}

// GetSession fetches a session by id.
func (st *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(st.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns a user's sessions, newest first.
func (st *Store) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	rows, err := st.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// TransitionSession moves a session from one status to another via a
// conditional update. Returns false when the session was no longer in the
// expected status (a racing component advanced it first). Illegal
// transitions are rejected before touching the database.
func (st *Store) TransitionSession(ctx context.Context, id string, from, to Status, msg string) (bool, error) {
	if !CanTransition(from, to) {
		return false, &InvalidTransitionError{From: from, To: to}
	}
	tag, err := st.db.Exec(ctx,
		`UPDATE upload_sessions
		 SET status = $3, status_message = NULLIF($4, ''), updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, from, to, msg)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkConfirmed moves a session to confirmed, records the confirmation
// timestamp, and stores the client-supplied checksum for the finalize
// pipeline to compare after download.
func (st *Store) MarkConfirmed(ctx context.Context, id string, from Status, clientChecksum string) (bool, error) {
	if !CanTransition(from, StatusConfirmed) {
		return false, &InvalidTransitionError{From: from, To: StatusConfirmed}
	}
	tag, err := st.db.Exec(ctx,
		`UPDATE upload_sessions
		 SET status = $3, confirmed = TRUE, confirmed_at = NOW(),
		     client_sha256 = NULLIF($4, ''), updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, from, StatusConfirmed, clientChecksum)
	if err != nil {
		return false, fmt.Errorf("mark confirmed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelSession terminates a pending or uploaded session and releases its
// reservation. Returns false when a racing component advanced the session
// first; nothing is released in that case.
func (st *Store) CancelSession(ctx context.Context, s *Session) (bool, error) {
	return st.terminateAndRelease(ctx, s, StatusCancelled, "cancelled by user")
}

// FailSession terminates a session with the given message and releases its
// reservation, both in one transaction.
func (st *Store) FailSession(ctx context.Context, s *Session, msg string) (bool, error) {
	return st.terminateAndRelease(ctx, s, StatusFailed, msg)
}

// ExpireSession marks an overdue session expired and releases its
// reservation. The conditional update is keyed on the status read at
// selection time, so a session a racing verifier or finalize job already
// advanced is skipped rather than double-released.
func (st *Store) ExpireSession(ctx context.Context, s *Session) (bool, error) {
	return st.terminateAndRelease(ctx, s, StatusExpired, "session expired")
}

func (st *Store) terminateAndRelease(ctx context.Context, s *Session, to Status, msg string) (bool, error) {
	if !CanTransition(s.Status, to) {
		return false, &InvalidTransitionError{From: s.Status, To: to}
	}

	tx, err := st.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE upload_sessions
		 SET status = $3, status_message = NULLIF($4, ''), updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		s.ID, s.Status, to, msg)
	if err != nil {
		return false, fmt.Errorf("terminate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := st.adjustQuota(ctx, tx, s.UserID, func(q *Quota) error {
		q.release(s.FileSize)
		return nil
	}); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// FinalizeSession commits the result of a successful finalize run in one
// transaction: the song asset is inserted, the session moves from
// processing to ready and is linked to it, and the user's reservation is
// confirmed into the daily and lifetime totals. Returns ErrAlreadyProcessed
// when the session is no longer in processing.
func (st *Store) FinalizeSession(ctx context.Context, s *Session, sg *song.Song) error {
	tx, err := st.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// lock the row and check the status before inserting the song, so a
	// duplicate call reports ErrAlreadyProcessed instead of tripping the
	// songs.storage_key unique constraint
	var status Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM upload_sessions WHERE id = $1 FOR UPDATE`, s.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	if status != StatusProcessing {
		return ErrAlreadyProcessed
	}

	if err := song.InsertTx(ctx, tx, sg); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE upload_sessions
		 SET status = $2, song_id = $3, completed_at = NOW(), status_message = NULL, updated_at = NOW()
		 WHERE id = $1`,
		s.ID, StatusReady, sg.ID)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}

	if err := st.adjustQuota(ctx, tx, s.UserID, func(q *Quota) error {
		q.confirm(s.FileSize)
		return nil
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListExpiredSessions returns sessions still holding a reservation in a
// pre-processing state whose expiry has passed. Sessions already in
// processing must resolve to ready or failed, never silently expire.
func (st *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	rows, err := st.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions
		 WHERE status = ANY($1) AND expires_at < $2
		 ORDER BY expires_at LIMIT $3`,
		[]string{string(StatusPending), string(StatusUploaded), string(StatusConfirmed)}, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// PurgeFailedBefore hard-deletes failed sessions last touched before the
// cutoff. Their reservations were released when they failed, so this has no
// quota effect.
func (st *Store) PurgeFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := st.db.Exec(ctx,
		`DELETE FROM upload_sessions WHERE status = $1 AND updated_at < $2`,
		StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge failed sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SessionKeys returns the storage key of every session row still in the
// ledger. The reconciler treats these as live when sweeping for orphans.
func (st *Store) SessionKeys(ctx context.Context) ([]string, error) {
	rows, err := st.db.Query(ctx, `SELECT storage_key FROM upload_sessions`)
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan session key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CanReserve checks whether a reservation of size bytes would fit within the
// user's limits. Read-only: the daily reset is applied in memory for the
// check but not persisted, and no lock is taken. ReserveAndCreate re-checks
// under the row lock, so a stale answer here only costs the caller a round
// trip.
func (st *Store) CanReserve(ctx context.Context, userID string, size int64) error {
	q, err := st.loadQuota(ctx, st.db, userID, false)
	if err != nil {
		return err
	}
	q.resetIfDue(time.Now())
	if qe := q.checkReserve(size); qe != nil {
		return qe
	}
	return nil
}

// QuotaSnapshot returns the user's current quota state for display. The
// daily reset is applied in memory so a stale row still reads correctly.
func (st *Store) QuotaSnapshot(ctx context.Context, userID string) (*Quota, error) {
	q, err := st.loadQuota(ctx, st.db, userID, false)
	if err != nil {
		return nil, err
	}
	q.resetIfDue(time.Now())
	return q, nil
}

// adjustQuota locks the user's quota row (creating it on first use), applies
// the lazy daily reset, runs fn against the counters, and persists the
// result. Must be called inside the caller's transaction.
func (st *Store) adjustQuota(ctx context.Context, tx db.Querier, userID string, fn func(*Quota) error) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO user_quotas (user_id, max_file_size, max_daily_uploads, max_daily_bytes, max_total_storage)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, st.defaults.MaxFileSize, st.defaults.MaxDailyUploads,
		st.defaults.MaxDailyBytes, st.defaults.MaxTotalStorage)
	if err != nil {
		return fmt.Errorf("ensure quota row: %w", err)
	}

	q, err := st.loadQuota(ctx, tx, userID, true)
	if err != nil {
		return err
	}

	q.resetIfDue(time.Now())
	if err := fn(q); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_quotas
		 SET daily_uploads = $2, daily_bytes = $3, daily_reset_at = $4,
		     pending_uploads = $5, pending_bytes = $6,
		     lifetime_uploads = $7, lifetime_bytes = $8, updated_at = NOW()
		 WHERE user_id = $1`,
		q.UserID, q.DailyUploads, q.DailyBytes, q.DailyResetAt,
		q.PendingUploads, q.PendingBytes, q.LifetimeUploads, q.LifetimeBytes)
	if err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	return nil
}

func (st *Store) loadQuota(ctx context.Context, q db.Querier, userID string, forUpdate bool) (*Quota, error) {
	query := `SELECT user_id, daily_uploads, daily_bytes, daily_reset_at,
	                 pending_uploads, pending_bytes, lifetime_uploads, lifetime_bytes,
	                 max_file_size, max_daily_uploads, max_daily_bytes, max_total_storage
	          FROM user_quotas WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	out := &Quota{}
	err := q.QueryRow(ctx, query, userID).Scan(
		&out.UserID, &out.DailyUploads, &out.DailyBytes, &out.DailyResetAt,
		&out.PendingUploads, &out.PendingBytes, &out.LifetimeUploads, &out.LifetimeBytes,
		&out.MaxFileSize, &out.MaxDailyUploads, &out.MaxDailyBytes, &out.MaxTotalStorage)
	if errors.Is(err, pgx.ErrNoRows) {
		// user has never reserved anything
		return &Quota{
			UserID:          userID,
			DailyResetAt:    time.Now(),
			MaxFileSize:     st.defaults.MaxFileSize,
			MaxDailyUploads: st.defaults.MaxDailyUploads,
			MaxDailyBytes:   st.defaults.MaxDailyBytes,
			MaxTotalStorage: st.defaults.MaxTotalStorage,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	return out, nil
}

func collectSessions(rows pgx.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	s := &Session{}
	var contentType, statusMessage, clientChecksum *string
	err := row.Scan(&s.ID, &s.UserID, &s.FileName, &s.FileSize, &contentType, &s.StorageKey,
		&s.Metadata, &s.Status, &statusMessage, &s.Confirmed, &clientChecksum, &s.SongID,
		&s.CreatedAt, &s.UpdatedAt, &s.ConfirmedAt, &s.CompletedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if contentType != nil {
		s.ContentType = *contentType
	}
	if statusMessage != nil {
		s.StatusMessage = *statusMessage
	}
	if clientChecksum != nil {
		s.ClientChecksum = *clientChecksum
	}
	return s, nil
}
