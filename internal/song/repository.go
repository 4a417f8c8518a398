package song

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avaz/service/internal/db"
)

// ErrNotFound is returned when a song does not exist.
var ErrNotFound = errors.New("song not found")

// Repository handles all song database operations.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

const songColumns = `id, user_id, storage_key, file_name, file_size, content_type,
	 format, duration_seconds, title, artist, checksum_sha256, created_at`

// InsertTx inserts a song inside the caller's transaction and fills in the
// generated id and creation timestamp. The finalize pipeline uses this so
// asset creation commits atomically with the session transition and quota
// confirmation.
func InsertTx(ctx context.Context, q db.Querier, s *Song) error {
	err := q.QueryRow(ctx,
		`INSERT INTO songs (user_id, storage_key, file_name, file_size, content_type,
		                    format, duration_seconds, title, artist, checksum_sha256)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)
		 RETURNING id, created_at`,
		s.UserID, s.StorageKey, s.FileName, s.FileSize, s.ContentType,
		s.Format, s.Duration, s.Title, s.Artist, s.Checksum,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert song: %w", err)
	}
	return nil
}

// GetByID fetches a song by its UUID.
func (r *Repository) GetByID(ctx context.Context, id string) (*Song, error) {
	s, err := scanSong(r.db.QueryRow(ctx,
		`SELECT `+songColumns+` FROM songs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get song by id: %w", err)
	}
	return s, nil
}

// ListByUser returns a user's songs, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]*Song, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+songColumns+` FROM songs
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	var out []*Song
	for rows.Next() {
		s, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AllKeys returns every storage key referenced by a finalized song. The
// reconciler treats these as live when sweeping for orphans.
func (r *Repository) AllKeys(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT storage_key FROM songs`)
	if err != nil {
		return nil, fmt.Errorf("list song keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan song key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSong(row rowScanner) (*Song, error) {
	s := &Song{}
	var contentType, title, artist *string
	err := row.Scan(&s.ID, &s.UserID, &s.StorageKey, &s.FileName, &s.FileSize,
		&contentType, &s.Format, &s.Duration, &title, &artist, &s.Checksum, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if contentType != nil {
		s.ContentType = *contentType
	}
	if title != nil {
		s.Title = *title
	}
	if artist != nil {
		s.Artist = *artist
	}
	return s, nil
}
