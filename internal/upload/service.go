package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	maxMetadataEntries   = 16
	maxMetadataValueLen  = 256
	defaultSessionsLimit = 50
)

// SessionStore is the persistence surface the service needs. *Store
// implements it; tests inject fakes.
type SessionStore interface {
	CanReserve(ctx context.Context, userID string, size int64) error
	ReserveAndCreate(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)
	CancelSession(ctx context.Context, s *Session) (bool, error)
	QuotaSnapshot(ctx context.Context, userID string) (*Quota, error)
}

// Signer issues time-limited signed URLs for direct storage access.
type Signer interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// CreateRequest is a client's request for an upload credential.
type CreateRequest struct {
	FileName    string            `json:"fileName"`
	FileSize    int64             `json:"fileSize"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Credential is the issued write credential for one direct-to-storage upload.
type Credential struct {
	UploadID  string    `json:"uploadId"`
	UploadURL string    `json:"uploadUrl"`
	Method    string    `json:"method"`
	FileKey   string    `json:"fileKey"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn int       `json:"expiresIn"` // URL validity in seconds
}

// QuotaInfo is the user-facing quota summary.
type QuotaInfo struct {
	DailyUploadsUsed int       `json:"dailyUploadsUsed"`
	DailyUploadsMax  int       `json:"dailyUploadsMax"`
	DailyBytesUsed   int64     `json:"dailyBytesUsed"`
	DailyBytesMax    int64     `json:"dailyBytesMax"`
	DailyResetAt     time.Time `json:"dailyResetAt"`
	PendingUploads   int       `json:"pendingUploads"`
	PendingBytes     int64     `json:"pendingBytes"`
	LifetimeUploads  int64     `json:"lifetimeUploads"`
	LifetimeBytes    int64     `json:"lifetimeBytes"`
	MaxFileSize      int64     `json:"maxFileSize"`
	MaxTotalStorage  int64     `json:"maxTotalStorage"`
}

// CancelResult reports the outcome of a cancellation.
type CancelResult struct {
	Status        Status `json:"status"`
	QuotaReleased bool   `json:"quotaReleased"`
}

// Service contains the business logic for issuing upload credentials and
// managing session lifecycle from the request path.
type Service struct {
	store      SessionStore
	signer     Signer
	urlTTL     time.Duration
	sessionTTL time.Duration
}

// NewService creates a new upload Service.
func NewService(store SessionStore, signer Signer, urlTTL, sessionTTL time.Duration) *Service {
	return &Service{store: store, signer: signer, urlTTL: urlTTL, sessionTTL: sessionTTL}
}

// CreateUpload reserves quota, creates a pending session, and issues a
// presigned PUT credential for the synthesized storage key. The reservation
// and session row commit together, so a crash mid-issuance can never strand
// a reservation that no session exists to release.
func (s *Service) CreateUpload(ctx context.Context, userID string, req CreateRequest) (*Credential, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	// cheap lock-free pre-check; ReserveAndCreate re-runs it under the row lock
	if err := s.store.CanReserve(ctx, userID, req.FileSize); err != nil {
		return nil, err
	}

	now := time.Now()
	key, err := BuildKey(userID, req.FileName, now)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		UserID:      userID,
		FileName:    SanitizeFileName(req.FileName),
		FileSize:    req.FileSize,
		ContentType: req.ContentType,
		StorageKey:  key,
		Metadata:    req.Metadata,
		ExpiresAt:   now.Add(s.sessionTTL),
	}
	if err := s.store.ReserveAndCreate(ctx, sess); err != nil {
		return nil, err
	}

	url, err := s.signer.PresignPut(ctx, key, s.urlTTL)
	if err != nil {
		// the session exists but its credential never reached the client;
		// cancel it so the reservation comes back immediately
		if _, cErr := s.store.CancelSession(ctx, sess); cErr != nil {
			slog.Error("cancel session after presign failure", "session_id", sess.ID, "error", cErr)
		}
		return nil, fmt.Errorf("presign upload url: %w", err)
	}

	return &Credential{
		UploadID:  sess.ID,
		UploadURL: url,
		Method:    "PUT",
		FileKey:   key,
		ExpiresAt: sess.ExpiresAt,
		ExpiresIn: int(s.urlTTL.Seconds()),
	}, nil
}

// Cancel terminates a pending or uploaded session at the owner's request
// and releases its reservation. Once a session is confirmed a finalize job
// may already be in flight, so cancellation is rejected: the job is left to
// finish or fail on its own.
func (s *Service) Cancel(ctx context.Context, userID, id string) (*CancelResult, error) {
	sess, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(sess.Status, StatusCancelled) {
		return nil, &InvalidTransitionError{From: sess.Status, To: StatusCancelled}
	}

	done, err := s.store.CancelSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !done {
		// a racing component advanced the session first
		return nil, &InvalidTransitionError{From: sess.Status, To: StatusCancelled}
	}

	return &CancelResult{Status: StatusCancelled, QuotaReleased: true}, nil
}

// Get returns a session owned by the user.
func (s *Service) Get(ctx context.Context, userID, id string) (*Session, error) {
	return s.getOwned(ctx, userID, id)
}

// List returns the user's recent sessions.
func (s *Service) List(ctx context.Context, userID string) ([]*Session, error) {
	return s.store.ListSessions(ctx, userID, defaultSessionsLimit)
}

// DownloadURL issues a time-limited GET link for a session's stored object.
// Only meaningful once the session is ready.
func (s *Service) DownloadURL(ctx context.Context, sess *Session) (string, error) {
	return s.signer.PresignGet(ctx, sess.StorageKey, s.urlTTL)
}

// Quota returns the user's current quota summary.
func (s *Service) Quota(ctx context.Context, userID string) (*QuotaInfo, error) {
	q, err := s.store.QuotaSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &QuotaInfo{
		DailyUploadsUsed: q.DailyUploads,
		DailyUploadsMax:  q.MaxDailyUploads,
		DailyBytesUsed:   q.DailyBytes,
		DailyBytesMax:    q.MaxDailyBytes,
		DailyResetAt:     q.DailyResetAt.Add(dailyWindow),
		PendingUploads:   q.PendingUploads,
		PendingBytes:     q.PendingBytes,
		LifetimeUploads:  q.LifetimeUploads,
		LifetimeBytes:    q.LifetimeBytes,
		MaxFileSize:      q.MaxFileSize,
		MaxTotalStorage:  q.MaxTotalStorage,
	}, nil
}

func (s *Service) getOwned(ctx context.Context, userID, id string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	// sessions of other users are indistinguishable from missing ones
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func validateCreate(req CreateRequest) error {
	if req.FileName == "" {
		return &ValidationError{Msg: "fileName is required"}
	}
	if req.FileSize <= 0 {
		return &ValidationError{Msg: "fileSize must be positive"}
	}
	if len(req.Metadata) > maxMetadataEntries {
		return &ValidationError{Msg: fmt.Sprintf("metadata is capped at %d entries", maxMetadataEntries)}
	}
	for k, v := range req.Metadata {
		if len(k) > maxMetadataValueLen || len(v) > maxMetadataValueLen {
			return &ValidationError{Msg: fmt.Sprintf("metadata keys and values are capped at %d bytes", maxMetadataValueLen)}
		}
	}
	return nil
}
