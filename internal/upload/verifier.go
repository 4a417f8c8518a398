package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/avaz/service/internal/storage"
)

// sha256 hex digest
var checksumRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// VerifierStore is the persistence surface the verifier needs.
type VerifierStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	TransitionSession(ctx context.Context, id string, from, to Status, msg string) (bool, error)
	MarkConfirmed(ctx context.Context, id string, from Status, clientChecksum string) (bool, error)
	FailSession(ctx context.Context, s *Session, msg string) (bool, error)
}

// Prober performs metadata-only probes against object storage.
type Prober interface {
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
}

// Enqueuer hands confirmed sessions to the finalize pipeline. Delivery is
// at-least-once; the worker's idempotency check absorbs duplicates.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionID string) error
}

// Verifier checks that what landed in storage matches what the session
// promised, without downloading the object.
type Verifier struct {
	store VerifierStore
	probe Prober
	queue Enqueuer
}

// NewVerifier creates a new Verifier.
func NewVerifier(store VerifierStore, probe Prober, queue Enqueuer) *Verifier {
	return &Verifier{store: store, probe: probe, queue: queue}
}

// Confirm runs the post-upload integrity checks for a session the user
// reports as uploaded. On success the session moves to confirmed and a
// finalize job is queued. On verification failure the session moves to
// failed, its reservation is released, and the itemized issues are returned
// as an *IntegrityError. A repeat confirm of an already-admitted session
// returns the session together with ErrAlreadyProcessed.
func (v *Verifier) Confirm(ctx context.Context, userID, id, clientChecksum string) (*Session, error) {
	sess, err := v.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}

	switch sess.Status {
	case StatusConfirmed, StatusProcessing, StatusReady:
		return sess, ErrAlreadyProcessed
	case StatusPending, StatusUploaded:
	default:
		return nil, &InvalidTransitionError{From: sess.Status, To: StatusConfirmed}
	}

	if !time.Now().Before(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	// the client's first confirm call doubles as the upload notification
	if sess.Status == StatusPending {
		moved, err := v.store.TransitionSession(ctx, sess.ID, StatusPending, StatusUploaded, "")
		if err != nil {
			return nil, err
		}
		if !moved {
			// raced with another confirm call or the reconciler; re-read
			return v.Confirm(ctx, userID, id, clientChecksum)
		}
		sess.Status = StatusUploaded
	}

	issues := v.verify(ctx, sess, clientChecksum)
	if issues == nil {
		// only storage probe errors leave issues nil without a verdict
		return nil, fmt.Errorf("%w: probe %q failed", ErrStorageUnavailable, sess.StorageKey)
	}

	if len(issues) > 0 {
		intErr := &IntegrityError{Issues: issues}
		failed, err := v.store.FailSession(ctx, sess, intErr.Error())
		if err != nil {
			return nil, err
		}
		if !failed {
			return v.Confirm(ctx, userID, id, clientChecksum)
		}
		return nil, intErr
	}

	confirmed, err := v.store.MarkConfirmed(ctx, sess.ID, StatusUploaded, clientChecksum)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return v.Confirm(ctx, userID, id, clientChecksum)
	}

	now := time.Now()
	sess.Status = StatusConfirmed
	sess.Confirmed = true
	sess.ConfirmedAt = &now
	sess.ClientChecksum = clientChecksum

	if err := v.queue.Enqueue(ctx, sess.ID); err != nil {
		// the session is confirmed either way; the expiry sweep backstops a
		// job that never made it onto the queue
		slog.Error("enqueue finalize job", "session_id", sess.ID, "error", err)
	}

	return sess, nil
}

// verify runs every integrity rule and returns the itemized issues. An
// empty (non-nil) slice means all rules passed; nil means the storage probe
// itself failed and no verdict could be reached.
func (v *Verifier) verify(ctx context.Context, sess *Session, clientChecksum string) []string {
	issues := []string{}

	if clientChecksum != "" && !checksumRe.MatchString(clientChecksum) {
		issues = append(issues, "checksum_malformed: expected 64-char hex sha256 digest")
	}

	owner, err := KeyOwner(sess.StorageKey)
	if err != nil || owner != sess.UserID {
		issues = append(issues, "owner_mismatch: storage key does not belong to session owner")
	}

	info, err := v.probe.Stat(ctx, sess.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		issues = append(issues, "not_found: no object exists at the session's key")
		return issues
	}
	if err != nil {
		slog.Error("probe storage object", "key", sess.StorageKey, "error", err)
		return nil
	}

	if info.Size != sess.FileSize {
		issues = append(issues,
			fmt.Sprintf("size_mismatch: declared %d bytes, stored %d bytes", sess.FileSize, info.Size))
	}

	return issues
}
