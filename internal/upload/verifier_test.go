package upload

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaz/service/internal/storage"
)

type fakeVerifierStore struct {
	sessions map[string]*Session
	released []string // session ids whose reservation was handed back
}

func newFakeVerifierStore(sessions ...*Session) *fakeVerifierStore {
	f := &fakeVerifierStore{sessions: map[string]*Session{}}
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeVerifierStore) GetSession(_ context.Context, id string) (*Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeVerifierStore) TransitionSession(_ context.Context, id string, from, to Status, msg string) (bool, error) {
	if !CanTransition(from, to) {
		return false, &InvalidTransitionError{From: from, To: to}
	}
	live := f.sessions[id]
	if live == nil || live.Status != from {
		return false, nil
	}
	live.Status = to
	live.StatusMessage = msg
	return true, nil
}

func (f *fakeVerifierStore) MarkConfirmed(_ context.Context, id string, from Status, checksum string) (bool, error) {
	live := f.sessions[id]
	if live == nil || live.Status != from {
		return false, nil
	}
	now := time.Now()
	live.Status = StatusConfirmed
	live.Confirmed = true
	live.ConfirmedAt = &now
	live.ClientChecksum = checksum
	return true, nil
}

func (f *fakeVerifierStore) FailSession(_ context.Context, s *Session, msg string) (bool, error) {
	live := f.sessions[s.ID]
	if live == nil || live.Status != s.Status {
		return false, nil
	}
	live.Status = StatusFailed
	live.StatusMessage = msg
	f.released = append(f.released, s.ID)
	return true, nil
}

type fakeProber struct {
	info storage.ObjectInfo
	err  error
}

func (f *fakeProber) Stat(_ context.Context, _ string) (storage.ObjectInfo, error) {
	return f.info, f.err
}

type fakeQueue struct {
	enqueued []string
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, id)
	return nil
}

func uploadedSession(t *testing.T, status Status) *Session {
	t.Helper()
	key, err := BuildKey(testUser, "track.mp3", time.Now())
	require.NoError(t, err)
	return &Session{
		ID:         "11111111-1111-1111-1111-111111111111",
		UserID:     testUser,
		FileName:   "track.mp3",
		FileSize:   1 << 20,
		StorageKey: key,
		Status:     status,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestConfirmSuccess(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	store := newFakeVerifierStore(sess)
	queue := &fakeQueue{}
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, queue)

	got, err := v.Confirm(context.Background(), testUser, sess.ID, "")
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, got.Status)
	assert.True(t, got.Confirmed)
	assert.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, []string{sess.ID}, queue.enqueued)
	assert.Empty(t, store.released)
}

func TestConfirmAutoPromotesPending(t *testing.T) {
	sess := uploadedSession(t, StatusPending)
	store := newFakeVerifierStore(sess)
	queue := &fakeQueue{}
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, queue)

	got, err := v.Confirm(context.Background(), testUser, sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, []string{sess.ID}, queue.enqueued)
}

func TestConfirmSizeMismatch(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	store := newFakeVerifierStore(sess)
	queue := &fakeQueue{}
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize - 100}}, queue)

	_, err := v.Confirm(context.Background(), testUser, sess.ID, "")

	var intErr *IntegrityError
	require.ErrorAs(t, err, &intErr)
	require.Len(t, intErr.Issues, 1)
	assert.Contains(t, intErr.Issues[0], "size_mismatch")

	assert.Equal(t, StatusFailed, store.sessions[sess.ID].Status)
	assert.Equal(t, []string{sess.ID}, store.released, "quota must be released on integrity failure")
	assert.Empty(t, queue.enqueued, "nothing may be enqueued on failure")
}

func TestConfirmObjectMissing(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{err: storage.ErrNotFound}, &fakeQueue{})

	_, err := v.Confirm(context.Background(), testUser, sess.ID, "")

	var intErr *IntegrityError
	require.ErrorAs(t, err, &intErr)
	assert.Contains(t, intErr.Issues[0], "not_found")
	assert.Equal(t, StatusFailed, store.sessions[sess.ID].Status)
}

func TestConfirmMalformedChecksum(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, &fakeQueue{})

	_, err := v.Confirm(context.Background(), testUser, sess.ID, "not-a-digest")

	var intErr *IntegrityError
	require.ErrorAs(t, err, &intErr)
	assert.Contains(t, intErr.Issues[0], "checksum_malformed")
}

func TestConfirmWellFormedChecksumStored(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, &fakeQueue{})

	sum := strings.Repeat("ab", 32)
	got, err := v.Confirm(context.Background(), testUser, sess.ID, sum)
	require.NoError(t, err)
	assert.Equal(t, sum, got.ClientChecksum)
	assert.Equal(t, sum, store.sessions[sess.ID].ClientChecksum)
}

func TestConfirmOwnerMismatch(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	foreignKey, err := BuildKey("2c5f39cb-3fb2-22e3-994f-1127e4ddb538", "track.mp3", time.Now())
	require.NoError(t, err)
	sess.StorageKey = foreignKey

	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, &fakeQueue{})

	_, err = v.Confirm(context.Background(), testUser, sess.ID, "")

	var intErr *IntegrityError
	require.ErrorAs(t, err, &intErr)
	assert.Contains(t, intErr.Issues[0], "owner_mismatch")
}

func TestConfirmExpired(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, &fakeQueue{})

	_, err := v.Confirm(context.Background(), testUser, sess.ID, "")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, StatusUploaded, store.sessions[sess.ID].Status, "expiry is the reconciler's job")
}

func TestConfirmIdempotent(t *testing.T) {
	for _, status := range []Status{StatusConfirmed, StatusProcessing, StatusReady} {
		sess := uploadedSession(t, status)
		store := newFakeVerifierStore(sess)
		queue := &fakeQueue{}
		v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, queue)

		got, err := v.Confirm(context.Background(), testUser, sess.ID, "")
		assert.ErrorIs(t, err, ErrAlreadyProcessed, "status %s", status)
		assert.NotNil(t, got)
		assert.Empty(t, queue.enqueued, "a repeat confirm must not enqueue again")
	}
}

func TestConfirmTerminalRejected(t *testing.T) {
	sess := uploadedSession(t, StatusFailed)
	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, &fakeQueue{})

	_, err := v.Confirm(context.Background(), testUser, sess.ID, "")
	var trErr *InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, StatusFailed, trErr.From)
}

func TestConfirmStorageUnavailable(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{err: errors.New("connection refused")}, &fakeQueue{})

	_, err := v.Confirm(context.Background(), testUser, sess.ID, "")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, StatusUploaded, store.sessions[sess.ID].Status, "transient faults must not fail the session")
	assert.Empty(t, store.released)
}

func TestConfirmWrongUser(t *testing.T) {
	sess := uploadedSession(t, StatusUploaded)
	store := newFakeVerifierStore(sess)
	v := NewVerifier(store, &fakeProber{info: storage.ObjectInfo{Size: sess.FileSize}}, &fakeQueue{})

	_, err := v.Confirm(context.Background(), "2c5f39cb-3fb2-22e3-994f-1127e4ddb538", sess.ID, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
