package finalize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaz/service/internal/audio"
	"github.com/avaz/service/internal/song"
	"github.com/avaz/service/internal/upload"
)

const testUser = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"

type fakeWorkerStore struct {
	sess        *upload.Session
	gets        int
	failMsg     string
	finalized   []*song.Song
	finalizeErr error
}

func (f *fakeWorkerStore) GetSession(_ context.Context, id string) (*upload.Session, error) {
	f.gets++
	if f.sess == nil || f.sess.ID != id {
		return nil, upload.ErrSessionNotFound
	}
	cp := *f.sess
	return &cp, nil
}

func (f *fakeWorkerStore) TransitionSession(_ context.Context, id string, from, to upload.Status, _ string) (bool, error) {
	if !upload.CanTransition(from, to) {
		return false, &upload.InvalidTransitionError{From: from, To: to}
	}
	if f.sess.Status != from {
		return false, nil
	}
	f.sess.Status = to
	return true, nil
}

func (f *fakeWorkerStore) FailSession(_ context.Context, s *upload.Session, msg string) (bool, error) {
	if f.sess.Status != s.Status {
		return false, nil
	}
	f.sess.Status = upload.StatusFailed
	f.failMsg = msg
	return true, nil
}

func (f *fakeWorkerStore) FinalizeSession(_ context.Context, s *upload.Session, sg *song.Song) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	if f.sess.Status != upload.StatusProcessing {
		return upload.ErrAlreadyProcessed
	}
	f.sess.Status = upload.StatusReady
	f.finalized = append(f.finalized, sg)
	return nil
}

type fakeObjects struct {
	content  []byte
	failures int // number of leading calls that error
	gets     int
}

func (f *fakeObjects) Get(_ context.Context, _ string) (io.ReadCloser, error) {
	f.gets++
	if f.gets <= f.failures {
		return nil, errors.New("connection reset")
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

func confirmedSession() *upload.Session {
	return &upload.Session{
		ID:         "11111111-1111-1111-1111-111111111111",
		UserID:     testUser,
		FileName:   "track.mp3",
		FileSize:   5,
		StorageKey: "uploads/user_" + testUser + "/20260314_092653_abcdef12_track.mp3",
		Status:     upload.StatusConfirmed,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func audioOK(_ io.ReadSeeker) (*audio.Meta, error) {
	d := 184.2
	return &audio.Meta{Format: "MP3", Duration: &d, Title: "Track", Artist: "Artist"}, nil
}

func newTestWorker(store *fakeWorkerStore, objects *fakeObjects, maxRetries int) *Worker {
	w := NewWorker(store, objects, NewMemoryQueue(4), Config{
		Workers:    1,
		MaxRetries: maxRetries,
		MaxBytes:   1 << 20,
	}, func() backoff.BackOff { return backoff.NewConstantBackOff(0) })
	w.probe = audioOK
	return w
}

func TestProcessSuccess(t *testing.T) {
	store := &fakeWorkerStore{sess: confirmedSession()}
	objects := &fakeObjects{content: []byte("hello")}
	w := newTestWorker(store, objects, 2)

	err := w.Process(context.Background(), store.sess.ID)
	require.NoError(t, err)

	assert.Equal(t, upload.StatusReady, store.sess.Status)
	require.Len(t, store.finalized, 1)

	sg := store.finalized[0]
	assert.Equal(t, testUser, sg.UserID)
	assert.Equal(t, "MP3", sg.Format)
	assert.Equal(t, "Track", sg.Title)
	require.NotNil(t, sg.Duration)
	assert.InDelta(t, 184.2, *sg.Duration, 0.001)

	wantSum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(wantSum[:]), sg.Checksum)
}

func TestProcessIdempotentOnReady(t *testing.T) {
	sess := confirmedSession()
	sess.Status = upload.StatusReady
	store := &fakeWorkerStore{sess: sess}
	objects := &fakeObjects{content: []byte("hello")}
	w := newTestWorker(store, objects, 2)

	err := w.Process(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Zero(t, objects.gets, "a ready session must short-circuit before any fetch")
	assert.Empty(t, store.finalized, "no duplicate asset")
}

func TestProcessFailsFastWhenNotConfirmed(t *testing.T) {
	for _, status := range []upload.Status{upload.StatusPending, upload.StatusUploaded, upload.StatusFailed} {
		sess := confirmedSession()
		sess.Status = status
		store := &fakeWorkerStore{sess: sess}
		objects := &fakeObjects{content: []byte("hello")}
		w := newTestWorker(store, objects, 2)

		err := w.Process(context.Background(), sess.ID)
		assert.Error(t, err, "status %s", status)
		assert.Zero(t, objects.gets)
		assert.Equal(t, status, store.sess.Status, "fail fast must not mutate the session")
	}
}

// racingStore flips the live row to processing right after the read, so the
// worker's CAS observes a session another worker already claimed.
type racingStore struct {
	*fakeWorkerStore
}

func (r *racingStore) GetSession(ctx context.Context, id string) (*upload.Session, error) {
	s, err := r.fakeWorkerStore.GetSession(ctx, id)
	if err == nil {
		r.sess.Status = upload.StatusProcessing
	}
	return s, err
}

func TestProcessSkipsWhenRaced(t *testing.T) {
	store := &fakeWorkerStore{sess: confirmedSession()}
	objects := &fakeObjects{content: []byte("hello")}
	w := newTestWorker(store, objects, 2)
	w.store = &racingStore{fakeWorkerStore: store}

	err := w.Process(context.Background(), store.sess.ID)
	require.NoError(t, err)
	assert.Zero(t, objects.gets, "losing the claim race must stop the job")
	assert.Empty(t, store.finalized)
}

func TestProcessTransientRetriesThenFails(t *testing.T) {
	store := &fakeWorkerStore{sess: confirmedSession()}
	objects := &fakeObjects{content: []byte("hello"), failures: 100}
	w := newTestWorker(store, objects, 2)

	err := w.Process(context.Background(), store.sess.ID)
	require.Error(t, err)

	assert.Equal(t, 3, objects.gets, "initial attempt plus two retries")
	assert.Equal(t, upload.StatusFailed, store.sess.Status)
	assert.Contains(t, store.failMsg, "connection reset")
}

func TestProcessTransientRecovery(t *testing.T) {
	store := &fakeWorkerStore{sess: confirmedSession()}
	objects := &fakeObjects{content: []byte("hello"), failures: 1}
	w := newTestWorker(store, objects, 2)

	err := w.Process(context.Background(), store.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusReady, store.sess.Status)
	assert.Equal(t, 2, objects.gets)
}

func TestProcessChecksumMismatch(t *testing.T) {
	sess := confirmedSession()
	sess.ClientChecksum = "0000000000000000000000000000000000000000000000000000000000000000"
	store := &fakeWorkerStore{sess: sess}
	objects := &fakeObjects{content: []byte("hello")}
	w := newTestWorker(store, objects, 2)

	err := w.Process(context.Background(), sess.ID)

	var cvErr *upload.ContentValidationError
	require.ErrorAs(t, err, &cvErr)
	assert.Equal(t, upload.StatusFailed, store.sess.Status)
	assert.Equal(t, 1, objects.gets, "permanent failures must not retry")
	assert.Empty(t, store.finalized)
}

func TestProcessRejectsNonAudio(t *testing.T) {
	store := &fakeWorkerStore{sess: confirmedSession()}
	objects := &fakeObjects{content: []byte("hello")}
	w := newTestWorker(store, objects, 2)
	w.probe = func(io.ReadSeeker) (*audio.Meta, error) { return nil, audio.ErrNotAudio }

	err := w.Process(context.Background(), store.sess.ID)

	var cvErr *upload.ContentValidationError
	require.ErrorAs(t, err, &cvErr)
	assert.Equal(t, upload.StatusFailed, store.sess.Status)
	assert.Empty(t, store.finalized)
}

func TestProcessDownloadCap(t *testing.T) {
	store := &fakeWorkerStore{sess: confirmedSession()}
	objects := &fakeObjects{content: bytes.Repeat([]byte("x"), 64)}
	w := newTestWorker(store, objects, 2)
	w.cfg.MaxBytes = 16

	err := w.Process(context.Background(), store.sess.ID)

	var cvErr *upload.ContentValidationError
	require.ErrorAs(t, err, &cvErr)
	assert.Contains(t, cvErr.Reason, "download cap")
	assert.Equal(t, upload.StatusFailed, store.sess.Status)
}

func TestWorkerConsumesQueue(t *testing.T) {
	store := &fakeWorkerStore{sess: confirmedSession()}
	objects := &fakeObjects{content: []byte("hello")}
	w := newTestWorker(store, objects, 2)

	queue := w.queue
	require.NoError(t, queue.Enqueue(context.Background(), store.sess.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	deadline := time.After(2 * time.Second)
	for store.sess.Status != upload.StatusReady {
		select {
		case <-deadline:
			t.Fatal("worker never finalized the session")
		case <-time.After(10 * time.Millisecond):
		}
	}
	w.Stop()
	assert.Len(t, store.finalized, 1)
}
