package finalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/avaz/service/internal/audio"
	"github.com/avaz/service/internal/song"
	"github.com/avaz/service/internal/upload"
)

// Store is the persistence surface the worker needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*upload.Session, error)
	TransitionSession(ctx context.Context, id string, from, to upload.Status, msg string) (bool, error)
	FailSession(ctx context.Context, s *upload.Session, msg string) (bool, error)
	FinalizeSession(ctx context.Context, s *upload.Session, sg *song.Song) error
}

// ObjectStore fetches uploaded objects for validation.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers    int
	MaxRetries int
	MaxBytes   int64 // hard cap on a single object fetch
}

// Worker consumes finalize jobs and drives confirmed sessions to ready or
// failed. Processing is idempotent: a redelivered job for an already-ready
// session is a no-op.
type Worker struct {
	store      Store
	objects    ObjectStore
	queue      *MemoryQueue
	cfg        Config
	newBackoff func() backoff.BackOff
	probe      func(r io.ReadSeeker) (*audio.Meta, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool over the queue. backoffFactory may be nil,
// in which case a default exponential policy is used.
func NewWorker(store Store, objects ObjectStore, queue *MemoryQueue, cfg Config, backoffFactory func() backoff.BackOff) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if backoffFactory == nil {
		backoffFactory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // bounded by retry count, not wall clock
			return b
		}
	}
	return &Worker{
		store:      store,
		objects:    objects,
		queue:      queue,
		cfg:        cfg,
		newBackoff: backoffFactory,
		probe:      audio.Probe,
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-w.queue.Jobs():
					if err := w.Process(ctx, job.SessionID); err != nil {
						slog.Error("finalize job failed", "session_id", job.SessionID, "error", err)
					}
				}
			}
		}()
	}
}

// Stop cancels in-flight work and waits for the pool to drain.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Process runs the finalize pipeline for one session. Safe to call more
// than once for the same session.
func (w *Worker) Process(ctx context.Context, sessionID string) error {
	sess, err := w.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case upload.StatusReady:
		// duplicate delivery
		return nil
	case upload.StatusConfirmed:
	default:
		// a job for a session in any other state is an upstream logic
		// error, not a transient fault: fail fast, no retry
		return fmt.Errorf("session %s is %q, expected %q", sessionID, sess.Status, upload.StatusConfirmed)
	}

	moved, err := w.store.TransitionSession(ctx, sess.ID, upload.StatusConfirmed, upload.StatusProcessing, "")
	if err != nil {
		return err
	}
	if !moved {
		// another worker or the reconciler got here first
		return nil
	}
	sess.Status = upload.StatusProcessing

	if err := w.run(ctx, sess); err != nil {
		failed, failErr := w.store.FailSession(ctx, sess, err.Error())
		if failErr != nil {
			return fmt.Errorf("fail session after %q: %w", err, failErr)
		}
		if !failed {
			slog.Warn("session advanced while failing it", "session_id", sess.ID)
		}
		return err
	}
	return nil
}

// run executes the validation steps with bounded retries for transient
// faults. Returning an error means the session must fail permanently; the
// reservation release rides on that transition.
func (w *Worker) run(ctx context.Context, sess *upload.Session) error {
	var sg *song.Song

	attempt := func() error {
		s, err := w.buildSong(ctx, sess)
		if err != nil {
			return err
		}
		sg = s
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(w.newBackoff(), uint64(w.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return err
	}

	finalize := func() error {
		err := w.store.FinalizeSession(ctx, sess, sg)
		if errors.Is(err, upload.ErrAlreadyProcessed) {
			return nil
		}
		return err
	}
	policy = backoff.WithContext(
		backoff.WithMaxRetries(w.newBackoff(), uint64(w.cfg.MaxRetries)), ctx)
	return backoff.Retry(finalize, policy)
}

// buildSong downloads the object into a bounded temp file, validates it as
// audio, and assembles the asset record. The temp file is removed on every
// exit path.
func (w *Worker) buildSong(ctx context.Context, sess *upload.Session) (*song.Song, error) {
	tmp, err := os.CreateTemp("", "finalize-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	obj, err := w.objects.Get(ctx, sess.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch object %q: %w", sess.StorageKey, err)
	}
	defer obj.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(obj, w.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download object %q: %w", sess.StorageKey, err)
	}
	if n > w.cfg.MaxBytes {
		return nil, backoff.Permanent(&upload.ContentValidationError{
			Reason: fmt.Sprintf("object exceeds pipeline download cap of %d bytes", w.cfg.MaxBytes),
		})
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if sess.ClientChecksum != "" && !strings.EqualFold(sum, sess.ClientChecksum) {
		return nil, backoff.Permanent(&upload.ContentValidationError{
			Reason: "checksum mismatch between uploaded content and client-declared digest",
		})
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	meta, err := w.probe(tmp)
	if err != nil {
		if errors.Is(err, audio.ErrNotAudio) {
			return nil, backoff.Permanent(&upload.ContentValidationError{Reason: err.Error()})
		}
		return nil, fmt.Errorf("probe audio: %w", err)
	}

	return &song.Song{
		UserID:      sess.UserID,
		StorageKey:  sess.StorageKey,
		FileName:    sess.FileName,
		FileSize:    sess.FileSize,
		ContentType: sess.ContentType,
		Format:      meta.Format,
		Duration:    meta.Duration,
		Title:       meta.Title,
		Artist:      meta.Artist,
		Checksum:    sum,
	}, nil
}
