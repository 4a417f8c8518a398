// Package reconcile repairs drift between the session ledger and object
// storage: it expires stale sessions, releases their reservations, purges
// old failed sessions, and optionally deletes orphaned storage objects.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avaz/service/internal/storage"
	"github.com/avaz/service/internal/upload"
)

const expiredBatchSize = 200

// SessionStore is the persistence surface the reconciler needs.
type SessionStore interface {
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*upload.Session, error)
	ExpireSession(ctx context.Context, s *upload.Session) (bool, error)
	PurgeFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SessionKeys(ctx context.Context) ([]string, error)
}

// SongKeys lists the storage keys of finalized assets.
type SongKeys interface {
	AllKeys(ctx context.Context) ([]string, error)
}

// ObjectStore is the storage surface of the orphan sweep.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Config tunes the sweeps.
type Config struct {
	Interval           time.Duration
	FailedRetention    time.Duration
	OrphanSweepEnabled bool
	OrphanSafetyMargin time.Duration
}

// Reconciler runs the periodic sweeps on a timer, independently of the
// request path. One bad record never halts a sweep: errors are logged and
// the sweep moves on.
type Reconciler struct {
	store   SessionStore
	songs   SongKeys
	objects ObjectStore
	cfg     Config
	cron    *cron.Cron
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store SessionStore, songs SongKeys, objects ObjectStore, cfg Config) *Reconciler {
	return &Reconciler{store: store, songs: songs, objects: objects, cfg: cfg, cron: cron.New()}
}

// Start schedules the sweeps and begins running them.
func (r *Reconciler) Start() {
	r.cron.Schedule(cron.Every(r.cfg.Interval), cron.FuncJob(func() {
		r.Run(context.Background())
	}))
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Run executes one full reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) {
	expired := r.sweepExpired(ctx)
	purged := r.purgeFailed(ctx)

	var orphans int
	if r.cfg.OrphanSweepEnabled {
		orphans = r.sweepOrphans(ctx)
	}

	slog.Info("reconciliation pass complete",
		"expired", expired, "purged_failed", purged, "orphans_deleted", orphans)
}

// sweepExpired expires overdue pending/uploaded/confirmed sessions and
// releases their reservations. The conditional update inside ExpireSession
// skips sessions a racing verifier or finalize job advanced after they were
// selected, so nothing is ever double-released.
func (r *Reconciler) sweepExpired(ctx context.Context) int {
	now := time.Now()
	count := 0

	for {
		sessions, err := r.store.ListExpiredSessions(ctx, now, expiredBatchSize)
		if err != nil {
			slog.Error("list expired sessions", "error", err)
			return count
		}
		if len(sessions) == 0 {
			return count
		}

		progressed := false
		for _, s := range sessions {
			done, err := r.store.ExpireSession(ctx, s)
			if err != nil {
				var invalid *upload.InvalidTransitionError
				if !errors.As(err, &invalid) {
					slog.Error("expire session", "session_id", s.ID, "error", err)
				}
				continue
			}
			if done {
				count++
				progressed = true
			}
		}
		if !progressed {
			// every candidate raced away or errored; try again next pass
			return count
		}
	}
}

func (r *Reconciler) purgeFailed(ctx context.Context) int64 {
	cutoff := time.Now().Add(-r.cfg.FailedRetention)
	n, err := r.store.PurgeFailedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("purge failed sessions", "error", err)
		return 0
	}
	return n
}

// sweepOrphans deletes objects under the upload prefix that no session or
// song references. A brand-new upload can transiently look orphaned if
// listed before its session row commits, so only objects older than the
// safety margin are touched. Deletion is best-effort per object.
func (r *Reconciler) sweepOrphans(ctx context.Context) int {
	live, err := r.liveKeys(ctx)
	if err != nil {
		slog.Error("collect live keys", "error", err)
		return 0
	}

	objects, err := r.objects.List(ctx, upload.KeyPrefix)
	if err != nil {
		slog.Error("list storage objects", "error", err)
		return 0
	}

	oldestAllowed := time.Now().Add(-r.cfg.OrphanSafetyMargin)
	deleted := 0
	for _, obj := range objects {
		if _, ok := live[obj.Key]; ok {
			continue
		}
		if obj.LastModified.After(oldestAllowed) {
			continue
		}
		if err := r.objects.Delete(ctx, obj.Key); err != nil {
			slog.Error("delete orphan object", "key", obj.Key, "error", err)
			continue
		}
		slog.Info("deleted orphan object", "key", obj.Key, "size", obj.Size)
		deleted++
	}
	return deleted
}

func (r *Reconciler) liveKeys(ctx context.Context) (map[string]struct{}, error) {
	sessionKeys, err := r.store.SessionKeys(ctx)
	if err != nil {
		return nil, err
	}
	songKeys, err := r.songs.AllKeys(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]struct{}, len(sessionKeys)+len(songKeys))
	for _, k := range sessionKeys {
		live[k] = struct{}{}
	}
	for _, k := range songKeys {
		live[k] = struct{}{}
	}
	return live, nil
}
