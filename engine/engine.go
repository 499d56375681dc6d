// Package engine runs backups and restores of a library against a store.
package engine

import (
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/scan"
	"github.com/sloonz/ushelf/store"

	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome of a single backup or restore
type Report struct {
	Library   string
	Direction ushelf.Direction
	Status    ushelf.Status
	Started   time.Time
	Finished  time.Time

	// Published (backup) or applied (restore) manifest
	Manifest *ushelf.ManifestID

	Changes ushelf.ChangeSet

	// Backup: chunks uploaded and the size of their content
	Uploaded      int
	UploadedBytes int64

	// Restore: files written and extras deleted
	Restored int
	Removed  int

	// Backup with SkipUnchanged: nothing changed, no manifest published
	Skipped bool

	// Per-file failures that did not abort the run
	FileErrors []error

	// Cause of a failed run
	Err error

	// Failure accounting after this run, as persisted in the SyncState
	ConsecutiveFailures int
	Alert               bool
}

func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func (r *Report) fail(err error) *Report {
	r.Err = err
	return r
}

func (r *Report) finish() {
	r.Finished = time.Now()
	switch {
	case r.Err != nil:
		r.Status = ushelf.StatusFailed
	case len(r.FileErrors) > 0:
		r.Status = ushelf.StatusCompletedWithErrors
	default:
		r.Status = ushelf.StatusSuccess
	}
}

type Engine struct {
	Library *ushelf.Library
	Store   *store.Store

	// Per-file restore attempts
	Retry ushelf.RetryPolicy
}

func New(library *ushelf.Library, st *store.Store) *Engine {
	return &Engine{Library: library, Store: st, Retry: ushelf.DefaultRetryPolicy}
}

func (e *Engine) log(direction ushelf.Direction) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"library": e.Library.ID, "direction": direction})
}

// Run a backup or a restore
func (e *Engine) Run(ctx context.Context, direction ushelf.Direction) *Report {
	switch direction {
	case ushelf.DirectionBackup:
		return e.Backup(ctx, BackupOptions{Prune: true})
	case ushelf.DirectionRestore:
		return e.Restore(ctx, RestoreOptions{})
	default:
		report := &Report{Library: e.Library.ID, Direction: direction, Started: time.Now()}
		report.fail(fmt.Errorf("invalid direction: %s", direction)).finish()
		return report
	}
}

// Take the library lock, run fn, and persist the outcome in the SyncState.
// Lock contention is reported as a failure of this run, but is not recorded:
// the run holding the lock owns the state. A stale lock has no such owner and
// counts as a failure, so that it eventually raises the alert.
func (e *Engine) locked(ctx context.Context, direction ushelf.Direction, fn func(states *ushelf.StateStore, report *Report)) *Report {
	report := &Report{Library: e.Library.ID, Direction: direction, Started: time.Now()}
	log := e.log(direction)

	states, err := e.Library.StateStore()
	if err != nil {
		report.fail(err).finish()
		return report
	}

	lock, err := states.Lock(ctx, e.Library.LockWait)
	if err != nil {
		report.fail(err).finish()
		if ushelf.IsStaleLock(err) {
			e.record(states, report)
		}
		return report
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnf("cannot release lock: %v", err)
		}
	}()

	fn(states, report)
	report.finish()
	e.record(states, report)
	return report
}

func (e *Engine) record(states *ushelf.StateStore, report *Report) {
	log := e.log(report.Direction)

	state, err := states.Update(func(state *ushelf.SyncState) {
		state.LastRun = report.Finished.UTC()
		state.LastStatus = report.Status
		state.LastError = ""
		if report.Err != nil {
			state.LastError = report.Err.Error()
			state.ConsecutiveFailures++
		} else {
			state.ConsecutiveFailures = 0
		}
		state.Alert = e.Library.AlertThreshold > 0 && state.ConsecutiveFailures >= e.Library.AlertThreshold
	})
	if err != nil {
		log.Errorf("cannot save sync state: %v", err)
		return
	}

	report.ConsecutiveFailures = state.ConsecutiveFailures
	report.Alert = state.Alert
	if state.Alert {
		log.WithFields(logrus.Fields{"alert": true, "failures": state.ConsecutiveFailures}).Errorf("library failed %d times in a row", state.ConsecutiveFailures)
	}
}

// Load the manifest a SyncState points to, preferring the local copy
func (e *Engine) stateManifest(ctx context.Context, states *ushelf.StateStore, state *ushelf.SyncState) (*ushelf.Manifest, error) {
	if state.Manifest == nil {
		return nil, nil
	}

	m, err := states.LoadManifest(*state.Manifest)
	if err == nil {
		return m, nil
	} else if !errors.Is(err, ushelf.ErrNotFound) {
		e.log("").Warnf("cannot read manifest cache: %v", err)
	}

	return e.Store.LoadManifest(ctx, *state.Manifest)
}

// Resolve a manifest of the library from an id prefix, or the latest one
func (e *Engine) resolveManifest(ctx context.Context, prefix string) (*ushelf.Manifest, error) {
	if prefix == "" {
		return e.Store.LatestManifest(ctx, e.Library.ID)
	}

	ids, err := e.Store.ListManifests(ctx)
	if err != nil {
		return nil, err
	}
	id, ok := ushelf.FindManifestID(ids, prefix)
	if !ok {
		return nil, fmt.Errorf("manifest %s: %w", prefix, ushelf.ErrNotFound)
	}

	m, err := e.Store.LoadManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Library != e.Library.ID {
		return nil, fmt.Errorf("manifest %s belongs to library %s, not %s", m.ID, m.Library, e.Library.ID)
	}
	return m, nil
}

func (e *Engine) scan(ctx context.Context) (*ushelf.LibraryTree, error) {
	return scan.Scan(ctx, e.Library.Path, scan.Options{Exclude: e.Library.Exclude})
}

// Compute, without changing anything, what a run would do. For a backup,
// the changes between the last published manifest and the library; for a
// restore, the changes to apply to the library to match the manifest
// (latest if manifestID is empty).
func (e *Engine) Diff(ctx context.Context, direction ushelf.Direction, manifestID string) (ushelf.ChangeSet, error) {
	tree, err := e.scan(ctx)
	if err != nil {
		return ushelf.ChangeSet{}, err
	}

	if direction == ushelf.DirectionBackup {
		states, err := e.Library.StateStore()
		if err != nil {
			return ushelf.ChangeSet{}, err
		}
		state, err := states.Load()
		if err != nil {
			return ushelf.ChangeSet{}, err
		}
		parent, err := e.stateManifest(ctx, states, state)
		if err != nil {
			return ushelf.ChangeSet{}, err
		}
		return scan.Diff(scan.ManifestTree(parent), tree), nil
	}

	m, err := e.resolveManifest(ctx, manifestID)
	if err != nil {
		return ushelf.ChangeSet{}, err
	}
	return scan.DiffManifest(m, tree), nil
}
