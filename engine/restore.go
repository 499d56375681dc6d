package engine

import (
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/scan"

	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrPathNotLocal = errors.New("path escapes the library root")

type RestoreOptions struct {
	// Prefix of the manifest id to restore; the latest manifest of the library if empty
	ManifestID string
}

// Bring the library directory to the state of a manifest. Files are written
// next to their destination and renamed into place, so that the content
// server only ever sees complete files. The SyncState only advances when
// every file was restored.
func (e *Engine) Restore(ctx context.Context, opts RestoreOptions) *Report {
	return e.locked(ctx, ushelf.DirectionRestore, func(states *ushelf.StateStore, report *Report) {
		e.restore(ctx, opts, states, report)
	})
}

func (e *Engine) restore(ctx context.Context, opts RestoreOptions, states *ushelf.StateStore, report *Report) {
	log := e.log(ushelf.DirectionRestore)

	m, err := e.resolveManifest(ctx, opts.ManifestID)
	if err != nil {
		report.fail(err)
		return
	}
	report.Manifest = &m.ID
	log = log.WithFields(logrus.Fields{"manifest": m.ID})

	if err := os.MkdirAll(e.Library.Path, 0o777); err != nil {
		report.fail(&ushelf.IOError{Op: "restore", Path: e.Library.Path, Err: err})
		return
	}

	tree, err := e.scan(ctx)
	if err != nil {
		report.fail(err)
		return
	}
	// Unreadable local files cannot be compared, overwriting them could lose data
	if len(tree.Errors) > 0 {
		report.fail(tree.Errors[0])
		return
	}

	report.Changes = scan.DiffManifest(m, tree)
	log.Infof("changes: %v", report.Changes)

	writes := append(append([]string{}, report.Changes.Added...), report.Changes.Modified...)
	removes := []string{}
	if e.Library.PruneExtras {
		removes = report.Changes.Removed
	} else if len(report.Changes.Removed) > 0 {
		log.Infof("keeping %d files absent from the manifest", len(report.Changes.Removed))
	}

	// Runs before the sync state update; a failure keeps the state unchanged
	runPost := func() {}
	if len(writes) > 0 || len(removes) > 0 {
		if len(e.Library.PreRestoreCommand) > 0 {
			if err := ushelf.RunCommand(log, ushelf.BuildCommand(e.Library.PreRestoreCommand)); err != nil {
				report.fail(fmt.Errorf("pre-restore command: %w", err))
				return
			}
		}
		if len(e.Library.PostRestoreCommand) > 0 {
			runPost = func() {
				if err := ushelf.RunCommand(log, ushelf.BuildCommand(e.Library.PostRestoreCommand)); err != nil {
					log.Warnf("post-restore command failed: %v", err)
					report.FileErrors = append(report.FileErrors, fmt.Errorf("post-restore command: %w", err))
				}
			}
		}
	}

	if err := e.install(ctx, m, writes, report); err != nil {
		runPost()
		report.fail(err)
		return
	}

	for _, p := range removes {
		if err := e.removeExtra(p); err != nil {
			log.WithFields(logrus.Fields{"path": p}).Warnf("cannot remove: %v", err)
			report.FileErrors = append(report.FileErrors, err)
			continue
		}
		report.Removed++
	}

	runPost()

	if len(report.FileErrors) > 0 {
		log.Warnf("restore incomplete: %d errors, sync state not advanced", len(report.FileErrors))
		return
	}

	if err := states.SaveManifest(m); err != nil {
		log.Warnf("cannot cache manifest: %v", err)
	}
	if _, err := states.Update(func(state *ushelf.SyncState) { state.Manifest = &m.ID }); err != nil {
		report.fail(err)
		return
	}

	log.WithFields(logrus.Fields{"restored": report.Restored, "removed": report.Removed}).Info("restore complete")
}

// Write the given manifest paths. Per-file failures are recorded in the
// report; only fatal backend errors and cancellation are returned.
func (e *Engine) install(ctx context.Context, m *ushelf.Manifest, paths []string, report *Report) error {
	log := e.log(ushelf.DirectionRestore)
	idx := m.Tree().Index()

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Library.Workers)
	for _, p := range paths {
		entry := idx[p]
		g.Go(func() error {
			err := e.Retry.Do(ctx, "restore "+p, func(ctx context.Context) error {
				return e.installEntry(ctx, entry)
			})
			if err == nil {
				mu.Lock()
				report.Restored++
				mu.Unlock()
				return nil
			}

			var fatal *ushelf.FatalError
			if ctx.Err() != nil || errors.As(err, &fatal) {
				return err
			}

			log.WithFields(logrus.Fields{"path": p}).Warnf("cannot restore: %v", err)
			mu.Lock()
			if _, ok := err.(*ushelf.IOError); !ok {
				err = &ushelf.IOError{Op: "restore", Path: p, Err: err}
			}
			report.FileErrors = append(report.FileErrors, err)
			mu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

// Path of a manifest entry inside the library, refusing anything that could
// land outside of it
func (e *Engine) localPath(rel string) (string, error) {
	native := filepath.FromSlash(rel)
	if !filepath.IsLocal(native) {
		return "", &ushelf.IOError{Op: "restore", Path: rel, Err: ErrPathNotLocal}
	}

	// A symlinked parent directory would redirect the write
	dir := e.Library.Path
	parts := strings.Split(filepath.Dir(native), string(filepath.Separator))
	for _, part := range parts {
		if part == "." || part == "" {
			continue
		}
		dir = filepath.Join(dir, part)
		st, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			break
		} else if err != nil {
			return "", &ushelf.IOError{Op: "restore", Path: rel, Err: err}
		}
		if st.Mode()&fs.ModeSymlink != 0 {
			return "", &ushelf.IOError{Op: "restore", Path: rel, Err: ErrPathNotLocal}
		}
	}

	return filepath.Join(e.Library.Path, native), nil
}

func (e *Engine) installEntry(ctx context.Context, entry ushelf.FileEntry) error {
	dest, err := e.localPath(entry.Path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return &ushelf.IOError{Op: "mkdir", Path: entry.Path, Err: err}
	}

	if entry.Type == ushelf.TypeSymlink {
		target, err := e.Store.GetChunk(ctx, entry.Fingerprint)
		if err != nil {
			return err
		}
		tmp := filepath.Join(dir, ushelf.TmpPrefix+filepath.Base(dest))
		_ = os.Remove(tmp)
		if err := os.Symlink(string(target), tmp); err != nil {
			return &ushelf.IOError{Op: "symlink", Path: entry.Path, Err: err}
		}
		if err := os.Rename(tmp, dest); err != nil {
			_ = os.Remove(tmp)
			return &ushelf.IOError{Op: "rename", Path: entry.Path, Err: err}
		}
		return nil
	}

	rc, err := e.Store.OpenChunk(ctx, entry.Fingerprint)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, ushelf.TmpPrefix+"*")
	if err != nil {
		return &ushelf.IOError{Op: "create", Path: entry.Path, Err: err}
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	// The chunk is only verified once fully read: nothing is renamed before that
	w := &fileWriter{f: tmp}
	if _, err := io.Copy(w, rc); err != nil {
		if w.err != nil {
			return &ushelf.IOError{Op: "write", Path: entry.Path, Err: w.err}
		}
		return err
	}

	for _, step := range []struct {
		op string
		fn func() error
	}{
		{"chmod", func() error { return tmp.Chmod(entry.Mode.Perm()) }},
		{"sync", tmp.Sync},
		{"close", tmp.Close},
		{"chtimes", func() error { return os.Chtimes(tmp.Name(), entry.ModTime, entry.ModTime) }},
		{"rename", func() error { return os.Rename(tmp.Name(), dest) }},
	} {
		if err := step.fn(); err != nil {
			return &ushelf.IOError{Op: step.op, Path: entry.Path, Err: err}
		}
	}

	return nil
}

// Records write failures, to tell them apart from download failures
type fileWriter struct {
	f   *os.File
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// Delete a local file absent from the manifest, and its parent directories
// if they end up empty
func (e *Engine) removeExtra(rel string) error {
	p, err := e.localPath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ushelf.IOError{Op: "remove", Path: rel, Err: err}
	}

	for dir := filepath.Dir(p); dir != e.Library.Path && strings.HasPrefix(dir, e.Library.Path); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}
