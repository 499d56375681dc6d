package engine

import (
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/scan"

	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type BackupOptions struct {
	// Apply the library retention policies once the manifest is published
	Prune bool
}

type backupState string

const (
	stateScanning   backupState = "scanning"
	stateDiffing    backupState = "diffing"
	stateUploading  backupState = "uploading"
	statePublishing backupState = "publishing"
	stateDone       backupState = "done"
)

// Publish a new manifest of the library. A failure before publication leaves
// the SyncState untouched; chunks uploaded so far are reused by the next run.
func (e *Engine) Backup(ctx context.Context, opts BackupOptions) *Report {
	return e.locked(ctx, ushelf.DirectionBackup, func(states *ushelf.StateStore, report *Report) {
		e.backup(ctx, opts, states, report)
	})
}

func (e *Engine) backup(ctx context.Context, opts BackupOptions, states *ushelf.StateStore, report *Report) {
	log := e.log(ushelf.DirectionBackup)
	transition := func(s backupState) {
		log.WithFields(logrus.Fields{"state": s}).Debug("backup state")
	}

	state, err := states.Load()
	if err != nil {
		report.fail(err)
		return
	}

	// Without the parent we cannot tell tracked paths from new ones. Only a
	// parent gone from the backend (pruned) is tolerated.
	parent, err := e.stateManifest(ctx, states, state)
	unknownParent := false
	if errors.Is(err, ushelf.ErrNotFound) {
		log.Warnf("parent manifest %v is gone, unreadable files will abort the backup: %v", *state.Manifest, err)
		parent = nil
		unknownParent = true
	} else if err != nil {
		report.fail(fmt.Errorf("cannot load parent manifest: %w", err))
		return
	}

	transition(stateScanning)
	tree, err := e.scan(ctx)
	if err != nil {
		report.fail(err)
		return
	}

	var parentIdx map[string]ushelf.FileEntry
	if parent != nil {
		parentIdx = parent.Tree().Index()
	}

	// A tracked path that cannot be read would be dropped from the manifest,
	// which a restore would then delete
	for _, ioErr := range tree.Errors {
		if unknownParent || tracksPath(parentIdx, ioErr.Path) {
			report.fail(ioErr)
			return
		}
		log.WithFields(logrus.Fields{"path": ioErr.Path}).Warnf("skipping unreadable new file: %v", ioErr.Err)
		report.FileErrors = append(report.FileErrors, ioErr)
	}

	transition(stateDiffing)
	report.Changes = scan.Diff(scan.ManifestTree(parent), tree)
	log.Infof("changes: %v", report.Changes)

	if e.Library.SkipUnchanged && parent != nil && report.Changes.Empty() && len(tree.Errors) == 0 {
		log.Info("no changes detected, nothing to publish")
		report.Manifest = &parent.ID
		report.Skipped = true
		transition(stateDone)
		return
	}

	transition(stateUploading)
	failed, err := e.upload(ctx, tree, report)
	if err != nil {
		report.fail(err)
		return
	}

	// Files that changed or vanished since the scan keep their previous
	// version, or are left out if they are new
	entries := make([]ushelf.FileEntry, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if _, ok := failed[entry.Path]; ok {
			if prev, tracked := parentIdx[entry.Path]; tracked {
				entries = append(entries, prev)
			}
			continue
		}
		entries = append(entries, entry)
	}

	transition(statePublishing)
	var parentID *ushelf.ManifestID
	if parent != nil {
		parentID = &parent.ID
	}
	m, err := e.Store.PublishManifest(ctx, e.Library.ID, entries, parentID)
	if err != nil {
		report.fail(err)
		return
	}
	report.Manifest = &m.ID

	if err := states.SaveManifest(m); err != nil {
		log.Warnf("cannot cache manifest: %v", err)
	}
	if _, err := states.Update(func(state *ushelf.SyncState) { state.Manifest = &m.ID }); err != nil {
		report.fail(err)
		return
	}

	if opts.Prune && len(e.Library.RetentionPolicies) > 0 {
		pruned, err := e.Store.Prune(ctx, e.Library.ID, e.Library.RetentionPolicies, false)
		if err != nil {
			log.Warnf("cannot prune: %v", err)
		} else if len(pruned.Manifests) > 0 || len(pruned.Chunks) > 0 {
			log.Infof("pruned %d manifests and %d chunks", len(pruned.Manifests), len(pruned.Chunks))
		}
	}

	transition(stateDone)
	log.WithFields(logrus.Fields{"manifest": m.ID, "uploaded": report.Uploaded}).Info("backup published")
}

// Whether p, or anything below p if it is a directory, is in the manifest
func tracksPath(idx map[string]ushelf.FileEntry, p string) bool {
	if _, ok := idx[p]; ok {
		return true
	}
	prefix := p + "/"
	if p == "." || p == "" {
		prefix = ""
	}
	for tracked := range idx {
		if strings.HasPrefix(tracked, prefix) {
			return true
		}
	}
	return false
}

// Upload the chunks of added and modified paths. Returns the paths that
// could not be uploaded because they changed or vanished since the scan.
// Any other error aborts the upload.
func (e *Engine) upload(ctx context.Context, tree *ushelf.LibraryTree, report *Report) (map[string]error, error) {
	log := e.log(ushelf.DirectionBackup)
	idx := tree.Index()

	// Every path holding a fingerprint, in case the first one fails
	var order []ushelf.Fingerprint
	paths := make(map[ushelf.Fingerprint][]string)
	for _, p := range append(append([]string{}, report.Changes.Added...), report.Changes.Modified...) {
		fp := idx[p].Fingerprint
		if fp == ushelf.EmptyFingerprint {
			continue
		}
		if _, ok := paths[fp]; !ok {
			order = append(order, fp)
		}
		paths[fp] = append(paths[fp], p)
	}

	var mu sync.Mutex
	failed := make(map[string]error)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Library.Workers)
	for _, fp := range order {
		g.Go(func() error {
			for _, p := range paths[fp] {
				if err := ctx.Err(); err != nil {
					return err
				}

				uploaded, err := e.Store.PutChunkFrom(ctx, fp, e.opener(tree.Root, idx[p]))
				if err == nil {
					if uploaded {
						mu.Lock()
						report.Uploaded++
						report.UploadedBytes += idx[p].Size
						mu.Unlock()
					}
					return nil
				}

				if !isFileError(err) {
					return err
				}

				log.WithFields(logrus.Fields{"path": p}).Warnf("cannot back up: %v", err)
				mu.Lock()
				failed[p] = err
				report.FileErrors = append(report.FileErrors, &ushelf.IOError{Op: "backup", Path: p, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failed, nil
}

func isFileError(err error) bool {
	var ioErr *ushelf.IOError
	return errors.As(err, &ioErr) || errors.Is(err, ushelf.ErrChangedDuringBackup)
}

// Reads the content of an entry, as fingerprinted by the scan
func (e *Engine) opener(root string, entry ushelf.FileEntry) func() (io.ReadCloser, error) {
	p := filepath.Join(root, filepath.FromSlash(entry.Path))
	return func() (io.ReadCloser, error) {
		if entry.Type == ushelf.TypeSymlink {
			target, err := os.Readlink(p)
			if err != nil {
				return nil, &ushelf.IOError{Op: "readlink", Path: entry.Path, Err: err}
			}
			return io.NopCloser(strings.NewReader(target)), nil
		}

		f, err := os.Open(p)
		if err != nil {
			return nil, &ushelf.IOError{Op: "open", Path: entry.Path, Err: err}
		}
		return &fileReader{File: f, path: entry.Path}, nil
	}
}

// Tags read failures with the path, so that they are told apart from
// backend failures
type fileReader struct {
	*os.File
	path string
}

func (r *fileReader) Read(p []byte) (int, error) {
	n, err := r.File.Read(p)
	if err != nil && err != io.EOF {
		err = &ushelf.IOError{Op: "read", Path: r.path, Err: err}
	}
	return n, err
}
