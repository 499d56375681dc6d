// Package scan walks library directories and computes change sets.
package scan

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var scanLog = logrus.WithFields(logrus.Fields{"component": "scan"})

type Options struct {
	// Glob patterns matched against relative slash-separated paths (and each of their parent directories)
	Exclude []string
}

// Walk a library directory in a deterministic (sorted) order and fingerprint
// every file and symlink. Paths that cannot be read are recorded in the tree
// Errors instead of aborting the scan. Only a failure to read the root itself
// is returned as an error.
func Scan(ctx context.Context, root string, opts Options) (*ushelf.LibraryTree, error) {
	// WalkDir does not descend into a symlinked root
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, &ushelf.IOError{Op: "scan", Path: root, Err: err}
	}
	root = resolved

	st, err := os.Stat(root)
	if err != nil {
		return nil, &ushelf.IOError{Op: "scan", Path: root, Err: err}
	}
	if !st.IsDir() {
		return nil, &ushelf.IOError{Op: "scan", Path: root, Err: fs.ErrInvalid}
	}

	tree := &ushelf.LibraryTree{Root: root}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			if rel == "." {
				return &ushelf.IOError{Op: "scan", Path: root, Err: err}
			}
			tree.Errors = append(tree.Errors, &ushelf.IOError{Op: "scan", Path: rel, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if rel == "." {
			return nil
		}

		if excluded(rel, d.Name(), opts.Exclude) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		entry, err := fingerprintEntry(p, rel, d)
		if err != nil {
			scanLog.WithFields(logrus.Fields{"path": rel}).Warnf("cannot read: %v", err)
			tree.Errors = append(tree.Errors, &ushelf.IOError{Op: "read", Path: rel, Err: err})
			return nil
		}
		if entry != nil {
			tree.Entries = append(tree.Entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// WalkDir is lexical per directory, which differs from a global sort on
	// slash-separated paths ("a b/x" vs "a/x")
	ushelf.SortEntries(tree.Entries)
	return tree, nil
}

func excluded(rel, name string, patterns []string) bool {
	if strings.HasPrefix(name, ushelf.TmpPrefix) {
		return true
	}
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, name); ok && !strings.Contains(pattern, "/") {
			return true
		}
	}
	return false
}

func fingerprintEntry(p, rel string, d fs.DirEntry) (*ushelf.FileEntry, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}

	entry := &ushelf.FileEntry{
		Path:    rel,
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime().UTC(),
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return nil, err
		}
		entry.Type = ushelf.TypeSymlink
		entry.Size = int64(len(target))
		entry.Fingerprint = ushelf.FingerprintOf([]byte(target))

	case info.Mode().IsRegular():
		entry.Type = ushelf.TypeFile
		entry.Fingerprint, entry.Size, err = FingerprintFile(p)
		if err != nil {
			return nil, err
		}

	default:
		// sockets, devices, fifos are not part of a library
		scanLog.WithFields(logrus.Fields{"path": rel}).Debugf("skipping special file (%v)", info.Mode().Type())
		return nil, nil
	}

	return entry, nil
}

// Hash the full content of a file. Zero-byte files hash to EmptyFingerprint.
func FingerprintFile(p string) (ushelf.Fingerprint, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	if n == 0 {
		return ushelf.EmptyFingerprint, 0, nil
	}
	return ushelf.Fingerprint(hex.EncodeToString(h.Sum(nil))), n, nil
}
