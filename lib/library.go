package ushelf

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const DefaultStaleLockAge = 24 * time.Hour

var (
	ErrLibraryID       = errors.New("library: missing ID")
	ErrLibraryPath     = errors.New("library: missing path")
	ErrLibraryStateDir = errors.New("library: missing state directory")
)

// A configured library: a directory served by the content server, and where
// its sync state lives
type Library struct {
	ID       string
	Path     string
	StateDir string

	// Parallel chunk transfers
	Workers int

	// How long to wait for a concurrent run to finish before giving up
	LockWait time.Duration

	// Age after which a lock is considered left by a crashed run
	StaleLockAge time.Duration

	// Restore: delete local files absent from the manifest
	PruneExtras bool

	// Backup: do not publish a manifest when nothing changed
	SkipUnchanged bool

	// Glob patterns (relative slash-separated paths) ignored by scans
	Exclude []string

	// Applied to the backend after each successful backup
	RetentionPolicies []RetentionPolicy

	// Run around a restore that changes files, e.g. to stop and restart the content server
	PreRestoreCommand  []string
	PostRestoreCommand []string

	// Consecutive failed runs before the library is flagged. 0 disables alerting.
	AlertThreshold int
}

func NewLibrary(options *Options) (*Library, error) {
	lib := &Library{
		ID:                 options.String["ID"],
		Path:               options.String["Path"],
		StateDir:           options.String["StateDir"],
		Exclude:            options.StrSlice["Exclude"],
		PreRestoreCommand:  options.GetCommand("PreRestoreCommand", nil),
		PostRestoreCommand: options.GetCommand("PostRestoreCommand", nil),
	}

	if lib.ID == "" {
		return nil, ErrLibraryID
	}
	if lib.Path == "" {
		return nil, ErrLibraryPath
	}
	if lib.StateDir == "" {
		return nil, ErrLibraryStateDir
	}

	var err error
	if lib.Path, err = filepath.Abs(lib.Path); err != nil {
		return nil, err
	}
	if lib.StateDir, err = filepath.Abs(lib.StateDir); err != nil {
		return nil, err
	}
	if rel, err := filepath.Rel(lib.Path, lib.StateDir); err == nil && filepath.IsLocal(rel) {
		return nil, fmt.Errorf("library %s: state directory must be outside of the library tree", lib.ID)
	}

	for _, pattern := range lib.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("library %s: invalid exclude pattern %q: %w", lib.ID, pattern, err)
		}
	}

	if lib.Workers, err = options.GetInt("Workers", 4); err != nil {
		return nil, err
	}
	if lib.Workers < 1 {
		return nil, fmt.Errorf("library %s: invalid worker count %d", lib.ID, lib.Workers)
	}
	if lib.LockWait, err = options.GetDuration("LockWait", 0); err != nil {
		return nil, err
	}
	if lib.StaleLockAge, err = options.GetDuration("StaleLockAge", DefaultStaleLockAge); err != nil {
		return nil, err
	}
	if lib.PruneExtras, err = options.GetBoolean("PruneExtras", false); err != nil {
		return nil, err
	}
	if lib.SkipUnchanged, err = options.GetBoolean("SkipUnchanged", false); err != nil {
		return nil, err
	}
	if lib.AlertThreshold, err = options.GetInt("AlertThreshold", 0); err != nil {
		return nil, err
	}
	if lib.RetentionPolicies, err = options.GetRetentionPolicies(); err != nil {
		return nil, err
	}

	return lib, nil
}

func (l *Library) StateStore() (*StateStore, error) {
	s, err := NewStateStore(l.StateDir, l.ID)
	if err != nil {
		return nil, err
	}
	s.StaleAfter = l.StaleLockAge
	return s, nil
}
