package ushelf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var lockPollInterval = 100 * time.Millisecond

// Per-library record of the last applied or published manifest. Stored as
// <state-dir>/<library>.json, outside of the library tree.
type SyncState struct {
	Library             string      `json:"library"`
	Manifest            *ManifestID `json:"manifest,omitempty"`
	LockToken           string      `json:"lock_token,omitempty"`
	LastRun             time.Time   `json:"last_run,omitempty"`
	LastStatus          Status      `json:"last_status,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Alert               bool        `json:"alert"`
}

// Content of the lock file
type lockInfo struct {
	Token    string    `json:"token"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Since    time.Time `json:"since"`
}

// Handle on the state directory of one library
type StateStore struct {
	dir     string
	library string

	// Age after which a held lock is reported as stale. 0 disables the check;
	// locks of dead processes on this host are stale regardless.
	StaleAfter time.Duration
}

func NewStateStore(dir, library string) (*StateStore, error) {
	if dir == "" {
		return nil, errors.New("missing state directory")
	}
	if library == "" || library != filepath.Base(library) || library[0] == '.' {
		return nil, fmt.Errorf("invalid library id: %q", library)
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	return &StateStore{dir: dir, library: library}, nil
}

func (s *StateStore) statePath() string {
	return filepath.Join(s.dir, s.library+".json")
}

func (s *StateStore) lockPath() string {
	return filepath.Join(s.dir, s.library+".lock")
}

// Load the state. A missing state file is the state of a library never run before.
func (s *StateStore) Load() (*SyncState, error) {
	state := &SyncState{Library: s.library}
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return state, nil
	} else if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("invalid state file %s: %w", s.statePath(), err)
	}
	return state, nil
}

func (s *StateStore) Save(state *SyncState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.statePath(), data, 0o666)
}

// Apply a modification to the persisted state
func (s *StateStore) Update(fn func(state *SyncState)) (*SyncState, error) {
	state, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(state)
	return state, s.Save(state)
}

func (s *StateStore) manifestPath() string {
	return filepath.Join(s.dir, s.library+".manifest.json")
}

// Keep a local copy of the last manifest, so that backups can diff against it
// without being able to decrypt manifests stored on the backend
func (s *StateStore) SaveManifest(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.manifestPath(), data, 0o600)
}

// Load the local copy of a manifest. Returns ErrNotFound if the cached
// manifest is missing or is not the requested one.
func (s *StateStore) LoadManifest(id ManifestID) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("invalid manifest cache %s: %w", s.manifestPath(), err)
	}
	if m.ID != id {
		return nil, ErrNotFound
	}
	return m, nil
}

// An acquired library lock
type Lock struct {
	store *StateStore
	Token string
}

// Acquire the lock of the library. If it is held by another run, wait at most
// `wait` before failing with a *LockContentionError.
func (s *StateStore) Lock(ctx context.Context, wait time.Duration) (*Lock, error) {
	hostname, _ := os.Hostname()
	info := lockInfo{
		Token:    uuid.New().String(),
		PID:      os.Getpid(),
		Hostname: hostname,
		Since:    time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		err = s.tryLock(data)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, s.contention()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	lock := &Lock{store: s, Token: info.Token}
	if _, err := s.Update(func(state *SyncState) { state.LockToken = info.Token }); err != nil {
		_ = lock.Release()
		return nil, err
	}
	return lock, nil
}

func (s *StateStore) tryLock(data []byte) error {
	f, err := os.OpenFile(s.lockPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(s.lockPath())
	}
	return err
}

func (s *StateStore) readLock() (*lockInfo, error) {
	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *StateStore) contention() error {
	e := &LockContentionError{Library: s.library}
	if info, err := s.readLock(); err == nil {
		e.Holder = fmt.Sprintf("pid %d on %s", info.PID, info.Hostname)
		e.Since = info.Since
		e.Stale = s.stale(info)
	}
	return e
}

func (s *StateStore) stale(info *lockInfo) bool {
	if s.StaleAfter > 0 && time.Since(info.Since) > s.StaleAfter {
		return true
	}
	hostname, err := os.Hostname()
	return err == nil && info.Hostname == hostname && !processAlive(info.PID)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Forcibly remove a lock left by a crashed run
func (s *StateStore) BreakLock() error {
	info, err := s.readLock()
	if os.IsNotExist(err) {
		return nil
	} else if err == nil {
		logrus.WithFields(logrus.Fields{"library": s.library, "pid": info.PID, "host": info.Hostname}).Warn("breaking lock")
	}

	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	_, err = s.Update(func(state *SyncState) { state.LockToken = "" })
	return err
}

// Release the lock, if it is still ours
func (l *Lock) Release() error {
	info, err := l.store.readLock()
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	if info.Token != l.Token {
		// Broken and taken by another run: nothing of ours to release
		logrus.WithFields(logrus.Fields{"library": l.store.library}).Debug("lock is not held by this run anymore")
		return nil
	}

	if _, err := l.store.Update(func(state *SyncState) {
		if state.LockToken == l.Token {
			state.LockToken = ""
		}
	}); err != nil {
		logrus.WithFields(logrus.Fields{"library": l.store.library}).Warnf("cannot clear lock token: %v", err)
	}

	return os.Remove(l.store.lockPath())
}
