package ushelf

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrChangedDuringBackup = errors.New("file changed during backup")
)

// Local filesystem access failure, scoped to a single path
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Backend failure that may succeed if retried (network, rate limiting)
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Backend failure that will not go away by retrying (authentication, quota)
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal error: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// A manifest references chunks not present on the backend
type IntegrityError struct {
	Missing []Fingerprint
}

func (e *IntegrityError) Error() string {
	if len(e.Missing) == 1 {
		return fmt.Sprintf("manifest references missing chunk %s", e.Missing[0])
	}
	short := make([]string, 0, 3)
	for i := 0; i < len(e.Missing) && i < 3; i++ {
		short = append(short, e.Missing[i].Short())
	}
	return fmt.Sprintf("manifest references %d missing chunks (%s...)", len(e.Missing), strings.Join(short, ", "))
}

// Downloaded content does not match its fingerprint
type CorruptionError struct {
	Fingerprint Fingerprint
	Actual      Fingerprint
	Err         error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chunk %s is corrupted: %v", e.Fingerprint, e.Err)
	}
	return fmt.Sprintf("chunk %s is corrupted: content hashes to %s", e.Fingerprint, e.Actual)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Another run holds the lock of a library
type LockContentionError struct {
	Library string
	Holder  string
	Since   time.Time

	// The holder is gone or the lock is older than any run should take.
	// Only `ushelf unlock` clears it.
	Stale bool
}

func (e *LockContentionError) Error() string {
	msg := fmt.Sprintf("library %s is locked by another run", e.Library)
	if e.Holder != "" {
		msg = fmt.Sprintf("library %s is locked by %s since %s", e.Library, e.Holder, e.Since.Format(time.RFC3339))
	}
	if e.Stale {
		msg += " (stale lock, run `ushelf unlock` once no run is active)"
	}
	return msg
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// Errors that are not worth retrying. Unclassified errors are assumed transient.
// Local IOErrors are permanent as far as the remote is concerned.
func IsPermanent(err error) bool {
	var local *IOError
	if errors.As(err, &local) {
		return true
	}
	var fatal *FatalError
	var integrity *IntegrityError
	var corruption *CorruptionError
	var contention *LockContentionError
	return errors.As(err, &fatal) || errors.As(err, &integrity) || errors.As(err, &corruption) ||
		errors.As(err, &contention) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrChangedDuringBackup)
}

func IsLockContention(err error) bool {
	var contention *LockContentionError
	return errors.As(err, &contention)
}

func IsStaleLock(err error) bool {
	var contention *LockContentionError
	return errors.As(err, &contention) && contention.Stale
}
