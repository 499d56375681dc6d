package ushelf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hex-encoded SHA-256 of a chunk content
type Fingerprint string

// Fingerprint of every zero-byte file. Empty files are tracked like any other
// file, but never stored on a backend.
const EmptyFingerprint Fingerprint = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

func FingerprintOf(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func ParseFingerprint(s string) (Fingerprint, error) {
	if !fingerprintRe.MatchString(s) {
		return "", fmt.Errorf("invalid fingerprint: %q", s)
	}
	return Fingerprint(s), nil
}

func (f Fingerprint) String() string {
	return string(f)
}

// Abbreviated form, for logs
func (f Fingerprint) Short() string {
	if len(f) < 12 {
		return string(f)
	}
	return string(f[:12])
}

type EntryType string

const (
	TypeFile    EntryType = "file"
	TypeSymlink EntryType = "symlink"
)

// A file of a library. Path is relative to the library root, slash-separated.
type FileEntry struct {
	Path        string      `json:"path"`
	Type        EntryType   `json:"type"`
	Size        int64       `json:"size"`
	Mode        fs.FileMode `json:"mode"`
	ModTime     time.Time   `json:"mtime"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// State of a library directory at a point in time
type LibraryTree struct {
	Root    string
	Entries []FileEntry // sorted by Path

	// Paths that could not be read during the scan
	Errors []*IOError
}

func (t *LibraryTree) Index() map[string]FileEntry {
	idx := make(map[string]FileEntry, len(t.Entries))
	for _, e := range t.Entries {
		idx[e.Path] = e
	}
	return idx
}

// Set of paths that failed to be scanned
func (t *LibraryTree) FailedPaths() map[string]*IOError {
	failed := make(map[string]*IOError, len(t.Errors))
	for _, e := range t.Errors {
		failed[e.Path] = e
	}
	return failed
}

// Distinct fingerprints referenced by the tree, excluding EmptyFingerprint
func (t *LibraryTree) Fingerprints() map[Fingerprint]struct{} {
	fps := make(map[Fingerprint]struct{})
	for _, e := range t.Entries {
		if e.Fingerprint != EmptyFingerprint {
			fps[e.Fingerprint] = struct{}{}
		}
	}
	return fps
}

// Difference between two trees. The three sets are disjoint and sorted.
type ChangeSet struct {
	Added    []string
	Modified []string
	Removed  []string
}

func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

func (c ChangeSet) String() string {
	return fmt.Sprintf("%d added, %d modified, %d removed", len(c.Added), len(c.Modified), len(c.Removed))
}

// Should be in the YYYYMMDDTHHMMSS.MMM-xxxxxxxx format
type ManifestID string

var (
	ManifestIDRe   = fmt.Sprintf(`%s-[0-9a-f]{8}`, SnapshotRe)
	manifestIDRe   = regexp.MustCompile(fmt.Sprintf("^%s$", ManifestIDRe))
	SnapshotRe     = `\d{8}T\d{6}\.\d{3}`  // Regexp matching the timestamp part of a manifest id
	SnapshotFormat = "20060102T150405.000" // Time format of the timestamp part, for time.Parse / time.Format
)

func NewManifestID(t time.Time) ManifestID {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return ManifestID(t.UTC().Format(SnapshotFormat) + "-" + suffix)
}

func ParseManifestID(s string) (ManifestID, error) {
	if !manifestIDRe.MatchString(s) {
		return "", fmt.Errorf("cannot parse manifest id: %s", s)
	}
	return ManifestID(s), nil
}

// Part of RetentionPolicySubject interface
func (id ManifestID) Time() (time.Time, error) {
	return time.ParseInLocation(SnapshotFormat, string(id)[:len(SnapshotFormat)], time.UTC)
}

// Part of RetentionPolicySubject interface
func (id ManifestID) Name() string {
	return string(id)
}

// Immutable listing of every file of a library at the time of a backup
type Manifest struct {
	ID      ManifestID  `json:"id"`
	Library string      `json:"library"`
	Created time.Time   `json:"created"`
	Parent  *ManifestID `json:"parent,omitempty"`
	Entries []FileEntry `json:"entries"`
}

// Part of RetentionPolicySubject interface
func (m *Manifest) Time() (time.Time, error) {
	return m.Created, nil
}

// Part of RetentionPolicySubject interface
func (m *Manifest) Name() string {
	return string(m.ID)
}

func (m *Manifest) Tree() *LibraryTree {
	return &LibraryTree{Entries: m.Entries}
}

// Compare manifests by creation date
func CompareManifestIDs(a, b ManifestID) int {
	return strings.Compare(string(a), string(b))
}

// Sorted from most recent to least recent
func SortManifestIDs(ids []ManifestID) {
	sort.Slice(ids, func(a, b int) bool {
		return CompareManifestIDs(ids[a], ids[b]) > 0
	})
}

// Sort entries by path, the canonical order of trees and manifests
func SortEntries(entries []FileEntry) {
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].Path < entries[b].Path
	})
}

type Direction string

const (
	DirectionBackup  Direction = "backup"
	DirectionRestore Direction = "restore"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(s)) {
	case DirectionBackup:
		return DirectionBackup, nil
	case DirectionRestore:
		return DirectionRestore, nil
	default:
		return "", fmt.Errorf("invalid direction: %s", s)
	}
}

// Outcome of a run
type Status string

const (
	StatusSuccess             Status = "success"
	StatusCompletedWithErrors Status = "completed-with-errors"
	StatusFailed              Status = "failed"
)
