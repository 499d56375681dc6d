package engine

import (
	"github.com/sloonz/ushelf/backends"
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/scan"
	"github.com/sloonz/ushelf/store"

	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

var noRetry = ushelf.RetryPolicy{MaxAttempts: 1}

// Memory backend with injectable failures
type faultyBackend struct {
	*backends.Memory
	failManifests bool
	failDownloads bool
	onExists      func(name string)
}

func (b *faultyBackend) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	if kind == ushelf.KindManifests && b.failDownloads {
		return nil, ushelf.Transient("download", errors.New("connection reset by peer"))
	}
	return b.Memory.Download(ctx, kind, name)
}

func (b *faultyBackend) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	if kind == ushelf.KindManifests && b.failManifests {
		_, _ = io.Copy(io.Discard, data)
		return ushelf.Transient("upload", errors.New("connection reset by peer"))
	}
	return b.Memory.Upload(ctx, kind, name, data)
}

func (b *faultyBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	if b.onExists != nil {
		b.onExists(name)
	}
	return b.Memory.Exists(ctx, kind, name)
}

type fixture struct {
	backend *faultyBackend
	store   *store.Store
}

func newFixture() *fixture {
	b := &faultyBackend{Memory: backends.NewMemory()}
	return &fixture{backend: b, store: store.New(b, store.Options{Retry: noRetry})}
}

func (f *fixture) engine(t *testing.T, path string) *Engine {
	t.Helper()
	library := &ushelf.Library{
		ID:       "books",
		Path:     path,
		StateDir: t.TempDir(),
		Workers:  2,
	}
	e := New(library, f.store)
	e.Retry = noRetry
	return e
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o777); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func state(t *testing.T, e *Engine) *ushelf.SyncState {
	t.Helper()
	states, err := e.Library.StateStore()
	if err != nil {
		t.Fatal(err)
	}
	s, err := states.Load()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type shape struct {
	Path        string
	Type        ushelf.EntryType
	Fingerprint ushelf.Fingerprint
}

func shapeOf(t *testing.T, root string) []shape {
	t.Helper()
	tree, err := scan.Scan(context.Background(), root, scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	res := []shape{}
	for _, e := range tree.Entries {
		res = append(res, shape{e.Path, e.Type, e.Fingerprint})
	}
	return res
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"Author/Book (1)/book.epub":     "epub content",
		"Author/Book (1)/metadata.opf":  "<package/>",
		"Author/Book (1)/empty.txt":     "",
		"Other Author/Other/book.epub":  "other epub",
		"metadata.db":                   "sqlite",
		"Other Author/Other/cover.jpg":  "jpeg",
		"Other Author/Other/dup.epub":   "epub content",
		"Other Author/Other/notes.text": "notes",
	})
	if err := os.Symlink("book.epub", filepath.Join(src, "Other Author/Other/link.epub")); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(src, "metadata.db"), 0o600); err != nil {
		t.Fatal(err)
	}

	backup := f.engine(t, src).Backup(context.Background(), BackupOptions{})
	if backup.Err != nil || backup.Status != ushelf.StatusSuccess {
		t.Fatalf("backup failed: %v", backup.Err)
	}
	// Duplicated content and the empty file are not uploaded separately
	if backup.Uploaded != 7 {
		t.Errorf("expected 7 uploaded chunks, got %d", backup.Uploaded)
	}
	if backup.Manifest == nil {
		t.Fatal("no manifest published")
	}

	dst := filepath.Join(t.TempDir(), "library")
	e := f.engine(t, dst)
	restore := e.Restore(context.Background(), RestoreOptions{})
	if restore.Err != nil || restore.Status != ushelf.StatusSuccess {
		t.Fatalf("restore failed: %v %v", restore.Err, restore.FileErrors)
	}
	if restore.Restored != 9 {
		t.Errorf("expected 9 restored files, got %d", restore.Restored)
	}

	if !reflect.DeepEqual(shapeOf(t, src), shapeOf(t, dst)) {
		t.Errorf("restored tree differs:\n%v\n%v", shapeOf(t, src), shapeOf(t, dst))
	}

	st, err := os.Stat(filepath.Join(dst, "metadata.db"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode not restored: %v", st.Mode())
	}
	target, err := os.Readlink(filepath.Join(dst, "Other Author/Other/link.epub"))
	if err != nil || target != "book.epub" {
		t.Errorf("symlink not restored: %q, %v", target, err)
	}

	if s := state(t, e); s.Manifest == nil || *s.Manifest != *backup.Manifest || s.LastStatus != ushelf.StatusSuccess {
		t.Errorf("unexpected sync state: %+v", s)
	}

	// Already in sync
	again := e.Restore(context.Background(), RestoreOptions{})
	if again.Err != nil || again.Restored != 0 || !again.Changes.Empty() {
		t.Errorf("expected nothing to restore, got %+v", again)
	}
}

func TestBackupIdempotent(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a", "b.epub": "b", "c.epub": "a"})
	e := f.engine(t, src)

	first := e.Backup(context.Background(), BackupOptions{})
	if first.Err != nil || first.Uploaded != 2 {
		t.Fatalf("unexpected first backup: %+v", first)
	}
	second := e.Backup(context.Background(), BackupOptions{})
	if second.Err != nil || second.Uploaded != 0 || !second.Changes.Empty() {
		t.Errorf("unexpected second backup: %+v", second)
	}
	if f.backend.Count(ushelf.KindChunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", f.backend.Count(ushelf.KindChunks))
	}

	m, err := f.store.LoadManifest(context.Background(), *second.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	if m.Parent == nil || *m.Parent != *first.Manifest {
		t.Errorf("expected parent %v, got %v", *first.Manifest, m.Parent)
	}
}

func TestSkipUnchanged(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a"})
	e := f.engine(t, src)
	e.Library.SkipUnchanged = true

	first := e.Backup(context.Background(), BackupOptions{})
	second := e.Backup(context.Background(), BackupOptions{})
	if first.Err != nil || second.Err != nil {
		t.Fatalf("backup failed: %v, %v", first.Err, second.Err)
	}
	if !second.Skipped || *second.Manifest != *first.Manifest {
		t.Errorf("expected skipped backup, got %+v", second)
	}
	if f.backend.Count(ushelf.KindManifests) != 1 {
		t.Errorf("expected a single manifest, got %d", f.backend.Count(ushelf.KindManifests))
	}
}

func TestBackupInterrupted(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a", "b.epub": "b"})
	e := f.engine(t, src)

	f.backend.failManifests = true
	report := e.Backup(context.Background(), BackupOptions{})
	if report.Err == nil || report.Status != ushelf.StatusFailed {
		t.Fatalf("expected failure, got %+v", report)
	}
	if report.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", report.ConsecutiveFailures)
	}
	if s := state(t, e); s.Manifest != nil || s.LastError == "" {
		t.Errorf("sync state advanced on failure: %+v", s)
	}
	if f.backend.Count(ushelf.KindManifests) != 0 {
		t.Errorf("manifest published on failure")
	}

	// Chunks of the failed run are reused
	f.backend.failManifests = false
	report = e.Backup(context.Background(), BackupOptions{})
	if report.Err != nil || report.Uploaded != 0 {
		t.Errorf("unexpected retry: %+v", report)
	}
	if s := state(t, e); s.Manifest == nil || s.ConsecutiveFailures != 0 {
		t.Errorf("unexpected sync state: %+v", s)
	}
}

func TestBackupChangedFile(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"stable.epub": "stable", "hot.epub": "v1"})
	e := f.engine(t, src)

	first := e.Backup(context.Background(), BackupOptions{})
	if first.Err != nil {
		t.Fatal(first.Err)
	}

	// Modified, then modified again between the scan and the upload
	writeFiles(t, src, map[string]string{"hot.epub": "v2", "new.epub": "new"})
	v2 := ushelf.FingerprintOf([]byte("v2")).String()
	newFp := ushelf.FingerprintOf([]byte("new")).String()
	f.backend.onExists = func(name string) {
		switch name {
		case v2:
			writeFiles(t, src, map[string]string{"hot.epub": "v3"})
		case newFp:
			writeFiles(t, src, map[string]string{"new.epub": "newer"})
		}
	}

	report := e.Backup(context.Background(), BackupOptions{})
	if report.Err != nil || report.Status != ushelf.StatusCompletedWithErrors || len(report.FileErrors) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, err := range report.FileErrors {
		if !errors.Is(err, ushelf.ErrChangedDuringBackup) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	m, err := f.store.LoadManifest(context.Background(), *report.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	idx := m.Tree().Index()
	if idx["hot.epub"].Fingerprint != ushelf.FingerprintOf([]byte("v1")) {
		t.Errorf("changed file must keep its previous version: %+v", idx["hot.epub"])
	}
	if _, ok := idx["new.epub"]; ok {
		t.Errorf("changed new file must be left out")
	}
	if _, ok := idx["stable.epub"]; !ok {
		t.Errorf("stable file missing")
	}
}

func TestBackupTrackedUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}

	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a", "b.epub": "b"})
	e := f.engine(t, src)
	if r := e.Backup(context.Background(), BackupOptions{}); r.Err != nil {
		t.Fatal(r.Err)
	}

	// New unreadable file: skipped
	writeFiles(t, src, map[string]string{"c.epub": "c"})
	if err := os.Chmod(filepath.Join(src, "c.epub"), 0); err != nil {
		t.Fatal(err)
	}
	report := e.Backup(context.Background(), BackupOptions{})
	if report.Err != nil || report.Status != ushelf.StatusCompletedWithErrors {
		t.Errorf("unexpected report: %+v", report)
	}

	// Tracked unreadable file: abort, a restore would delete it otherwise
	if err := os.Chmod(filepath.Join(src, "a.epub"), 0); err != nil {
		t.Fatal(err)
	}
	before := f.backend.Count(ushelf.KindManifests)
	report = e.Backup(context.Background(), BackupOptions{})
	var ioErr *ushelf.IOError
	if !errors.As(report.Err, &ioErr) || ioErr.Path != "a.epub" {
		t.Errorf("expected failure on a.epub, got %v", report.Err)
	}
	if f.backend.Count(ushelf.KindManifests) != before {
		t.Errorf("manifest published despite unreadable tracked file")
	}
}

func TestBackupTrackedUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}

	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"a.epub":           "a",
		"Author/book.epub": "book",
		"Author/cover.jpg": "cover",
	})
	e := f.engine(t, src)
	first := e.Backup(context.Background(), BackupOptions{})
	if first.Err != nil {
		t.Fatal(first.Err)
	}

	author := filepath.Join(src, "Author")
	if err := os.Chmod(author, 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(author, 0o755) //nolint:errcheck

	report := e.Backup(context.Background(), BackupOptions{})
	var ioErr *ushelf.IOError
	if !errors.As(report.Err, &ioErr) || ioErr.Path != "Author" {
		t.Errorf("expected failure on Author, got %v (changes: %v)", report.Err, report.Changes)
	}
	if f.backend.Count(ushelf.KindManifests) != 1 {
		t.Errorf("manifest published despite unreadable tracked directory")
	}
	if s := state(t, e); s.Manifest == nil || *s.Manifest != *first.Manifest {
		t.Errorf("sync state moved: %+v", s)
	}

	// An unreadable directory holding only new files is skipped
	if err := os.Chmod(author, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFiles(t, src, map[string]string{"New Author/book.epub": "new"})
	if err := os.Chmod(filepath.Join(src, "New Author"), 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(filepath.Join(src, "New Author"), 0o755) //nolint:errcheck
	report = e.Backup(context.Background(), BackupOptions{})
	if report.Err != nil || report.Status != ushelf.StatusCompletedWithErrors {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestBackupParentUnavailable(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a"})
	e := f.engine(t, src)
	first := e.Backup(context.Background(), BackupOptions{})
	if first.Err != nil {
		t.Fatal(first.Err)
	}
	if err := os.Remove(filepath.Join(e.Library.StateDir, "books.manifest.json")); err != nil {
		t.Fatal(err)
	}

	// Unreachable parent: fail rather than publish an unlinked manifest
	f.backend.failDownloads = true
	report := e.Backup(context.Background(), BackupOptions{})
	var transient *ushelf.TransientError
	if !errors.As(report.Err, &transient) {
		t.Errorf("expected a transient error, got %v", report.Err)
	}
	if f.backend.Count(ushelf.KindManifests) != 1 {
		t.Errorf("manifest published without its parent")
	}

	// Pruned parent: start over
	f.backend.failDownloads = false
	if err := f.backend.Delete(context.Background(), ushelf.KindManifests, first.Manifest.Name()); err != nil {
		t.Fatal(err)
	}
	report = e.Backup(context.Background(), BackupOptions{})
	if report.Err != nil || !reflect.DeepEqual(report.Changes.Added, []string{"a.epub"}) {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestRestoreCorruptedChunk(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"good.epub": "good", "bad.epub": "bad"})
	if r := f.engine(t, src).Backup(context.Background(), BackupOptions{}); r.Err != nil {
		t.Fatal(r.Err)
	}

	good, _ := f.backend.Get(ushelf.KindChunks, ushelf.FingerprintOf([]byte("good")).String())
	f.backend.Set(ushelf.KindChunks, ushelf.FingerprintOf([]byte("bad")).String(), good)

	dst := t.TempDir()
	e := f.engine(t, dst)
	report := e.Restore(context.Background(), RestoreOptions{})
	if report.Err != nil || report.Status != ushelf.StatusCompletedWithErrors || report.Restored != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	var corruption *ushelf.CorruptionError
	if len(report.FileErrors) != 1 || !errors.As(report.FileErrors[0], &corruption) {
		t.Errorf("expected a corruption error, got %v", report.FileErrors)
	}

	if data, err := os.ReadFile(filepath.Join(dst, "good.epub")); err != nil || string(data) != "good" {
		t.Errorf("good file not restored: %q, %v", data, err)
	}
	if _, err := os.Lstat(filepath.Join(dst, "bad.epub")); !os.IsNotExist(err) {
		t.Errorf("corrupted file must not be written")
	}
	entries, _ := os.ReadDir(dst)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
	if s := state(t, e); s.Manifest != nil {
		t.Errorf("sync state advanced after a partial restore")
	}
}

func TestRestorePruneExtras(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"keep.epub": "keep"})
	if r := f.engine(t, src).Backup(context.Background(), BackupOptions{}); r.Err != nil {
		t.Fatal(r.Err)
	}

	dst := t.TempDir()
	writeFiles(t, dst, map[string]string{"extra/deep/file.txt": "extra", "keep.epub": "local edit"})
	e := f.engine(t, dst)

	report := e.Restore(context.Background(), RestoreOptions{})
	if report.Err != nil || report.Removed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, err := os.Stat(filepath.Join(dst, "extra/deep/file.txt")); err != nil {
		t.Errorf("extra file removed without PruneExtras: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dst, "keep.epub")); string(data) != "keep" {
		t.Errorf("modified file not restored: %q", data)
	}

	e.Library.PruneExtras = true
	report = e.Restore(context.Background(), RestoreOptions{})
	if report.Err != nil || report.Removed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if _, err := os.Stat(filepath.Join(dst, "extra")); !os.IsNotExist(err) {
		t.Errorf("empty directories must be removed: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("library root removed: %v", err)
	}
}

func TestRestoreRejectsEscapingPaths(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	fp, err := f.store.PutChunk(ctx, []byte("evil"))
	if err != nil {
		t.Fatal(err)
	}
	entries := []ushelf.FileEntry{
		{Path: "../evil", Type: ushelf.TypeFile, Size: 4, Mode: 0o644, Fingerprint: fp},
		{Path: "link/evil", Type: ushelf.TypeFile, Size: 4, Mode: 0o644, Fingerprint: fp},
	}
	if _, err := f.store.PublishManifest(ctx, "books", entries, nil); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	dst := filepath.Join(parent, "library")
	outside := t.TempDir()
	if err := os.MkdirAll(dst, 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dst, "link")); err != nil {
		t.Fatal(err)
	}

	report := f.engine(t, dst).Restore(ctx, RestoreOptions{})
	if len(report.FileErrors) != 2 {
		t.Fatalf("expected 2 errors, got %+v", report)
	}
	for _, err := range report.FileErrors {
		if !errors.Is(err, ErrPathNotLocal) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if _, err := os.Stat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
		t.Errorf("file written outside of the library")
	}
	if _, err := os.Stat(filepath.Join(outside, "evil")); !os.IsNotExist(err) {
		t.Errorf("file written through a symlinked directory")
	}
}

func TestRestoreHooks(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a"})
	if r := f.engine(t, src).Backup(context.Background(), BackupOptions{}); r.Err != nil {
		t.Fatal(r.Err)
	}

	logFile := filepath.Join(t.TempDir(), "hooks.log")
	e := f.engine(t, t.TempDir())
	e.Library.PreRestoreCommand = []string{"sh", "-c", "echo pre >> " + logFile}
	e.Library.PostRestoreCommand = []string{"sh", "-c", "echo post >> " + logFile}

	for i := 0; i < 2; i++ {
		if r := e.Restore(context.Background(), RestoreOptions{}); r.Err != nil {
			t.Fatal(r.Err)
		}
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	// Hooks only run when something changes
	if string(data) != "pre\npost\n" {
		t.Errorf("unexpected hook log: %q", data)
	}

	// A failed pre-restore hook aborts
	writeFiles(t, e.Library.Path, map[string]string{"a.epub": "local"})
	e.Library.PreRestoreCommand = []string{"false"}
	r := e.Restore(context.Background(), RestoreOptions{})
	if r.Err == nil {
		t.Errorf("expected failure")
	}
	if data, _ := os.ReadFile(filepath.Join(e.Library.Path, "a.epub")); string(data) != "local" {
		t.Errorf("files changed despite hook failure")
	}
}

func TestRestorePostHookFailure(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a"})
	if r := f.engine(t, src).Backup(context.Background(), BackupOptions{}); r.Err != nil {
		t.Fatal(r.Err)
	}

	e := f.engine(t, t.TempDir())
	e.Library.PostRestoreCommand = []string{"false"}

	r := e.Restore(context.Background(), RestoreOptions{})
	if r.Err != nil || r.Status != ushelf.StatusCompletedWithErrors || len(r.FileErrors) != 1 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if data, _ := os.ReadFile(filepath.Join(e.Library.Path, "a.epub")); string(data) != "a" {
		t.Errorf("file not restored: %q", data)
	}
	if s := state(t, e); s.Manifest != nil {
		t.Errorf("sync state advanced despite hook failure: %v", *s.Manifest)
	}
}

func TestLockContention(t *testing.T) {
	f := newFixture()
	e := f.engine(t, t.TempDir())

	states, err := e.Library.StateStore()
	if err != nil {
		t.Fatal(err)
	}
	lock, err := states.Lock(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	report := e.Backup(context.Background(), BackupOptions{})
	if !ushelf.IsLockContention(report.Err) {
		t.Errorf("expected lock contention, got %v", report.Err)
	}
	if s := state(t, e); s.ConsecutiveFailures != 0 || s.LastStatus != "" {
		t.Errorf("contention must not be recorded: %+v", s)
	}
}

func TestAlertThreshold(t *testing.T) {
	f := newFixture()
	src := filepath.Join(t.TempDir(), "missing")
	e := f.engine(t, src)
	e.Library.AlertThreshold = 2

	for i, alert := range []bool{false, true, true} {
		r := e.Backup(context.Background(), BackupOptions{})
		if r.Err == nil || r.ConsecutiveFailures != i+1 || r.Alert != alert {
			t.Errorf("run %d: unexpected report %+v", i, r)
		}
	}

	writeFiles(t, src, map[string]string{"a.epub": "a"})
	r := e.Backup(context.Background(), BackupOptions{})
	if r.Err != nil || r.ConsecutiveFailures != 0 || r.Alert {
		t.Errorf("success must clear the alert: %+v", r)
	}
	if s := state(t, e); s.Alert || s.ConsecutiveFailures != 0 {
		t.Errorf("unexpected sync state: %+v", s)
	}
}

func TestDiff(t *testing.T) {
	f := newFixture()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.epub": "a", "b.epub": "b"})
	e := f.engine(t, src)
	if r := e.Backup(context.Background(), BackupOptions{}); r.Err != nil {
		t.Fatal(r.Err)
	}

	writeFiles(t, src, map[string]string{"b.epub": "B", "c.epub": "c"})
	if err := os.Remove(filepath.Join(src, "a.epub")); err != nil {
		t.Fatal(err)
	}

	changes, err := e.Diff(context.Background(), ushelf.DirectionBackup, "")
	if err != nil {
		t.Fatal(err)
	}
	expected := ushelf.ChangeSet{Added: []string{"c.epub"}, Modified: []string{"b.epub"}, Removed: []string{"a.epub"}}
	if !reflect.DeepEqual(changes, expected) {
		t.Errorf("expected %v, got %v", expected, changes)
	}

	changes, err = e.Diff(context.Background(), ushelf.DirectionRestore, "")
	if err != nil {
		t.Fatal(err)
	}
	expected = ushelf.ChangeSet{Added: []string{"a.epub"}, Modified: []string{"b.epub"}, Removed: []string{"c.epub"}}
	if !reflect.DeepEqual(changes, expected) {
		t.Errorf("expected %v, got %v", expected, changes)
	}

	if _, err := e.Diff(context.Background(), ushelf.DirectionRestore, "1999"); !errors.Is(err, ushelf.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
