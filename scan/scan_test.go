package scan

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func paths(tree *ushelf.LibraryTree) []string {
	var res []string
	for _, e := range tree.Entries {
		res = append(res, e.Path)
	}
	return res
}

func TestScanDeterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "metadata.db", "catalog")
	writeFile(t, root, "Author/Book (1)/book.epub", "epub content")
	writeFile(t, root, "Author/Book (1)/cover.jpg", "jpeg")
	writeFile(t, root, "Author B/Other (2)/book.pdf", "pdf content")
	writeFile(t, root, "Author/Book (1)/"+ushelf.TmpPrefix+"123", "partial restore")

	tree, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{
		"Author B/Other (2)/book.pdf",
		"Author/Book (1)/book.epub",
		"Author/Book (1)/cover.jpg",
		"metadata.db",
	}
	if !reflect.DeepEqual(paths(tree), expected) {
		t.Errorf("expected: %v, got: %v", expected, paths(tree))
	}
	if len(tree.Errors) != 0 {
		t.Errorf("unexpected errors: %v", tree.Errors)
	}

	idx := tree.Index()
	if e := idx["metadata.db"]; e.Fingerprint != ushelf.FingerprintOf([]byte("catalog")) || e.Size != 7 || e.Type != ushelf.TypeFile {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestFingerprintIgnoresPathAndMtime(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/first.epub", "same bytes")
	writeFile(t, root, "b/second name.mobi", "same bytes")
	old := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(root, "a", "first.epub"), old, old); err != nil {
		t.Fatal(err)
	}

	tree, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	idx := tree.Index()
	if idx["a/first.epub"].Fingerprint != idx["b/second name.mobi"].Fingerprint {
		t.Errorf("identical content yields different fingerprints")
	}
	if len(tree.Fingerprints()) != 1 {
		t.Errorf("expected a single distinct fingerprint, got %d", len(tree.Fingerprints()))
	}
}

func TestScanEdgeCases(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "empty.txt", "")
	writeFile(t, root, "target.epub", "content")
	if err := os.Symlink("target.epub", filepath.Join(root, "link.epub")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if err := os.Symlink("does/not/exist", filepath.Join(root, "dangling")); err != nil {
		t.Fatal(err)
	}

	tree, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	idx := tree.Index()

	empty, ok := idx["empty.txt"]
	if !ok {
		t.Fatalf("empty file not tracked")
	}
	if empty.Fingerprint != ushelf.EmptyFingerprint {
		t.Errorf("empty file fingerprint: %v", empty.Fingerprint)
	}

	link := idx["link.epub"]
	if link.Type != ushelf.TypeSymlink || link.Fingerprint != ushelf.FingerprintOf([]byte("target.epub")) {
		t.Errorf("symlink must be fingerprinted by its target: %+v", link)
	}
	if link.Fingerprint == idx["target.epub"].Fingerprint {
		t.Errorf("symlink was dereferenced")
	}

	dangling := idx["dangling"]
	if dangling.Type != ushelf.TypeSymlink || dangling.Fingerprint != ushelf.FingerprintOf([]byte("does/not/exist")) {
		t.Errorf("dangling symlink not tracked: %+v", dangling)
	}
}

func TestScanExclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "metadata.db", "catalog")
	writeFile(t, root, ".caltrash/old.epub", "deleted")
	writeFile(t, root, "Author/Book/book.epub.tmp", "tmp")
	writeFile(t, root, "Author/Book/book.epub", "book")

	tree, err := Scan(context.Background(), root, Options{Exclude: []string{".caltrash", "*.tmp"}})
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{"Author/Book/book.epub", "metadata.db"}
	if !reflect.DeepEqual(paths(tree), expected) {
		t.Errorf("expected: %v, got: %v", expected, paths(tree))
	}
}

func TestScanUnreadable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permissions are not enforced")
	}

	root := t.TempDir()
	writeFile(t, root, "ok.epub", "fine")
	writeFile(t, root, "locked.epub", "secret")
	if err := os.Chmod(filepath.Join(root, "locked.epub"), 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(filepath.Join(root, "locked.epub"), 0o644) //nolint:errcheck

	tree, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("a single unreadable file must not abort the scan: %v", err)
	}
	if !reflect.DeepEqual(paths(tree), []string{"ok.epub"}) {
		t.Errorf("unexpected entries: %v", paths(tree))
	}
	if len(tree.Errors) != 1 || tree.Errors[0].Path != "locked.epub" {
		t.Errorf("expected one error for locked.epub, got %v", tree.Errors)
	}
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{})
	if err == nil {
		t.Error("expected an error for a missing root")
	}
}

func TestDiff(t *testing.T) {
	entry := func(p, content string) ushelf.FileEntry {
		return ushelf.FileEntry{Path: p, Type: ushelf.TypeFile, Fingerprint: ushelf.FingerprintOf([]byte(content))}
	}

	old := &ushelf.LibraryTree{Entries: []ushelf.FileEntry{
		entry("a.epub", "a"),
		entry("b.epub", "b"),
		entry("c.epub", "c"),
		entry("metadata.db", "v1"),
	}}
	newer := &ushelf.LibraryTree{Entries: []ushelf.FileEntry{
		entry("a.epub", "a"),
		entry("c.epub", "c"),
		entry("d.epub", "d"),
		entry("metadata.db", "v2"),
	}}
	// Same content as a file, but now a symlink
	link := entry("a.epub", "a")
	link.Type = ushelf.TypeSymlink

	changes := Diff(old, newer)
	expected := ushelf.ChangeSet{
		Added:    []string{"d.epub"},
		Modified: []string{"metadata.db"},
		Removed:  []string{"b.epub"},
	}
	if !reflect.DeepEqual(changes, expected) {
		t.Errorf("expected: %+v, got: %+v", expected, changes)
	}

	if !Diff(old, old).Empty() {
		t.Errorf("a tree must not differ from itself")
	}

	changes = Diff(nil, old)
	if len(changes.Added) != 4 || len(changes.Modified) != 0 || len(changes.Removed) != 0 {
		t.Errorf("diff from nothing must add everything: %+v", changes)
	}

	changes = Diff(&ushelf.LibraryTree{Entries: []ushelf.FileEntry{entry("a.epub", "a")}}, &ushelf.LibraryTree{Entries: []ushelf.FileEntry{link}})
	if !reflect.DeepEqual(changes.Modified, []string{"a.epub"}) {
		t.Errorf("type change must be a modification: %+v", changes)
	}

	m := &ushelf.Manifest{Entries: newer.Entries}
	changes = DiffManifest(m, old)
	if !reflect.DeepEqual(changes, expected) {
		t.Errorf("manifest diff: expected: %+v, got: %+v", expected, changes)
	}
}
