package backends

import (
	"github.com/sloonz/ushelf/lib"

	"bytes"
	"context"
	"errors"
	"io"
	"net/rpc"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Behavior every backend must have
func testBackend(t *testing.T, b ushelf.Backend) {
	t.Helper()
	ctx := context.Background()

	if names, err := b.List(ctx, ushelf.KindChunks); err != nil || len(names) != 0 {
		t.Fatalf("expected an empty backend, got %v, %v", names, err)
	}

	if err := b.Upload(ctx, ushelf.KindChunks, "aaaa", strings.NewReader("first")); err != nil {
		t.Fatalf("cannot upload: %v", err)
	}
	if err := b.Upload(ctx, ushelf.KindChunks, "bbbb", strings.NewReader("second")); err != nil {
		t.Fatalf("cannot upload: %v", err)
	}
	if err := b.Upload(ctx, ushelf.KindManifests, "aaaa", strings.NewReader("manifest")); err != nil {
		t.Fatalf("cannot upload: %v", err)
	}

	// Uploading an existing object again must succeed
	if err := b.Upload(ctx, ushelf.KindChunks, "aaaa", strings.NewReader("first")); err != nil {
		t.Fatalf("cannot upload twice: %v", err)
	}

	names, err := b.List(ctx, ushelf.KindChunks)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"aaaa", "bbbb"}) {
		t.Errorf("unexpected chunks: %v", names)
	}

	rc, err := b.Download(ctx, ushelf.KindManifests, "aaaa")
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(data) != "manifest" {
		t.Errorf("kinds are not separated: %q, %v", data, err)
	}

	if ok, err := b.Exists(ctx, ushelf.KindChunks, "bbbb"); err != nil || !ok {
		t.Errorf("expected bbbb to exist: %v, %v", ok, err)
	}
	if ok, err := b.Exists(ctx, ushelf.KindChunks, "cccc"); err != nil || ok {
		t.Errorf("expected cccc to be missing: %v, %v", ok, err)
	}

	if _, err := b.Download(ctx, ushelf.KindChunks, "cccc"); !errors.Is(err, ushelf.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// A failing reader must not leave an object behind
	failure := errors.New("read failure")
	err = b.Upload(ctx, ushelf.KindChunks, "dddd", io.MultiReader(strings.NewReader("partial"), &failingReader{err: failure}))
	if err == nil {
		t.Errorf("upload with failing reader succeeded")
	}
	if ok, _ := b.Exists(ctx, ushelf.KindChunks, "dddd"); ok {
		t.Errorf("partial upload is visible")
	}

	if err := b.Delete(ctx, ushelf.KindChunks, "aaaa"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Exists(ctx, ushelf.KindChunks, "aaaa"); ok {
		t.Errorf("deleted object still exists")
	}
	if ok, _ := b.Exists(ctx, ushelf.KindManifests, "aaaa"); !ok {
		t.Errorf("delete removed an object of another kind")
	}
}

type failingReader struct {
	err error
}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, r.err
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, NewMemory())
}

func TestFSBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewRaw(&ushelf.Options{String: map[string]string{"Type": "fs", "Path": dir}})
	if err != nil {
		t.Fatal(err)
	}
	testBackend(t, b)

	entries, err := os.ReadDir(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ushelf.TmpPrefix) {
			t.Errorf("temporary file left behind: %v", e.Name())
		}
	}

	if err := b.Upload(context.Background(), ushelf.KindChunks, "../escape", strings.NewReader("x")); err == nil {
		t.Errorf("object names must not escape the backend directory")
	}
}

func TestFSBackendMissingPath(t *testing.T) {
	_, err := NewRaw(&ushelf.Options{String: map[string]string{"Type": "fs"}})
	if !errors.Is(err, ErrFSPath) {
		t.Errorf("expected ErrFSPath, got %v", err)
	}
}

const commandBackendScript = `#!/bin/sh
set -e
dir="$USHELF_OPT_PATH"
[ "$1" = backend ] || exit 2
case "$2" in
validate-options) [ -n "$dir" ] ;;
upload) mkdir -p "$dir/$3"; cat > "$dir/$3/.tmp-$4"; mv "$dir/$3/.tmp-$4" "$dir/$3/$4" ;;
download) [ -f "$dir/$3/$4" ] || exit 66; cat "$dir/$3/$4" ;;
exists) if [ -f "$dir/$3/$4" ]; then echo true; else echo false; fi ;;
list) mkdir -p "$dir/$3"; ls "$dir/$3" ;;
delete) [ -f "$dir/$3/$4" ] || exit 66; rm "$dir/$3/$4" ;;
*) exit 2 ;;
esac
`

func TestCommandBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "backend.sh")
	if err := os.WriteFile(script, []byte(commandBackendScript), 0o755); err != nil {
		t.Fatal(err)
	}

	b, err := NewRaw(&ushelf.Options{String: map[string]string{"Type": "command", "Command": script, "Path": filepath.Join(dir, "data")}})
	if err != nil {
		t.Fatal(err)
	}
	testBackend(t, b)
}

func TestClassifyCommandError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "backend.sh")
	err := os.WriteFile(script, []byte("#!/bin/sh\n[ \"$2\" = validate-options ] && exit 0\nexit $USHELF_OPT_CODE\n"), 0o755)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		code      string
		permanent bool
		transient bool
	}{
		{"66", true, false},
		{"75", false, true},
		{"77", true, false},
		{"1", false, false},
	}
	for _, tt := range tests {
		b, err := NewRaw(&ushelf.Options{String: map[string]string{"Type": "command", "Command": script, "Code": tt.code}})
		if err != nil {
			t.Fatal(err)
		}
		err = b.Delete(context.Background(), ushelf.KindChunks, "x")
		var transient *ushelf.TransientError
		if ushelf.IsPermanent(err) != tt.permanent || errors.As(err, &transient) != tt.transient {
			t.Errorf("exit code %s: unexpected classification of %v", tt.code, err)
		}
	}
}

type flakyBackend struct {
	*Memory
	failures atomic.Int32
	err      error
	delay    time.Duration
}

func (b *flakyBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if b.failures.Add(-1) >= 0 {
		return false, b.err
	}
	return b.Memory.Exists(ctx, kind, name)
}

func TestResilientBreaker(t *testing.T) {
	flaky := &flakyBackend{Memory: NewMemory(), err: errors.New("connection reset")}
	flaky.failures.Store(100)
	b := NewResilient("test-breaker", flaky, ResilienceOptions{BreakerThreshold: 3, BreakerTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if _, err := b.Exists(context.Background(), ushelf.KindChunks, "x"); err == nil {
			t.Fatal("expected failure")
		}
	}

	before := flaky.failures.Load()
	_, err := b.Exists(context.Background(), ushelf.KindChunks, "x")
	var transient *ushelf.TransientError
	if !errors.As(err, &transient) {
		t.Errorf("open breaker must fail with a transient error, got %v", err)
	}
	if flaky.failures.Load() != before {
		t.Errorf("open breaker must not call the backend")
	}
}

func TestResilientBreakerIgnoresNotFound(t *testing.T) {
	b := NewResilient("test-notfound", NewMemory(), ResilienceOptions{BreakerThreshold: 2, BreakerTimeout: time.Hour})
	for i := 0; i < 5; i++ {
		if _, err := b.Download(context.Background(), ushelf.KindChunks, "missing"); !errors.Is(err, ushelf.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if err := b.Upload(context.Background(), ushelf.KindChunks, "x", bytes.NewReader([]byte("x"))); err != nil {
		t.Errorf("missing objects must not open the breaker: %v", err)
	}
}

func TestResilientTimeout(t *testing.T) {
	slow := &flakyBackend{Memory: NewMemory(), delay: time.Second}
	b := NewResilient("test-timeout", slow, ResilienceOptions{OpTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := b.Exists(context.Background(), ushelf.KindChunks, "x")
	var transient *ushelf.TransientError
	if !errors.As(err, &transient) {
		t.Errorf("expected a transient timeout error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout not enforced")
	}
}

func TestResilientDownloadOutlivesCall(t *testing.T) {
	mem := NewMemory()
	mem.Set(ushelf.KindChunks, "x", []byte("content"))
	b := NewResilient("test-download", mem, ResilienceOptions{OpTimeout: time.Minute})

	rc, err := b.Download(context.Background(), ushelf.KindChunks, "x")
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rc)
	if err != nil || string(data) != "content" {
		t.Errorf("unexpected content %q, %v", data, err)
	}
	if err := rc.Close(); err != nil {
		t.Error(err)
	}
}

func TestProxyErrorRoundTrip(t *testing.T) {
	tests := []struct {
		err      error
		notFound bool
		fatal    bool
	}{
		{ushelf.ErrNotFound, true, false},
		{ushelf.Fatal("upload", errors.New("access denied")), false, true},
		{ushelf.Transient("upload", errors.New("timeout")), false, false},
	}
	for _, tt := range tests {
		encoded := EncodeProxyError(tt.err)
		decoded := DecodeProxyError("op", rpcServerError(encoded))
		var fatal *ushelf.FatalError
		if errors.Is(decoded, ushelf.ErrNotFound) != tt.notFound || errors.As(decoded, &fatal) != tt.fatal {
			t.Errorf("%v: badly decoded as %v", tt.err, decoded)
		}
	}
}

func rpcServerError(err error) error {
	return rpc.ServerError(err.Error())
}
