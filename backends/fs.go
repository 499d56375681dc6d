package backends

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ErrFSPath = errors.New("fs backend: missing path")
	fsLog     = logrus.WithFields(logrus.Fields{
		"backend": "fs",
	})
)

// Objects are stored as <Path>/<kind>/<name>
type fsBackend struct {
	options  *ushelf.Options
	basePath string
}

func newFSBackend(options *ushelf.Options) (ushelf.Backend, error) {
	basePath := options.String["Path"]
	if basePath == "" {
		return nil, ErrFSPath
	}

	for _, kind := range []ushelf.ObjectKind{ushelf.KindChunks, ushelf.KindManifests} {
		if err := os.MkdirAll(filepath.Join(basePath, string(kind)), 0777); err != nil {
			return nil, ushelf.Fatal("fs init", err)
		}
	}

	return &fsBackend{options: options, basePath: basePath}, nil
}

func (b *fsBackend) objectPath(kind ushelf.ObjectKind, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", ushelf.Fatal("fs", fmt.Errorf("invalid object name %q", name))
	}
	return filepath.Join(b.basePath, string(kind), name), nil
}

func (b *fsBackend) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	finalFilename, err := b.objectPath(kind, name)
	if err != nil {
		return err
	}

	tmpF, err := os.CreateTemp(filepath.Dir(finalFilename), ushelf.TmpPrefix+"*")
	if err != nil {
		return classifyFSError("upload", err)
	}
	defer tmpF.Close()
	defer os.Remove(tmpF.Name())

	fsLog.WithFields(logrus.Fields{"kind": kind, "name": name}).Debugf("writing to %s", tmpF.Name())
	if _, err = io.Copy(tmpF, &ctxReader{ctx: ctx, r: data}); err != nil {
		return err
	}

	if err = tmpF.Sync(); err != nil {
		return classifyFSError("upload", err)
	}
	if err = tmpF.Close(); err != nil {
		return classifyFSError("upload", err)
	}

	return classifyFSError("upload", os.Rename(tmpF.Name(), finalFilename))
}

func (b *fsBackend) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	p, err := b.objectPath(kind, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, classifyFSError("download", err)
	}
	return f, nil
}

func (b *fsBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	p, err := b.objectPath(kind, name)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, classifyFSError("exists", err)
	}
	return true, nil
}

func (b *fsBackend) List(ctx context.Context, kind ushelf.ObjectKind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.basePath, string(kind)))
	if err != nil {
		return nil, classifyFSError("list", err)
	}

	res := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "_") || entry.IsDir() {
			continue
		}
		res = append(res, entry.Name())
	}

	return res, nil
}

func (b *fsBackend) Delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	p, err := b.objectPath(kind, name)
	if err != nil {
		return err
	}
	return classifyFSError("delete", os.Remove(p))
}

func classifyFSError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w: %v", op, ushelf.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return ushelf.Fatal(op, err)
	default:
		return err
	}
}

// Stop copies when the context is cancelled
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
