package backends

import (
	ushelf "github.com/sloonz/ushelf/lib"

	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/secsy/goftp"
	"github.com/sirupsen/logrus"
)

var (
	ftpLog = logrus.WithFields(logrus.Fields{
		"backend": "ftp",
	})
)

// goftp calls are not cancellable; cancellation is only observed between
// operations and while streaming data
type ftpBackend struct {
	options    *ushelf.Options
	prefix     string
	client     *goftp.Client
	prefixOnce sync.Once
}

func newFTPBackend(options *ushelf.Options) (ushelf.Backend, error) {
	u, err := url.Parse(options.String["URL"])
	if err != nil {
		ftpLog.Warnf("cannot parse URL: %v", err)
		return nil, fmt.Errorf("invalid FTP URL: %v", err)
	}

	address := u.Host
	username := u.User.Username()
	password, _ := u.User.Password()
	prefix := strings.Trim(options.String["Prefix"], "/") + "/"
	if prefix == "/" {
		prefix = ""
	}

	config := goftp.Config{
		User:     username,
		Password: password,
	}

	client, err := goftp.DialConfig(config, address)
	if err != nil {
		return nil, ushelf.Transient("ftp connect", err)
	}

	return &ftpBackend{options: options, client: client, prefix: prefix}, nil
}

func (b *ftpBackend) makePrefix() {
	b.prefixOnce.Do(func() {
		currentPath := ""
		for _, dir := range strings.Split(strings.Trim(b.prefix, "/"), "/") {
			if dir == "" {
				continue
			}
			currentPath = path.Join(currentPath, dir)
			_, _ = b.client.Mkdir(currentPath)
		}

		for _, kind := range []ushelf.ObjectKind{ushelf.KindChunks, ushelf.KindManifests} {
			_, _ = b.client.Mkdir(b.dir(kind))
		}
	})
}

func (b *ftpBackend) dir(kind ushelf.ObjectKind) string {
	return path.Join(b.prefix, string(kind))
}

func (b *ftpBackend) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	tmpFilePath := path.Join(b.dir(kind), "_tmp-"+name)
	finalFilePath := path.Join(b.dir(kind), name)
	ftpLog.WithFields(logrus.Fields{"path": tmpFilePath}).Debug("writing to temporary file")

	b.makePrefix()
	if err := b.client.Store(tmpFilePath, &ctxReader{ctx: ctx, r: data}); err != nil {
		_ = b.client.Delete(tmpFilePath)
		return classifyFTPError("upload", err)
	}

	if err := b.client.Rename(tmpFilePath, finalFilePath); err != nil {
		_ = b.client.Delete(tmpFilePath)
		return classifyFTPError("upload", err)
	}

	return nil
}

func (b *ftpBackend) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	filePath := path.Join(b.dir(kind), name)
	if _, err := b.client.Stat(filePath); err != nil {
		return nil, classifyFTPError("download", err)
	}

	reader, writer := io.Pipe()
	go func() {
		if err := b.client.Retrieve(filePath, writer); err != nil {
			writer.CloseWithError(classifyFTPError("download", err))
			return
		}
		writer.Close()
	}()

	return reader, nil
}

func (b *ftpBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	_, err := b.client.Stat(path.Join(b.dir(kind), name))
	if err != nil {
		err = classifyFTPError("exists", err)
		if errors.Is(err, ushelf.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *ftpBackend) List(ctx context.Context, kind ushelf.ObjectKind) ([]string, error) {
	var res []string

	b.makePrefix()
	files, err := b.client.ReadDir(b.dir(kind))
	if err != nil {
		return nil, classifyFTPError("list", err)
	}

	for _, file := range files {
		if file.IsDir() || strings.HasPrefix(file.Name(), ".") || strings.HasPrefix(file.Name(), "_") {
			continue
		}
		res = append(res, file.Name())
	}

	return res, nil
}

func (b *ftpBackend) Delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	if err := b.client.Delete(path.Join(b.dir(kind), name)); err != nil {
		return classifyFTPError("delete", err)
	}
	return nil
}

func (b *ftpBackend) Close() error {
	return b.client.Close()
}

func classifyFTPError(op string, err error) error {
	var ftpErr goftp.Error
	if !errors.As(err, &ftpErr) {
		return ushelf.Transient(op, err)
	}

	switch code := ftpErr.Code(); {
	case code == 550:
		return fmt.Errorf("%s: %w: %v", op, ushelf.ErrNotFound, err)
	case code == 530 || code == 532 || code == 552 || code == 553:
		return ushelf.Fatal(op, err)
	case ftpErr.Temporary():
		return ushelf.Transient(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
