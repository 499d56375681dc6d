package backends

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrProxyCommandMissing = errors.New("proxy backend: missing command")
	proxyLog               = logrus.WithFields(logrus.Fields{
		"backend": "proxy",
	})
)

type ObjectArgs struct {
	ushelf.Options
	Kind ushelf.ObjectKind
	Name string
}

type TransferArgs struct {
	ObjectArgs
	StreamID uint32
}

type ListArgs struct {
	ushelf.Options
	Kind ushelf.ObjectKind
}

// Runs a backend on the other side of a `ushelf proxy` command (typically
// through ssh). A single session is kept for the lifetime of the backend;
// each transfer uses its own stream.
type proxyBackend struct {
	options *ushelf.Options
	command []string

	mu   sync.Mutex
	conn *ushelf.ProxyConn
}

func newProxyBackend(options *ushelf.Options) (ushelf.Backend, error) {
	command := options.GetCommand("Command", nil)
	if len(command) == 0 {
		return nil, ErrProxyCommandMissing
	}

	return &proxyBackend{options: options, command: command}, nil
}

func (b *proxyBackend) connection() (*ushelf.ProxyConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.Session.IsClosed() {
		return b.conn, nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}

	conn, err := ushelf.OpenProxy(proxyLog, b.command)
	if err != nil {
		return nil, ushelf.Transient("proxy", fmt.Errorf("failed to open proxy session: %v", err))
	}
	b.conn = conn
	return conn, nil
}

func (b *proxyBackend) call(ctx context.Context, method string, args any, reply any) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}

	call := conn.RPC.Go("Backend."+method, args, reply, nil)
	select {
	case <-call.Done:
		return DecodeProxyError(method, call.Error)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *proxyBackend) objectArgs(kind ushelf.ObjectKind, name string) ObjectArgs {
	return ObjectArgs{Options: ushelf.ProxiedOptions(b.options), Kind: kind, Name: name}
}

func (b *proxyBackend) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}

	stream, err := conn.OpenStream()
	if err != nil {
		return ushelf.Transient("upload", err)
	}
	defer stream.Close()

	args := &TransferArgs{ObjectArgs: b.objectArgs(kind, name), StreamID: stream.StreamID()}
	call := conn.RPC.Go("Backend.Upload", args, nil, nil)

	fw := ushelf.NewFrameWriter(stream)
	_, copyErr := io.Copy(fw, &ctxReader{ctx: ctx, r: data})
	if copyErr == nil {
		copyErr = fw.Close()
	}
	// Without the terminating frame, the remote side sees a truncated transfer
	_ = stream.Close()

	select {
	case <-call.Done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if copyErr != nil {
		return copyErr
	}
	return DecodeProxyError("upload", call.Error)
}

func (b *proxyBackend) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStream()
	if err != nil {
		return nil, ushelf.Transient("download", err)
	}

	args := &TransferArgs{ObjectArgs: b.objectArgs(kind, name), StreamID: stream.StreamID()}
	if err := b.call(ctx, "Download", args, nil); err != nil {
		_ = stream.Close()
		return nil, err
	}

	return &proxyReader{FrameReader: ushelf.NewFrameReader(stream), stream: stream}, nil
}

func (b *proxyBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	var exists bool
	args := b.objectArgs(kind, name)
	err := b.call(ctx, "Exists", &args, &exists)
	return exists, err
}

func (b *proxyBackend) List(ctx context.Context, kind ushelf.ObjectKind) ([]string, error) {
	var names []string
	err := b.call(ctx, "List", &ListArgs{Options: ushelf.ProxiedOptions(b.options), Kind: kind}, &names)
	return names, err
}

func (b *proxyBackend) Delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	args := b.objectArgs(kind, name)
	return b.call(ctx, "Delete", &args, nil)
}

func (b *proxyBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

type proxyReader struct {
	*ushelf.FrameReader
	stream io.Closer
}

func (r *proxyReader) Close() error {
	return r.stream.Close()
}

// net/rpc only carries error strings; the error class is kept as a prefix
const (
	proxyErrNotFound  = "not-found: "
	proxyErrFatal     = "fatal: "
	proxyErrTransient = "transient: "
)

func EncodeProxyError(err error) error {
	if err == nil {
		return nil
	}

	var transient *ushelf.TransientError
	switch {
	case errors.Is(err, ushelf.ErrNotFound):
		return errors.New(proxyErrNotFound + err.Error())
	case ushelf.IsPermanent(err):
		return errors.New(proxyErrFatal + err.Error())
	case errors.As(err, &transient):
		return errors.New(proxyErrTransient + err.Error())
	default:
		return err
	}
}

func DecodeProxyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		// Connection-level failure
		return ushelf.Transient(op, err)
	}

	msg := string(serverErr)
	switch {
	case strings.HasPrefix(msg, proxyErrNotFound):
		return fmt.Errorf("%s: %w: %s", op, ushelf.ErrNotFound, strings.TrimPrefix(msg, proxyErrNotFound))
	case strings.HasPrefix(msg, proxyErrFatal):
		return ushelf.Fatal(op, errors.New(strings.TrimPrefix(msg, proxyErrFatal)))
	case strings.HasPrefix(msg, proxyErrTransient):
		return ushelf.Transient(op, errors.New(strings.TrimPrefix(msg, proxyErrTransient)))
	default:
		return fmt.Errorf("%s: %s", op, msg)
	}
}
