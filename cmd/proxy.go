package cmd

import (
	"github.com/sloonz/ushelf/backends"
	"github.com/sloonz/ushelf/lib"

	"context"
	"io"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Time to wait for the transfer stream announced by an RPC call
const proxyStreamTimeout = 30 * time.Second

var proxyLog = logrus.WithFields(logrus.Fields{"component": "proxy"})

// RPC service answering a proxy backend. Backends are built once per
// distinct set of options and kept for the lifetime of the session.
type Backend struct {
	streams *ushelf.StreamRegistry

	mu       sync.Mutex
	backends map[string]ushelf.Backend
}

func (s *Backend) backend(options *ushelf.Options) (ushelf.Backend, error) {
	key, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.backends[string(key)]; ok {
		return b, nil
	}
	b, err := backends.NewRaw(options)
	if err != nil {
		return nil, ushelf.Fatal("proxy", err)
	}
	s.backends[string(key)] = b
	return b, nil
}

func (s *Backend) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.backends {
		if err := ushelf.CloseBackend(b); err != nil {
			proxyLog.Warnf("cannot close backend: %v", err)
		}
	}
	s.backends = map[string]ushelf.Backend{}
}

func (s *Backend) Upload(args *backends.TransferArgs, reply *struct{}) error {
	stream, err := s.streams.Take(args.StreamID, proxyStreamTimeout)
	if err != nil {
		return backends.EncodeProxyError(ushelf.Transient("upload", err))
	}
	defer stream.Close()

	err = func() error {
		b, err := s.backend(&args.Options)
		if err != nil {
			return err
		}
		return b.Upload(context.Background(), args.Kind, args.Name, ushelf.NewFrameReader(stream))
	}()
	if err != nil {
		// Let the client finish writing, it only looks at the reply afterwards
		_, _ = io.Copy(io.Discard, stream)
	}
	return backends.EncodeProxyError(err)
}

// Replies once the object is known to exist; content then flows on the
// transfer stream
func (s *Backend) Download(args *backends.TransferArgs, reply *struct{}) error {
	stream, err := s.streams.Take(args.StreamID, proxyStreamTimeout)
	if err != nil {
		return backends.EncodeProxyError(ushelf.Transient("download", err))
	}

	b, err := s.backend(&args.Options)
	if err != nil {
		_ = stream.Close()
		return backends.EncodeProxyError(err)
	}

	data, err := b.Download(context.Background(), args.Kind, args.Name)
	if err != nil {
		_ = stream.Close()
		return backends.EncodeProxyError(err)
	}

	go func() {
		defer stream.Close()
		defer data.Close()

		fw := ushelf.NewFrameWriter(stream)
		if _, err := io.Copy(fw, data); err != nil {
			// Without the terminating frame, the client sees a truncated transfer
			proxyLog.WithFields(logrus.Fields{"kind": args.Kind, "name": args.Name}).Warnf("download interrupted: %v", err)
			return
		}
		if err := fw.Close(); err != nil {
			proxyLog.Warnf("cannot terminate transfer: %v", err)
		}
	}()

	return nil
}

func (s *Backend) Exists(args *backends.ObjectArgs, reply *bool) error {
	b, err := s.backend(&args.Options)
	if err != nil {
		return backends.EncodeProxyError(err)
	}
	*reply, err = b.Exists(context.Background(), args.Kind, args.Name)
	return backends.EncodeProxyError(err)
}

func (s *Backend) List(args *backends.ListArgs, reply *[]string) error {
	b, err := s.backend(&args.Options)
	if err != nil {
		return backends.EncodeProxyError(err)
	}
	*reply, err = b.List(context.Background(), args.Kind)
	return backends.EncodeProxyError(err)
}

func (s *Backend) Delete(args *backends.ObjectArgs, reply *struct{}) error {
	b, err := s.backend(&args.Options)
	if err != nil {
		return backends.EncodeProxyError(err)
	}
	return backends.EncodeProxyError(b.Delete(context.Background(), args.Kind, args.Name))
}

// Serve proxy requests on a connection: the first stream carries RPC calls,
// every following stream is a transfer
func serveProxy(conn io.ReadWriteCloser) error {
	session, err := yamux.Server(conn, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	rpcStream, err := session.AcceptStream()
	if err != nil {
		return err
	}

	svc := &Backend{streams: ushelf.NewStreamRegistry(), backends: map[string]ushelf.Backend{}}
	defer svc.Close()

	go func() {
		for {
			stream, err := session.AcceptStream()
			if err != nil {
				return
			}
			svc.streams.Add(stream)
		}
	}()

	server := rpc.NewServer()
	if err = server.RegisterName("Backend", svc); err != nil {
		return err
	}

	server.ServeConn(rpcStream)
	return nil
}

var (
	cmdProxy = &cobra.Command{
		Use:    "proxy",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			rwc := ushelf.ReadWriteCloser{
				ReadCloser:  os.Stdin,
				WriteCloser: os.Stdout,
			}

			if err := serveProxy(&rwc); err != nil {
				logrus.Fatalf("Failed to start proxy server: %v", err)
			}
		},
	}
)
