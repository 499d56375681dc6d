package ushelf

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/rpc"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
)

type ReadWriteCloser struct {
	io.ReadCloser
	io.WriteCloser
}

func (rwc *ReadWriteCloser) Close() error {
	if err := rwc.ReadCloser.Close(); err != nil {
		_ = rwc.WriteCloser.Close()
		return err
	}
	return rwc.WriteCloser.Close()
}

// Connection to a `ushelf proxy` subprocess. The first stream carries RPC
// calls; transfers open additional streams, identified by their stream id.
type ProxyConn struct {
	Session *yamux.Session
	RPC     *rpc.Client
	cmd     *exec.Cmd
}

func OpenProxy(logger *logrus.Entry, command []string) (*ProxyConn, error) {
	cmd := BuildCommand(command)
	cmd.Stdout = nil
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	rwc := ReadWriteCloser{
		ReadCloser:  stdout,
		WriteCloser: stdin,
	}

	err = StartCommand(logger, cmd)
	if err != nil {
		return nil, err
	}

	session, err := yamux.Client(&rwc, nil)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	rpcStream, err := session.OpenStream()
	if err != nil {
		_ = session.Close()
		_ = cmd.Process.Kill()
		return nil, err
	}

	return &ProxyConn{Session: session, RPC: rpc.NewClient(rpcStream), cmd: cmd}, nil
}

func (c *ProxyConn) Close() error {
	err := c.RPC.Close()
	if serr := c.Session.Close(); err == nil {
		err = serr
	}
	if werr := c.cmd.Wait(); err == nil {
		err = werr
	}
	return err
}

// Options forwarded to the remote side: the proxy options themselves are
// stripped, and Proxy-prefixed options replace their unprefixed counterpart
func ProxiedOptions(options *Options) Options {
	opts := Options{
		String:   make(map[string]string),
		StrSlice: make(map[string][]string),
	}

	for k, v := range options.String {
		if k != "Proxy" && k != "Command" && k != "Type" {
			opts.String[strings.TrimPrefix(k, "Proxy")] = v
		}
	}

	for k, v := range options.StrSlice {
		if k != "Proxy" && k != "Command" && k != "Type" {
			opts.StrSlice[strings.TrimPrefix(k, "Proxy")] = v
		}
	}

	return opts
}

// Open a transfer stream on the session
func (c *ProxyConn) OpenStream() (*yamux.Stream, error) {
	return c.Session.OpenStream()
}

// Transfers are framed so that a truncated stream is never mistaken for a
// complete object: each frame is a big-endian uint32 length followed by the
// data, and a zero-length frame terminates the transfer.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return 0, err
	}
	return fw.w.Write(p)
}

// Mark the transfer as complete
func (fw *FrameWriter) Close() error {
	var hdr [4]byte
	_, err := fw.w.Write(hdr[:])
	return err
}

type FrameReader struct {
	r         io.Reader
	remaining uint32
	done      bool
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

func (fr *FrameReader) Read(p []byte) (int, error) {
	if fr.done {
		return 0, io.EOF
	}

	if fr.remaining == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		fr.remaining = binary.BigEndian.Uint32(hdr[:])
		if fr.remaining == 0 {
			fr.done = true
			return 0, io.EOF
		}
	}

	if uint32(len(p)) > fr.remaining {
		p = p[:fr.remaining]
	}
	n, err := fr.r.Read(p)
	fr.remaining -= uint32(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Transfer streams accepted by the proxy server, waiting to be claimed by the
// RPC call that references them
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[uint32]*yamux.Stream
	waiters map[uint32]chan *yamux.Stream
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[uint32]*yamux.Stream),
		waiters: make(map[uint32]chan *yamux.Stream),
	}
}

func (r *StreamRegistry) Add(stream *yamux.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.waiters[stream.StreamID()]; ok {
		delete(r.waiters, stream.StreamID())
		ch <- stream
		return
	}
	r.streams[stream.StreamID()] = stream
}

// Claim a stream, waiting for it to be accepted if needed
func (r *StreamRegistry) Take(id uint32, timeout time.Duration) (*yamux.Stream, error) {
	r.mu.Lock()
	if stream, ok := r.streams[id]; ok {
		delete(r.streams, id)
		r.mu.Unlock()
		return stream, nil
	}
	ch := make(chan *yamux.Stream, 1)
	r.waiters[id] = ch
	r.mu.Unlock()

	select {
	case stream := <-ch:
		return stream, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
		// Add may have won the race
		select {
		case stream := <-ch:
			return stream, nil
		default:
		}
		return nil, fmt.Errorf("stream %d was never opened", id)
	}
}
