package backends

import (
	"github.com/sloonz/ushelf/lib"

	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/gobuffalo/flect"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Exit codes of backend commands, from sysexits.h
const (
	exitNotFound  = 66 // EX_NOINPUT
	exitTransient = 75 // EX_TEMPFAIL
	exitFatal     = 77 // EX_NOPERM
)

var (
	ErrCommandMissing = errors.New("command backend: missing command")
	commandLog        = logrus.WithFields(logrus.Fields{
		"backend": "command",
	})
)

// Delegates storage to an external program, invoked as:
//
//	<command> backend validate-options
//	<command> backend upload <kind> <name>     (content on stdin)
//	<command> backend download <kind> <name>   (content on stdout)
//	<command> backend exists <kind> <name>     (prints true or false)
//	<command> backend list <kind>              (one name per line)
//	<command> backend delete <kind> <name>
//
// Options are passed as USHELF_OPT_* (strings) and USHELF_SOPT_* (JSON lists)
// environment variables.
type commandBackend struct {
	options *ushelf.Options
	command string
	env     []string
}

func newCommandBackend(options *ushelf.Options) (ushelf.Backend, error) {
	command := options.String["Command"]
	if command == "" {
		return nil, ErrCommandMissing
	}

	env := os.Environ()
	for k, v := range options.String {
		env = append(env, fmt.Sprintf("USHELF_OPT_%s=%s", flect.New(k).Underscore().ToUpper().String(), v))
	}
	for k, v := range options.StrSlice {
		jsonVal, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env = append(env, fmt.Sprintf("USHELF_SOPT_%s=%s", flect.New(k).Underscore().ToUpper().String(), string(jsonVal)))
	}

	b := &commandBackend{options: options, command: command, env: env}
	if _, err := b.run(context.Background(), "validate-options", nil); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *commandBackend) cmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, b.command, append([]string{"backend"}, args...)...)
	cmd.Stderr = os.Stderr
	cmd.Env = b.env
	return cmd
}

func (b *commandBackend) run(ctx context.Context, op string, args []string) (*bytes.Buffer, error) {
	buf := bytes.NewBuffer(nil)
	cmd := b.cmd(ctx, append([]string{op}, args...)...)
	cmd.Stdout = buf

	commandLog.Debugf("running: %v", cmd.String())
	if err := cmd.Run(); err != nil {
		return nil, classifyCommandError(op, err)
	}
	return buf, nil
}

func (b *commandBackend) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	cmd := b.cmd(ctx, "upload", string(kind), name)
	cmd.Stdout = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	commandLog.Debugf("running: %v", cmd.String())
	if err := cmd.Start(); err != nil {
		return err
	}

	if _, err := io.Copy(stdin, data); err != nil {
		// Killed before seeing EOF, the command cannot mistake partial data for a complete object
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	if err := stdin.Close(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	return classifyCommandError("upload", cmd.Wait())
}

func (b *commandBackend) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	cmd := b.cmd(ctx, "download", string(kind), name)
	cmd.Stdout = pw

	commandLog.Debugf("running: %v", cmd.String())
	err := cmd.Start()
	if err != nil {
		return nil, err
	}

	go func() {
		pw.CloseWithError(classifyCommandError("download", cmd.Wait()))
	}()

	// Surface missing objects now rather than on first read
	br := bufio.NewReader(pr)
	if _, err := br.Peek(1); err != nil && err != io.EOF {
		pr.Close()
		return nil, err
	}

	return &commandReader{Reader: br, pr: pr}, nil
}

type commandReader struct {
	*bufio.Reader
	pr *io.PipeReader
}

func (r *commandReader) Close() error {
	return r.pr.Close()
}

func (b *commandBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	buf, err := b.run(ctx, "exists", []string{string(kind), name})
	if err != nil {
		return false, err
	}

	switch strings.TrimSpace(buf.String()) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("exists: unexpected output %q", buf.String())
	}
}

func (b *commandBackend) List(ctx context.Context, kind ushelf.ObjectKind) ([]string, error) {
	var res []string

	buf, err := b.run(ctx, "list", []string{string(kind)})
	if err != nil {
		return nil, err
	}

	for {
		entry, err := buf.ReadString('\n')
		entry = strings.TrimSpace(entry)
		if entry != "" && !strings.HasPrefix(entry, ".") && !strings.HasPrefix(entry, "_") {
			res = append(res, entry)
		}

		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
	}

	return res, nil
}

func (b *commandBackend) Delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	_, err := b.run(ctx, "delete", []string{string(kind), name})
	return err
}

func classifyCommandError(op string, err error) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}

	switch exitErr.ExitCode() {
	case exitNotFound:
		return fmt.Errorf("%s: %w: %v", op, ushelf.ErrNotFound, err)
	case exitTransient:
		return ushelf.Transient(op, err)
	case exitFatal:
		return ushelf.Fatal(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
