package backends

import (
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/metrics"

	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

type ResilienceOptions struct {
	// Deadline of a single operation; for downloads, until the reader is closed. 0 disables it.
	OpTimeout time.Duration

	// Consecutive failures opening the circuit. 0 disables the breaker.
	BreakerThreshold int

	// Time the circuit stays open before letting a trial request through
	BreakerTimeout time.Duration

	// Operations per second. 0 means unlimited.
	RateLimit float64
}

func NewResilienceOptions(options *ushelf.Options) (ResilienceOptions, error) {
	var opts ResilienceOptions
	var err error
	if opts.OpTimeout, err = options.GetDuration("OpTimeout", 10*time.Minute); err != nil {
		return opts, err
	}
	if opts.BreakerThreshold, err = options.GetInt("BreakerThreshold", 5); err != nil {
		return opts, err
	}
	if opts.BreakerTimeout, err = options.GetDuration("BreakerTimeout", 30*time.Second); err != nil {
		return opts, err
	}
	if opts.RateLimit, err = options.GetFloat("RateLimit", 0); err != nil {
		return opts, err
	}
	return opts, nil
}

// Applies per-operation timeouts, rate limiting and a circuit breaker to a
// backend. Retries are not done here: an upload consumes its reader, so it
// can only be retried by the caller that can reopen the source.
type resilientBackend struct {
	name    string
	backend ushelf.Backend
	opts    ResilienceOptions
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
}

func NewResilient(name string, backend ushelf.Backend, opts ResilienceOptions) ushelf.Backend {
	b := &resilientBackend{name: name, backend: backend, opts: opts}

	if opts.RateLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, int(opts.RateLimit)))
	}

	if opts.BreakerThreshold > 0 {
		log := logrus.WithFields(logrus.Fields{"backend": name})
		metrics.BreakerState.WithLabelValues(name).Set(0)
		b.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(opts.BreakerThreshold)
			},
			// Missing objects and local errors say nothing about the health of the backend
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ushelf.ErrNotFound) || errors.Is(err, context.Canceled) || isLocal(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("circuit breaker: %v -> %v", from, to)
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
	}

	return b
}

func isLocal(err error) bool {
	var ioErr *ushelf.IOError
	return errors.As(err, &ioErr) || errors.Is(err, ushelf.ErrChangedDuringBackup)
}

// Run op under the breaker, the rate limiter, and a deadline. The returned
// cancel func must be called once the operation results are no longer used.
func (b *resilientBackend) do(ctx context.Context, op string, fn func(ctx context.Context) error) (context.CancelFunc, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return func() {}, err
		}
	}

	cancel := context.CancelFunc(func() {})
	if b.opts.OpTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.opts.OpTimeout)
	}

	var err error
	if b.breaker == nil {
		err = fn(ctx)
	} else {
		_, err = b.breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.BackendOperations.WithLabelValues(b.name, op, "rejected").Inc()
		err = ushelf.Transient(op, err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		metrics.BackendOperations.WithLabelValues(b.name, op, "failure").Inc()
		err = ushelf.Transient(op, err)
	case err != nil:
		metrics.BackendOperations.WithLabelValues(b.name, op, "failure").Inc()
	default:
		metrics.BackendOperations.WithLabelValues(b.name, op, "success").Inc()
	}

	return cancel, err
}

func (b *resilientBackend) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	cancel, err := b.do(ctx, "upload", func(ctx context.Context) error {
		return b.backend.Upload(ctx, kind, name, data)
	})
	cancel()
	return err
}

func (b *resilientBackend) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	cancel, err := b.do(ctx, "download", func(ctx context.Context) error {
		var err error
		rc, err = b.backend.Download(ctx, kind, name)
		return err
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}, nil
}

func (b *resilientBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	var exists bool
	cancel, err := b.do(ctx, "exists", func(ctx context.Context) error {
		var err error
		exists, err = b.backend.Exists(ctx, kind, name)
		return err
	})
	cancel()
	return exists, err
}

func (b *resilientBackend) List(ctx context.Context, kind ushelf.ObjectKind) ([]string, error) {
	var names []string
	cancel, err := b.do(ctx, "list", func(ctx context.Context) error {
		var err error
		names, err = b.backend.List(ctx, kind)
		return err
	})
	cancel()
	return names, err
}

func (b *resilientBackend) Delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	cancel, err := b.do(ctx, "delete", func(ctx context.Context) error {
		return b.backend.Delete(ctx, kind, name)
	})
	cancel()
	return err
}

func (b *resilientBackend) Close() error {
	return ushelf.CloseBackend(b.backend)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelReadCloser) Close() error {
	defer r.cancel()
	return r.ReadCloser.Close()
}
