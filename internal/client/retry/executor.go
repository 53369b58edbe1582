// Package retry runs remote operations with exponential backoff and
// classifies how they ended.
//
// Every failure is either retried (while attempts remain and ShouldRetry
// agrees), surfaced as non-retriable, or reported as exhausted. Cancelling
// the context aborts the in-flight attempt and any pending sleep; that is
// reported through Outcome.Aborted, not as an error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/logging"
	goretry "github.com/sethvargo/go-retry"
)

var (
	ErrRetryExhausted = errors.New("retry exhausted")
	ErrNonRetriable   = errors.New("non-retriable error")
)

// Kind tells why an execution gave up.
type Kind int

const (
	RetryExhausted Kind = iota + 1
	NonRetriable
)

func (k Kind) String() string {
	switch k {
	case RetryExhausted:
		return "retry exhausted"
	case NonRetriable:
		return "non-retriable"
	default:
		return "unknown"
	}
}

// Error is the classified final failure of an execution. It unwraps to the
// last error returned by the operation and matches ErrRetryExhausted or
// ErrNonRetriable with errors.Is.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrRetryExhausted:
		return e.Kind == RetryExhausted
	case ErrNonRetriable:
		return e.Kind == NonRetriable
	}
	return false
}

// Outcome describes a finished execution.
type Outcome[T any] struct {
	Value    T
	Attempts int
	// Aborted is set when the context was cancelled before the operation
	// succeeded.
	Aborted bool
}

type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	ShouldRetry       func(error) bool
	Logger            logging.Logger
}

type Option func(*Options)

func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

func WithInitialDelay(d time.Duration) Option {
	return func(o *Options) { o.InitialDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(o *Options) { o.MaxDelay = d }
}

func WithBackoffMultiplier(m float64) Option {
	return func(o *Options) { o.BackoffMultiplier = m }
}

// WithShouldRetry sets the predicate deciding whether a failure is worth
// another attempt. By default every failure is.
func WithShouldRetry(fn func(error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		ShouldRetry:       func(error) bool { return true },
		Logger:            logging.Nop(),
	}
}

// Executor holds an immutable configuration; one instance may serve many
// concurrent executions.
type Executor struct {
	opts Options
}

func New(opts ...Option) *Executor {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 1
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(error) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return &Executor{opts: o}
}

func (ex *Executor) Options() Options { return ex.opts }

// backoff yields InitialDelay, then multiplies the delay after each retry,
// capped at MaxDelay, for at most MaxRetries retries.
func (ex *Executor) backoff() goretry.Backoff {
	delay := ex.opts.InitialDelay
	next := goretry.BackoffFunc(func() (time.Duration, bool) {
		d := delay
		delay = min(time.Duration(float64(delay)*ex.opts.BackoffMultiplier), ex.opts.MaxDelay)
		return d, false
	})
	return goretry.WithMaxRetries(uint64(ex.opts.MaxRetries), next)
}

// Execute runs op until it succeeds, fails with a non-retriable error, runs
// out of retries or ctx is cancelled.
func Execute[T any](ctx context.Context, ex *Executor, op func(ctx context.Context) (T, error)) (Outcome[T], error) {
	var (
		out      Outcome[T]
		attempts atomic.Int32
		terminal bool
	)

	err := goretry.Do(ctx, ex.backoff(), func(ctx context.Context) error {
		n := attempts.Add(1)
		v, err := op(ctx)
		if err == nil {
			out.Value = v
			return nil
		}
		if ctx.Err() != nil || !ex.opts.ShouldRetry(err) {
			terminal = true
			return err
		}
		ex.opts.Logger.Debug(ctx, "attempt failed", "attempt", n, "error", err)
		return goretry.RetryableError(err)
	})
	out.Attempts = int(attempts.Load())

	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		out.Aborted = true
		return out, nil
	case terminal:
		return out, &Error{Kind: NonRetriable, Attempts: out.Attempts, Err: err}
	default:
		return out, &Error{Kind: RetryExhausted, Attempts: out.Attempts, Err: err}
	}
}

// Do is Execute for operations without a result.
func (ex *Executor) Do(ctx context.Context, op func(ctx context.Context) error) (Outcome[struct{}], error) {
	return Execute(ctx, ex, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
}
