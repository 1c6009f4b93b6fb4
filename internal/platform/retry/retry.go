// Package retry runs fallible operations with exponential backoff.
//
// A Retrier invokes an operation at most Policy.MaxAttempts times, pausing
// between attempts for min(InitialDelay*2^(n-1), MaxDelay) after the n-th
// failure. Failures the caller's predicate rejects are returned immediately.
// Every failure that escapes the retrier is reported to the injected
// capture.Reporter, tagged so that exhaustion can be told apart from a single
// non-retryable failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/sultanranait/Claraly/internal/platform/capture"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 10 * time.Second

	maxShift = 62
)

// Report tag suffixes appended to the operation name.
const (
	TagMaxRetriesReached = ".maxRetriesReached"
	TagUnreachable       = ".retry.unreachable"
)

// ErrUnreachable is returned if the attempt loop exits without resolving.
var ErrUnreachable = errors.New("retry: unreachable code")

// Predicate decides whether a failure warrants another attempt.
type Predicate func(error) bool

// Always retries every failure.
func Always(error) bool { return true }

// Never retries nothing.
func Never(error) bool { return false }

// Policy bounds the number of attempts and the pause between them.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy returns 5 attempts, 1s initial delay, 10s ceiling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Normalize fills zero fields with defaults and clamps MaxAttempts to >= 1.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns the pause taken after the n-th failed attempt (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > maxShift {
		shift = maxShift
	}
	mult := int64(1) << shift
	base := int64(p.InitialDelay)
	if base > math.MaxInt64/mult {
		return p.MaxDelay
	}
	d := time.Duration(base * mult)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// MaxTotalWait is the upper bound on time spent sleeping across all attempts.
func (p Policy) MaxTotalWait() time.Duration {
	var total time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Delay(n)
	}
	return total
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepWithContext waits for d, returning early with ctx's error on cancellation.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(r *Retrier) { r.policy = p.Normalize() }
}

// WithReporter sets the observability sink.
func WithReporter(rep capture.Reporter) Option {
	return func(r *Retrier) { r.reporter = capture.OrNop(rep) }
}

// WithLogger sets the logger used for per-attempt debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Retrier) { r.logger = l }
}

// WithSleep overrides how the retrier waits between attempts.
func WithSleep(s SleepFunc) Option {
	return func(r *Retrier) {
		if s != nil {
			r.sleep = s
		}
	}
}

// Retrier executes operations according to a Policy. It holds no per-call
// state and may be shared between goroutines.
type Retrier struct {
	policy   Policy
	reporter capture.Reporter
	logger   zerolog.Logger
	sleep    SleepFunc
}

// New creates a Retrier with DefaultPolicy unless overridden.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		policy:   DefaultPolicy(),
		reporter: capture.Nop{},
		logger:   zerolog.Nop(),
		sleep:    SleepWithContext,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Run is Do for operations without a result.
func (r *Retrier) Run(ctx context.Context, operation string, fn func(context.Context) error, isRetryable Predicate) error {
	_, err := Do(ctx, r, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, isRetryable)
	return err
}

// Do invokes fn until it succeeds, fails with an error isRetryable rejects,
// or the policy's attempts are exhausted. The error returned on failure is the
// one fn produced, unmodified. If ctx is cancelled during a backoff pause the
// pause is cut short and the returned error wraps both ctx.Err() and the last
// failure.
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func(context.Context) (T, error), isRetryable Predicate) (T, error) {
	var zero T
	if isRetryable == nil {
		isRetryable = Never
	}
	p := r.policy

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if !isRetryable(err) {
			r.reporter.Capture(ctx, err, capture.Context{
				Operation: operation,
				Attempt:   attempt,
			})
			return zero, err
		}

		if attempt == p.MaxAttempts {
			r.reporter.Capture(ctx, err, capture.Context{
				Operation: operation + TagMaxRetriesReached,
				Attempt:   attempt,
				Extra:     map[string]any{"max_attempts": p.MaxAttempts},
			})
			return zero, err
		}

		delay := p.Delay(attempt)
		r.logger.Debug().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("retrying after transient failure")

		if serr := r.sleep(ctx, delay); serr != nil {
			return zero, &AbortedError{Operation: operation, Attempts: attempt, Cause: serr, Last: err}
		}
	}

	r.reporter.Capture(ctx, ErrUnreachable, capture.Context{
		Operation: operation + TagUnreachable,
		Extra:     map[string]any{"max_attempts": p.MaxAttempts},
	})
	return zero, ErrUnreachable
}

// AbortedError is returned when the context ends during a backoff pause.
type AbortedError struct {
	Operation string
	Attempts  int
	Cause     error
	Last      error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("%s: retry aborted after %d attempt(s): %v (last error: %v)", e.Operation, e.Attempts, e.Cause, e.Last)
}

// Unwrap exposes both the cancellation cause and the last attempt error.
func (e *AbortedError) Unwrap() []error {
	return []error{e.Cause, e.Last}
}
