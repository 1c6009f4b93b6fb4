// Package poll drives a callback on a fixed-delay cadence while an activation
// condition holds.
package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sultanranait/Claraly/internal/platform/capture"
)

// Inactive is the interval value that disables scheduling.
const Inactive time.Duration = 0

// Callback is invoked once per tick. tick starts at 1.
type Callback func(ctx context.Context, tick int) error

// Condition reports whether polling should continue.
type Condition func() bool

// AfterFunc returns a channel that delivers once d has elapsed.
type AfterFunc func(d time.Duration) <-chan time.Time

// Option configures a Tracker.
type Option func(*Tracker)

// WithOperation names the tracker in captured errors.
func WithOperation(name string) Option {
	return func(t *Tracker) { t.operation = name }
}

// WithReporter sets where callback failures are captured.
func WithReporter(r capture.Reporter) Option {
	return func(t *Tracker) { t.reporter = capture.OrNop(r) }
}

// WithLogger sets the tracker's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithAfter replaces time.After, mainly for tests.
func WithAfter(f AfterFunc) Option {
	return func(t *Tracker) {
		if f != nil {
			t.after = f
		}
	}
}

// Tracker schedules a callback every interval. The wait before the next tick
// starts only after the previous callback returned, so ticks never overlap.
type Tracker struct {
	interval  time.Duration
	callback  Callback
	active    Condition
	operation string
	reporter  capture.Reporter
	logger    zerolog.Logger
	after     AfterFunc
}

// New creates a Tracker. A nil active condition is treated as always true.
func New(interval time.Duration, callback Callback, active Condition, opts ...Option) *Tracker {
	if active == nil {
		active = func() bool { return true }
	}
	t := &Tracker{
		interval:  interval,
		callback:  callback,
		active:    active,
		operation: "poll",
		reporter:  capture.Nop{},
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Interval returns the configured interval.
func (t *Tracker) Interval() time.Duration {
	return t.interval
}

// Start begins polling in a new goroutine and returns its session. When the
// interval is Inactive (or negative) or there is no callback, the returned
// session has already finished.
func (t *Tracker) Start(ctx context.Context) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if t.interval <= Inactive || t.callback == nil {
		s.Cancel()
		close(s.done)
		return s
	}

	go t.run(s)
	return s
}

func (t *Tracker) run(s *Session) {
	defer close(s.done)
	defer s.Cancel()

	for tick := 1; ; tick++ {
		if !t.active() {
			return
		}

		if !t.wait(s.ctx) {
			return
		}

		if !t.active() || !s.begin() {
			return
		}

		if err := t.callback(s.ctx, tick); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			t.logger.Warn().Err(err).Str("operation", t.operation).Int("tick", tick).Msg("poll tick failed")
			t.reporter.Capture(s.ctx, err, capture.Context{
				Operation: t.operation,
				Attempt:   tick,
			})
		}
	}
}

// wait blocks for one interval. It reports false when ctx ends first. The
// default timer is stopped on that path so a cancelled session holds nothing.
func (t *Tracker) wait(ctx context.Context) bool {
	if t.after != nil {
		select {
		case <-ctx.Done():
			return false
		case <-t.after(t.interval):
			return true
		}
	}

	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Session is one running poll loop.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	stopped bool
	ticks   atomic.Int64
}

// begin claims the next firing. It fails once the session is cancelled.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ctx.Err() != nil {
		return false
	}
	s.ticks.Add(1)
	return true
}

// Cancel stops the session. No callback starts after Cancel returns; a callback
// already running sees its context cancelled. Safe to call repeatedly and from
// any goroutine.
func (s *Session) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
	})
}

// Done is closed when the loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the loop exits or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticks returns how many times the callback has fired.
func (s *Session) Ticks() int {
	return int(s.ticks.Load())
}

// Running reports whether the loop is still scheduled.
func (s *Session) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
