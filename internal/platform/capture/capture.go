// Package capture is the error-reporting sink shared by the retrier, the
// polling tracker and the HTTP layer. Reporters are injected explicitly; there
// is no process-wide reporter.
package capture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Context carries the operation metadata attached to a captured error.
type Context struct {
	Operation string
	Attempt   int
	Extra     map[string]any
}

// Reporter receives errors for observability. Capture must never panic and
// must not block the caller for long.
type Reporter interface {
	Capture(ctx context.Context, err error, cc Context)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, err error, cc Context)

func (f ReporterFunc) Capture(ctx context.Context, err error, cc Context) {
	f(ctx, err, cc)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Capture(context.Context, error, Context) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}
	return r
}

// Multi fans a capture out to several reporters. A panicking reporter is
// isolated from the others.
type Multi []Reporter

func (m Multi) Capture(ctx context.Context, err error, cc Context) {
	for _, r := range m {
		if r == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			r.Capture(ctx, err, cc)
		}()
	}
}

// LogReporter writes captured errors to a zerolog logger at error level.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Capture(_ context.Context, err error, cc Context) {
	evt := r.logger.Error().Err(err).Str("operation", cc.Operation)
	if cc.Attempt > 0 {
		evt = evt.Int("attempt", cc.Attempt)
	}
	keys := make([]string, 0, len(cc.Extra))
	for k := range cc.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		evt = evt.Str(k, fmt.Sprint(cc.Extra[k]))
	}
	evt.Msg("captured error")
}

// Event is one captured error held by a Recorder.
type Event struct {
	Err        error
	Context    Context
	CapturedAt time.Time
}

// Recorder keeps captured errors in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Capture(_ context.Context, err error, cc Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Err: err, Context: cc, CapturedAt: time.Now()})
}

// Events returns a copy of everything captured so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Operations returns the operation tag of each captured event, in order.
func (r *Recorder) Operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, len(r.events))
	for i, e := range r.events {
		ops[i] = e.Context.Operation
	}
	return ops
}

// Len returns the number of captured events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
