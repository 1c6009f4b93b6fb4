package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sultanranait/Claraly/internal/platform/capture"
)

// instantClock elapses every wait immediately and records the requested durations.
type instantClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *instantClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *instantClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), "poll session did not finish")
}

func TestTracker_StopsWhenJobCompletesOnSecondPoll(t *testing.T) {
	t.Parallel()

	clock := &instantClock{}
	var status atomic.Value
	status.Store("processing")

	var polls atomic.Int32
	tr := New(3*time.Second, func(context.Context, int) error {
		if polls.Add(1) == 2 {
			status.Store("completed")
		}
		return nil
	}, func() bool { return status.Load() == "processing" }, WithAfter(clock.after))

	s := tr.Start(context.Background())
	waitDone(t, s)

	assert.EqualValues(t, 2, polls.Load())
	assert.Equal(t, 2, s.Ticks())
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, clock.Waits())
	assert.False(t, s.Running())
}

func TestTracker_InactiveIntervalNeverFires(t *testing.T) {
	t.Parallel()

	for _, interval := range []time.Duration{Inactive, -time.Second} {
		fired := false
		tr := New(interval, func(context.Context, int) error {
			fired = true
			return nil
		}, nil)

		s := tr.Start(context.Background())
		select {
		case <-s.Done():
		default:
			t.Fatalf("session for interval %v should already be finished", interval)
		}
		assert.False(t, fired)
		assert.Zero(t, s.Ticks())
	}
}

func TestTracker_FalseConditionNeverWaits(t *testing.T) {
	t.Parallel()

	clock := &instantClock{}
	tr := New(time.Second, func(context.Context, int) error {
		t.Error("callback should not fire")
		return nil
	}, func() bool { return false }, WithAfter(clock.after))

	s := tr.Start(context.Background())
	waitDone(t, s)
	assert.Empty(t, clock.Waits())
}

func TestTracker_CallbackErrorIsReportedAndCadenceContinues(t *testing.T) {
	t.Parallel()

	rec := capture.NewRecorder()
	clock := &instantClock{}
	var calls atomic.Int32
	tr := New(time.Second, func(_ context.Context, tick int) error {
		calls.Add(1)
		if tick == 1 {
			return errors.New("status endpoint unavailable")
		}
		return nil
	}, func() bool { return calls.Load() < 3 },
		WithAfter(clock.after), WithReporter(rec), WithOperation("docquery.poll"))

	s := tr.Start(context.Background())
	waitDone(t, s)

	assert.EqualValues(t, 3, calls.Load())
	require.Equal(t, 1, rec.Len())
	ev := rec.Events()[0]
	assert.Equal(t, "docquery.poll", ev.Context.Operation)
	assert.Equal(t, 1, ev.Context.Attempt)
}

func TestTracker_TicksDoNotOverlap(t *testing.T) {
	t.Parallel()

	clock := &instantClock{}
	var inFlight, maxInFlight, calls atomic.Int32
	tr := New(time.Millisecond, func(context.Context, int) error {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
		return nil
	}, func() bool { return calls.Load() < 5 }, WithAfter(clock.after))

	waitDone(t, tr.Start(context.Background()))
	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestSession_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := New(time.Hour, func(context.Context, int) error {
		calls.Add(1)
		return nil
	}, nil)

	s := tr.Start(context.Background())
	s.Cancel()
	assert.NotPanics(t, s.Cancel)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
	}
	wg.Wait()

	waitDone(t, s)
	assert.Zero(t, calls.Load())
}

func TestSession_CancelStopsFurtherTicks(t *testing.T) {
	t.Parallel()

	clock := &instantClock{}
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var sawCancel atomic.Bool

	tr := New(time.Second, func(ctx context.Context, _ int) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			sawCancel.Store(ctx.Err() != nil)
		}
		return nil
	}, nil, WithAfter(clock.after))

	s := tr.Start(context.Background())
	<-started
	s.Cancel()
	close(release)

	waitDone(t, s)
	assert.EqualValues(t, 1, calls.Load(), "no tick may start after Cancel returns")
	assert.True(t, sawCancel.Load(), "running callback should observe the cancelled context")
}

func TestSession_ParentContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	tr := New(time.Hour, func(context.Context, int) error { return nil }, nil)

	s := tr.Start(ctx)
	assert.True(t, s.Running())
	cancel()
	waitDone(t, s)
	assert.Zero(t, s.Ticks())
}

func TestSession_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	tr := New(time.Hour, func(context.Context, int) error { return nil }, nil)
	s := tr.Start(context.Background())
	defer s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestTracker_DefaultTimerFiresAtInterval(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := New(5*time.Millisecond, func(context.Context, int) error {
		calls.Add(1)
		return nil
	}, func() bool { return calls.Load() < 3 })

	begun := time.Now()
	s := tr.Start(context.Background())
	waitDone(t, s)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 3, s.Ticks())
	assert.GreaterOrEqual(t, time.Since(begun), 15*time.Millisecond)
}

func TestSession_CancelReleasesPendingWait(t *testing.T) {
	t.Parallel()

	sessions := make([]*Session, 0, 64)
	for i := 0; i < 64; i++ {
		tr := New(time.Hour, func(context.Context, int) error { return nil }, nil)
		sessions = append(sessions, tr.Start(context.Background()))
	}
	for _, s := range sessions {
		s.Cancel()
	}
	for _, s := range sessions {
		waitDone(t, s)
		assert.False(t, s.Running())
		assert.Zero(t, s.Ticks())
	}
}
