package docquery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sultanranait/Claraly/internal/platform/capture"
	"github.com/sultanranait/Claraly/internal/platform/medapi"
	"github.com/sultanranait/Claraly/internal/platform/poll"
	"github.com/sultanranait/Claraly/internal/platform/retry"
	"github.com/sultanranait/Claraly/internal/platform/websocket"
)

// fakeGateway replays scripted status readings.
type fakeGateway struct {
	mu          sync.Mutex
	startErrs   []error
	start       *medapi.DocumentQuery
	statuses    []*medapi.DocumentQuery
	statusErrs  map[int]error
	docs        map[medapi.DocumentFilters][]medapi.Document
	startCalls  int
	statusCalls int
	listCalls   []medapi.DocumentFilters
}

func (g *fakeGateway) StartDocumentQuery(_ context.Context, _, _ string) (*medapi.DocumentQuery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startCalls++
	if len(g.startErrs) > 0 {
		err := g.startErrs[0]
		g.startErrs = g.startErrs[1:]
		return nil, err
	}
	return g.start, nil
}

func (g *fakeGateway) GetDocumentQueryStatus(_ context.Context, _ string) (*medapi.DocumentQuery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if err := g.statusErrs[g.statusCalls]; err != nil {
		return nil, err
	}
	if len(g.statuses) == 0 {
		return &medapi.DocumentQuery{Download: &medapi.Progress{Status: "processing"}}, nil
	}
	dq := g.statuses[0]
	if len(g.statuses) > 1 {
		g.statuses = g.statuses[1:]
	}
	return dq, nil
}

func (g *fakeGateway) ListDocuments(_ context.Context, _ string, f medapi.DocumentFilters) ([]medapi.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls = append(g.listCalls, f)
	return g.docs[f], nil
}

func (g *fakeGateway) StatusCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls
}

// recordingPublisher keeps published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *recordingPublisher) Last(eventType string) (websocket.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == eventType {
			return p.events[i], true
		}
	}
	return websocket.Event{}, false
}

func download(status string, total, ok, failed int) *medapi.DocumentQuery {
	return &medapi.DocumentQuery{Download: &medapi.Progress{Status: status, Total: total, Successful: ok, Errors: failed}}
}

func instantAfter(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// blockedAfter never elapses, so no tick ever fires.
func blockedAfter(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	svc   *Service
	api   *fakeGateway
	store *MemoryStore
	pub   *recordingPublisher
	rec   *capture.Recorder
}

func newHarness(t *testing.T, api *fakeGateway, after poll.AfterFunc) *harness {
	t.Helper()
	h := &harness{api: api, store: NewMemoryStore(), pub: &recordingPublisher{}, rec: capture.NewRecorder()}
	h.svc = NewService(api, h.store,
		WithRetrier(retry.New(retry.WithReporter(h.rec), retry.WithSleep(noSleep))),
		WithPublisher(h.pub),
		WithReporter(h.rec),
		WithPollOptions(poll.WithAfter(after)),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestService_Start_PollsUntilCompletedOnSecondPoll(t *testing.T) {
	api := &fakeGateway{
		start: download("processing", 10, 0, 0),
		statuses: []*medapi.DocumentQuery{
			download("processing", 10, 4, 1),
			download("completed", 10, 8, 2),
		},
		docs: map[medapi.DocumentFilters][]medapi.Document{
			{}: {{ID: "d1"}, {ID: "d2"}},
		},
	}
	h := newHarness(t, api, instantAfter)

	p, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, 10, p.Total)

	waitUntil(t, func() bool {
		_, ok := h.pub.Last(EventCompleted)
		return ok
	}, "completion was never published")
	assert.False(t, h.svc.Tracking("p1"))

	// a stray tick would show up here
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, api.StatusCalls(), "exactly two polls")

	got, err := h.svc.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 8, got.Completed)
	assert.Equal(t, 2, got.Errored)

	assert.Equal(t, []string{EventProgress, EventProgress, EventProgress, EventCompleted}, h.pub.Types())
	ev, ok := h.pub.Last(EventCompleted)
	require.True(t, ok)
	assert.Equal(t, websocket.PatientTopic("p1"), ev.Topic)
	var payload CompletedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, 2, payload.DocumentCount)
}

func TestService_Start_RetriesNetworkErrors(t *testing.T) {
	netErr := &medapi.NetworkError{Err: errors.New("connection reset")}
	api := &fakeGateway{
		startErrs: []error{netErr, netErr},
		start:     download("processing", 3, 0, 0),
	}
	h := newHarness(t, api, blockedAfter)

	p, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, 3, api.startCalls)
	assert.Zero(t, h.rec.Len())
}

func TestService_Start_NonRetryableFailsFast(t *testing.T) {
	apiErr := &medapi.APIError{StatusCode: 400, Body: "invalid facility"}
	api := &fakeGateway{startErrs: []error{apiErr}}
	h := newHarness(t, api, blockedAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apiErr)
	assert.Equal(t, 1, api.startCalls)
	assert.False(t, h.svc.Tracking("p1"))
	assert.Equal(t, []string{"docquery.start"}, h.rec.Operations())
}

func TestService_Start_ExhaustionIsTagged(t *testing.T) {
	netErr := &medapi.NetworkError{Err: errors.New("timeout")}
	api := &fakeGateway{startErrs: []error{netErr, netErr, netErr, netErr, netErr}}
	h := newHarness(t, api, blockedAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.Error(t, err)
	assert.Equal(t, retry.DefaultMaxAttempts, api.startCalls)
	assert.Equal(t, []string{"docquery.start" + retry.TagMaxRetriesReached}, h.rec.Operations())
}

func TestService_Start_ReturnsExistingWhileProcessing(t *testing.T) {
	api := &fakeGateway{start: download("processing", 5, 1, 0)}
	h := newHarness(t, api, blockedAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	again, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)

	assert.Equal(t, 1, api.startCalls)
	assert.Equal(t, 1, again.Completed)
	assert.Equal(t, 1, h.svc.ActiveSessions())
}

func TestService_Start_ImmediatelyCompleted(t *testing.T) {
	api := &fakeGateway{start: download("completed", 0, 0, 0)}
	h := newHarness(t, api, instantAfter)

	p, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.False(t, h.svc.Tracking("p1"))
	assert.Zero(t, api.StatusCalls())
	assert.Contains(t, h.pub.Types(), EventCompleted)
}

func TestService_Start_RequiresIDs(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, blockedAfter)
	_, err := h.svc.Start(context.Background(), " ", "f1")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.Start(context.Background(), "p1", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_PollFailureIsReportedAndPollingContinues(t *testing.T) {
	api := &fakeGateway{
		start:      download("processing", 2, 0, 0),
		statusErrs: map[int]error{1: errors.New("status unavailable")},
		statuses:   []*medapi.DocumentQuery{download("completed", 2, 2, 0)},
	}
	h := newHarness(t, api, instantAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	waitUntil(t, func() bool { return !h.svc.Tracking("p1") }, "tracking did not stop")

	assert.Equal(t, 2, api.StatusCalls())
	assert.Contains(t, h.rec.Operations(), "docquery.poll")
}

func TestService_CancelIsIdempotent(t *testing.T) {
	api := &fakeGateway{start: download("processing", 4, 0, 0)}
	h := newHarness(t, api, blockedAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	require.True(t, h.svc.Tracking("p1"))

	first, err := h.svc.Cancel(context.Background(), "p1")
	require.NoError(t, err)
	second, err := h.svc.Cancel(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, h.svc.Tracking("p1"))
	assert.Zero(t, api.StatusCalls())
}

func TestService_CancelUnknownPatient(t *testing.T) {
	h := newHarness(t, &fakeGateway{}, blockedAfter)
	_, err := h.svc.Cancel(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoQuery)
}

func TestService_StatusResumesRemoteQuery(t *testing.T) {
	api := &fakeGateway{statuses: []*medapi.DocumentQuery{download("processing", 6, 2, 0)}}
	h := newHarness(t, api, blockedAfter)

	p, err := h.svc.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.True(t, h.svc.Tracking("p1"))
}

func TestService_StatusAfterCancelReadsRemote(t *testing.T) {
	api := &fakeGateway{
		start:    download("processing", 5, 0, 0),
		statuses: []*medapi.DocumentQuery{download("completed", 5, 5, 0)},
	}
	h := newHarness(t, api, blockedAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	_, err = h.svc.Cancel(context.Background(), "p1")
	require.NoError(t, err)
	require.Zero(t, api.StatusCalls())

	p, err := h.svc.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 5, p.Completed)
	assert.Equal(t, "f1", p.FacilityID)
	assert.Equal(t, 1, api.StatusCalls())
	assert.False(t, h.svc.Tracking("p1"))

	// the completed reading is now stored
	again, err := h.svc.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, 1, api.StatusCalls())
}

func TestService_StatusAfterCancelResumesRunningQuery(t *testing.T) {
	api := &fakeGateway{start: download("processing", 5, 0, 0)}
	h := newHarness(t, api, blockedAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	_, err = h.svc.Cancel(context.Background(), "p1")
	require.NoError(t, err)
	require.False(t, h.svc.Tracking("p1"))

	p, err := h.svc.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, 1, api.StatusCalls())
	assert.True(t, h.svc.Tracking("p1"))
}

func TestService_CancelTrimsPatientID(t *testing.T) {
	api := &fakeGateway{start: download("processing", 4, 0, 0)}
	h := newHarness(t, api, blockedAfter)

	_, err := h.svc.Start(context.Background(), "p1", "f1")
	require.NoError(t, err)
	require.True(t, h.svc.Tracking("p1"))

	p, err := h.svc.Cancel(context.Background(), "  p1  ")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.PatientID)
	assert.False(t, h.svc.Tracking("p1"))
	assert.Zero(t, h.svc.ActiveSessions())

	_, err = h.svc.Cancel(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_StatusWithoutQuery(t *testing.T) {
	api := &fakeGateway{statuses: []*medapi.DocumentQuery{{}}}
	h := newHarness(t, api, blockedAfter)

	p, err := h.svc.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, p.Status)
	assert.False(t, h.svc.Tracking("p1"))
}

func TestService_Documents_TrimsFilters(t *testing.T) {
	api := &fakeGateway{docs: map[medapi.DocumentFilters][]medapi.Document{
		{Content: "lab"}: {{ID: "d1"}},
	}}
	h := newHarness(t, api, blockedAfter)

	list, err := h.svc.Documents(context.Background(), "p1", DocumentQueryParams{Content: "  lab ", DateFrom: "   "})
	require.NoError(t, err)
	assert.Len(t, list.Documents, 1)
	assert.Equal(t, []medapi.DocumentFilters{{Content: "lab"}}, api.listCalls)
}

func TestService_Documents_QueryIfEmpty(t *testing.T) {
	api := &fakeGateway{start: download("processing", 1, 0, 0)}
	h := newHarness(t, api, blockedAfter)

	list, err := h.svc.Documents(context.Background(), "p1", DocumentQueryParams{
		Content:      "xray",
		QueryIfEmpty: true,
		FacilityID:   "f1",
	})
	require.NoError(t, err)
	require.NotNil(t, list.Query)
	assert.Equal(t, StatusProcessing, list.Query.Status)
	assert.Equal(t, 1, api.startCalls)
	assert.Equal(t, []medapi.DocumentFilters{{Content: "xray"}, {}}, api.listCalls)
}

func TestService_Documents_FilteredEmptyDoesNotQuery(t *testing.T) {
	api := &fakeGateway{docs: map[medapi.DocumentFilters][]medapi.Document{
		{}: {{ID: "d1"}},
	}}
	h := newHarness(t, api, blockedAfter)

	list, err := h.svc.Documents(context.Background(), "p1", DocumentQueryParams{
		Content:      "xray",
		QueryIfEmpty: true,
		FacilityID:   "f1",
	})
	require.NoError(t, err)
	assert.Empty(t, list.Documents)
	assert.Nil(t, list.Query)
	assert.Zero(t, api.startCalls)
}

func TestService_ShutdownStopsSessions(t *testing.T) {
	api := &fakeGateway{start: download("processing", 1, 0, 0)}
	h := newHarness(t, api, blockedAfter)

	for _, id := range []string{"a", "b", "c"} {
		_, err := h.svc.Start(context.Background(), id, "f1")
		require.NoError(t, err)
	}
	require.Equal(t, 3, h.svc.ActiveSessions())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
	assert.Zero(t, h.svc.ActiveSessions())

	_, err := h.svc.Start(context.Background(), "d", "f1")
	assert.Error(t, err)
}
