package docquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sultanranait/Claraly/internal/platform/capture"
	"github.com/sultanranait/Claraly/internal/platform/medapi"
	"github.com/sultanranait/Claraly/internal/platform/poll"
	"github.com/sultanranait/Claraly/internal/platform/retry"
	"github.com/sultanranait/Claraly/internal/platform/websocket"
)

// DefaultPollInterval is the wait between status checks of a running query.
const DefaultPollInterval = 3 * time.Second

// Progress event types published on the patient's topic.
const (
	EventProgress  = "document-query.progress"
	EventCompleted = "document-query.completed"
	EventFailed    = "document-query.failed"
)

// ErrInvalidInput is returned for missing identifiers.
var ErrInvalidInput = errors.New("invalid input")

// Gateway is the part of the medical API the document query flow uses.
type Gateway interface {
	StartDocumentQuery(ctx context.Context, patientID, facilityID string) (*medapi.DocumentQuery, error)
	GetDocumentQueryStatus(ctx context.Context, patientID string) (*medapi.DocumentQuery, error)
	ListDocuments(ctx context.Context, patientID string, f medapi.DocumentFilters) ([]medapi.Document, error)
}

// CompletedPayload is the data of an EventCompleted event.
type CompletedPayload struct {
	Progress      Progress `json:"progress"`
	DocumentCount int      `json:"documentCount"`
}

// tracked is one patient's running poll session. progress is owned by the
// poll goroutine once the session has started.
type tracked struct {
	session  *poll.Session
	progress Progress
}

// Option configures a Service.
type Option func(*Service)

func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

func WithRetrier(r *retry.Retrier) Option {
	return func(s *Service) {
		if r != nil {
			s.retrier = r
		}
	}
}

func WithPublisher(p websocket.EventPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithReporter(r capture.Reporter) Option {
	return func(s *Service) { s.reporter = capture.OrNop(r) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPollOptions passes extra options to every poll tracker.
func WithPollOptions(opts ...poll.Option) Option {
	return func(s *Service) { s.pollOpts = append(s.pollOpts, opts...) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service starts document queries and tracks them until they finish.
type Service struct {
	api       Gateway
	store     ProgressStore
	retrier   *retry.Retrier
	publisher websocket.EventPublisher
	reporter  capture.Reporter
	logger    zerolog.Logger
	interval  time.Duration
	pollOpts  []poll.Option
	now       func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*tracked
	closed   bool
}

func NewService(api Gateway, store ProgressStore, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		api:       api,
		store:     store,
		retrier:   retry.New(),
		publisher: websocket.NopPublisher{},
		reporter:  capture.Nop{},
		logger:    zerolog.Nop(),
		interval:  DefaultPollInterval,
		now:       time.Now,
		baseCtx:   ctx,
		stop:      cancel,
		sessions:  make(map[string]*tracked),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins a document query for the patient. If one is already being
// tracked its current progress is returned instead.
func (s *Service) Start(ctx context.Context, patientID, facilityID string) (Progress, error) {
	patientID = strings.TrimSpace(patientID)
	facilityID = strings.TrimSpace(facilityID)
	if patientID == "" || facilityID == "" {
		return Progress{}, fmt.Errorf("%w: patient and facility are required", ErrInvalidInput)
	}

	t, existing, err := s.claim(patientID)
	if err != nil {
		return Progress{}, err
	}
	if existing {
		return s.current(ctx, patientID, facilityID)
	}

	dq, err := retry.Do(ctx, s.retrier, "docquery.start", func(ctx context.Context) (*medapi.DocumentQuery, error) {
		return s.api.StartDocumentQuery(ctx, patientID, facilityID)
	}, medapi.IsNetworkError)
	if err != nil {
		s.release(patientID, t)
		return Progress{}, fmt.Errorf("start document query: %w", err)
	}

	obs := ObservationFrom(dq)
	if obs.Status == StatusNotStarted {
		obs.Status = StatusProcessing
	}
	prog, _ := NewProgress(patientID, facilityID, s.now()).Advance(obs, s.now())

	s.logger.Info().Str("patient_id", patientID).Str("facility_id", facilityID).
		Str("status", string(prog.Status)).Int("total", prog.Total).Msg("document query started")

	return prog, s.launch(ctx, t, prog)
}

// Status returns the tracked progress. A stored entry is served only while it
// is terminal or still tracked; otherwise the remote status is read, and a
// query still running remotely is picked up again.
func (s *Service) Status(ctx context.Context, patientID string) (Progress, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return Progress{}, fmt.Errorf("%w: patient is required", ErrInvalidInput)
	}

	stored, ok, err := s.store.Get(ctx, patientID)
	if err != nil {
		return Progress{}, err
	}
	if ok && (stored.Status.Terminal() || s.Tracking(patientID)) {
		return stored, nil
	}

	dq, err := retry.Do(ctx, s.retrier, "docquery.status", func(ctx context.Context) (*medapi.DocumentQuery, error) {
		return s.api.GetDocumentQueryStatus(ctx, patientID)
	}, medapi.IsNetworkError)
	if err != nil {
		return Progress{}, fmt.Errorf("get document query status: %w", err)
	}

	prog, _ := NewProgress(patientID, stored.FacilityID, s.now()).Advance(ObservationFrom(dq), s.now())
	if !prog.Querying() {
		if ok && prog.Status != StatusNotStarted {
			if err := s.store.Put(ctx, prog); err != nil {
				return Progress{}, err
			}
		}
		return prog, nil
	}

	t, existing, err := s.claim(patientID)
	if err != nil || existing {
		return prog, err
	}
	return prog, s.launch(ctx, t, prog)
}

// Cancel stops local tracking of the patient's query. The remote job is not
// affected. Cancelling an untracked or already cancelled query is a no-op.
func (s *Service) Cancel(ctx context.Context, patientID string) (Progress, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return Progress{}, fmt.Errorf("%w: patient is required", ErrInvalidInput)
	}

	s.mu.Lock()
	t := s.sessions[patientID]
	delete(s.sessions, patientID)
	s.mu.Unlock()

	if t != nil && t.session != nil {
		t.session.Cancel()
		s.logger.Info().Str("patient_id", patientID).Msg("document query tracking cancelled")
	}

	p, ok, err := s.store.Get(ctx, patientID)
	if err != nil {
		return Progress{}, err
	}
	if !ok {
		return Progress{}, ErrNoQuery
	}
	return p, nil
}

// Tracking reports whether a poll session is running for the patient.
func (s *Service) Tracking(patientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.sessions[patientID]
	return ok && (t.session == nil || t.session.Running())
}

// ActiveSessions returns the number of tracked queries.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown cancels every session and waits for the poll loops to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*poll.Session, 0, len(s.sessions))
	for id, t := range s.sessions {
		if t.session != nil {
			sessions = append(sessions, t.session)
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.stop()
	for _, sess := range sessions {
		sess.Cancel()
		if err := sess.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// DocumentQueryParams filters a document listing. Empty filters are ignored.
type DocumentQueryParams struct {
	DateFrom string
	DateTo   string
	Content  string

	// QueryIfEmpty starts a document query at FacilityID when the patient
	// has no documents at all.
	QueryIfEmpty bool
	FacilityID   string
}

// DocumentList is the result of Documents.
type DocumentList struct {
	Documents []medapi.Document `json:"documents"`
	Query     *Progress         `json:"query,omitempty"`
}

func filterValue(v string) string {
	return strings.TrimSpace(v)
}

// Documents lists the patient's documents.
func (s *Service) Documents(ctx context.Context, patientID string, params DocumentQueryParams) (DocumentList, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return DocumentList{}, fmt.Errorf("%w: patient is required", ErrInvalidInput)
	}

	filters := medapi.DocumentFilters{
		DateFrom: filterValue(params.DateFrom),
		DateTo:   filterValue(params.DateTo),
		Content:  filterValue(params.Content),
	}

	docs, err := s.listDocuments(ctx, patientID, filters)
	if err != nil {
		return DocumentList{}, err
	}
	out := DocumentList{Documents: docs}
	if len(docs) > 0 || !params.QueryIfEmpty {
		return out, nil
	}

	// a filter that matches nothing must not trigger a new query
	if filters != (medapi.DocumentFilters{}) {
		all, err := s.listDocuments(ctx, patientID, medapi.DocumentFilters{})
		if err != nil {
			return DocumentList{}, err
		}
		if len(all) > 0 {
			return out, nil
		}
	}

	prog, err := s.Start(ctx, patientID, params.FacilityID)
	if err != nil {
		return DocumentList{}, err
	}
	out.Query = &prog
	return out, nil
}

func (s *Service) listDocuments(ctx context.Context, patientID string, f medapi.DocumentFilters) ([]medapi.Document, error) {
	docs, err := retry.Do(ctx, s.retrier, "docquery.listDocuments", func(ctx context.Context) ([]medapi.Document, error) {
		return s.api.ListDocuments(ctx, patientID, f)
	}, medapi.IsNetworkError)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// ---------------------------------------------------------------------------
// Tracking
// ---------------------------------------------------------------------------

// claim reserves the patient's slot. existing is true when a query is already
// tracked.
func (s *Service) claim(patientID string) (*tracked, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, errors.New("document query service is shut down")
	}
	if t, ok := s.sessions[patientID]; ok && (t.session == nil || t.session.Running()) {
		return t, true, nil
	}
	t := &tracked{}
	s.sessions[patientID] = t
	return t, false, nil
}

func (s *Service) release(patientID string, t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[patientID] == t {
		delete(s.sessions, patientID)
	}
}

func (s *Service) current(ctx context.Context, patientID, facilityID string) (Progress, error) {
	p, ok, err := s.store.Get(ctx, patientID)
	if err != nil {
		return Progress{}, err
	}
	if !ok {
		// a concurrent Start has not stored its first state yet
		return NewProgress(patientID, facilityID, s.now()), nil
	}
	return p, nil
}

// launch stores the initial state and starts polling if the job is running.
func (s *Service) launch(ctx context.Context, t *tracked, prog Progress) error {
	if err := s.store.Put(ctx, prog); err != nil {
		s.release(prog.PatientID, t)
		return fmt.Errorf("store progress: %w", err)
	}
	s.publish(ctx, EventProgress, prog.PatientID, prog)

	if !prog.Querying() {
		s.release(prog.PatientID, t)
		s.finish(ctx, prog)
		return nil
	}

	t.progress = prog
	opts := append([]poll.Option{
		poll.WithOperation("docquery.poll"),
		poll.WithReporter(s.reporter),
		poll.WithLogger(s.logger),
	}, s.pollOpts...)

	tracker := poll.New(s.interval, func(ctx context.Context, _ int) error {
		return s.tick(ctx, t)
	}, func() bool {
		return t.progress.Querying()
	}, opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sessions[prog.PatientID] != t {
		return nil
	}
	t.session = tracker.Start(s.baseCtx)
	return nil
}

// tick runs on the poll goroutine and is the only writer of t.progress.
func (s *Service) tick(ctx context.Context, t *tracked) error {
	patientID := t.progress.PatientID

	dq, err := s.api.GetDocumentQueryStatus(ctx, patientID)
	if err != nil {
		return fmt.Errorf("poll document query %s: %w", patientID, err)
	}

	next, err := t.progress.Advance(ObservationFrom(dq), s.now())
	if err != nil {
		return nil
	}
	t.progress = next

	if err := s.store.Put(ctx, next); err != nil {
		s.reporter.Capture(ctx, err, capture.Context{
			Operation: "docquery.store",
			Extra:     map[string]any{"patient": patientID},
		})
	}
	s.publish(ctx, EventProgress, patientID, next)

	if next.Status.Terminal() {
		s.mu.Lock()
		if s.sessions[patientID] == t {
			delete(s.sessions, patientID)
		}
		s.mu.Unlock()
		s.finish(ctx, next)
	}
	return nil
}

func (s *Service) finish(ctx context.Context, p Progress) {
	switch p.Status {
	case StatusCompleted:
		docs, err := s.listDocuments(ctx, p.PatientID, medapi.DocumentFilters{})
		if err != nil {
			s.logger.Error().Err(err).Str("patient_id", p.PatientID).Msg("failed to list documents after query completed")
			return
		}
		s.logger.Info().Str("patient_id", p.PatientID).Int("documents", len(docs)).
			Int("completed", p.Completed).Int("errored", p.Errored).Msg("document query completed")
		s.publish(ctx, EventCompleted, p.PatientID, CompletedPayload{Progress: p, DocumentCount: len(docs)})
	case StatusFailed:
		s.logger.Error().Str("patient_id", p.PatientID).Msg("document query failed")
		s.publish(ctx, EventFailed, p.PatientID, p)
	}
}

func (s *Service) publish(ctx context.Context, eventType, patientID string, payload any) {
	ev, err := websocket.NewEvent(eventType, websocket.PatientTopic(patientID), payload)
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("patient_id", patientID).Msg("failed to publish progress")
	}
}
