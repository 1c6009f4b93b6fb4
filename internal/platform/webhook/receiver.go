package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sultanranait/Claraly/internal/platform/capture"
	"github.com/sultanranait/Claraly/internal/platform/websocket"
)

var (
	ErrBadSignature = errors.New("invalid webhook signature")
	ErrBadPayload   = errors.New("invalid webhook payload")
	ErrNoPatients   = errors.New("webhook carries no patients")
)

// Processor acts on completed patient results.
type Processor interface {
	DocumentDownload(ctx context.Context, patient PatientResult) error
	DocumentConversion(ctx context.Context, patient PatientResult) error
	ConsolidatedData(ctx context.Context, patient PatientResult, raw json.RawMessage) error
}

type Option func(*Receiver)

func WithStore(s EventStore) Option {
	return func(r *Receiver) { r.store = s }
}

func WithPublisher(p websocket.EventPublisher) Option {
	return func(r *Receiver) { r.publisher = p }
}

func WithReporter(rep capture.Reporter) Option {
	return func(r *Receiver) { r.reporter = rep }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Receiver) { r.logger = l }
}

// WithObserver is called once per accepted delivery with its type and outcome.
func WithObserver(fn func(eventType string, status EventStatus)) Option {
	return func(r *Receiver) { r.observe = fn }
}

type Receiver struct {
	key       string
	proc      Processor
	store     EventStore
	publisher websocket.EventPublisher
	reporter  capture.Reporter
	logger    zerolog.Logger
	observe   func(string, EventStatus)
	now       func() time.Time
}

// NewReceiver verifies deliveries with key. An empty key disables
// verification, which is only acceptable outside production.
func NewReceiver(key string, proc Processor, opts ...Option) *Receiver {
	r := &Receiver{
		key:       key,
		proc:      proc,
		store:     NewMemoryStore(),
		publisher: websocket.NopPublisher{},
		logger:    zerolog.Nop(),
		observe:   func(string, EventStatus) {},
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.reporter = capture.OrNop(r.reporter)
	return r
}

func (r *Receiver) Store() EventStore {
	return r.store
}

// Verify checks the delivery signature.
func (r *Receiver) Verify(body []byte, signature string) error {
	if r.key == "" {
		return nil
	}
	if !VerifySignature(body, r.key, signature) {
		return ErrBadSignature
	}
	return nil
}

// Result is what Receive decided about one delivery.
type Result struct {
	Pong  string
	Event *Event
}

// Receive parses a verified body, dispatches it and records the outcome.
// Processing failures are recorded on the event rather than returned.
func (r *Receiver) Receive(ctx context.Context, body []byte) (Result, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Ping != "" {
		r.logger.Info().Str("ping", p.Ping).Msg("webhook ping")
		r.observe(TypePing, EventProcessed)
		return Result{Pong: p.Ping}, nil
	}
	if p.Meta.Type == "" {
		return Result{}, fmt.Errorf("%w: meta.type is required", ErrBadPayload)
	}

	evt := &Event{
		ID:         uuid.New(),
		MessageID:  p.Meta.MessageID,
		Type:       p.Meta.Type,
		Payload:    json.RawMessage(body),
		ReceivedAt: r.now().UTC(),
	}

	log := r.logger.With().Str("type", evt.Type).Str("message_id", evt.MessageID).Logger()
	err := r.dispatch(ctx, p, body, &log)
	switch {
	case errors.Is(err, errUnhandled):
		evt.Status = EventIgnored
		log.Info().Msg("webhook type not handled")
	case err != nil:
		evt.Status = EventFailed
		evt.Error = err.Error()
		log.Error().Err(err).Msg("webhook processing failed")
		r.reporter.Capture(ctx, err, capture.Context{
			Operation: "webhook." + evt.Type,
			Extra:     map[string]any{"message_id": evt.MessageID},
		})
	default:
		evt.Status = EventProcessed
		log.Info().Msg("webhook processed")
	}

	if err := r.store.Record(ctx, evt); err != nil {
		log.Error().Err(err).Msg("record webhook event")
	}
	r.observe(evt.Type, evt.Status)
	r.notify(ctx, p, evt)
	return Result{Event: evt}, nil
}

var errUnhandled = errors.New("unhandled webhook type")

func (r *Receiver) dispatch(ctx context.Context, p Payload, body []byte, log *zerolog.Logger) error {
	var handle func(PatientResult) error
	switch p.Meta.Type {
	case TypeDocumentDownload:
		handle = func(pr PatientResult) error { return r.proc.DocumentDownload(ctx, pr) }
	case TypeDocumentConversion:
		handle = func(pr PatientResult) error { return r.proc.DocumentConversion(ctx, pr) }
	case TypeConsolidatedData:
		handle = func(pr PatientResult) error { return r.proc.ConsolidatedData(ctx, pr, body) }
	default:
		return errUnhandled
	}

	if len(p.Patients) == 0 {
		return ErrNoPatients
	}

	var errs []error
	for _, pr := range p.Patients {
		if !pr.Completed() {
			log.Error().Str("patient_id", pr.PatientID).Str("status", pr.Status).Msg("patient result not completed")
			errs = append(errs, fmt.Errorf("patient %s: status %q", pr.PatientID, pr.Status))
			continue
		}
		if err := handle(pr); err != nil {
			errs = append(errs, fmt.Errorf("patient %s: %w", pr.PatientID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Receiver) notify(ctx context.Context, p Payload, evt *Event) {
	for _, pr := range p.Patients {
		if pr.PatientID == "" {
			continue
		}
		wsEvt, err := websocket.NewEvent("webhook."+evt.Type, websocket.PatientTopic(pr.PatientID), map[string]any{
			"eventId": evt.ID,
			"status":  pr.Status,
			"outcome": evt.Status,
		})
		if err != nil {
			continue
		}
		if err := r.publisher.Publish(ctx, wsEvt); err != nil {
			r.logger.Warn().Err(err).Msg("publish webhook notification")
		}
	}
}
