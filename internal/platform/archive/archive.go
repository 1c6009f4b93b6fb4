// Package archive keeps consolidated patient data delivered by webhook.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("no archived record")

type Record struct {
	PatientID  string          `json:"patientId" bson:"patientId"`
	MessageID  string          `json:"messageId,omitempty" bson:"messageId,omitempty"`
	Type       string          `json:"type" bson:"type"`
	ReceivedAt time.Time       `json:"receivedAt" bson:"receivedAt"`
	Payload    json.RawMessage `json:"payload" bson:"-"`
}

type Archive interface {
	Store(ctx context.Context, rec Record) error
	// Latest returns the most recent record for a patient or ErrNotFound.
	Latest(ctx context.Context, patientID string) (*Record, error)
	Close(ctx context.Context) error
}

// LogArchive only logs what it would store. It is used when no document
// database is configured.
type LogArchive struct {
	logger zerolog.Logger
}

func NewLogArchive(logger zerolog.Logger) *LogArchive {
	return &LogArchive{logger: logger}
}

func (a *LogArchive) Store(_ context.Context, rec Record) error {
	a.logger.Info().
		Str("patient_id", rec.PatientID).
		Str("message_id", rec.MessageID).
		Int("bytes", len(rec.Payload)).
		Msg("consolidated data received")
	return nil
}

func (a *LogArchive) Latest(context.Context, string) (*Record, error) {
	return nil, ErrNotFound
}

func (a *LogArchive) Close(context.Context) error { return nil }

type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string][]Record)}
}

func (a *MemoryArchive) Store(_ context.Context, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.PatientID] = append(a.records[rec.PatientID], rec)
	return nil
}

func (a *MemoryArchive) Latest(_ context.Context, patientID string) (*Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs := a.records[patientID]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if !r.ReceivedAt.Before(latest.ReceivedAt) {
			latest = r
		}
	}
	return &latest, nil
}

func (a *MemoryArchive) Close(context.Context) error { return nil }
