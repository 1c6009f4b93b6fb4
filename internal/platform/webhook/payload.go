// Package webhook receives signed medical API notifications, records every
// delivery and dispatches completed patient results to a Processor.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TypeDocumentDownload   = "medical.document-download"
	TypeDocumentConversion = "medical.document-conversion"
	TypeConsolidatedData   = "medical.consolidated-data"
	TypePing               = "ping"

	PatientStatusCompleted = "completed"
)

type Meta struct {
	MessageID string `json:"messageId"`
	When      string `json:"when"`
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
}

type Document struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type PatientResult struct {
	PatientID  string          `json:"patientId"`
	ExternalID string          `json:"externalId,omitempty"`
	Status     string          `json:"status"`
	Documents  []Document      `json:"documents,omitempty"`
	Bundle     json.RawMessage `json:"bundle,omitempty"`
	Filters    map[string]any  `json:"filters,omitempty"`
}

func (p PatientResult) Completed() bool {
	return p.Status == PatientStatusCompleted
}

type Payload struct {
	Ping     string          `json:"ping,omitempty"`
	Meta     Meta            `json:"meta"`
	Patients []PatientResult `json:"patients"`
}

type EventStatus string

const (
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
	EventIgnored   EventStatus = "ignored"
)

// Event is one recorded delivery.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	MessageID  string          `json:"message_id,omitempty"`
	Type       string          `json:"type"`
	Status     EventStatus     `json:"status"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
