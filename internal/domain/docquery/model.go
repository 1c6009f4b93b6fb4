package docquery

import (
	"errors"
	"fmt"
	"time"

	"github.com/sultanranait/Claraly/internal/platform/medapi"
)

// Status is the lifecycle state of a patient's document query.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrTerminal is returned when advancing a job that already finished.
var ErrTerminal = errors.New("document query already finished")

// ErrNoQuery is returned when a patient has no tracked document query.
var ErrNoQuery = errors.New("no document query for patient")

// ParseStatus maps a remote status string. Unknown values map to not-started.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s)
	default:
		return StatusNotStarted
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is the locally tracked view of one document query.
type Progress struct {
	PatientID  string    `json:"patientId"`
	FacilityID string    `json:"facilityId"`
	RequestID  string    `json:"requestId,omitempty"`
	Status     Status    `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Errored    int       `json:"errored"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Observation is one reading of the remote job.
type Observation struct {
	RequestID string
	Status    Status
	Total     int
	Completed int
	Errored   int
}

// ObservationFrom reads the download phase of a remote document query.
func ObservationFrom(dq *medapi.DocumentQuery) Observation {
	if dq == nil {
		return Observation{Status: StatusNotStarted}
	}
	obs := Observation{RequestID: dq.RequestID, Status: StatusNotStarted}
	if d := dq.Download; d != nil {
		obs.Status = ParseStatus(d.Status)
		obs.Total = d.Total
		obs.Completed = d.Successful
		obs.Errored = d.Errors
	}
	return obs
}

// NewProgress returns a not-started job for the patient.
func NewProgress(patientID, facilityID string, now time.Time) Progress {
	return Progress{
		PatientID:  patientID,
		FacilityID: facilityID,
		Status:     StatusNotStarted,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Advance applies an observation and returns the next state. Counters never
// decrease and a finished job never changes.
func (p Progress) Advance(obs Observation, now time.Time) (Progress, error) {
	if p.Status.Terminal() {
		return p, fmt.Errorf("%w: patient %s is %s", ErrTerminal, p.PatientID, p.Status)
	}

	next := p
	switch {
	case obs.Status.Terminal():
		next.Status = obs.Status
	case obs.Status == StatusProcessing:
		next.Status = StatusProcessing
	case p.Status == StatusProcessing:
		// the remote lost track of the job for a moment; keep processing
	default:
		next.Status = StatusNotStarted
	}

	if obs.RequestID != "" {
		next.RequestID = obs.RequestID
	}
	next.Completed = max(p.Completed, obs.Completed)
	next.Errored = max(p.Errored, obs.Errored)
	next.Total = max(p.Total, obs.Total)
	if sum := next.Completed + next.Errored; sum > next.Total {
		next.Total = sum
	}
	next.UpdatedAt = now
	return next, nil
}

// Done is Completed + Errored.
func (p Progress) Done() int {
	return p.Completed + p.Errored
}

// Percent is the share of documents handled, 0..100.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		if p.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return p.Done() * 100 / p.Total
}

// Querying reports whether the job should still be polled.
func (p Progress) Querying() bool {
	return p.Status == StatusProcessing
}
