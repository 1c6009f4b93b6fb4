package docquery

import (
	"errors"
	"testing"
	"time"

	"github.com/sultanranait/Claraly/internal/platform/medapi"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func processing(total, completed, errored int) Progress {
	return Progress{PatientID: "p1", FacilityID: "f1", Status: StatusProcessing, Total: total, Completed: completed, Errored: errored}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"processing": StatusProcessing,
		"completed":  StatusCompleted,
		"failed":     StatusFailed,
		"":           StatusNotStarted,
		"queued":     StatusNotStarted,
	}
	for in, want := range tests {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestProgress_Advance_StartsProcessing(t *testing.T) {
	p := NewProgress("p1", "f1", t0)
	next, err := p.Advance(Observation{RequestID: "r1", Status: StatusProcessing, Total: 8}, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != StatusProcessing || next.Total != 8 || next.RequestID != "r1" {
		t.Errorf("unexpected progress %+v", next)
	}
	if !next.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("expected UpdatedAt to move, got %v", next.UpdatedAt)
	}
	if p.Status != StatusNotStarted {
		t.Error("Advance must not mutate the receiver")
	}
}

func TestProgress_Advance_CountersNeverDecrease(t *testing.T) {
	readings := []Observation{
		{Status: StatusProcessing, Total: 10, Completed: 2, Errored: 0},
		{Status: StatusProcessing, Total: 10, Completed: 5, Errored: 1},
		{Status: StatusProcessing, Total: 10, Completed: 3, Errored: 0}, // stale reading
		{Status: StatusProcessing, Total: 0, Completed: 0, Errored: 0},  // remote hiccup
		{Status: StatusProcessing, Total: 10, Completed: 7, Errored: 2},
		{Status: StatusCompleted, Total: 10, Completed: 8, Errored: 2},
	}

	p := processing(0, 0, 0)
	for i, obs := range readings {
		next, err := p.Advance(obs, t0)
		if err != nil {
			t.Fatalf("reading %d: unexpected error: %v", i, err)
		}
		if next.Completed < p.Completed || next.Errored < p.Errored || next.Total < p.Total {
			t.Fatalf("reading %d: counters decreased from %+v to %+v", i, p, next)
		}
		p = next
	}
	if p.Status != StatusCompleted || p.Completed != 8 || p.Errored != 2 {
		t.Errorf("unexpected final progress %+v", p)
	}
}

func TestProgress_Advance_TotalCoversDoneOnCompletion(t *testing.T) {
	p := processing(5, 3, 0)
	next, err := p.Advance(Observation{Status: StatusCompleted, Total: 5, Completed: 6, Errored: 1}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Done() > next.Total {
		t.Errorf("completed+errored (%d) exceeds total (%d)", next.Done(), next.Total)
	}
	if next.Total != 7 {
		t.Errorf("expected total raised to 7, got %d", next.Total)
	}
}

func TestProgress_Advance_TerminalIsFinal(t *testing.T) {
	for _, st := range []Status{StatusCompleted, StatusFailed} {
		p := Progress{PatientID: "p1", Status: st, Total: 4, Completed: 4}
		next, err := p.Advance(Observation{Status: StatusProcessing, Total: 9, Completed: 9}, t0)
		if !errors.Is(err, ErrTerminal) {
			t.Errorf("%s: expected ErrTerminal, got %v", st, err)
		}
		if next != p {
			t.Errorf("%s: terminal progress changed to %+v", st, next)
		}
	}
}

func TestProgress_Advance_ProcessingIgnoresMissingStatus(t *testing.T) {
	p := processing(10, 4, 0)
	next, err := p.Advance(Observation{Status: StatusNotStarted}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != StatusProcessing || next.Completed != 4 || next.Total != 10 {
		t.Errorf("unexpected progress %+v", next)
	}
}

func TestProgress_Percent(t *testing.T) {
	tests := []struct {
		p    Progress
		want int
	}{
		{processing(0, 0, 0), 0},
		{processing(10, 4, 1), 50},
		{processing(3, 3, 0), 100},
		{Progress{Status: StatusCompleted}, 100},
	}
	for _, tt := range tests {
		if got := tt.p.Percent(); got != tt.want {
			t.Errorf("Percent(%+v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestObservationFrom(t *testing.T) {
	obs := ObservationFrom(&medapi.DocumentQuery{
		RequestID: "r9",
		Download:  &medapi.Progress{Status: "processing", Total: 12, Successful: 5, Errors: 2},
	})
	want := Observation{RequestID: "r9", Status: StatusProcessing, Total: 12, Completed: 5, Errored: 2}
	if obs != want {
		t.Errorf("got %+v, want %+v", obs, want)
	}

	if got := ObservationFrom(&medapi.DocumentQuery{}); got.Status != StatusNotStarted {
		t.Errorf("missing download phase should be not-started, got %s", got.Status)
	}
	if got := ObservationFrom(nil); got.Status != StatusNotStarted {
		t.Errorf("nil query should be not-started, got %s", got.Status)
	}
}
