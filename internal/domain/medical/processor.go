package medical

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sultanranait/Claraly/internal/platform/archive"
	"github.com/sultanranait/Claraly/internal/platform/webhook"
)

// Processor reacts to completed webhook results. Consolidated data is
// archived per patient, using the patient's bundle when one is present.
type Processor struct {
	svc *Service
	now func() time.Time
}

func NewProcessor(svc *Service) *Processor {
	return &Processor{svc: svc, now: time.Now}
}

var _ webhook.Processor = (*Processor)(nil)

func (p *Processor) DocumentDownload(ctx context.Context, patient webhook.PatientResult) error {
	if len(patient.Documents) == 0 {
		p.svc.logger.Info().Str("patient_id", patient.PatientID).Msg("download completed without documents")
		return nil
	}
	first := patient.Documents[0]
	link, err := p.svc.DocumentURL(ctx, first.FileName, ConversionPDF)
	if err != nil {
		return fmt.Errorf("document url for %s: %w", first.FileName, err)
	}
	p.svc.logger.Info().
		Str("patient_id", patient.PatientID).
		Str("file_name", first.FileName).
		Str("url", link.URL).
		Msg("document download url ready")
	return nil
}

func (p *Processor) DocumentConversion(ctx context.Context, patient webhook.PatientResult) error {
	q, err := p.svc.StartConsolidated(ctx, patient.PatientID, ConsolidatedRequest{})
	if err != nil {
		return fmt.Errorf("start consolidated query: %w", err)
	}
	p.svc.logger.Info().
		Str("patient_id", patient.PatientID).
		Str("request_id", q.RequestID).
		Str("status", q.Status).
		Msg("consolidated query started")
	return nil
}

func (p *Processor) ConsolidatedData(ctx context.Context, patient webhook.PatientResult, raw json.RawMessage) error {
	var meta struct {
		Meta webhook.Meta `json:"meta"`
	}
	_ = json.Unmarshal(raw, &meta)

	payload := raw
	if len(patient.Bundle) > 0 {
		payload = patient.Bundle
	}
	rec := archive.Record{
		PatientID:  patient.PatientID,
		MessageID:  meta.Meta.MessageID,
		Type:       webhook.TypeConsolidatedData,
		ReceivedAt: p.now().UTC(),
		Payload:    payload,
	}
	if err := p.svc.archive.Store(ctx, rec); err != nil {
		return fmt.Errorf("archive consolidated data: %w", err)
	}
	return nil
}
