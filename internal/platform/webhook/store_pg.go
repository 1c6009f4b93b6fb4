package webhook

import (
	"context"
	"fmt"

	"github.com/sultanranait/Claraly/internal/platform/db"
	"github.com/sultanranait/Claraly/pkg/pagination"
)

type PGStore struct {
	q db.Querier
}

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{q: q}
}

func (s *PGStore) Record(ctx context.Context, e *Event) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO webhook_events (id, message_id, type, status, error, payload, received_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7)`,
		e.ID, e.MessageID, e.Type, string(e.Status), e.Error, []byte(e.Payload), e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, f ListFilter, p pagination.Params) ([]Event, int, error) {
	where := `WHERE ($1::text = '' OR type = $1::text) AND ($2::text = '' OR status = $2::text)`

	var total int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events `+where,
		f.Type, string(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	rows, err := s.q.Query(ctx, `
		SELECT id, COALESCE(message_id, ''), type, status, COALESCE(error, ''), payload, received_at
		FROM webhook_events `+where+`
		ORDER BY received_at DESC
		LIMIT $3 OFFSET $4`,
		f.Type, string(f.Status), p.Limit, p.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var status string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Type, &status, &e.Error, &payload, &e.ReceivedAt); err != nil {
			return nil, 0, fmt.Errorf("scan webhook event: %w", err)
		}
		e.Status = EventStatus(status)
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate webhook events: %w", err)
	}
	return events, total, nil
}
