package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// AuditEvent is one row of the coding audit trail. ResultID is nil for
// events recorded before a result row exists, such as submission and
// failure events.
type AuditEvent struct {
	ID        uuid.UUID
	ResultID  *uuid.UUID
	NoteHash  string
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Audit event type names. They match the Kafka event envelopes so a trail
// row can be correlated with its published message.
const (
	AuditNoteSubmitted = "note.submitted"
	AuditNoteCoded     = "note.coded"
	AuditCodingFailed  = "coding.failed"
)

// AuditRepository appends and reads the per-result audit trail.
type AuditRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewAuditRepository constructs a ready-to-use AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool, logger logging.Logger) *AuditRepository {
	return &AuditRepository{pool: pool, logger: logger.Named("audit_repo")}
}

// Record appends one audit event. The payload must already be valid JSON;
// a nil payload is stored as an empty object.
func (r *AuditRepository) Record(ctx context.Context, ev *AuditEvent) error {
	if ev == nil || ev.EventType == "" {
		return errors.New(errors.ErrCodeValidation, "audit event requires an event type")
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	r.logger.Debug("recording audit event",
		logging.String("event_type", ev.EventType),
		logging.String("note_hash", ev.NoteHash))

	row := r.pool.QueryRow(ctx, `
		INSERT INTO audit_events (id, result_id, note_hash, event_type, payload)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		ev.ID, ev.ResultID, ev.NoteHash, ev.EventType, []byte(payload),
	)
	if err := row.Scan(&ev.CreatedAt); err != nil {
		r.logger.Error("insert audit event failed",
			logging.String("event_type", ev.EventType), logging.Err(err))
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to insert audit event")
	}
	return nil
}

// RecordPayload marshals the given event body and appends it to the trail.
func (r *AuditRepository) RecordPayload(ctx context.Context, resultID *uuid.UUID, noteHash, eventType string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDBQuery, "failed to encode audit payload")
	}
	return r.Record(ctx, &AuditEvent{
		ResultID:  resultID,
		NoteHash:  noteHash,
		EventType: eventType,
		Payload:   payload,
	})
}

// ListByResult returns a result's audit trail in the order it was written.
func (r *AuditRepository) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*AuditEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, result_id, note_hash, event_type, payload, created_at
		FROM audit_events
		WHERE result_id = $1
		ORDER BY created_at ASC, id ASC`, resultID)
	if err != nil {
		r.logger.Error("list audit events failed",
			logging.String("result_id", resultID.String()), logging.Err(err))
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to list audit events")
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var (
			ev      AuditEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ResultID, &ev.NoteHash, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to scan audit event row")
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to iterate audit events")
	}
	return events, nil
}

// ListByNoteHash returns every audit event recorded for a note, including
// submission and failure events that never got a result row.
func (r *AuditRepository) ListByNoteHash(ctx context.Context, noteHash string) ([]*AuditEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, result_id, note_hash, event_type, payload, created_at
		FROM audit_events
		WHERE note_hash = $1
		ORDER BY created_at ASC, id ASC`, noteHash)
	if err != nil {
		r.logger.Error("list audit events by note hash failed",
			logging.String("note_hash", noteHash), logging.Err(err))
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to list audit events")
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var (
			ev      AuditEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ResultID, &ev.NoteHash, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to scan audit event row")
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDBQuery, "failed to iterate audit events")
	}
	return events, nil
}
