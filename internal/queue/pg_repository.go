package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgConn is the subset of *pgxpool.Pool the repository needs.
type PgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRepository adapts Postgres to the queue's downstream collaborators:
// visit records, the terminal-entry archive and the transition log.
type PgRepository struct {
	db PgConn
}

func NewPgRepository(db PgConn) *PgRepository {
	return &PgRepository{db: db}
}

func (r *PgRepository) CreateVisit(ctx context.Context, patientRef, clinicID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `
		INSERT INTO visits (id, patient_ref, clinic_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'open', now(), now())
		RETURNING id::text
	`, uuid.New(), patientRef, clinicID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert visit: %w", err)
	}
	return id, nil
}

func (r *PgRepository) Archive(ctx context.Context, e QueueEntry, visitID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO queue_entry_archive (
			id, clinic_id, department_id, patient_ref, visit_id, ticket_number, priority,
			final_state, room, checked_in_by, called_by, served_by, no_answer_count,
			enqueued_at, called_at, started_at, completed_at, version, archived_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now())
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID, e.ClinicID, e.DepartmentID, e.PatientRef, nullableString(visitID), e.TicketNumber, string(e.Priority),
		string(e.State), nullableString(e.Room), nullableString(e.CheckedInBy), nullableString(e.CalledBy), nullableString(e.ServedBy), e.NoAnswerCount,
		e.EnqueuedAt, e.CalledAt, e.StartedAt, e.CompletedAt, e.Version,
	)
	if err != nil {
		return fmt.Errorf("archive queue entry: %w", err)
	}
	return nil
}

func (r *PgRepository) LogEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Entry)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO queue_events (id, entry_id, clinic_id, department_id, action, from_state, to_state, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.EntryID, ev.ClinicID, ev.DepartmentID, string(ev.Action),
		nullableString(string(ev.FromState)), string(ev.ToState), nullableString(ev.ActorID), payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert queue event: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
