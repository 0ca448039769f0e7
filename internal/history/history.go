// Package history is the Postgres ledger of watcher runs and booking attempts.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/example/appt-watcher/internal/crypto"
	"github.com/example/appt-watcher/internal/db"
	"github.com/example/appt-watcher/internal/scheduler"
)

type Run struct {
	ID         string
	Origin     string
	Radius     int
	Type       string
	StartDate  time.Time
	EndDate    time.Time
	Adults     int
	Minors     int
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    *string
	Sweeps     int
	Found      int
	Reason     *string
}

type Attempt struct {
	ID            string
	RunID         string
	SlotKey       string
	FacilityID    string
	FacilityName  string
	SlotStart     time.Time
	State         string
	Retries       int
	Reason        *string
	Confirmation  *string
	ContactSealed *string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Repo records runs for the scheduler and reads them back for the history
// command. Contact details are stored only when a sealer is configured.
type Repo struct {
	db      db.Querier
	sealer  *crypto.Sealer
	contact appointment.Contact
}

var _ scheduler.Recorder = (*Repo)(nil)

func NewRepo(d db.Querier, sealer *crypto.Sealer, contact appointment.Contact) *Repo {
	return &Repo{db: d, sealer: sealer, contact: contact}
}

func (r *Repo) StartRun(ctx context.Context, runID string, c appointment.SearchCriteria, at time.Time) error {
	err := r.db.Exec(ctx, `
INSERT INTO runs(id,origin,radius_mi,appointment_type,start_date,end_date,adults,minors,started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		runID, c.Origin.String(), c.Radius, c.Type, appointment.Day(c.Start), appointment.Day(c.End), c.Party.Adults, c.Party.Minors, at,
	)
	if err != nil {
		return fmt.Errorf("history: start run: %w", err)
	}
	return nil
}

func (r *Repo) RecordAttempt(ctx context.Context, runID string, a *appointment.BookingAttempt) error {
	sealed, err := r.sealContact(a.ID)
	if err != nil {
		return err
	}
	err = r.db.Exec(ctx, `
INSERT INTO booking_attempts(id,run_id,slot_key,facility_id,facility_name,slot_start,state,retries,reason,confirmation,contact_sealed,started_at,finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, runID, a.Slot.Key(), a.Slot.Facility.ID, a.Slot.Facility.Name, a.Slot.Start, string(a.State), a.Retries,
		nullable(a.Reason()), nullable(a.Confirmation), sealed, a.StartedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: record attempt %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) FinishRun(ctx context.Context, res scheduler.Result) error {
	err := r.db.Exec(ctx, `
UPDATE runs SET finished_at=$2, outcome=$3, sweeps=$4, slots_found=$5, reason=$6 WHERE id=$1`,
		res.RunID, res.FinishedAt, string(res.Outcome), res.Sweeps, res.Found, nullable(appointment.Reason(res.Err)),
	)
	if err != nil {
		return fmt.Errorf("history: finish run: %w", err)
	}
	return nil
}

func (r *Repo) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
SELECT id::text,origin,radius_mi,appointment_type,start_date,end_date,adults,minors,started_at,finished_at,outcome,sweeps,slots_found,reason
FROM runs
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.Origin, &run.Radius, &run.Type, &run.StartDate, &run.EndDate, &run.Adults, &run.Minors,
			&run.StartedAt, &run.FinishedAt, &run.Outcome, &run.Sweeps, &run.Found, &run.Reason,
		); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *Repo) ListAttempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := r.db.Query(ctx, `
SELECT id::text,run_id::text,slot_key,facility_id,facility_name,slot_start,state,retries,reason,confirmation,contact_sealed,started_at,finished_at
FROM booking_attempts
WHERE run_id=$1
ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(
			&a.ID, &a.RunID, &a.SlotKey, &a.FacilityID, &a.FacilityName, &a.SlotStart, &a.State, &a.Retries,
			&a.Reason, &a.Confirmation, &a.ContactSealed, &a.StartedAt, &a.FinishedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OpenContact reveals the contact stored with an attempt.
func (r *Repo) OpenContact(a Attempt) (string, error) {
	if a.ContactSealed == nil {
		return "", nil
	}
	if r.sealer == nil {
		return "", fmt.Errorf("history: attempt %s has a sealed contact but no key is configured", a.ID)
	}
	return r.sealer.Open(*a.ContactSealed, a.ID)
}

// MarkSeen implements seen.Store on the notified_slots table so repeated
// runs against the same database do not re-announce a slot.
func (r *Repo) MarkSeen(ctx context.Context, key string) (bool, error) {
	var inserted bool
	err := r.db.QueryRow(ctx, `
INSERT INTO notified_slots(slot_key) VALUES ($1)
ON CONFLICT (slot_key) DO NOTHING
RETURNING true`, key).Scan(&inserted)
	if db.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("history: mark seen: %w", err)
	}
	return inserted, nil
}

func (r *Repo) sealContact(attemptID string) (*string, error) {
	if r.sealer == nil || r.contact.Email == "" {
		return nil, nil
	}
	c := r.contact
	plain := fmt.Sprintf("%s %s <%s> %s", c.FirstName, c.LastName, c.Email, c.Phone)
	s, err := r.sealer.Seal(plain, attemptID)
	if err != nil {
		return nil, fmt.Errorf("history: seal contact: %w", err)
	}
	return &s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
