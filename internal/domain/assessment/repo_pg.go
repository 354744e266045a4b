package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/goalplan/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *repoPG) Create(ctx context.Context, a *Assessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	successes, err := jsonList(a.PastSuccesses)
	if err != nil {
		return fmt.Errorf("encode past_successes: %w", err)
	}
	constraints, err := jsonList(a.Constraints)
	if err != nil {
		return fmt.Errorf("encode constraints: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assessments (id, patient_id, assessed_by, focus_time, motivation_level,
			past_successes, constraints, social_preference, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		a.ID, a.PatientID, a.AssessedBy, a.FocusTime, a.MotivationLevel,
		successes, constraints, a.SocialPreference, a.Notes,
	).Scan(&a.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	var (
		a                      Assessment
		successes, constraints []byte
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, assessed_by, focus_time, motivation_level,
			past_successes, constraints, social_preference, notes, created_at
		FROM assessments WHERE id = $1`, id).Scan(
		&a.ID, &a.PatientID, &a.AssessedBy, &a.FocusTime, &a.MotivationLevel,
		&successes, &constraints, &a.SocialPreference, &a.Notes, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(successes, &a.PastSuccesses); err != nil {
		return nil, fmt.Errorf("decode past_successes: %w", err)
	}
	if err := json.Unmarshal(constraints, &a.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints: %w", err)
	}
	return &a, nil
}

func (r *repoPG) PatientSummary(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	var p PatientSummary
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, birth_date, gender, diagnosis FROM patients WHERE id = $1`, patientID).
		Scan(&p.ID, &p.BirthDate, &p.Gender, &p.Diagnosis)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// jsonList stores nil as [] so the columns always hold an array.
func jsonList(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}
