package recommendation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/goalplan/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) GetByAssessmentID(ctx context.Context, assessmentID uuid.UUID) (*Record, error) {
	var (
		rec        Record
		recs, errp []byte
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, assessment_id, patient_id, status, recommendations, error, created_at, updated_at
		FROM ai_recommendations WHERE assessment_id = $1`, assessmentID).
		Scan(&rec.ID, &rec.AssessmentID, &rec.PatientID, &rec.Status, &recs, &errp, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Recommendations, rec.Error = recs, errp
	return &rec, nil
}

func (r *storePG) CreatePending(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Status = StatusPending
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO ai_recommendations (id, assessment_id, patient_id, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (assessment_id) DO NOTHING`,
		rec.ID, rec.AssessmentID, rec.PatientID)
	return err
}
