package recommendation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status of an ai_recommendations row. Only pending rows are written here;
// the external workflow moves them on.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrNotFound = errors.New("recommendation not found")

// Record is the result row the external workflow fills in for an assessment.
type Record struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	AssessmentID    uuid.UUID       `db:"assessment_id" json:"assessment_id"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	Status          Status          `db:"status" json:"status"`
	Recommendations json.RawMessage `db:"recommendations" json:"recommendations,omitempty"`
	Error           json.RawMessage `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}
