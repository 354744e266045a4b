package recommendation

import (
	"context"

	"github.com/google/uuid"
)

// Reader loads the record for an assessment, returning ErrNotFound when the
// row does not exist yet.
type Reader interface {
	GetByAssessmentID(ctx context.Context, assessmentID uuid.UUID) (*Record, error)
}

// RequestStore creates the pending row a dispatch will be answered on.
// Creating it twice for the same assessment is a no-op.
type RequestStore interface {
	CreatePending(ctx context.Context, rec *Record) error
}

type Store interface {
	Reader
	RequestStore
}
