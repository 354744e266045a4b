package assessment

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Assessment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error)
	// PatientSummary returns ErrPatientNotFound for an unknown patient.
	PatientSummary(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error)
}

// TxRunner runs fn in one transaction; repositories called with the
// context handed to fn join it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
