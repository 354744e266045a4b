package goal

import (
	"context"

	"github.com/google/uuid"
)

type GoalRepository interface {
	// Insert writes a single node; the caller assigns ids and parent links.
	Insert(ctx context.Context, g *GoalNode) error
	// DeactivateActive soft-deactivates every non-completed node of the
	// patient's active six-month trees and returns how many rows changed.
	DeactivateActive(ctx context.Context, patientID uuid.UUID) (int64, error)
	ActiveRoot(ctx context.Context, patientID uuid.UUID) (*GoalNode, error)
	// GetTree loads a node with all of its descendants, children ordered by
	// sequence number.
	GetTree(ctx context.Context, id uuid.UUID) (*GoalNode, error)
	ListRoots(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*GoalNode, int, error)
	// UpdateSchedule writes start date, end date and sequence number.
	UpdateSchedule(ctx context.Context, g *GoalNode) error
}

const (
	PatientTrackingPending = "pending"
	PatientTrackingActive  = "active"
)

// PatientStatusWriter flips the patient's goal-tracking status.
type PatientStatusWriter interface {
	SetGoalTrackingStatus(ctx context.Context, patientID uuid.UUID, status string) error
}

// TxRunner runs fn inside a transaction carried by the context it receives.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// LockFunc takes a lock scoped to the surrounding transaction.
type LockFunc func(ctx context.Context, key string) error

func patientLockKey(patientID uuid.UUID) string {
	return "goals:" + patientID.String()
}
