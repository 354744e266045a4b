package goal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Persist steps reported by PersistenceError.
const (
	StepValidate        = "validate"
	StepLock            = "lock"
	StepDeactivate      = "deactivate"
	StepInsert          = "insert"
	StepActivatePatient = "activate_patient"
)

// PersistenceError reports a failed tree replacement. The whole replace must
// be retried; a partial write is never left behind as a second active tree.
type PersistenceError struct {
	PatientID uuid.UUID
	Step      string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist goal tree for patient %s: %s: %v", e.PatientID, e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithLock adds a transaction-scoped lock (e.g. a Postgres advisory lock)
// taken before the active tree is touched.
func WithLock(fn LockFunc) PersisterOption {
	return func(p *Persister) { p.lock = fn }
}

// WithClock overrides time.Now for created/updated timestamps.
func WithClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

// Persister replaces a patient's active goal tree with a freshly built one.
type Persister struct {
	goals    GoalRepository
	patients PatientStatusWriter
	tx       TxRunner
	lock     LockFunc
	locks    *keyedMutex
	now      func() time.Time
	logger   zerolog.Logger
}

func NewPersister(goals GoalRepository, patients PatientStatusWriter, tx TxRunner, logger zerolog.Logger, opts ...PersisterOption) *Persister {
	p := &Persister{
		goals:    goals,
		patients: patients,
		tx:       tx,
		locks:    newKeyedMutex(),
		now:      time.Now,
		logger:   logger.With().Str("component", "goal_persister").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Replace deactivates the patient's current active tree (completed nodes are
// left alone), inserts root with fresh ids, and marks the patient's goal
// tracking active, all in one transaction. Concurrent calls for the same
// patient run one after another. The returned tree is a persisted copy; root
// itself is not modified.
func (p *Persister) Replace(ctx context.Context, patientID uuid.UUID, root *GoalNode) (*GoalNode, error) {
	fail := func(step string, err error) error {
		return &PersistenceError{PatientID: patientID, Step: step, Err: err}
	}
	if patientID == uuid.Nil {
		return nil, fail(StepValidate, errors.New("patient_id is required"))
	}
	if err := Validate(root); err != nil {
		return nil, fail(StepValidate, err)
	}
	if root.PatientID != patientID {
		return nil, fail(StepValidate, fmt.Errorf("tree belongs to patient %s", root.PatientID))
	}

	tree := root.Clone()
	now := p.now().UTC()
	tree.Walk(func(n *GoalNode) {
		n.ID = uuid.New()
		n.IsActive = true
		n.CreatedAt, n.UpdatedAt = now, now
		for _, c := range n.Children {
			parent := n.ID
			c.ParentID = &parent
		}
	})
	tree.ParentID = nil

	unlock := p.locks.Lock(patientID)
	defer unlock()

	var deactivated int64
	err := p.tx.RunInTx(ctx, func(ctx context.Context) error {
		if p.lock != nil {
			if err := p.lock(ctx, patientLockKey(patientID)); err != nil {
				return fail(StepLock, err)
			}
		}
		n, err := p.goals.DeactivateActive(ctx, patientID)
		if err != nil {
			return fail(StepDeactivate, err)
		}
		deactivated = n

		var insertErr error
		tree.Walk(func(node *GoalNode) {
			if insertErr != nil {
				return
			}
			if err := p.goals.Insert(ctx, node); err != nil {
				insertErr = fmt.Errorf("%s goal %d: %w", node.Type, node.Sequence, err)
			}
		})
		if insertErr != nil {
			return fail(StepInsert, insertErr)
		}

		if err := p.patients.SetGoalTrackingStatus(ctx, patientID, PatientTrackingActive); err != nil {
			return fail(StepActivatePatient, err)
		}
		return nil
	})
	if err != nil {
		var pe *PersistenceError
		if !errors.As(err, &pe) {
			// begin/commit failures surface from the runner itself
			err = fail("commit", err)
		}
		p.logger.Error().Err(err).Str("patient_id", patientID.String()).Msg("goal tree replace failed")
		return nil, err
	}

	p.logger.Info().
		Str("patient_id", patientID.String()).
		Str("root_id", tree.ID.String()).
		Int("nodes", tree.Count()).
		Int64("deactivated", deactivated).
		Msg("goal tree replaced")
	return tree, nil
}
