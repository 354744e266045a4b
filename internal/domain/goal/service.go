package goal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service exposes read access to goal trees and the start-date edit flow.
type Service struct {
	goals  GoalRepository
	tx     TxRunner
	lock   LockFunc
	now    func() time.Time
	logger zerolog.Logger
}

// NewService builds a Service. lock may be nil when no cross-process lock is
// available.
func NewService(goals GoalRepository, tx TxRunner, lock LockFunc, logger zerolog.Logger) *Service {
	return &Service{
		goals:  goals,
		tx:     tx,
		lock:   lock,
		now:    time.Now,
		logger: logger.With().Str("component", "goal_service").Logger(),
	}
}

func (s *Service) ActiveTree(ctx context.Context, patientID uuid.UUID) (*GoalNode, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	return s.goals.ActiveRoot(ctx, patientID)
}

func (s *Service) Tree(ctx context.Context, id uuid.UUID) (*GoalNode, error) {
	return s.goals.GetTree(ctx, id)
}

// History lists the patient's six-month goals, newest first, active or not.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*GoalNode, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, fmt.Errorf("patient_id is required")
	}
	return s.goals.ListRoots(ctx, patientID, limit, offset)
}

// EditStartDate moves a six-month goal to newStart. The tree is loaded,
// reconciled and every changed node written back in one transaction.
func (s *Service) EditStartDate(ctx context.Context, rootID uuid.UUID, newStart time.Time, mode ReconcileMode) (*GoalNode, ReconcileResult, error) {
	var (
		tree *GoalNode
		res  ReconcileResult
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		tree, err = s.goals.GetTree(ctx, rootID)
		if err != nil {
			return err
		}
		if tree.Type != TypeSixMonth {
			return fmt.Errorf("%w: goal %s is a %s goal", ErrInvalidTree, rootID, tree.Type)
		}
		if s.lock != nil {
			if err := s.lock(ctx, patientLockKey(tree.PatientID)); err != nil {
				return err
			}
		}
		res, err = Reconcile(tree, newStart, mode)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, n := range res.Changed {
			n.UpdatedAt = now
			if err := s.goals.UpdateSchedule(ctx, n); err != nil {
				return fmt.Errorf("update %s goal %s: %w", n.Type, n.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).Str("goal_id", rootID.String()).Msg("start date edit failed")
		}
		return nil, res, err
	}

	ev := s.logger.Info().
		Str("goal_id", rootID.String()).
		Str("mode", string(mode)).
		Int("changed", len(res.Changed))
	if res.Warning != "" {
		ev = ev.Str("warning", res.Warning)
	}
	ev.Msg("start date edited")
	return tree, res, nil
}
