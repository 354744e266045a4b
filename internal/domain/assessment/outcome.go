package assessment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/goalplan/internal/domain/goal"
	"github.com/ehr/goalplan/internal/domain/recommendation"
)

// Kind discriminates an Outcome.
type Kind string

const (
	KindReady                Kind = "ready"
	KindSaved                Kind = "saved"
	KindDispatchError        Kind = "dispatch_error"
	KindTimeout              Kind = "timeout"
	KindRecommendationFailed Kind = "recommendation_failed"
	KindParseError           Kind = "parse_error"
	KindPersistenceError     Kind = "persistence_error"
	KindInvalidInput         Kind = "invalid_input"
	KindCancelled            Kind = "cancelled"
)

// ErrNotReady is returned when a selection is made before the
// recommendation completed.
var ErrNotReady = errors.New("recommendation is not ready")

// Outcome is the single result of a submit or select. Err is set for every
// kind except ready and saved.
type Outcome struct {
	Kind             Kind                       `json:"kind"`
	AssessmentID     uuid.UUID                  `json:"assessment_id"`
	RecommendationID *uuid.UUID                 `json:"recommendation_id,omitempty"`
	Plan             *recommendation.ParsedPlan `json:"plan,omitempty"`
	Tree             *goal.GoalNode             `json:"tree,omitempty"`
	Err              error                      `json:"-"`
	Retryable        bool                       `json:"retryable"`
}

func (o Outcome) OK() bool { return o.Kind == KindReady || o.Kind == KindSaved }

// Message is the error text, or empty for a successful outcome.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Classify maps an error from anywhere in the pipeline to its outcome kind.
func Classify(assessmentID uuid.UUID, err error) Outcome {
	o := Outcome{AssessmentID: assessmentID, Err: err}
	var (
		dispatchErr *recommendation.DispatchError
		timeoutErr  *recommendation.TimeoutError
		failedErr   *recommendation.RecommendationFailedError
		parseErr    *recommendation.ParseError
		persistErr  *goal.PersistenceError
		invalidErr  *ValidationError
	)
	switch {
	case errors.Is(err, recommendation.ErrPollCancelled), errors.Is(err, context.Canceled):
		o.Kind = KindCancelled
	case errors.As(err, &dispatchErr):
		o.Kind, o.Retryable = KindDispatchError, true
	case errors.Is(err, recommendation.ErrAlreadyDispatched):
		o.Kind = KindDispatchError
	case errors.As(err, &timeoutErr):
		o.Kind, o.Retryable = KindTimeout, true
	case errors.As(err, &failedErr):
		o.Kind = KindRecommendationFailed
	case errors.As(err, &parseErr):
		o.Kind = KindParseError
	case errors.As(err, &persistErr):
		o.Kind = KindPersistenceError
		o.Retryable = persistErr.Step != goal.StepValidate
	case errors.As(err, &invalidErr),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrNotReady),
		errors.Is(err, goal.ErrInvalidTree):
		o.Kind = KindInvalidInput
	default:
		o.Kind, o.Retryable = KindPersistenceError, true
	}
	return o
}
