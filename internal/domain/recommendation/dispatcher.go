package recommendation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/goalplan/internal/platform/webhook"
)

// ErrAlreadyDispatched is returned when the assessment was already sent.
var ErrAlreadyDispatched = errors.New("assessment already dispatched")

// DispatchError reports a failed webhook call. StatusCode is zero for
// transport failures.
type DispatchError struct {
	AssessmentID uuid.UUID
	StatusCode   int
	Body         string
	Err          error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch assessment %s: webhook answered %d: %v", e.AssessmentID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch assessment %s: %v", e.AssessmentID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type PatientInfo struct {
	Age       *int   `json:"age"`
	Gender    string `json:"gender,omitempty"`
	Diagnosis string `json:"diagnosis,omitempty"`
}

type AssessmentData struct {
	FocusTime        string   `json:"focusTime"`
	MotivationLevel  int      `json:"motivationLevel"`
	PastSuccesses    []string `json:"pastSuccesses"`
	Constraints      []string `json:"constraints"`
	SocialPreference string   `json:"socialPreference"`
}

// DispatchRequest is the body POSTed to the recommendation workflow.
type DispatchRequest struct {
	AssessmentID   uuid.UUID      `json:"assessmentId"`
	PatientID      uuid.UUID      `json:"patientId"`
	PatientInfo    PatientInfo    `json:"patientInfo"`
	AssessmentData AssessmentData `json:"assessmentData"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Poster sends one signed payload; *webhook.Client implements it.
type Poster interface {
	Post(ctx context.Context, deliveryID string, payload []byte) *webhook.DeliveryAttempt
}

// Dispatcher hands assessments to the external workflow. It never retries
// and never waits for the workflow to finish.
type Dispatcher struct {
	poster Poster
	guard  DispatchGuard
	now    func() time.Time
	logger zerolog.Logger
}

// NewDispatcher builds a Dispatcher. A nil guard falls back to a process
// local MemoryGuard without expiry.
func NewDispatcher(poster Poster, guard DispatchGuard, logger zerolog.Logger) *Dispatcher {
	if guard == nil {
		guard = NewMemoryGuard(0)
	}
	return &Dispatcher{
		poster: poster,
		guard:  guard,
		now:    time.Now,
		logger: logger.With().Str("component", "recommendation_dispatcher").Logger(),
	}
}

// Dispatch posts req once. A second call for the same assessment returns
// ErrAlreadyDispatched without calling out, unless the first one failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*webhook.DeliveryAttempt, error) {
	if req.AssessmentID == uuid.Nil || req.PatientID == uuid.Nil {
		return nil, &DispatchError{AssessmentID: req.AssessmentID, Err: errors.New("assessment and patient ids are required")}
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = d.now().UTC()
	}
	if req.AssessmentData.PastSuccesses == nil {
		req.AssessmentData.PastSuccesses = []string{}
	}
	if req.AssessmentData.Constraints == nil {
		req.AssessmentData.Constraints = []string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &DispatchError{AssessmentID: req.AssessmentID, Err: fmt.Errorf("encode request: %w", err)}
	}

	claimed, err := d.guard.Claim(ctx, req.AssessmentID)
	if err != nil {
		return nil, &DispatchError{AssessmentID: req.AssessmentID, Err: fmt.Errorf("claim dispatch: %w", err)}
	}
	if !claimed {
		return nil, ErrAlreadyDispatched
	}

	attempt := d.poster.Post(ctx, req.AssessmentID.String(), body)
	log := d.logger.With().
		Str("assessment_id", req.AssessmentID.String()).
		Int("status_code", attempt.StatusCode).
		Dur("duration", attempt.Duration).
		Logger()
	if !attempt.OK() {
		if rerr := d.guard.Release(context.WithoutCancel(ctx), req.AssessmentID); rerr != nil {
			log.Warn().Err(rerr).Msg("release dispatch claim")
		}
		derr := &DispatchError{
			AssessmentID: req.AssessmentID,
			StatusCode:   attempt.StatusCode,
			Body:         attempt.ResponseBody,
			Err:          errors.New(attempt.Error),
		}
		log.Error().Err(derr).Msg("recommendation dispatch failed")
		return attempt, derr
	}
	log.Info().Msg("recommendation dispatched")
	return attempt, nil
}
