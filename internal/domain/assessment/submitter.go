package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/goalplan/internal/domain/goal"
	"github.com/ehr/goalplan/internal/domain/recommendation"
	"github.com/ehr/goalplan/internal/platform/webhook"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req recommendation.DispatchRequest) (*webhook.DeliveryAttempt, error)
}

type Poller interface {
	Start(ctx context.Context, assessmentID uuid.UUID, opts recommendation.Options) *recommendation.Poll
}

type GoalReplacer interface {
	Replace(ctx context.Context, patientID uuid.UUID, root *goal.GoalNode) (*goal.GoalNode, error)
}

// SubmitInput is a new intake as entered by the assessing user.
type SubmitInput struct {
	PatientID        uuid.UUID
	AssessedBy       string
	FocusTime        string
	MotivationLevel  int
	PastSuccesses    []string
	Constraints      []string
	SocialPreference string
	Notes            string
}

// SelectInput picks one of the parsed options of a completed recommendation.
type SelectInput struct {
	AssessmentID uuid.UUID
	OptionIndex  int
	StartDate    time.Time
	SelectedBy   string
}

const defaultSessionRetention = time.Hour

type SubmitterOption func(*Submitter)

// WithPollOptions overrides the poller defaults for every session.
func WithPollOptions(opts recommendation.Options) SubmitterOption {
	return func(s *Submitter) { s.pollOpts = opts }
}

// WithSessionRetention sets how long finished sessions stay queryable.
func WithSessionRetention(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.retention = d }
}

// WithTransactor makes the assessment and its pending recommendation row
// commit together.
func WithTransactor(tx TxRunner) SubmitterOption {
	return func(s *Submitter) { s.tx = tx }
}

func WithClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) { s.now = now }
}

// Submitter drives an assessment from intake to a persisted goal tree:
// persist, dispatch, poll and parse, then build and persist the selection.
type Submitter struct {
	assessments Repository
	records     recommendation.Store
	dispatcher  Dispatcher
	poller      Poller
	persister   GoalReplacer
	tx          TxRunner
	pollOpts    recommendation.Options
	retention   time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewSubmitter(
	assessments Repository,
	records recommendation.Store,
	dispatcher Dispatcher,
	poller Poller,
	persister GoalReplacer,
	logger zerolog.Logger,
	opts ...SubmitterOption,
) *Submitter {
	s := &Submitter{
		assessments: assessments,
		records:     records,
		dispatcher:  dispatcher,
		poller:      poller,
		persister:   persister,
		tx:          noTx{},
		retention:   defaultSessionRetention,
		now:         time.Now,
		logger:      logger.With().Str("component", "assessment_submitter").Logger(),
		sessions:    make(map[uuid.UUID]*Session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit runs the whole recommendation cycle and blocks until options are
// ready or the cycle failed. Cancelling ctx cancels the poll.
func (s *Submitter) Submit(ctx context.Context, in SubmitInput) Outcome {
	a, req, err := s.prepare(ctx, in)
	if err != nil {
		return s.fail(uuid.Nil, err)
	}
	return s.run(ctx, a, req, nil)
}

// Start persists the intake and runs the rest of the cycle in the
// background. The session outlives ctx; use Session.Cancel to stop it.
func (s *Submitter) Start(ctx context.Context, in SubmitInput) (*Session, error) {
	a, req, err := s.prepare(ctx, in)
	if err != nil {
		s.fail(uuid.Nil, err)
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := newSession(a.ID, a.PatientID, cancel)

	s.mu.Lock()
	s.pruneLocked()
	s.sessions[a.ID] = sess
	s.mu.Unlock()

	go func() {
		defer cancel()
		sess.finish(s.run(sctx, a, req, sess), s.now())
	}()
	return sess, nil
}

// Session returns the session started for an assessment.
func (s *Submitter) Session(assessmentID uuid.UUID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[assessmentID]
	return sess, ok
}

// Cancel stops the session of an assessment. It reports false when there is
// no such session.
func (s *Submitter) Cancel(assessmentID uuid.UUID) bool {
	sess, ok := s.Session(assessmentID)
	if ok {
		sess.Cancel()
	}
	return ok
}

func (s *Submitter) pruneLocked() {
	cutoff := s.now().Add(-s.retention)
	for id, sess := range s.sessions {
		if at, done := sess.finishedAt(); done && at.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

func (s *Submitter) prepare(ctx context.Context, in SubmitInput) (*Assessment, recommendation.DispatchRequest, error) {
	a := &Assessment{
		PatientID:        in.PatientID,
		AssessedBy:       in.AssessedBy,
		FocusTime:        in.FocusTime,
		MotivationLevel:  in.MotivationLevel,
		PastSuccesses:    in.PastSuccesses,
		Constraints:      in.Constraints,
		SocialPreference: in.SocialPreference,
	}
	if in.Notes != "" {
		notes := in.Notes
		a.Notes = &notes
	}
	a.normalize()
	if err := a.Validate(); err != nil {
		return nil, recommendation.DispatchRequest{}, err
	}

	patient, err := s.assessments.PatientSummary(ctx, a.PatientID)
	if err != nil {
		return nil, recommendation.DispatchRequest{}, err
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.assessments.Create(ctx, a); err != nil {
			return fmt.Errorf("save assessment: %w", err)
		}
		if err := s.records.CreatePending(ctx, &recommendation.Record{AssessmentID: a.ID, PatientID: a.PatientID}); err != nil {
			return fmt.Errorf("create recommendation request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, recommendation.DispatchRequest{}, err
	}

	now := s.now().UTC()
	req := recommendation.DispatchRequest{
		AssessmentID: a.ID,
		PatientID:    a.PatientID,
		PatientInfo: recommendation.PatientInfo{
			Age:       patient.AgeAt(now),
			Gender:    deref(patient.Gender),
			Diagnosis: deref(patient.Diagnosis),
		},
		AssessmentData: recommendation.AssessmentData{
			FocusTime:        a.FocusTime,
			MotivationLevel:  a.MotivationLevel,
			PastSuccesses:    a.PastSuccesses,
			Constraints:      a.Constraints,
			SocialPreference: a.SocialPreference,
		},
		Timestamp: now,
	}
	return a, req, nil
}

// run dispatches, polls and parses. sess, when set, follows the progress.
func (s *Submitter) run(ctx context.Context, a *Assessment, req recommendation.DispatchRequest, sess *Session) Outcome {
	if _, err := s.dispatcher.Dispatch(ctx, req); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", recommendation.ErrPollCancelled, err)
		}
		return s.fail(a.ID, err)
	}
	sess.setState(StateDispatched)

	poll := s.poller.Start(ctx, a.ID, s.pollOpts)
	sess.setState(StatePolling)
	rec, err := poll.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, recommendation.ErrPollCancelled) {
			err = recommendation.ErrPollCancelled
		}
		return s.fail(a.ID, err)
	}

	plan := recommendation.Parse(rec.Recommendations)
	if !plan.OK() {
		o := s.fail(a.ID, plan.Err())
		o.Plan = &plan
		return o
	}
	recID := rec.ID
	s.logger.Info().
		Str("assessment_id", a.ID.String()).
		Str("tier", string(plan.Tier)).
		Float64("confidence", plan.Confidence).
		Int("attempts", poll.Attempts()).
		Msg("recommendation ready")
	return Outcome{Kind: KindReady, AssessmentID: a.ID, RecommendationID: &recID, Plan: &plan}
}

// Select builds the tree for one option of a completed recommendation and
// makes it the patient's active tree.
func (s *Submitter) Select(ctx context.Context, in SelectInput) Outcome {
	if in.OptionIndex < 0 || in.OptionIndex >= recommendation.OptionCount {
		return s.fail(in.AssessmentID, &ValidationError{Problems: []string{
			fmt.Sprintf("option_index must be between 0 and %d", recommendation.OptionCount-1),
		}})
	}
	if in.StartDate.IsZero() {
		return s.fail(in.AssessmentID, &ValidationError{Problems: []string{"start_date is required"}})
	}

	a, err := s.assessments.GetByID(ctx, in.AssessmentID)
	if err != nil {
		return s.fail(in.AssessmentID, err)
	}
	rec, err := s.records.GetByAssessmentID(ctx, in.AssessmentID)
	switch {
	case errors.Is(err, recommendation.ErrNotFound):
		return s.fail(a.ID, ErrNotReady)
	case err != nil:
		return s.fail(a.ID, fmt.Errorf("load recommendation: %w", err))
	case rec.Status == recommendation.StatusFailed:
		return s.fail(a.ID, &recommendation.RecommendationFailedError{AssessmentID: a.ID, Payload: rec.Error})
	case rec.Status != recommendation.StatusCompleted:
		return s.fail(a.ID, ErrNotReady)
	}

	plan := recommendation.Parse(rec.Recommendations)
	if !plan.OK() {
		o := s.fail(a.ID, plan.Err())
		o.Plan = &plan
		return o
	}

	selectedBy := in.SelectedBy
	if selectedBy == "" {
		selectedBy = a.AssessedBy
	}
	recID := rec.ID
	tree, err := goal.Build(plan.Options[in.OptionIndex], goal.BuildInput{
		PatientID:              a.PatientID,
		CreatedBy:              selectedBy,
		StartDate:              in.StartDate,
		SourceRecommendationID: &recID,
	})
	if err != nil {
		return s.fail(a.ID, &ValidationError{Problems: []string{err.Error()}})
	}

	saved, err := s.persister.Replace(ctx, a.PatientID, tree)
	if err != nil {
		return s.fail(a.ID, err)
	}
	s.logger.Info().
		Str("assessment_id", a.ID.String()).
		Str("patient_id", a.PatientID.String()).
		Str("goal_id", saved.ID.String()).
		Int("option", in.OptionIndex).
		Msg("goal plan selected")
	return Outcome{Kind: KindSaved, AssessmentID: a.ID, RecommendationID: &recID, Plan: &plan, Tree: saved}
}

// fail classifies err and logs it once.
func (s *Submitter) fail(assessmentID uuid.UUID, err error) Outcome {
	o := Classify(assessmentID, err)
	ev := s.logger.Warn()
	if o.Kind == KindPersistenceError {
		ev = s.logger.Error()
	}
	ev.Err(err).
		Str("assessment_id", assessmentID.String()).
		Str("kind", string(o.Kind)).
		Bool("retryable", o.Retryable).
		Msg("assessment cycle stopped")
	return o
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// View is the externally visible progress of an assessment's cycle.
type View struct {
	AssessmentID uuid.UUID    `json:"assessment_id"`
	State        SessionState `json:"state"`
	Outcome      *Outcome     `json:"outcome,omitempty"`
}

// Status reports the session of an assessment. Without a live session (for
// example after a restart) it falls back to the stored recommendation. A
// session that stopped waiting (timed out or cancelled) defers to the stored
// record too, since the workflow may have finished since.
func (s *Submitter) Status(ctx context.Context, assessmentID uuid.UUID) (View, error) {
	var waited *View
	if sess, ok := s.Session(assessmentID); ok {
		v := View{AssessmentID: assessmentID, State: sess.State()}
		if o, done := sess.Outcome(); done {
			v.Outcome = &o
		}
		if v.State != StateTimedOut && v.State != StateCancelled {
			return v, nil
		}
		waited = &v
	}

	if _, err := s.assessments.GetByID(ctx, assessmentID); err != nil {
		return View{}, err
	}
	rec, err := s.records.GetByAssessmentID(ctx, assessmentID)
	if errors.Is(err, recommendation.ErrNotFound) {
		if waited != nil {
			return *waited, nil
		}
		return View{AssessmentID: assessmentID, State: StateIdle}, nil
	}
	if err != nil {
		return View{}, fmt.Errorf("load recommendation: %w", err)
	}

	var o Outcome
	switch rec.Status {
	case recommendation.StatusCompleted:
		plan := recommendation.Parse(rec.Recommendations)
		if plan.OK() {
			recID := rec.ID
			o = Outcome{Kind: KindReady, AssessmentID: assessmentID, RecommendationID: &recID, Plan: &plan}
		} else {
			o = Classify(assessmentID, plan.Err())
			o.Plan = &plan
		}
	case recommendation.StatusFailed:
		o = Classify(assessmentID, &recommendation.RecommendationFailedError{AssessmentID: assessmentID, Payload: rec.Error})
	default:
		if waited != nil {
			return *waited, nil
		}
		return View{AssessmentID: assessmentID, State: StateDispatched}, nil
	}
	return View{AssessmentID: assessmentID, State: stateFor(o.Kind), Outcome: &o}, nil
}
