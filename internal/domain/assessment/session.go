package assessment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState tracks one background recommendation cycle.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateDispatched SessionState = "dispatched"
	StatePolling    SessionState = "polling"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
	StateTimedOut   SessionState = "timed_out"
	StateCancelled  SessionState = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Session is the handle returned by Submitter.Start.
type Session struct {
	AssessmentID uuid.UUID
	PatientID    uuid.UUID

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   SessionState
	outcome Outcome
	endedAt time.Time
}

func newSession(assessmentID, patientID uuid.UUID, cancel context.CancelFunc) *Session {
	return &Session{
		AssessmentID: assessmentID,
		PatientID:    patientID,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateIdle,
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel stops the cycle; the session then finishes as cancelled unless it
// already finished.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the result and whether the session has finished.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.state.Terminal()
}

// Wait blocks until the session finishes or ctx ends.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		o, _ := s.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (s *Session) setState(state SessionState) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = state
	}
}

func (s *Session) finish(o Outcome, at time.Time) {
	s.mu.Lock()
	s.outcome = o
	s.state = stateFor(o.Kind)
	s.endedAt = at
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) finishedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt, s.state.Terminal()
}

func stateFor(k Kind) SessionState {
	switch k {
	case KindReady, KindSaved:
		return StateCompleted
	case KindTimeout:
		return StateTimedOut
	case KindCancelled:
		return StateCancelled
	}
	return StateFailed
}
