package recommendation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxAttempts = 30
	DefaultInterval    = 2 * time.Second
	defaultReadTimeout = 10 * time.Second
)

// ErrPollCancelled is returned by Wait once a poll has been cancelled.
var ErrPollCancelled = errors.New("recommendation poll cancelled")

// TimeoutError means the record did not reach a terminal status within the
// attempt budget. LastErr holds the last read error, if any.
type TimeoutError struct {
	AssessmentID uuid.UUID
	Attempts     int
	LastErr      error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("recommendation for assessment %s not ready after %d attempts", e.AssessmentID, e.Attempts)
	if e.LastErr != nil {
		msg += fmt.Sprintf(" (last read error: %v)", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// RecommendationFailedError means the workflow marked the record failed.
type RecommendationFailedError struct {
	AssessmentID uuid.UUID
	Payload      json.RawMessage
}

func (e *RecommendationFailedError) Error() string {
	return fmt.Sprintf("recommendation for assessment %s failed: %s", e.AssessmentID, e.Message())
}

// Message extracts a human readable reason from the error payload.
func (e *RecommendationFailedError) Message() string {
	if len(e.Payload) == 0 {
		return "no reason given"
	}
	var s string
	if json.Unmarshal(e.Payload, &s) == nil && s != "" {
		return s
	}
	var obj map[string]any
	if json.Unmarshal(e.Payload, &obj) == nil {
		for _, k := range []string{"message", "error", "reason", "detail"} {
			if v, ok := obj[k].(string); ok && v != "" {
				return v
			}
		}
	}
	return string(e.Payload)
}

// Options control one poll. Zero values take the defaults.
type Options struct {
	MaxAttempts int
	Interval    time.Duration
	ReadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	return o
}

// PollState is the lifecycle of a single poll.
type PollState string

const (
	PollRunning   PollState = "running"
	PollCompleted PollState = "completed"
	PollFailed    PollState = "failed"
	PollTimedOut  PollState = "timed_out"
	PollCancelled PollState = "cancelled"
)

// Poller waits for the workflow to finish an assessment by re-reading its
// record on a fixed interval. It only reads.
type Poller struct {
	reader   Reader
	defaults Options
	reads    singleflight.Group
	logger   zerolog.Logger
}

func NewPoller(reader Reader, defaults Options, logger zerolog.Logger) *Poller {
	return &Poller{
		reader:   reader,
		defaults: defaults.withDefaults(),
		logger:   logger.With().Str("component", "recommendation_poller").Logger(),
	}
}

func (p *Poller) Defaults() Options { return p.defaults }

// Poll blocks until the record is terminal, the attempts run out or ctx is
// cancelled, in which case ErrPollCancelled is returned.
func (p *Poller) Poll(ctx context.Context, assessmentID uuid.UUID, maxAttempts int, interval time.Duration) (*Record, error) {
	h := p.Start(ctx, assessmentID, Options{MaxAttempts: maxAttempts, Interval: interval})
	return h.Wait(context.Background())
}

// Start begins polling in the background. The first read happens
// immediately; later reads follow interval after the previous one finished.
// Cancelling ctx is the same as calling Cancel on the handle.
func (p *Poller) Start(ctx context.Context, assessmentID uuid.UUID, opts Options) *Poll {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = p.defaults.MaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = p.defaults.Interval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = p.defaults.ReadTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Poll{
		AssessmentID: assessmentID,
		cancel:       cancel,
		done:         make(chan struct{}),
		cancelled:    make(chan struct{}),
	}
	h.state.Store(PollRunning)
	go p.run(ctx, h, opts)
	return h
}

func (p *Poller) run(ctx context.Context, h *Poll, opts Options) {
	log := p.logger.With().Str("assessment_id", h.AssessmentID.String()).Logger()
	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			h.markCancelled()
			return
		}
		res, ok := p.read(ctx, h.AssessmentID, opts.ReadTimeout)
		if !ok {
			h.markCancelled()
			return
		}
		h.attempts.Store(int32(attempt))
		rec, err := res.rec, res.err
		if err == nil && rec == nil {
			err = ErrNotFound
		}

		switch {
		case err != nil && !errors.Is(err, ErrNotFound):
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("recommendation read failed")
		case err == nil && rec.Status == StatusCompleted:
			h.resolve(PollCompleted, rec, nil)
			return
		case err == nil && rec.Status == StatusFailed:
			h.resolve(PollFailed, rec, &RecommendationFailedError{AssessmentID: h.AssessmentID, Payload: rec.Error})
			return
		}

		if attempt >= opts.MaxAttempts {
			terr := &TimeoutError{AssessmentID: h.AssessmentID, Attempts: attempt, LastErr: lastErr}
			log.Warn().Err(terr).Msg("recommendation poll timed out")
			h.resolve(PollTimedOut, nil, terr)
			return
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.markCancelled()
			return
		case <-timer.C:
		}
	}
}

type readResult struct {
	rec *Record
	err error
}

// read shares one in-flight read per assessment between concurrent polls.
// ok is false when ctx was cancelled before the read came back.
func (p *Poller) read(ctx context.Context, id uuid.UUID, timeout time.Duration) (readResult, bool) {
	ch := p.reads.DoChan(id.String(), func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		rec, err := p.reader.GetByAssessmentID(rctx, id)
		return readResult{rec: rec, err: err}, nil
	})
	select {
	case <-ctx.Done():
		return readResult{}, false
	case res := <-ch:
		if ctx.Err() != nil {
			return readResult{}, false
		}
		return res.Val.(readResult), true
	}
}

// Poll is a handle on one running poll.
type Poll struct {
	AssessmentID uuid.UUID

	cancel    context.CancelFunc
	done      chan struct{}
	cancelled chan struct{}
	once      sync.Once
	state     atomic.Value
	attempts  atomic.Int32

	rec *Record
	err error
}

// Cancel stops the poll. No read is issued afterwards and Done is never
// closed. Cancelling a finished poll does nothing.
func (h *Poll) Cancel() { h.cancel() }

// Done is closed when the poll reaches a result. It stays open forever for a
// cancelled poll.
func (h *Poll) Done() <-chan struct{} { return h.done }

func (h *Poll) State() PollState { return h.state.Load().(PollState) }

// Attempts returns how many reads have completed so far.
func (h *Poll) Attempts() int { return int(h.attempts.Load()) }

// Result returns the outcome after Done is closed.
func (h *Poll) Result() (*Record, error) {
	select {
	case <-h.done:
		return h.rec, h.err
	default:
		return nil, nil
	}
}

// Wait blocks until the poll resolves, is cancelled, or ctx ends.
func (h *Poll) Wait(ctx context.Context) (*Record, error) {
	select {
	case <-h.done:
		return h.rec, h.err
	case <-h.cancelled:
		return nil, ErrPollCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Poll) resolve(state PollState, rec *Record, err error) {
	h.once.Do(func() {
		h.rec, h.err = rec, err
		h.state.Store(state)
		close(h.done)
		h.cancel()
	})
}

func (h *Poll) markCancelled() {
	h.once.Do(func() {
		h.state.Store(PollCancelled)
		close(h.cancelled)
	})
}
