// Package session hosts the exam session engine: the per-candidate runtime
// that owns the countdown tick loop, accumulates proctoring warnings, and
// drives forced submission on timer expiry or warning breach. Sessions are
// explicit objects with an init/dispose lifecycle — created at login or
// rehydrated after a reload, torn down when the submission turns terminal.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/oemslab/oems-backend/internal/service"
	"github.com/rs/zerolog"
)

// forceSubmitTimeout bounds the backend write of a forced submission. The
// session may already be torn down client-side; the write still completes.
const forceSubmitTimeout = 30 * time.Second

// SubmissionController is the submission surface the engine drives.
type SubmissionController interface {
	EnsureDraft(ctx context.Context, formID uuid.UUID, candidateEmail string) (*model.Submission, error)
	ForceSubmit(ctx context.Context, formID uuid.UUID, candidateEmail string, reason model.ForceReason) (*model.Submission, error)
}

// WarningRecorder persists proctoring warnings. kind labels the violation
// for the audit trail.
type WarningRecorder interface {
	RecordWarning(ctx context.Context, formID uuid.UUID, candidateEmail, kind string) (int, error)
}

// FormSource resolves form definitions (duration, warning threshold).
type FormSource interface {
	GetByID(ctx context.Context, formID uuid.UUID) (*model.Form, error)
}

// Engine tracks all live exam sessions in the process.
type Engine struct {
	ctrl     SubmissionController
	warnings WarningRecorder
	forms    FormSource
	clock    clockwork.Clock
	log      zerolog.Logger

	defaultMaxWarnings int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine creates a session engine.
func NewEngine(ctrl SubmissionController, warnings WarningRecorder, forms FormSource, clock clockwork.Clock, defaultMaxWarnings int, log zerolog.Logger) *Engine {
	return &Engine{
		ctrl:               ctrl,
		warnings:           warnings,
		forms:              forms,
		clock:              clock,
		log:                log.With().Str("component", "session_engine").Logger(),
		defaultMaxWarnings: defaultMaxWarnings,
		sessions:           make(map[string]*Session),
	}
}

// Session is one candidate's live exam runtime.
type Session struct {
	FormID          uuid.UUID
	CandidateEmail  string
	ResponseID      uuid.UUID
	StartTime       time.Time
	DurationSeconds int
	MaxWarnings     int

	engine *Engine
	cancel context.CancelFunc

	expireOnce sync.Once
	breachOnce sync.Once
	forceOnce  sync.Once

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

func sessionKey(formID uuid.UUID, candidateEmail string) string {
	return formID.String() + "|" + candidateEmail
}

// Start authorizes and boots a session for (form, candidate), or returns the
// live one — starting is idempotent so a page reload re-attaches instead of
// issuing a new timer. A submission already in terminal status yields
// ErrConflict: the exam must not render again.
func (e *Engine) Start(ctx context.Context, formID uuid.UUID, candidateEmail string) (*Session, error) {
	key := sessionKey(formID, candidateEmail)

	e.mu.Lock()
	if existing, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	form, err := e.forms.GetByID(ctx, formID)
	if err != nil {
		return nil, err
	}
	maxWarnings := form.MaxWarnings
	if maxWarnings <= 0 {
		maxWarnings = e.defaultMaxWarnings
	}

	sub, err := e.ctrl.EnsureDraft(ctx, formID, candidateEmail)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, service.ErrConflict
	}

	e.mu.Lock()
	if existing, ok := e.sessions[key]; ok {
		// Lost a start race; reuse the winner.
		e.mu.Unlock()
		return existing, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		FormID:          formID,
		CandidateEmail:  candidateEmail,
		ResponseID:      sub.ResponseID,
		StartTime:       sub.StartTime,
		DurationSeconds: form.DurationSeconds,
		MaxWarnings:     maxWarnings,
		engine:          e,
		cancel:          cancel,
		subs:            make(map[int]chan Event),
	}
	e.sessions[key] = sess
	e.mu.Unlock()

	e.log.Info().
		Str("form_id", formID.String()).
		Str("candidate", candidateEmail).
		Int("remaining", sess.Remaining()).
		Msg("Session started")

	if sess.Remaining() <= 0 {
		// Rehydrated past the deadline: fail closed immediately.
		go sess.expire()
	} else {
		go sess.run(runCtx)
	}

	return sess, nil
}

// Get returns the live session for (form, candidate), or nil.
func (e *Engine) Get(formID uuid.UUID, candidateEmail string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sessionKey(formID, candidateEmail)]
}

// RecordWarning persists one proctoring violation and enforces the breach
// threshold. The count comes back from the store, already incremented and
// serialized; the engine only decides whether the breach edge fires.
func (e *Engine) RecordWarning(ctx context.Context, formID uuid.UUID, candidateEmail, kind string) (int, error) {
	count, err := e.warnings.RecordWarning(ctx, formID, candidateEmail, kind)
	if err != nil {
		return 0, err
	}

	sess := e.Get(formID, candidateEmail)
	if sess != nil {
		sess.publish(Event{
			Type:           EventWarning,
			FormID:         formID.String(),
			CandidateEmail: candidateEmail,
			Warnings:       count,
		})
		if count >= sess.MaxWarnings {
			sess.breach()
		}
		return count, nil
	}

	// No live session (reload window or process restart). The threshold is
	// still enforced: ForceSubmit is idempotent against a terminal row.
	maxWarnings := e.defaultMaxWarnings
	if form, formErr := e.forms.GetByID(ctx, formID); formErr == nil && form.MaxWarnings > 0 {
		maxWarnings = form.MaxWarnings
	}
	if count >= maxWarnings {
		if _, forceErr := e.ctrl.ForceSubmit(ctx, formID, candidateEmail, model.ForceReasonWarningBreach); forceErr != nil {
			e.log.Error().Err(forceErr).
				Str("form_id", formID.String()).
				Str("candidate", candidateEmail).
				Msg("Breach enforcement without live session failed")
		}
	}
	return count, nil
}

// Dispose tears down the session for (form, candidate), if any. Called on
// logout and after terminal transitions.
func (e *Engine) Dispose(formID uuid.UUID, candidateEmail string) {
	key := sessionKey(formID, candidateEmail)
	e.mu.Lock()
	sess, ok := e.sessions[key]
	if ok {
		delete(e.sessions, key)
	}
	e.mu.Unlock()
	if ok {
		sess.teardown()
	}
}

// Stop disposes every live session. Called on server shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for k, s := range e.sessions {
		sessions = append(sessions, s)
		delete(e.sessions, k)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.teardown()
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Session runtime
// ────────────────────────────────────────────────────────────────────────────

// Remaining derives the seconds left from the server-issued start time.
// A zero start time fails closed.
func (s *Session) Remaining() int {
	if s.StartTime.IsZero() {
		return 0
	}
	remaining := s.DurationSeconds - int(s.engine.clock.Now().Sub(s.StartTime).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Subscribe attaches an event listener (e.g., the WebSocket stream). The
// returned cancel func detaches it. Slow listeners drop events rather than
// stalling the tick loop.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan Event, 16)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
}

// run is the 1-second tick loop. The expiry edge fires exactly once even if
// ticks keep arriving after the counter hits zero, because the loop exits on
// the first zero and expire() is once-guarded anyway.
func (s *Session) run(ctx context.Context) {
	ticker := s.engine.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			remaining := s.Remaining()
			s.publish(Event{
				Type:             EventTick,
				FormID:           s.FormID.String(),
				CandidateEmail:   s.CandidateEmail,
				RemainingSeconds: remaining,
			})
			if remaining <= 0 {
				s.expire()
				return
			}
		}
	}
}

// expire fires the expired edge and routes to the forced-submit path.
func (s *Session) expire() {
	s.expireOnce.Do(func() {
		s.publish(Event{
			Type:           EventExpired,
			FormID:         s.FormID.String(),
			CandidateEmail: s.CandidateEmail,
		})
		s.force(model.ForceReasonTimerExpired)
	})
}

// breach fires the breach edge and routes to the forced-submit path. Warnings
// recorded past the threshold do not re-fire.
func (s *Session) breach() {
	s.breachOnce.Do(func() {
		s.publish(Event{
			Type:           EventBreach,
			FormID:         s.FormID.String(),
			CandidateEmail: s.CandidateEmail,
		})
		go s.force(model.ForceReasonWarningBreach)
	})
}

// force issues the forced submission. The once-guard is shared between the
// expiry and breach paths, so a race between the two produces exactly one
// network submission — the loser observes the winner and no-ops.
func (s *Session) force(reason model.ForceReason) {
	s.forceOnce.Do(func() {
		s.publish(Event{
			Type:           EventForced,
			FormID:         s.FormID.String(),
			CandidateEmail: s.CandidateEmail,
			Reason:         reason,
		})

		ctx, cancel := context.WithTimeout(context.Background(), forceSubmitTimeout)
		defer cancel()

		sub, err := s.engine.ctrl.ForceSubmit(ctx, s.FormID, s.CandidateEmail, reason)
		if err != nil {
			s.engine.log.Error().Err(err).
				Str("form_id", s.FormID.String()).
				Str("candidate", s.CandidateEmail).
				Str("reason", string(reason)).
				Msg("Forced submission failed after retries")
		} else {
			s.publish(Event{
				Type:           EventFinalized,
				FormID:         s.FormID.String(),
				CandidateEmail: s.CandidateEmail,
				Reason:         reason,
				Status:         sub.Status,
			})
		}

		s.engine.Dispose(s.FormID, s.CandidateEmail)
	})
}

func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Listener is not keeping up; drop rather than block the loop.
		}
	}
}

func (s *Session) teardown() {
	s.cancel()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
