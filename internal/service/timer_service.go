package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/rs/zerolog"
)

// TimerCache caches the authoritative start time of a submission and the
// duration of its form, so timer reads avoid PostgreSQL entirely when warm.
type TimerCache interface {
	GetStartTime(ctx context.Context, formID, candidateEmail string) (time.Time, bool, error)
	SetStartTime(ctx context.Context, formID, candidateEmail string, start time.Time) error
	GetFormDuration(ctx context.Context, formID string) (int, bool, error)
	SetFormDuration(ctx context.Context, formID string, seconds int) error
}

// CheckpointQueue accepts elapsed-time checkpoints for async persistence.
type CheckpointQueue interface {
	PushQueue(ctx context.Context, queue string, payload any) error
}

// TimerCheckpoint is the payload pushed to the timer worker queue.
type TimerCheckpoint struct {
	FormID         string `json:"form_id"`
	CandidateEmail string `json:"candidate_email"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// TimerService derives remaining exam time from the server-issued start time.
// The start time is written once, at submission creation, and never reset:
// clients only push elapsed-time checkpoints back.
type TimerService struct {
	subs  SubmissionStore
	forms FormDirectory
	cache TimerCache
	queue CheckpointQueue
	clock clockwork.Clock
	log   zerolog.Logger
}

// NewTimerService creates a new TimerService.
func NewTimerService(subs SubmissionStore, forms FormDirectory, cache TimerCache, queue CheckpointQueue, clock clockwork.Clock, log zerolog.Logger) *TimerService {
	return &TimerService{
		subs:  subs,
		forms: forms,
		cache: cache,
		queue: queue,
		clock: clock,
		log:   log.With().Str("component", "timer_service").Logger(),
	}
}

// State returns the authoritative timer origin for a submission. Fetching is
// idempotent across page reloads: the same start time is always returned.
func (s *TimerService) State(ctx context.Context, formID, responseID uuid.UUID) (*model.TimerState, error) {
	sub, err := s.subs.GetByResponseID(ctx, responseID, formID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Transient(fmt.Errorf("get submission: %w", err))
	}

	duration, err := s.resolveDuration(ctx, formID)
	if err != nil {
		return nil, err
	}

	start, err := s.resolveStart(ctx, sub)
	if err != nil {
		return nil, err
	}

	return &model.TimerState{
		FormID:           formID,
		ResponseID:       responseID,
		StartTime:        start,
		DurationSeconds:  duration,
		RemainingSeconds: s.Remaining(start, duration),
	}, nil
}

// Remaining computes max(0, duration - elapsed) against the server clock.
// A zero start time fails closed: the timer reads as expired rather than
// granting unbounded time.
func (s *TimerService) Remaining(start time.Time, durationSeconds int) int {
	if start.IsZero() {
		return 0
	}
	remaining := durationSeconds - int(s.clock.Now().Sub(start).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Checkpoint enqueues a periodic elapsed-time checkpoint for the timer
// worker. The checkpoint is informational: it never moves start_time.
func (s *TimerService) Checkpoint(ctx context.Context, formID uuid.UUID, candidateEmail string, elapsedSeconds int) error {
	payload := TimerCheckpoint{
		FormID:         formID.String(),
		CandidateEmail: candidateEmail,
		ElapsedSeconds: elapsedSeconds,
	}
	if err := s.queue.PushQueue(ctx, config.WorkerKey.PersistTimersQueue, payload); err != nil {
		return Transient(fmt.Errorf("enqueue checkpoint: %w", err))
	}
	return nil
}

// resolveDuration reads the cached form duration, falling back to the form
// row on a cache miss and self-healing the cache. Durations are immutable
// once a form is published.
func (s *TimerService) resolveDuration(ctx context.Context, formID uuid.UUID) (int, error) {
	cached, ok, err := s.cache.GetFormDuration(ctx, formID.String())
	if err != nil {
		s.log.Warn().Err(err).Msg("Duration cache read failed, using database value")
	} else if ok {
		return cached, nil
	}

	form, err := s.forms.GetByID(ctx, formID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, Transient(fmt.Errorf("get form: %w", err))
	}

	if err := s.cache.SetFormDuration(ctx, formID.String(), form.DurationSeconds); err != nil {
		s.log.Warn().Err(err).Msg("Duration cache self-heal failed")
	}
	return form.DurationSeconds, nil
}

// resolveStart reads the cached start time, falling back to the persisted
// submission row on a cache miss and self-healing the cache.
func (s *TimerService) resolveStart(ctx context.Context, sub *model.Submission) (time.Time, error) {
	cached, ok, err := s.cache.GetStartTime(ctx, sub.FormID.String(), sub.CandidateEmail)
	if err != nil {
		// Degraded cache: the DB row is the source of truth.
		s.log.Warn().Err(err).Msg("Start time cache read failed, using database value")
	} else if ok {
		return cached, nil
	}

	if err := s.cache.SetStartTime(ctx, sub.FormID.String(), sub.CandidateEmail, sub.StartTime); err != nil {
		s.log.Warn().Err(err).Msg("Start time cache self-heal failed")
	}
	return sub.StartTime, nil
}
