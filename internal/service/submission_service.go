package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/rs/zerolog"
)

// Forced submissions must not be abandoned: a failed network write is retried
// with backoff before the error is surfaced.
const forceSubmitAttempts = 3

var forceSubmitBackoff = 500 * time.Millisecond

// SubmissionStore is the persistence surface SubmissionService needs.
type SubmissionStore interface {
	GetByFormAndCandidate(ctx context.Context, formID uuid.UUID, candidateEmail string) (*model.Submission, error)
	GetByResponseID(ctx context.Context, responseID, formID uuid.UUID) (*model.Submission, error)
	Create(ctx context.Context, s *model.Submission) error
	UpdateDraft(ctx context.Context, formID uuid.UUID, candidateEmail string, value json.RawMessage, remarks *string) (bool, error)
	Finalize(ctx context.Context, formID uuid.UUID, candidateEmail string, status model.SubmissionStatus, value json.RawMessage, elapsedSeconds int, remarks *string) (bool, error)
}

// SubmissionCache serves cached submission views, invalidated on every
// mutation, and seeds start times.
type SubmissionCache interface {
	GetSubmission(ctx context.Context, formID, candidateEmail string) (*model.Submission, bool, error)
	SetSubmission(ctx context.Context, sub *model.Submission) error
	InvalidateSubmission(ctx context.Context, formID, candidateEmail string) error
	SetStartTime(ctx context.Context, formID, candidateEmail string, start time.Time) error
}

// flight tracks one in-progress finalizing operation per (form, candidate)
// key. Concurrent callers join the flight and share its outcome, so a
// double-click or a manual-submit/forced-submit race produces exactly one
// backend write.
type flight struct {
	done chan struct{}
	sub  *model.Submission
	err  error
}

// SubmissionService owns the submission state machine:
//
//	DRAFT --submit--> SUBMITTED        (terminal)
//	DRAFT --timer expiry | warning breach--> TERMINATED (terminal)
//
// Terminal states admit no further transitions. Creation is idempotent per
// (candidate_email, form_id); the unique key is enforced by the database.
type SubmissionService struct {
	store SubmissionStore
	cache SubmissionCache
	clock clockwork.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(store SubmissionStore, cache SubmissionCache, clock clockwork.Clock, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		store:    store,
		cache:    cache,
		clock:    clock,
		log:      log.With().Str("component", "submission_service").Logger(),
		inflight: make(map[string]*flight),
	}
}

// EnsureDraft returns the candidate's submission for the form, creating the
// draft if none exists. Creation is retry-safe: a concurrent duplicate insert
// resolves to the winning row. The returned submission may already be
// terminal; callers decide how to treat that.
func (s *SubmissionService) EnsureDraft(ctx context.Context, formID uuid.UUID, candidateEmail string) (*model.Submission, error) {
	existing, err := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, Transient(fmt.Errorf("get submission: %w", err))
	}

	sub := &model.Submission{
		FormID:         formID,
		CandidateEmail: candidateEmail,
		Status:         model.SubmissionStatusDraft,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent creation won; fetch the authoritative row.
			winner, fetchErr := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail)
			if fetchErr != nil {
				return nil, Transient(fmt.Errorf("concurrent create detected, but fetch failed: %w", fetchErr))
			}
			return winner, nil
		}
		return nil, Transient(fmt.Errorf("create submission: %w", err))
	}

	// Seed the start-time cache so timer fetches skip PostgreSQL.
	if err := s.cache.SetStartTime(ctx, formID.String(), candidateEmail, sub.StartTime); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache start time")
	}

	return sub, nil
}

// Submit creates or finalizes the candidate's submission. A submission that
// is already terminal yields ErrConflict — reported to the caller, never
// swallowed. Concurrent calls for the same key coalesce onto one write.
func (s *SubmissionService) Submit(ctx context.Context, formID uuid.UUID, candidateEmail string, value json.RawMessage) (*model.Submission, error) {
	return s.runExclusive(formID, candidateEmail, func() (*model.Submission, error) {
		return s.finalize(ctx, formID, candidateEmail, model.SubmissionStatusSubmitted, value, nil, false)
	})
}

// ForceSubmit finalizes a submission without candidate confirmation, using
// whatever answer state is already buffered server-side. It is idempotent:
// if the submission is already terminal (or a concurrent finalize is in
// flight) it observes that outcome and no-ops. Transient failures are
// retried — leaving an exam unsubmitted after expiry is a correctness
// violation, not a UX nuisance.
func (s *SubmissionService) ForceSubmit(ctx context.Context, formID uuid.UUID, candidateEmail string, reason model.ForceReason) (*model.Submission, error) {
	remarks := string(reason)
	return s.runExclusive(formID, candidateEmail, func() (*model.Submission, error) {
		var lastErr error
		for attempt := 1; attempt <= forceSubmitAttempts; attempt++ {
			sub, err := s.finalize(ctx, formID, candidateEmail, model.SubmissionStatusTerminated, nil, &remarks, true)
			if err == nil || !IsTransient(err) {
				return sub, err
			}
			lastErr = err
			s.log.Error().Err(err).
				Str("form_id", formID.String()).
				Str("candidate", candidateEmail).
				Int("attempt", attempt).
				Msg("Forced submit failed, retrying")
			s.clock.Sleep(forceSubmitBackoff * time.Duration(attempt))
		}
		return nil, lastErr
	})
}

// SaveDraft writes the buffered answer payload. Allowed only while the
// submission is a draft; a terminal submission yields ErrInvalidState and the
// persisted data is left unchanged.
func (s *SubmissionService) SaveDraft(ctx context.Context, formID uuid.UUID, candidateEmail string, value json.RawMessage, remarks *string) error {
	ok, err := s.store.UpdateDraft(ctx, formID, candidateEmail, value, remarks)
	if err != nil {
		return Transient(fmt.Errorf("save draft: %w", err))
	}
	if !ok {
		if _, getErr := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail); getErr != nil {
			if errors.Is(getErr, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return Transient(fmt.Errorf("get submission: %w", getErr))
		}
		// Row exists but the guarded update touched nothing: it is terminal.
		return ErrInvalidState
	}

	if err := s.cache.InvalidateSubmission(ctx, formID.String(), candidateEmail); err != nil {
		s.log.Warn().Err(err).Msg("Submission tag invalidation failed")
	}
	return nil
}

// GetByResponseID fetches a full submission record for rehydration. Reads are
// served from the Redis tag when warm; every mutation drops the tag, so the
// cache never outlives a state change. candidateEmail keys the cache lookup
// and must come from the authenticated claims.
func (s *SubmissionService) GetByResponseID(ctx context.Context, responseID, formID uuid.UUID, candidateEmail string) (*model.Submission, error) {
	cached, ok, err := s.cache.GetSubmission(ctx, formID.String(), candidateEmail)
	if err != nil {
		s.log.Warn().Err(err).Msg("Submission cache read failed, using database value")
	} else if ok && cached.ResponseID == responseID {
		return cached, nil
	}

	sub, err := s.store.GetByResponseID(ctx, responseID, formID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Transient(fmt.Errorf("get submission: %w", err))
	}

	if err := s.cache.SetSubmission(ctx, sub); err != nil {
		s.log.Warn().Err(err).Msg("Submission cache write failed")
	}
	return sub, nil
}

// GetByFormAndCandidate fetches the submission for a (form, candidate) pair.
func (s *SubmissionService) GetByFormAndCandidate(ctx context.Context, formID uuid.UUID, candidateEmail string) (*model.Submission, error) {
	sub, err := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Transient(fmt.Errorf("get submission: %w", err))
	}
	return sub, nil
}

// finalize performs one terminal transition attempt. When forced is true an
// already-terminal submission is treated as success (idempotent no-op);
// otherwise it is a Conflict surfaced to the caller.
func (s *SubmissionService) finalize(ctx context.Context, formID uuid.UUID, candidateEmail string, status model.SubmissionStatus, value json.RawMessage, remarks *string, forced bool) (*model.Submission, error) {
	existing, err := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, Transient(fmt.Errorf("get submission: %w", err))
		}
		if forced {
			// Nothing to terminate: the session never produced a draft.
			return nil, ErrNotFound
		}
		// First-touch submit: create the draft, then finalize it below.
		existing, err = s.EnsureDraft(ctx, formID, candidateEmail)
		if err != nil {
			return nil, err
		}
	}

	if existing.Status.Terminal() {
		if forced {
			return existing, nil
		}
		return nil, ErrConflict
	}

	elapsed := int(s.clock.Now().Sub(existing.StartTime).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}

	ok, err := s.store.Finalize(ctx, formID, candidateEmail, status, value, elapsed, remarks)
	if err != nil {
		return nil, Transient(fmt.Errorf("finalize submission: %w", err))
	}
	if !ok {
		// Lost the race against another finalizer; report its outcome.
		winner, fetchErr := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail)
		if fetchErr != nil {
			return nil, Transient(fmt.Errorf("finalize race, but fetch failed: %w", fetchErr))
		}
		if forced {
			return winner, nil
		}
		return nil, ErrConflict
	}

	if err := s.cache.InvalidateSubmission(ctx, formID.String(), candidateEmail); err != nil {
		s.log.Warn().Err(err).Msg("Submission tag invalidation failed")
	}

	updated, err := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail)
	if err != nil {
		// The write committed; reconstruct a best-effort view.
		now := s.clock.Now()
		existing.Status = status
		existing.EndTime = &now
		existing.ElapsedSeconds = elapsed
		if remarks != nil {
			existing.Remarks = remarks
		}
		return existing, nil
	}
	return updated, nil
}

// runExclusive coalesces concurrent finalizing operations per key: the first
// caller executes fn, later callers block and share its result.
func (s *SubmissionService) runExclusive(formID uuid.UUID, candidateEmail string, fn func() (*model.Submission, error)) (*model.Submission, error) {
	key := formID.String() + "|" + candidateEmail

	s.mu.Lock()
	if f, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		<-f.done
		return f.sub, f.err
	}
	f := &flight{done: make(chan struct{})}
	s.inflight[key] = f
	s.mu.Unlock()

	f.sub, f.err = fn()

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	close(f.done)

	return f.sub, f.err
}
