package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/rs/zerolog"
)

// WarningStore is the persistence surface WarningService needs.
type WarningStore interface {
	IncrementWarnings(ctx context.Context, formID uuid.UUID, candidateEmail string) (int, error)
	GetByFormAndCandidate(ctx context.Context, formID uuid.UUID, candidateEmail string) (*model.Submission, error)
}

// WarningCache mirrors warning counts and invalidates submission read tags.
type WarningCache interface {
	GetWarningCount(ctx context.Context, formID, candidateEmail string) (int, bool, error)
	SetWarningCount(ctx context.Context, formID, candidateEmail string, count int) error
	InvalidateSubmission(ctx context.Context, formID, candidateEmail string) error
	PushQueue(ctx context.Context, queue string, payload any) error
	PublishMonitorEvent(ctx context.Context, formID string, payload any) error
}

// WarningEvent is the audit payload pushed to the warning worker queue. Kind
// labels the violation the client observed (e.g. "tab_switch").
type WarningEvent struct {
	FormID         string `json:"form_id"`
	CandidateEmail string `json:"candidate_email"`
	Kind           string `json:"kind,omitempty"`
	Count          int    `json:"count"`
	Timestamp      int64  `json:"timestamp"`
}

// WarningService accumulates proctoring violations. Increments are persisted
// before local state is reflected (write-then-reflect): warnings are
// security-relevant and must survive a client crash. Calls for the same
// (form, candidate) pair are serialized — one in-flight persist at a time.
type WarningService struct {
	store WarningStore
	cache WarningCache
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWarningService creates a new WarningService.
func NewWarningService(store WarningStore, cache WarningCache, log zerolog.Logger) *WarningService {
	return &WarningService{
		store: store,
		cache: cache,
		log:   log.With().Str("component", "warning_service").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// RecordWarning persists one violation and returns the new authoritative
// count. The count is incremented atomically server-side; whatever count the
// client claims is ignored, keeping the sequence monotonic and
// tamper-resistant. Concurrent rapid-fire calls queue behind the per-key
// lock rather than racing.
func (s *WarningService) RecordWarning(ctx context.Context, formID uuid.UUID, candidateEmail, kind string) (int, error) {
	lock := s.keyLock(formID.String() + "|" + candidateEmail)
	lock.Lock()
	defer lock.Unlock()

	count, err := s.store.IncrementWarnings(ctx, formID, candidateEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, Transient(fmt.Errorf("persist warning: %w", err))
	}

	// The count is durable at this point. Everything below is best-effort
	// and must not fail the recorded warning.
	event := WarningEvent{
		FormID:         formID.String(),
		CandidateEmail: candidateEmail,
		Kind:           kind,
		Count:          count,
		Timestamp:      time.Now().Unix(),
	}
	if err := s.cache.PushQueue(ctx, config.WorkerKey.PersistWarningsQueue, event); err != nil {
		s.log.Error().Err(err).Str("candidate", candidateEmail).Msg("Failed to enqueue warning audit event")
	}
	if err := s.cache.SetWarningCount(ctx, formID.String(), candidateEmail, count); err != nil {
		s.log.Warn().Err(err).Msg("Warning count mirror write failed")
	}
	if err := s.cache.InvalidateSubmission(ctx, formID.String(), candidateEmail); err != nil {
		s.log.Warn().Err(err).Msg("Submission tag invalidation failed")
	}
	if err := s.cache.PublishMonitorEvent(ctx, formID.String(), event); err != nil {
		s.log.Warn().Err(err).Msg("Monitor publish failed")
	}

	return count, nil
}

// Count returns the warning count for rehydration after a reload, served from
// the Redis mirror when warm. A miss falls back to the submission row and
// self-heals the mirror.
func (s *WarningService) Count(ctx context.Context, formID uuid.UUID, candidateEmail string) (int, error) {
	cached, ok, err := s.cache.GetWarningCount(ctx, formID.String(), candidateEmail)
	if err != nil {
		s.log.Warn().Err(err).Msg("Warning mirror read failed, using database value")
	} else if ok {
		return cached, nil
	}

	sub, err := s.store.GetByFormAndCandidate(ctx, formID, candidateEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, Transient(fmt.Errorf("get submission: %w", err))
	}

	if err := s.cache.SetWarningCount(ctx, formID.String(), candidateEmail, sub.Warnings); err != nil {
		s.log.Warn().Err(err).Msg("Warning mirror self-heal failed")
	}
	return sub.Warnings, nil
}

func (s *WarningService) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}
