package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubmissionStore is an in-memory SubmissionStore with the same
// concurrency semantics as the SQL layer: guarded updates only touch drafts,
// and duplicate creates surface as pgx.ErrNoRows.
type fakeSubmissionStore struct {
	mu   sync.Mutex
	subs map[string]*model.Submission

	clock clockwork.Clock

	getMisses     int // Remaining reads that miss even when the row exists.
	finalizeErrs  int // Remaining Finalize calls that fail with a fake error.
	finalizeCalls int
	writes        int // Successful finalizing writes.
	reads         int // GetByFormAndCandidate / GetByResponseID calls served.
}

func newFakeSubmissionStore(clock clockwork.Clock) *fakeSubmissionStore {
	return &fakeSubmissionStore{
		subs:  make(map[string]*model.Submission),
		clock: clock,
	}
}

func subKey(formID uuid.UUID, email string) string {
	return formID.String() + "|" + email
}

func (f *fakeSubmissionStore) GetByFormAndCandidate(_ context.Context, formID uuid.UUID, email string) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.getMisses > 0 {
		f.getMisses--
		return nil, pgx.ErrNoRows
	}
	sub, ok := f.subs[subKey(formID, email)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubmissionStore) GetByResponseID(_ context.Context, responseID, formID uuid.UUID) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	for _, sub := range f.subs {
		if sub.ResponseID == responseID && sub.FormID == formID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSubmissionStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeSubmissionStore) Create(_ context.Context, s *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subKey(s.FormID, s.CandidateEmail)
	if _, exists := f.subs[key]; exists {
		return pgx.ErrNoRows // ON CONFLICT DO NOTHING: nothing returned.
	}
	s.ResponseID = uuid.New()
	s.StartTime = f.clock.Now()
	s.Status = model.SubmissionStatusDraft
	cp := *s
	f.subs[key] = &cp
	return nil
}

func (f *fakeSubmissionStore) UpdateDraft(_ context.Context, formID uuid.UUID, email string, value json.RawMessage, remarks *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[subKey(formID, email)]
	if !ok || sub.Status != model.SubmissionStatusDraft {
		return false, nil
	}
	if value != nil {
		sub.Value = value
	}
	if remarks != nil {
		sub.Remarks = remarks
	}
	return true, nil
}

func (f *fakeSubmissionStore) Finalize(_ context.Context, formID uuid.UUID, email string, status model.SubmissionStatus, value json.RawMessage, elapsedSeconds int, remarks *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	if f.finalizeErrs > 0 {
		f.finalizeErrs--
		return false, assert.AnError
	}
	sub, ok := f.subs[subKey(formID, email)]
	if !ok || sub.Status != model.SubmissionStatusDraft {
		return false, nil
	}
	now := f.clock.Now()
	sub.Status = status
	sub.EndTime = &now
	if elapsedSeconds > sub.ElapsedSeconds {
		sub.ElapsedSeconds = elapsedSeconds
	}
	if value != nil {
		sub.Value = value
	}
	if remarks != nil {
		sub.Remarks = remarks
	}
	f.writes++
	return true, nil
}

// fakeSessionCache is an in-memory stand-in for the Redis side store, with
// the same invalidation semantics: dropping a (form, candidate) pair clears
// both the cached submission view and the warning mirror.
type fakeSessionCache struct {
	mu          sync.Mutex
	starts      map[string]time.Time
	subs        map[string]*model.Submission
	warnings    map[string]int
	durations   map[string]int
	invalidated int
	queued      []string
	payloads    []any
}

func newFakeSessionCache() *fakeSessionCache {
	return &fakeSessionCache{
		starts:    make(map[string]time.Time),
		subs:      make(map[string]*model.Submission),
		warnings:  make(map[string]int),
		durations: make(map[string]int),
	}
}

func (f *fakeSessionCache) GetSubmission(_ context.Context, formID, email string) (*model.Submission, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[formID+"|"+email]
	if !ok {
		return nil, false, nil
	}
	cp := *sub
	return &cp, true, nil
}

func (f *fakeSessionCache) SetSubmission(_ context.Context, sub *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sub
	f.subs[sub.FormID.String()+"|"+sub.CandidateEmail] = &cp
	return nil
}

func (f *fakeSessionCache) InvalidateSubmission(_ context.Context, formID, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	delete(f.subs, formID+"|"+email)
	delete(f.warnings, formID+"|"+email)
	return nil
}

func (f *fakeSessionCache) SetStartTime(_ context.Context, formID, email string, start time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[formID+"|"+email] = start
	return nil
}

func (f *fakeSessionCache) GetStartTime(_ context.Context, formID, email string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start, ok := f.starts[formID+"|"+email]
	return start, ok, nil
}

func (f *fakeSessionCache) SetWarningCount(_ context.Context, formID, email string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings[formID+"|"+email] = count
	return nil
}

func (f *fakeSessionCache) GetWarningCount(_ context.Context, formID, email string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count, ok := f.warnings[formID+"|"+email]
	return count, ok, nil
}

func (f *fakeSessionCache) GetFormDuration(_ context.Context, formID string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seconds, ok := f.durations[formID]
	return seconds, ok, nil
}

func (f *fakeSessionCache) SetFormDuration(_ context.Context, formID string, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[formID] = seconds
	return nil
}

func (f *fakeSessionCache) PublishMonitorEvent(_ context.Context, formID string, payload any) error {
	return nil
}

func (f *fakeSessionCache) PushQueue(_ context.Context, queue string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, queue)
	f.payloads = append(f.payloads, payload)
	return nil
}

func newSubmissionServiceForTest(t *testing.T, clock clockwork.Clock) (*SubmissionService, *fakeSubmissionStore, *fakeSessionCache) {
	t.Helper()
	store := newFakeSubmissionStore(clock)
	cache := newFakeSessionCache()
	svc := NewSubmissionService(store, cache, clock, zerolog.Nop())
	return svc, store, cache
}

func TestEnsureDraftIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, cache := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	first, err := svc.EnsureDraft(context.Background(), formID, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, model.SubmissionStatusDraft, first.Status)

	second, err := svc.EnsureDraft(context.Background(), formID, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ResponseID, second.ResponseID)
	assert.True(t, first.StartTime.Equal(second.StartTime))

	// The start-time cache was seeded at creation.
	start, ok, err := cache.GetStartTime(context.Background(), formID.String(), "a@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, start.Equal(first.StartTime))
}

func TestEnsureDraftResolvesCreateRace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, store, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	// Another writer sneaks the row in between the service's read and create:
	// the read misses, the insert hits the unique key, the refetch resolves.
	winner := &model.Submission{FormID: formID, CandidateEmail: "b@example.com"}
	require.NoError(t, store.Create(context.Background(), winner))
	store.getMisses = 1

	got, err := svc.EnsureDraft(context.Background(), formID, "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, winner.ResponseID, got.ResponseID)
}

func TestSubmitFinalizesDraft(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, store, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	_, err := svc.EnsureDraft(context.Background(), formID, "c@example.com")
	require.NoError(t, err)

	clock.Advance(90 * time.Second)

	sub, err := svc.Submit(context.Background(), formID, "c@example.com", json.RawMessage(`{"q1":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusSubmitted, sub.Status)
	assert.NotNil(t, sub.EndTime)
	assert.Equal(t, 90, sub.ElapsedSeconds)
	assert.Equal(t, 1, store.writes)
}

func TestSubmitAfterTerminalReportsConflict(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	_, err := svc.Submit(context.Background(), formID, "d@example.com", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), formID, "d@example.com", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestConcurrentSubmitProducesSingleWrite(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, store, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	_, err := svc.EnsureDraft(context.Background(), formID, "e@example.com")
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Submit(context.Background(), formID, "e@example.com", json.RawMessage(`{}`))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, store.writes, "exactly one finalizing write must reach the store")
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
}

func TestForceSubmitIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, store, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	first, err := svc.Submit(context.Background(), formID, "f@example.com", json.RawMessage(`{}`))
	require.NoError(t, err)

	// A forced submission against an already-terminal row observes the winner.
	got, err := svc.ForceSubmit(context.Background(), formID, "f@example.com", model.ForceReasonTimerExpired)
	require.NoError(t, err)
	assert.Equal(t, first.ResponseID, got.ResponseID)
	assert.Equal(t, model.SubmissionStatusSubmitted, got.Status)
	assert.Equal(t, 1, store.writes)
}

func TestForceSubmitRetriesTransientFailures(t *testing.T) {
	prevBackoff := forceSubmitBackoff
	forceSubmitBackoff = 0
	defer func() { forceSubmitBackoff = prevBackoff }()

	clock := clockwork.NewRealClock()
	svc, store, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	_, err := svc.EnsureDraft(context.Background(), formID, "g@example.com")
	require.NoError(t, err)

	store.finalizeErrs = 2

	sub, err := svc.ForceSubmit(context.Background(), formID, "g@example.com", model.ForceReasonWarningBreach)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusTerminated, sub.Status)
	assert.Equal(t, string(model.ForceReasonWarningBreach), *sub.Remarks)
	assert.Equal(t, 3, store.finalizeCalls)
	assert.Equal(t, 1, store.writes)
}

func TestForceSubmitWithoutDraftReturnsNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, _ := newSubmissionServiceForTest(t, clock)

	_, err := svc.ForceSubmit(context.Background(), uuid.New(), "nobody@example.com", model.ForceReasonTimerExpired)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveDraftRejectedAfterTerminal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, store, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	_, err := svc.Submit(context.Background(), formID, "h@example.com", json.RawMessage(`{"q1":"final"}`))
	require.NoError(t, err)

	err = svc.SaveDraft(context.Background(), formID, "h@example.com", json.RawMessage(`{"q1":"tampered"}`), nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	// The persisted value survived the rejected edit.
	sub, err := store.GetByFormAndCandidate(context.Background(), formID, "h@example.com")
	require.NoError(t, err)
	assert.JSONEq(t, `{"q1":"final"}`, string(sub.Value))
}

func TestSaveDraftMissingSubmission(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, _ := newSubmissionServiceForTest(t, clock)

	err := svc.SaveDraft(context.Background(), uuid.New(), "missing@example.com", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByResponseIDServedFromCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, store, _ := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	draft, err := svc.EnsureDraft(context.Background(), formID, "i@example.com")
	require.NoError(t, err)
	baseline := store.readCount()

	// First read misses the cache, hits the store, and warms the tag.
	first, err := svc.GetByResponseID(context.Background(), draft.ResponseID, formID, "i@example.com")
	require.NoError(t, err)
	assert.Equal(t, baseline+1, store.readCount())

	// Second read is served from the tag without touching the store.
	second, err := svc.GetByResponseID(context.Background(), draft.ResponseID, formID, "i@example.com")
	require.NoError(t, err)
	assert.Equal(t, baseline+1, store.readCount())
	assert.Equal(t, first.ResponseID, second.ResponseID)
	assert.Equal(t, model.SubmissionStatusDraft, second.Status)
}

func TestGetByResponseIDCacheInvalidatedOnFinalize(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _, cache := newSubmissionServiceForTest(t, clock)
	formID := uuid.New()

	draft, err := svc.EnsureDraft(context.Background(), formID, "j@example.com")
	require.NoError(t, err)

	// Warm the tag with the draft view.
	_, err = svc.GetByResponseID(context.Background(), draft.ResponseID, formID, "j@example.com")
	require.NoError(t, err)
	_, ok, err := cache.GetSubmission(context.Background(), formID.String(), "j@example.com")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Submit(context.Background(), formID, "j@example.com", json.RawMessage(`{}`))
	require.NoError(t, err)

	// The finalize dropped the tag; the next read sees the terminal status.
	_, ok, err = cache.GetSubmission(context.Background(), formID.String(), "j@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "finalizing must drop the cached submission view")

	sub, err := svc.GetByResponseID(context.Background(), draft.ResponseID, formID, "j@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusSubmitted, sub.Status)
}
