package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFormDirectory serves a single fixed form.
type fakeFormDirectory struct {
	form *model.Form
}

func (f *fakeFormDirectory) GetByID(_ context.Context, formID uuid.UUID) (*model.Form, error) {
	if f.form == nil || f.form.ID != formID {
		return nil, pgx.ErrNoRows
	}
	cp := *f.form
	return &cp, nil
}

func newTimerServiceForTest(t *testing.T, form *model.Form) (*TimerService, *fakeSubmissionStore, *fakeSessionCache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := newFakeSubmissionStore(clock)
	cache := newFakeSessionCache()
	svc := NewTimerService(store, &fakeFormDirectory{form: form}, cache, cache, clock, zerolog.Nop())
	return svc, store, cache, clock
}

func TestRemainingCountsDownFromStart(t *testing.T) {
	form := &model.Form{ID: uuid.New(), DurationSeconds: 1800}
	svc, _, _, clock := newTimerServiceForTest(t, form)

	start := clock.Now()
	assert.Equal(t, 1800, svc.Remaining(start, 1800))

	clock.Advance(600 * time.Second)
	assert.Equal(t, 1200, svc.Remaining(start, 1800))

	// Past the deadline the timer clamps at zero, it never goes negative.
	clock.Advance(1201 * time.Second)
	assert.Equal(t, 0, svc.Remaining(start, 1800))
}

func TestRemainingZeroStartFailsClosed(t *testing.T) {
	form := &model.Form{ID: uuid.New(), DurationSeconds: 1800}
	svc, _, _, _ := newTimerServiceForTest(t, form)

	assert.Equal(t, 0, svc.Remaining(time.Time{}, 1800))
}

func TestStateSurvivesReload(t *testing.T) {
	form := &model.Form{ID: uuid.New(), DurationSeconds: 1800}
	svc, store, _, clock := newTimerServiceForTest(t, form)

	sub := &model.Submission{FormID: form.ID, CandidateEmail: "a@example.com"}
	require.NoError(t, store.Create(context.Background(), sub))

	clock.Advance(300 * time.Second)

	// Two fetches (original load, post-reload) see the same origin.
	first, err := svc.State(context.Background(), form.ID, sub.ResponseID)
	require.NoError(t, err)
	second, err := svc.State(context.Background(), form.ID, sub.ResponseID)
	require.NoError(t, err)

	assert.True(t, first.StartTime.Equal(second.StartTime))
	assert.Equal(t, 1500, first.RemainingSeconds)
	assert.Equal(t, 1500, second.RemainingSeconds)
}

func TestStateSelfHealsStartTimeCache(t *testing.T) {
	form := &model.Form{ID: uuid.New(), DurationSeconds: 1800}
	svc, store, cache, _ := newTimerServiceForTest(t, form)

	sub := &model.Submission{FormID: form.ID, CandidateEmail: "b@example.com"}
	require.NoError(t, store.Create(context.Background(), sub))

	// Cold cache: nothing seeded the start time yet.
	state, err := svc.State(context.Background(), form.ID, sub.ResponseID)
	require.NoError(t, err)
	assert.True(t, state.StartTime.Equal(sub.StartTime))

	// The DB value was written back to the cache.
	healed, ok, err := cache.GetStartTime(context.Background(), form.ID.String(), "b@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, healed.Equal(sub.StartTime))
}

func TestStateUnknownSubmission(t *testing.T) {
	form := &model.Form{ID: uuid.New(), DurationSeconds: 1800}
	svc, _, _, _ := newTimerServiceForTest(t, form)

	_, err := svc.State(context.Background(), form.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateServesDurationFromCache(t *testing.T) {
	form := &model.Form{ID: uuid.New(), DurationSeconds: 1800}
	clock := clockwork.NewFakeClock()
	store := newFakeSubmissionStore(clock)
	cache := newFakeSessionCache()
	dir := &fakeFormDirectory{form: form}
	svc := NewTimerService(store, dir, cache, cache, clock, zerolog.Nop())

	sub := &model.Submission{FormID: form.ID, CandidateEmail: "d@example.com"}
	require.NoError(t, store.Create(context.Background(), sub))

	// First fetch resolves the duration from the form row and warms the cache.
	first, err := svc.State(context.Background(), form.ID, sub.ResponseID)
	require.NoError(t, err)
	assert.Equal(t, 1800, first.DurationSeconds)

	// With the form row gone the cached duration still serves reads.
	dir.form = nil
	second, err := svc.State(context.Background(), form.ID, sub.ResponseID)
	require.NoError(t, err)
	assert.Equal(t, 1800, second.DurationSeconds)
}

func TestCheckpointEnqueuesForWorker(t *testing.T) {
	form := &model.Form{ID: uuid.New(), DurationSeconds: 1800}
	svc, _, cache, _ := newTimerServiceForTest(t, form)

	require.NoError(t, svc.Checkpoint(context.Background(), form.ID, "c@example.com", 420))
	require.Len(t, cache.queued, 1)
	assert.Equal(t, config.WorkerKey.PersistTimersQueue, cache.queued[0])
}
