package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/oemslab/oems-backend/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController mimics the submission service: drafts are created on demand
// and forced submissions are idempotent, so only the first force against a
// draft counts as a write.
type fakeController struct {
	mu    sync.Mutex
	clock clockwork.Clock
	subs  map[string]*model.Submission

	startOffset time.Duration // Drafts are created this far in the past.
	forceWrites int
	lastReason  model.ForceReason
}

func newFakeController(clock clockwork.Clock) *fakeController {
	return &fakeController{clock: clock, subs: make(map[string]*model.Submission)}
}

func (f *fakeController) key(formID uuid.UUID, email string) string {
	return formID.String() + "|" + email
}

func (f *fakeController) EnsureDraft(_ context.Context, formID uuid.UUID, email string) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[f.key(formID, email)]; ok {
		cp := *sub
		return &cp, nil
	}
	sub := &model.Submission{
		ResponseID:     uuid.New(),
		FormID:         formID,
		CandidateEmail: email,
		Status:         model.SubmissionStatusDraft,
		StartTime:      f.clock.Now().Add(-f.startOffset),
	}
	f.subs[f.key(formID, email)] = sub
	cp := *sub
	return &cp, nil
}

func (f *fakeController) ForceSubmit(_ context.Context, formID uuid.UUID, email string, reason model.ForceReason) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[f.key(formID, email)]
	if !ok {
		return nil, service.ErrNotFound
	}
	if !sub.Status.Terminal() {
		sub.Status = model.SubmissionStatusTerminated
		f.forceWrites++
		f.lastReason = reason
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeController) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceWrites
}

func (f *fakeController) reason() model.ForceReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReason
}

func (f *fakeController) status(formID uuid.UUID, email string) model.SubmissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[f.key(formID, email)]; ok {
		return sub.Status
	}
	return ""
}

// fakeWarningStore counts warnings in memory and remembers their kinds.
type fakeWarningStore struct {
	mu     sync.Mutex
	counts map[string]int
	kinds  []string
	err    error
}

func (f *fakeWarningStore) RecordWarning(_ context.Context, formID uuid.UUID, email, kind string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	key := formID.String() + "|" + email
	f.counts[key]++
	f.kinds = append(f.kinds, kind)
	return f.counts[key], nil
}

func (f *fakeWarningStore) recordedKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kinds...)
}

// fakeFormSource serves one fixed form.
type fakeFormSource struct {
	form *model.Form
}

func (f *fakeFormSource) GetByID(_ context.Context, formID uuid.UUID) (*model.Form, error) {
	if f.form == nil || f.form.ID != formID {
		return nil, pgx.ErrNoRows
	}
	cp := *f.form
	return &cp, nil
}

type engineFixture struct {
	engine   *Engine
	ctrl     *fakeController
	warnings *fakeWarningStore
	clock    *clockwork.FakeClock
	form     *model.Form
}

func newEngineFixture(t *testing.T, durationSeconds, maxWarnings int) *engineFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	ctrl := newFakeController(clock)
	warnings := &fakeWarningStore{}
	form := &model.Form{
		ID:              uuid.New(),
		Title:           "Fixture Exam",
		DurationSeconds: durationSeconds,
		MaxWarnings:     maxWarnings,
		Status:          model.FormStatusPublished,
	}
	engine := NewEngine(ctrl, warnings, &fakeFormSource{form: form}, clock, 3, zerolog.Nop())
	t.Cleanup(engine.Stop)
	return &engineFixture{engine: engine, ctrl: ctrl, warnings: warnings, clock: clock, form: form}
}

const testEmail = "cand@example.com"

func TestStartIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t, 1800, 3)

	first, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)
	second, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)

	assert.Same(t, first, second, "a reload must re-attach, not issue a new session")
	assert.Equal(t, 1800, first.Remaining())
}

func TestStartRejectsTerminalSubmission(t *testing.T) {
	fx := newEngineFixture(t, 1800, 3)

	// The candidate already went through a forced submission.
	_, err := fx.ctrl.EnsureDraft(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)
	_, err = fx.ctrl.ForceSubmit(context.Background(), fx.form.ID, testEmail, model.ForceReasonTimerExpired)
	require.NoError(t, err)

	_, err = fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	assert.ErrorIs(t, err, service.ErrConflict)
}

func TestTimerExpiryForcesExactlyOnce(t *testing.T) {
	fx := newEngineFixture(t, 2, 3)

	_, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)

	// Wait for the tick loop to arm its ticker, then walk past the deadline.
	fx.clock.BlockUntil(1)
	fx.clock.Advance(time.Second)
	fx.clock.BlockUntil(1)
	fx.clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		return fx.ctrl.writes() == 1
	}, 2*time.Second, 10*time.Millisecond, "expiry must produce exactly one forced submission")
	assert.Equal(t, model.ForceReasonTimerExpired, fx.ctrl.reason())

	assert.Eventually(t, func() bool {
		return fx.engine.Get(fx.form.ID, testEmail) == nil
	}, 2*time.Second, 10*time.Millisecond, "session must be disposed after the forced submission")
}

func TestRehydratingPastDeadlineFailsClosed(t *testing.T) {
	fx := newEngineFixture(t, 1800, 3)
	fx.ctrl.startOffset = 1801 * time.Second

	sess, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Remaining())

	assert.Eventually(t, func() bool {
		return fx.ctrl.writes() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.ForceReasonTimerExpired, fx.ctrl.reason())
}

func TestRemainingRestoredAfterReload(t *testing.T) {
	fx := newEngineFixture(t, 1800, 3)
	fx.ctrl.startOffset = 600 * time.Second

	sess, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)

	// 600 of 1800 seconds already burned before the reload.
	assert.Equal(t, 1200, sess.Remaining())
}

func TestWarningBreachForcesExactlyOnce(t *testing.T) {
	fx := newEngineFixture(t, 1800, 3)

	_, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		count, err := fx.engine.RecordWarning(context.Background(), fx.form.ID, testEmail, "tab_switch")
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}
	assert.Equal(t, 0, fx.ctrl.writes(), "below the threshold nothing is forced")

	// The third warning crosses max_warnings.
	count, err := fx.engine.RecordWarning(context.Background(), fx.form.ID, testEmail, "fullscreen_exit")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// The client-reported kinds reached the store intact.
	assert.Equal(t, []string{"tab_switch", "tab_switch", "fullscreen_exit"}, fx.warnings.recordedKinds())

	assert.Eventually(t, func() bool {
		return fx.ctrl.writes() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.ForceReasonWarningBreach, fx.ctrl.reason())

	// A fourth warning after termination is still recorded, but triggers no
	// second submission.
	count, err = fx.engine.RecordWarning(context.Background(), fx.form.ID, testEmail, "tab_switch")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Equal(t, 1, fx.ctrl.writes())
	assert.Equal(t, model.SubmissionStatusTerminated, fx.ctrl.status(fx.form.ID, testEmail))
}

func TestWarningBreachWithoutLiveSession(t *testing.T) {
	fx := newEngineFixture(t, 1800, 2)

	// Seed the draft without booting a session (e.g., the process restarted).
	_, err := fx.ctrl.EnsureDraft(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		_, err := fx.engine.RecordWarning(context.Background(), fx.form.ID, testEmail, "tab_switch")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, fx.ctrl.writes(), "the threshold is enforced even with no live session")
	assert.Equal(t, model.ForceReasonWarningBreach, fx.ctrl.reason())
}

func TestSubscribeStreamsTicks(t *testing.T) {
	fx := newEngineFixture(t, 1800, 3)

	sess, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)

	events, cancel := sess.Subscribe()
	defer cancel()

	fx.clock.BlockUntil(1)
	fx.clock.Advance(time.Second)

	select {
	case ev := <-events:
		assert.Equal(t, EventTick, ev.Type)
		assert.Equal(t, 1799, ev.RemainingSeconds)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a tick event")
	}
}

func TestDisposeStopsSession(t *testing.T) {
	fx := newEngineFixture(t, 1800, 3)

	sess, err := fx.engine.Start(context.Background(), fx.form.ID, testEmail)
	require.NoError(t, err)

	events, cancel := sess.Subscribe()
	defer cancel()

	fx.engine.Dispose(fx.form.ID, testEmail)
	assert.Nil(t, fx.engine.Get(fx.form.ID, testEmail))

	// The event channel closes on teardown.
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the event channel to close")
	}
}
