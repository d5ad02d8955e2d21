package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type emitterFixture struct {
	emitter   *Emitter
	repo      *testutil.MockOutboxRepository
	scheduler *testutil.FakeScheduler
	txManager *testutil.MockTransactionManager
	clock     *testutil.FakeClock
}

func setupEmitter() *emitterFixture {
	repo := testutil.NewMockOutboxRepository()
	scheduler := &testutil.FakeScheduler{}
	txManager := testutil.NewMockTransactionManager(repo)
	clock := testutil.NewFakeClock(t0)

	emitter := NewEmitter(repo, txManager, scheduler, clock, testLogger(), testMetrics())
	emitter.retry.InitialDelay = time.Millisecond
	emitter.retry.MaxDelay = time.Millisecond
	return &emitterFixture{emitter: emitter, repo: repo, scheduler: scheduler, txManager: txManager, clock: clock}
}

// --- Emit Tests ---

func TestEmit_CreatesPendingEventAndSchedules(t *testing.T) {
	f := setupEmitter()
	corr := "req-1"

	res, err := f.emitter.Emit(context.Background(), "order.created",
		map[string]any{"total": 10}, EmitOptions{CorrelationID: &corr})
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.NotNil(t, res.NextAttemptAt)
	assert.Equal(t, t0, *res.NextAttemptAt)

	stored := f.repo.Get(res.ID)
	require.NotNil(t, stored)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Equal(t, "req-1", *stored.CorrelationID)
	assert.Nil(t, stored.DedupeKey)

	job, ok := f.scheduler.Last(res.ID)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), job.Delay)
}

func TestEmit_DelayedFirstAttempt(t *testing.T) {
	f := setupEmitter()
	at := t0.Add(10 * time.Minute)

	res, err := f.emitter.Emit(context.Background(), "reminder.due", nil, EmitOptions{NextAttemptAt: &at})
	require.NoError(t, err)
	assert.Equal(t, at, *res.NextAttemptAt)

	job, ok := f.scheduler.Last(res.ID)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, job.Delay)
}

func TestEmit_EmptyType(t *testing.T) {
	f := setupEmitter()

	_, err := f.emitter.Emit(context.Background(), "  ", nil, EmitOptions{})
	assert.ErrorIs(t, err, domainErrors.ErrInvalidEventType)
	assert.Empty(t, f.repo.All())
}

func TestEmit_DedupeKeyCollapsesRepeats(t *testing.T) {
	f := setupEmitter()
	ctx := context.Background()
	key := "order:O1:paid"

	first, err := f.emitter.Emit(ctx, "order.paid", nil, EmitOptions{DedupeKey: &key})
	require.NoError(t, err)
	second, err := f.emitter.Emit(ctx, "order.paid", nil, EmitOptions{DedupeKey: &key})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Len(t, f.repo.All(), 1)
}

func TestEmit_DedupeKeyIsScopedByType(t *testing.T) {
	f := setupEmitter()
	ctx := context.Background()
	key := "O1"

	a, err := f.emitter.Emit(ctx, "order.paid", nil, EmitOptions{DedupeKey: &key})
	require.NoError(t, err)
	b, err := f.emitter.Emit(ctx, "order.refunded", nil, EmitOptions{DedupeKey: &key})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, f.repo.All(), 2)
}

func TestEmit_DerivedDedupeKey(t *testing.T) {
	f := setupEmitter()
	ctx := context.Background()
	payload := map[string]any{"order_id": "O1", "status": "PAID"}

	first, err := f.emitter.Emit(ctx, "order.status_changed", payload, EmitOptions{})
	require.NoError(t, err)
	second, err := f.emitter.Emit(ctx, "order.status_changed", map[string]any{"order_id": "O1", "status": "PAID"}, EmitOptions{})
	require.NoError(t, err)
	third, err := f.emitter.Emit(ctx, "order.status_changed", map[string]any{"order_id": "O1", "status": "SHIPPED"}, EmitOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, "auto:order_id=O1|status=PAID", *f.repo.Get(first.ID).DedupeKey)
}

func TestEmit_TerminalMatchIsNotRescheduled(t *testing.T) {
	f := setupEmitter()
	sent := testutil.NewEventWithStatus("order.paid", outbox.StatusSent, 1, t0.Add(-time.Hour))
	sent.DedupeKey = testutil.StrPtr("O1")
	f.repo.Put(sent)

	res, err := f.emitter.Emit(context.Background(), "order.paid", nil, EmitOptions{DedupeKey: testutil.StrPtr("O1")})
	require.NoError(t, err)
	assert.Equal(t, sent.ID, res.ID)
	assert.False(t, res.Created)
	assert.Nil(t, res.NextAttemptAt)
	assert.Empty(t, f.scheduler.Jobs())
	assert.Equal(t, outbox.StatusSent, f.repo.Get(sent.ID).Status)
}

func TestEmit_PendingMatchIsRescheduledAtItsDueTime(t *testing.T) {
	f := setupEmitter()
	failed := testutil.NewEventWithStatus("order.paid", outbox.StatusFailed, 1, t0.Add(-time.Minute))
	failed.DedupeKey = testutil.StrPtr("O1")
	failed.NextAttemptAt = testutil.TimePtr(t0.Add(4 * time.Minute))
	f.repo.Put(failed)

	res, err := f.emitter.Emit(context.Background(), "order.paid", nil, EmitOptions{DedupeKey: testutil.StrPtr("O1")})
	require.NoError(t, err)
	assert.Equal(t, failed.ID, res.ID)

	job, ok := f.scheduler.Last(failed.ID)
	require.True(t, ok)
	assert.Equal(t, 4*time.Minute, job.Delay)
	assert.Equal(t, 1, f.repo.Get(failed.ID).Attempts)
}

func TestEmit_SchedulerFailureIsNotReturned(t *testing.T) {
	f := setupEmitter()
	f.scheduler.Err = errors.New("redis down")

	res, err := f.emitter.Emit(context.Background(), "order.created", nil, EmitOptions{})
	require.NoError(t, err)
	assert.NotNil(t, f.repo.Get(res.ID))
}

func TestEmit_RepositoryFailure(t *testing.T) {
	f := setupEmitter()
	f.repo.InsertFunc = func(ctx context.Context, e *outbox.Event) (*outbox.Event, bool, error) {
		return nil, false, errors.New("db down")
	}

	_, err := f.emitter.Emit(context.Background(), "order.created", nil, EmitOptions{})
	assert.Error(t, err)
	assert.Empty(t, f.scheduler.Jobs())
}

func TestEmit_ConcurrentSameKeyConverges(t *testing.T) {
	f := setupEmitter()
	key := "campaign:42"

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.emitter.Emit(context.Background(), "campaign.sent", nil, EmitOptions{DedupeKey: &key})
			if assert.NoError(t, err) {
				ids[i] = res.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, f.repo.All(), 1)
}

// --- EmitEnlisted Tests ---

func TestEmitEnlisted_RequiresTransaction(t *testing.T) {
	f := setupEmitter()

	_, err := f.emitter.EmitEnlisted(context.Background(), "order.created", nil, EmitOptions{})
	assert.ErrorIs(t, err, domainErrors.ErrNotInTransaction)
	assert.Empty(t, f.repo.All())
}

func TestEmitEnlisted_SchedulesOnlyAfterCommit(t *testing.T) {
	f := setupEmitter()
	ctx := context.Background()

	var en *Enlistment
	err := f.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		en, err = f.emitter.EmitEnlisted(txCtx, "order.created", map[string]any{"order_id": "O9"}, EmitOptions{})
		if err != nil {
			return err
		}
		assert.Empty(t, f.scheduler.Jobs())
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, en)
	assert.True(t, en.Created)

	job, ok := f.scheduler.Last(en.ID)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), job.Delay)

	// A manual Schedule after commit is harmless.
	require.NoError(t, en.Schedule(ctx))
	assert.Len(t, f.scheduler.Jobs(), 2)
}

func TestEmitEnlisted_JoinsOuterTransaction(t *testing.T) {
	f := setupEmitter()
	ctx := context.Background()

	err := f.txManager.WithTransaction(ctx, func(outer context.Context) error {
		return f.txManager.WithTransaction(outer, func(inner context.Context) error {
			_, err := f.emitter.EmitEnlisted(inner, "order.created", nil, EmitOptions{})
			require.NoError(t, err)
			assert.Empty(t, f.scheduler.Jobs())
			return nil
		})
	})
	require.NoError(t, err)
	assert.Len(t, f.scheduler.Jobs(), 1)
}

func TestEmitEnlisted_RollbackLeavesNothing(t *testing.T) {
	f := setupEmitter()
	ctx := context.Background()
	businessErr := errors.New("order rejected")

	err := f.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		_, err := f.emitter.EmitEnlisted(txCtx, "order.created", nil, EmitOptions{})
		require.NoError(t, err)
		return businessErr
	})
	assert.ErrorIs(t, err, businessErr)
	assert.Empty(t, f.repo.All())
	assert.Empty(t, f.scheduler.Jobs())
}

func TestEnlistment_ScheduleIsNoOpForTerminalMatch(t *testing.T) {
	f := setupEmitter()
	dead := testutil.NewEventWithStatus("order.paid", outbox.StatusDead, 5, t0.Add(-time.Hour))
	dead.DedupeKey = testutil.StrPtr("O1")
	f.repo.Put(dead)

	var en *Enlistment
	err := f.txManager.WithTransaction(context.Background(), func(txCtx context.Context) error {
		var err error
		en, err = f.emitter.EmitEnlisted(txCtx, "order.paid", nil, EmitOptions{DedupeKey: testutil.StrPtr("O1")})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, dead.ID, en.ID)

	require.NoError(t, en.Schedule(context.Background()))
	assert.Empty(t, f.scheduler.Jobs())
}
