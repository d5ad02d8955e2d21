package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/config"
	infraRedis "github.com/fasket/outbox/internal/infrastructure/redis"
	"github.com/fasket/outbox/internal/infrastructure/webhook"
	"github.com/fasket/outbox/internal/testutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (h *recordingHandler) Handle(ctx context.Context, id uuid.UUID) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, id)
	return OutcomeSent
}

func (h *recordingHandler) handled() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uuid.UUID(nil), h.ids...)
}

type panickingHandler struct{}

func (panickingHandler) Handle(ctx context.Context, id uuid.UUID) Outcome {
	panic("repository exploded")
}

func setupQueueAndLocker(t *testing.T, clock *testutil.FakeClock) (*infraRedis.DispatchQueue, *infraRedis.Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	queue := infraRedis.NewDispatchQueue(client, "test:dispatch", infraRedis.WithQueueClock(clock.Now))
	locker := infraRedis.NewLocker(client, "outbox", 30*time.Second)
	return queue, locker
}

func setupPool(t *testing.T, clock *testutil.FakeClock) (*DeliveryPool, *infraRedis.DispatchQueue, *infraRedis.Locker, *recordingHandler) {
	t.Helper()
	queue, locker := setupQueueAndLocker(t, clock)
	handler := &recordingHandler{}
	pool := NewDeliveryPool(queue, handler, locker, 10, 4, time.Second, testLogger(), testMetrics())
	return pool, queue, locker, handler
}

func TestDeliveryPool_RunOnceHandlesDueJobs(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	pool, queue, _, handler := setupPool(t, clock)
	ctx := context.Background()

	due1, due2, later := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, queue.Schedule(ctx, due1, 0))
	require.NoError(t, queue.Schedule(ctx, due2, 0))
	require.NoError(t, queue.Schedule(ctx, later, time.Minute))

	n, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []uuid.UUID{due1, due2}, handler.handled())

	n, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	_, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, handler.handled(), 3)
}

func TestDeliveryPool_LockedEventIsRequeued(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	pool, queue, locker, handler := setupPool(t, clock)
	ctx := context.Background()

	id := uuid.New()
	held, ok, err := locker.TryLock(ctx, id.String())
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(ctx)

	require.NoError(t, queue.Schedule(ctx, id, 0))
	_, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, handler.handled())

	dueAt, queued, err := queue.DueAt(ctx, id)
	require.NoError(t, err)
	require.True(t, queued)
	assert.Equal(t, t0.Add(contendedDelay).UnixMilli(), dueAt.UnixMilli())
}

func TestDeliveryPool_ReleasesLockAfterHandling(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	pool, queue, locker, _ := setupPool(t, clock)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, queue.Schedule(ctx, id, 0))
	_, err := pool.RunOnce(ctx)
	require.NoError(t, err)

	lock, ok, err := locker.TryLock(ctx, id.String())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(ctx))
}

func TestDeliveryPool_RunStopsOnCancel(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	pool, queue, _, handler := setupPool(t, clock)
	pool.pollInterval = 10 * time.Millisecond

	id := uuid.New()
	require.NoError(t, queue.Schedule(context.Background(), id, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(handler.handled()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestDeliveryPool_RecoversFromPanickingJob(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	queue, locker := setupQueueAndLocker(t, clock)
	pool := NewDeliveryPool(queue, panickingHandler{}, locker, 10, 2, time.Second, testLogger(), testMetrics())
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, queue.Schedule(ctx, id, 0))

	assert.NotPanics(t, func() {
		n, err := pool.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	dueAt, queued, err := queue.DueAt(ctx, id)
	require.NoError(t, err)
	require.True(t, queued)
	assert.Equal(t, t0.Add(recoveryDelay).UnixMilli(), dueAt.UnixMilli())

	lock, ok, err := locker.TryLock(ctx, id.String())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(ctx))
}

func TestDeliveryPool_ShutdownFinishesInFlightDelivery(t *testing.T) {
	arrived := make(chan struct{}, 1)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	clock := testutil.NewFakeClock(t0)
	queue, locker := setupQueueAndLocker(t, clock)
	repo := testutil.NewMockOutboxRepository()
	client := webhook.NewClient(config.WebhookConfig{
		URL:     receiver.URL,
		Secret:  "whsec",
		Timeout: 5 * time.Second,
	}, nil)
	worker := NewDeliveryWorker(DeliveryDeps{
		Repo:           repo,
		Scheduler:      queue,
		Sender:         client,
		Policy:         NewRetryPolicy(DefaultRetryLadder, DefaultJitter, fixedRand(0.5)),
		Limiter:        NewAlertLimiter(time.Hour, clock),
		Alerts:         &testutil.FakeAlertNotifier{},
		DeadLetters:    &testutil.FakeDeadLetterSink{},
		MisconfigRetry: 15 * time.Minute,
		Clock:          clock,
		Logger:         testLogger(),
		Metrics:        testMetrics(),
	})
	pool := NewDeliveryPool(queue, worker, locker, 10, 2, 10*time.Millisecond, testLogger(), testMetrics()).
		WithJobTimeout(10 * time.Second)

	e := testutil.NewTestEvent("order.created", map[string]any{"order_id": "O1"}, t0)
	repo.Put(e)
	require.NoError(t, queue.Schedule(context.Background(), e.ID, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never reached the receiver")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop")
	}

	stored := repo.Get(e.ID)
	assert.Equal(t, outbox.StatusSent, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.LastError)
	require.NotNil(t, stored.LastHTTPStatus)
	assert.Equal(t, http.StatusOK, *stored.LastHTTPStatus)
}
