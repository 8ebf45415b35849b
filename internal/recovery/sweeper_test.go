package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
)

var t0 = time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

type fakeQueue struct {
	tasks      []model.DeliveryTask
	expired    int
	expiredErr error
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, task model.DeliveryTask) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) RequeueExpired(context.Context, time.Time) (int, error) {
	return q.expired, q.expiredErr
}

// processing inserts a record and moves it to processing `attempts` times at t0.
func processing(t *testing.T, store *repo.MemoryStore, attempts int) model.MessageRecord {
	t.Helper()
	ctx := context.Background()

	rec, err := store.Insert(ctx, model.NewMessage{To: "0412345678", From: "0498765432", Body: "hi"})
	require.NoError(t, err)
	for i := 0; i < attempts; i++ {
		rec, err = store.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.Processing, At: t0, IncrementRetry: true})
		require.NoError(t, err)
	}
	return rec
}

func TestSweep_ReenqueuesStaleRecords(t *testing.T) {
	store := repo.NewMemoryStore()
	rec := processing(t, store, 1)
	q := &fakeQueue{expired: 2}
	now := t0.Add(10 * time.Minute)

	s := New(store, q, Config{StaleAfter: 5 * time.Minute, MaxAttempts: 5}).WithClock(func() time.Time { return now })
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{LeasesRequeued: 2, Reenqueued: 1}, res)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, rec.ID, q.tasks[0].RecordID)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Processing, got.Status, "never moved backward")
	assert.Equal(t, now, got.ModifiedAt)
	assert.Equal(t, 1, got.RetryCount)

	// Touched, so an immediate second sweep leaves it alone.
	res, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Reenqueued)
	assert.Len(t, q.tasks, 1)
}

func TestSweep_IgnoresFreshProcessing(t *testing.T) {
	store := repo.NewMemoryStore()
	processing(t, store, 1)
	q := &fakeQueue{}

	res, err := New(store, q, Config{StaleAfter: 5 * time.Minute}).
		WithClock(func() time.Time { return t0.Add(time.Minute) }).
		Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Empty(t, q.tasks)
}

func TestSweep_ExhaustedRecordsFail(t *testing.T) {
	store := repo.NewMemoryStore()
	rec := processing(t, store, 3)
	q := &fakeQueue{}

	res, err := New(store, q, Config{StaleAfter: time.Minute, MaxAttempts: 3}).
		WithClock(func() time.Time { return t0.Add(time.Hour) }).
		Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)
	assert.Empty(t, q.tasks)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailedProviderError, got.Status)
	assert.Equal(t, "retry limit exceeded", *got.StatusReason)
	require.NotNil(t, got.ProcessedAt)
}

func TestSweep_EnqueueFailureLeavesRecord(t *testing.T) {
	store := repo.NewMemoryStore()
	rec := processing(t, store, 1)
	q := &fakeQueue{enqueueErr: errors.New("redis down")}

	res, err := New(store, q, Config{StaleAfter: time.Minute}).
		WithClock(func() time.Time { return t0.Add(time.Hour) }).
		Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, got.ModifiedAt, "untouched so the next sweep retries it")
}

func TestSweep_LeaseReaperErrorAborts(t *testing.T) {
	store := repo.NewMemoryStore()
	processing(t, store, 1)
	q := &fakeQueue{expiredErr: errors.New("redis down")}

	_, err := New(store, q, Config{}).Sweep(context.Background())
	require.Error(t, err)
	assert.Empty(t, q.tasks)
}

// resolvingStore resolves every stale record right after listing it, the
// way a late consumer delivery would.
type resolvingStore struct {
	*repo.MemoryStore
}

func (s resolvingStore) ListStale(ctx context.Context, state model.Status, olderThan time.Time, limit int) ([]model.MessageRecord, error) {
	recs, err := s.MemoryStore.ListStale(ctx, state, olderThan, limit)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if _, err := s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.SuccessfullySent, At: t0}); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func TestSweep_ExhaustedRecordResolvedElsewhereIsRaced(t *testing.T) {
	store := repo.NewMemoryStore()
	rec := processing(t, store, 3)

	res, err := New(resolvingStore{store}, &fakeQueue{}, Config{StaleAfter: time.Minute, MaxAttempts: 3}).
		WithClock(func() time.Time { return t0.Add(time.Hour) }).
		Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Raced: 1}, res)

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SuccessfullySent, got.Status, "first terminal writer wins")
}

func TestSweep_SkipsWhenLockHeldElsewhere(t *testing.T) {
	store := repo.NewMemoryStore()
	processing(t, store, 1)
	q := &fakeQueue{expired: 3}

	release, ok, err := store.TryLock(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	res, err := New(store, q, Config{StaleAfter: time.Minute, LockKey: 9}).
		WithLocker(store).
		WithClock(func() time.Time { return t0.Add(time.Hour) }).
		Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Locked: true}, res)
	assert.Empty(t, q.tasks)
}
