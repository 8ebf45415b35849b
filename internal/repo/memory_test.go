package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

func seed(t *testing.T, s *MemoryStore, n int) []model.MessageRecord {
	t.Helper()

	out := make([]model.MessageRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := s.Insert(context.Background(), model.NewMessage{To: "0412345678", From: "0498765432", Body: "hi"})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestMemoryStore_ListRecordsByState_OldestFirstAndLimited(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s := NewMemoryStore().WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	recs := seed(t, s, 5)

	got, err := s.ListRecordsByState(context.Background(), model.Created, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, recs[i].ID, got[i].ID)
	}
}

func TestMemoryStore_UpdateRecordState_Timestamps(t *testing.T) {
	s := NewMemoryStore()
	rec := seed(t, s, 1)[0]
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)

	queued, err := s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.Queued, At: t1})
	require.NoError(t, err)
	require.NotNil(t, queued.QueuedAt)
	assert.Equal(t, t1, *queued.QueuedAt)
	assert.Nil(t, queued.ProcessedAt)

	processing, err := s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.Processing, At: t2, IncrementRetry: true})
	require.NoError(t, err)
	assert.Equal(t, 1, processing.RetryCount)
	assert.Equal(t, t1, *processing.QueuedAt, "queued_at is set once")
	assert.Nil(t, processing.ProcessedAt)

	done, err := s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.SuccessfullySent, At: t3})
	require.NoError(t, err)
	require.NotNil(t, done.ProcessedAt)
	assert.Equal(t, t3, *done.ProcessedAt)
	assert.Equal(t, t3, done.ModifiedAt)
	assert.Nil(t, done.StatusReason)
	assert.Equal(t, rec.Version+3, done.Version)
}

func TestMemoryStore_UpdateRecordState_RejectsBackwardAndUnknown(t *testing.T) {
	s := NewMemoryStore()
	rec := seed(t, s, 1)[0]
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.SuccessfullySent, At: now})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.UpdateRecordState(ctx, 999, model.Transition{To: model.Queued, At: now})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.Processing, At: now})
	require.NoError(t, err)
	_, err = s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.FailedProviderError, Reason: model.Reason("provider timeout"), At: now})
	require.NoError(t, err)

	_, err = s.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.SuccessfullySent, At: now})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "terminal states are final")

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailedProviderError, got.Status)
	require.NotNil(t, got.StatusReason)
	assert.Equal(t, "provider timeout", *got.StatusReason)
}

func TestMemoryStore_ListStaleAndCount(t *testing.T) {
	s := NewMemoryStore()
	recs := seed(t, s, 3)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	_, err := s.UpdateRecordState(ctx, recs[0].ID, model.Transition{To: model.Processing, At: old})
	require.NoError(t, err)
	_, err = s.UpdateRecordState(ctx, recs[1].ID, model.Transition{To: model.Processing, At: time.Now().UTC()})
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, model.Processing, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, recs[0].ID, stale[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.Processing])
	assert.Equal(t, 1, counts[model.Created])
}

func TestMemoryStore_TryLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	release, ok, err := s.TryLock(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLock(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, err = s.TryLock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", migrateURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://u@h/db", migrateURL("postgresql://u@h/db"))
	assert.Equal(t, "pgx5://x", migrateURL("pgx5://x"))
}
