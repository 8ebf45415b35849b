package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/delivery-pipeline/internal/cache"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/policy"
	"github.com/LeventeLantos/delivery-pipeline/internal/provider"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
)

// 12:00 at UTC+10.
var inWindow = time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

type fakeProvider struct {
	calls atomic.Int32
	send  func(ctx context.Context, msg provider.Message) (provider.Result, error)
}

func (p *fakeProvider) Send(ctx context.Context, msg provider.Message) (provider.Result, error) {
	p.calls.Add(1)
	if p.send == nil {
		return provider.Result{Status: "sent", RemoteMessageID: "remote-1"}, nil
	}
	return p.send(ctx, msg)
}

type fakeSentCache struct {
	mu     sync.Mutex
	stored map[int64]string
}

func (c *fakeSentCache) StoreSent(_ context.Context, id int64, remoteID string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stored == nil {
		c.stored = make(map[int64]string)
	}
	c.stored[id] = remoteID
	return nil
}

func (c *fakeSentCache) Lookup(_ context.Context, id int64) (cache.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remoteID, ok := c.stored[id]
	if !ok {
		return cache.Receipt{}, cache.ErrMiss
	}
	return cache.Receipt{RecordID: id, RemoteMessageID: remoteID}, nil
}

type brokenStore struct {
	repo.RecordStore
	err error
}

func (s *brokenStore) UpdateRecordState(context.Context, int64, model.Transition) (model.MessageRecord, error) {
	return model.MessageRecord{}, s.err
}

func newConsumer(store repo.RecordStore, prov provider.Provider, now time.Time, cfg Config) *Consumer {
	return New(store, policy.New(policy.DefaultConfig()), prov, cfg).
		WithClock(func() time.Time { return now })
}

// queuedRecord inserts a record and moves it to queued, returning the
// encoded task the poller would have enqueued.
func queuedRecord(t *testing.T, store *repo.MemoryStore, to string) (model.MessageRecord, []byte) {
	t.Helper()
	ctx := context.Background()

	rec, err := store.Insert(ctx, model.NewMessage{To: to, From: "0498765432", Body: "hello"})
	require.NoError(t, err)

	payload, err := model.TaskFromRecord(rec).Encode()
	require.NoError(t, err)

	rec, err = store.UpdateRecordState(ctx, rec.ID, model.Transition{To: model.Queued, At: inWindow.Add(-time.Second)})
	require.NoError(t, err)
	return rec, payload
}

func TestHandle_Success(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")
	prov := &fakeProvider{}
	sent := &fakeSentCache{}

	c := newConsumer(store, prov, inWindow, Config{}).WithSentCache(sent)
	require.NoError(t, c.Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SuccessfullySent, got.Status)
	assert.Nil(t, got.StatusReason)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, inWindow, *got.ProcessedAt)
	assert.Equal(t, 1, got.RetryCount)
	assert.EqualValues(t, 1, prov.calls.Load())

	receipt, err := sent.Lookup(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", receipt.RemoteMessageID)
}

func TestHandle_InvalidAddressSkipsProvider(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "12 34")
	prov := &fakeProvider{}

	// Out of window too: the address check wins.
	night := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	require.NoError(t, newConsumer(store, prov, night, Config{}).Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotSentInvalidAddress, got.Status)
	require.NotNil(t, got.StatusReason)
	assert.EqualValues(t, 0, prov.calls.Load())
}

func TestHandle_OutOfWindowSkipsProvider(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")
	prov := &fakeProvider{}

	night := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC) // 23:00 local
	require.NoError(t, newConsumer(store, prov, night, Config{}).Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotSentOutOfWindow, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.EqualValues(t, 0, prov.calls.Load())
}

func TestHandle_ProviderTimeout(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")
	prov := &fakeProvider{send: func(ctx context.Context, _ provider.Message) (provider.Result, error) {
		<-ctx.Done()
		return provider.Result{}, &provider.Error{Kind: provider.KindTimeout, Err: ctx.Err()}
	}}

	c := newConsumer(store, prov, inWindow, Config{ProviderTimeout: 20 * time.Millisecond})
	require.NoError(t, c.Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailedProviderError, got.Status)
	require.NotNil(t, got.StatusReason)
	assert.Contains(t, *got.StatusReason, "timeout")
}

func TestHandle_ProviderTransportError(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")
	prov := &fakeProvider{send: func(context.Context, provider.Message) (provider.Result, error) {
		return provider.Result{}, &provider.Error{Kind: provider.KindTransport, Err: errors.New("connection refused")}
	}}

	require.NoError(t, newConsumer(store, prov, inWindow, Config{}).Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailedProviderError, got.Status)
	assert.Contains(t, *got.StatusReason, "transport")
	assert.NotContains(t, *got.StatusReason, "timeout")
}

func TestHandle_ProviderReportsInvalidAddress(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")
	prov := &fakeProvider{send: func(context.Context, provider.Message) (provider.Result, error) {
		return provider.Result{Status: "invalid_number", Reason: "unallocated"}, nil
	}}

	require.NoError(t, newConsumer(store, prov, inWindow, Config{}).Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotSentInvalidAddress, got.Status)
	assert.Contains(t, *got.StatusReason, "unallocated")
}

func TestHandle_DuplicateDeliveryIsNoop(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")
	prov := &fakeProvider{}
	c := newConsumer(store, prov, inWindow, Config{})

	require.NoError(t, c.Handle(context.Background(), payload))
	first, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)

	require.NoError(t, c.Handle(context.Background(), payload))
	second, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, prov.calls.Load())
}

func TestHandle_FirstTerminalWriterWins(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")

	// Another delivery resolves the record while this one waits on the provider.
	prov := &fakeProvider{send: func(ctx context.Context, _ provider.Message) (provider.Result, error) {
		_, err := store.UpdateRecordState(ctx, rec.ID, model.Transition{
			To:     model.FailedProviderError,
			Reason: model.Reason("provider timeout: earlier attempt"),
			At:     inWindow,
		})
		require.NoError(t, err)
		return provider.Result{Status: "sent"}, nil
	}}

	require.NoError(t, newConsumer(store, prov, inWindow, Config{}).Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailedProviderError, got.Status)
}

func TestHandle_OrphanedTaskForCreatedRecord(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, err := store.Insert(context.Background(), model.NewMessage{To: "0412345678", From: "0498765432", Body: "hi"})
	require.NoError(t, err)
	payload, err := model.TaskFromRecord(rec).Encode()
	require.NoError(t, err)

	require.NoError(t, newConsumer(store, &fakeProvider{}, inWindow, Config{}).Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SuccessfullySent, got.Status)
	require.NotNil(t, got.QueuedAt)
}

func TestHandle_RetryLimitExceeded(t *testing.T) {
	store := repo.NewMemoryStore()
	rec, payload := queuedRecord(t, store, "0412345678")
	prov := &fakeProvider{}

	// Two earlier deliveries died before resolving the record.
	for i := 0; i < 2; i++ {
		_, err := store.UpdateRecordState(context.Background(), rec.ID, model.Transition{
			To: model.Processing, At: inWindow, IncrementRetry: true,
		})
		require.NoError(t, err)
	}

	require.NoError(t, newConsumer(store, prov, inWindow, Config{MaxAttempts: 2}).Handle(context.Background(), payload))

	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailedProviderError, got.Status)
	assert.Equal(t, retryLimitReason, *got.StatusReason)
	assert.Equal(t, 3, got.RetryCount)
	assert.EqualValues(t, 0, prov.calls.Load())
}

func TestHandle_PermanentErrors(t *testing.T) {
	c := newConsumer(repo.NewMemoryStore(), &fakeProvider{}, inWindow, Config{})

	err := c.Handle(context.Background(), []byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedTask)
	assert.True(t, IsPermanent(err))

	err = c.Handle(context.Background(), []byte(`{"to":"0412345678"}`))
	assert.ErrorIs(t, err, ErrMalformedTask)

	err = c.Handle(context.Background(), []byte(`{"recordId":999,"to":"0412345678"}`))
	assert.ErrorIs(t, err, ErrRecordMissing)
	assert.True(t, IsPermanent(err))
}

func TestHandle_StoreErrorIsTransient(t *testing.T) {
	store := &brokenStore{RecordStore: repo.NewMemoryStore(), err: errors.New("connection reset")}
	prov := &fakeProvider{}
	payload, err := model.DeliveryTask{RecordID: 1, To: "0412345678"}.Encode()
	require.NoError(t, err)

	err = newConsumer(store, prov, inWindow, Config{}).Handle(context.Background(), payload)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "connection reset")
	assert.EqualValues(t, 0, prov.calls.Load())
}
