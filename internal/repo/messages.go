package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

var (
	ErrNotFound          = errors.New("message record not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// RecordStore is what the poller and the consumer need from storage.
// Both calls are safe to retry.
type RecordStore interface {
	ListRecordsByState(ctx context.Context, state model.Status, limit int) ([]model.MessageRecord, error)
	UpdateRecordState(ctx context.Context, id int64, tr model.Transition) (model.MessageRecord, error)
}

type ListFilter struct {
	Status model.Status
	Limit  int
	Offset int
}

// MessageRepository is the full store used by the API and the recovery sweep.
type MessageRepository interface {
	RecordStore

	Insert(ctx context.Context, msg model.NewMessage) (model.MessageRecord, error)
	Get(ctx context.Context, id int64) (model.MessageRecord, error)
	List(ctx context.Context, f ListFilter) ([]model.MessageRecord, error)
	ListStale(ctx context.Context, state model.Status, olderThan time.Time, limit int) ([]model.MessageRecord, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// Locker guards work that must not run concurrently across processes.
type Locker interface {
	TryLock(ctx context.Context, key int64) (release func(), ok bool, err error)
}

func normalizeListFilter(f ListFilter) ListFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
