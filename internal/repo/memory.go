package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

// MemoryStore is an in-process MessageRepository with the same transition
// rules as PostgresStore. It backs tests and STORE_DRIVER=memory runs.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]model.MessageRecord
	now    func() time.Time

	locks map[int64]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[int64]model.MessageRecord),
		now:   func() time.Time { return time.Now().UTC() },
		locks: make(map[int64]bool),
	}
}

// WithClock overrides the clock used for created_at on Insert.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) Insert(_ context.Context, msg model.NewMessage) (model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	rec := model.MessageRecord{
		ID:         s.nextID,
		To:         msg.To,
		From:       msg.From,
		Body:       msg.Body,
		Status:     model.Created,
		Version:    1,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	s.rows[rec.ID] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[id]
	if !ok {
		return model.MessageRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ListRecordsByState(_ context.Context, state model.Status, limit int) ([]model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collect(func(r model.MessageRecord) bool { return r.Status == state }, limit, 0), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]model.MessageRecord, error) {
	f = normalizeListFilter(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collect(func(r model.MessageRecord) bool {
		return f.Status == "" || r.Status == f.Status
	}, f.Limit, f.Offset), nil
}

func (s *MemoryStore) ListStale(_ context.Context, state model.Status, olderThan time.Time, limit int) ([]model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collect(func(r model.MessageRecord) bool {
		return r.Status == state && r.ModifiedAt.Before(olderThan)
	}, limit, 0), nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[model.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.Status]int)
	for _, r := range s.rows {
		out[r.Status]++
	}
	return out, nil
}

func (s *MemoryStore) UpdateRecordState(_ context.Context, id int64, tr model.Transition) (model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[id]
	if !ok {
		return model.MessageRecord{}, ErrNotFound
	}
	if !model.CanTransition(rec.Status, tr.To) {
		return model.MessageRecord{}, ErrInvalidTransition
	}

	at := tr.At.UTC()
	rec.Status = tr.To
	rec.StatusReason = nil
	if tr.Reason != nil {
		reason := *tr.Reason
		rec.StatusReason = &reason
	}
	if tr.IncrementRetry {
		rec.RetryCount++
	}
	if rec.QueuedAt == nil {
		rec.QueuedAt = &at
	}
	if tr.To.IsTerminal() {
		rec.ProcessedAt = &at
	}
	rec.ModifiedAt = at
	rec.Version++

	s.rows[id] = rec
	return cloneRecord(rec), nil
}

// TryLock implements Locker within a single process.
func (s *MemoryStore) TryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, true, nil
}

func (s *MemoryStore) collect(match func(model.MessageRecord) bool, limit, offset int) []model.MessageRecord {
	var out []model.MessageRecord
	for _, r := range s.rows {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = cloneRecord(out[i])
	}
	return out
}

func cloneRecord(r model.MessageRecord) model.MessageRecord {
	if r.StatusReason != nil {
		v := *r.StatusReason
		r.StatusReason = &v
	}
	if r.QueuedAt != nil {
		v := *r.QueuedAt
		r.QueuedAt = &v
	}
	if r.ProcessedAt != nil {
		v := *r.ProcessedAt
		r.ProcessedAt = &v
	}
	return r
}
