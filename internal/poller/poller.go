// Package poller moves records from created to queued: it lists the oldest
// created records, enqueues a delivery task for each and only then marks
// the record queued.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/metrics"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
)

const DefaultBatchSize = 100

var ErrTickInProgress = errors.New("poller tick already in progress")

type Queue interface {
	Enqueue(ctx context.Context, task model.DeliveryTask) error
}

type Config struct {
	BatchSize int
	// LockKey is the advisory lock taken around a tick when a Locker is
	// configured, so that only one replica polls at a time.
	LockKey int64
}

type TickResult struct {
	Listed   int `json:"listed"`
	Enqueued int `json:"enqueued"`
	// Skipped records stay created and are retried next tick.
	Skipped int `json:"skipped"`
	// Raced records were enqueued but had already been advanced by a
	// consumer before they could be marked queued.
	Raced  int  `json:"raced"`
	Locked bool `json:"locked"`
}

type Poller struct {
	store  repo.RecordStore
	queue  Queue
	locker repo.Locker
	cfg    Config
	now    func() time.Time

	mu sync.Mutex
}

func New(store repo.RecordStore, queue Queue, cfg Config) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Poller{
		store: store,
		queue: queue,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (p *Poller) WithLocker(l repo.Locker) *Poller {
	p.locker = l
	return p
}

func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// Tick runs one polling pass. Only a failure to list the batch is returned;
// per-record failures are logged and left for the next tick.
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	if !p.mu.TryLock() {
		return TickResult{}, ErrTickInProgress
	}
	defer p.mu.Unlock()

	if p.locker != nil {
		release, ok, err := p.locker.TryLock(ctx, p.cfg.LockKey)
		if err != nil {
			metrics.RecordPollerTick("error")
			return TickResult{}, fmt.Errorf("poller lock: %w", err)
		}
		if !ok {
			slog.Debug("poller lock held elsewhere, skipping tick")
			metrics.RecordPollerTick("locked")
			return TickResult{Locked: true}, nil
		}
		defer release()
	}

	records, err := p.store.ListRecordsByState(ctx, model.Created, p.cfg.BatchSize)
	if err != nil {
		metrics.RecordPollerTick("error")
		return TickResult{}, fmt.Errorf("list created records: %w", err)
	}

	res := TickResult{Listed: len(records)}
	for _, rec := range records {
		if ctx.Err() != nil {
			res.Skipped += len(records) - res.Enqueued - res.Skipped - res.Raced
			break
		}
		switch p.queueRecord(ctx, rec) {
		case outcomeEnqueued:
			res.Enqueued++
		case outcomeRaced:
			res.Raced++
		default:
			res.Skipped++
		}
	}

	metrics.RecordPollerTick("ok")
	metrics.RecordPollerRecords("enqueued", res.Enqueued)
	metrics.RecordPollerRecords("skipped", res.Skipped)
	metrics.RecordPollerRecords("raced", res.Raced)

	if res.Listed > 0 {
		slog.Info("poller tick",
			"listed", res.Listed,
			"enqueued", res.Enqueued,
			"skipped", res.Skipped,
			"raced", res.Raced,
		)
	}
	return res, nil
}

type recordOutcome int

const (
	outcomeSkipped recordOutcome = iota
	outcomeEnqueued
	outcomeRaced
)

func (p *Poller) queueRecord(ctx context.Context, rec model.MessageRecord) recordOutcome {
	if err := p.queue.Enqueue(ctx, model.TaskFromRecord(rec)); err != nil {
		slog.Error("enqueue failed, record stays created", "record_id", rec.ID, "error", err)
		return outcomeSkipped
	}

	_, err := p.store.UpdateRecordState(ctx, rec.ID, model.Transition{
		To: model.Queued,
		At: p.now(),
	})
	switch {
	case err == nil:
		return outcomeEnqueued
	case errors.Is(err, repo.ErrInvalidTransition):
		slog.Warn("record advanced before it was marked queued", "record_id", rec.ID)
		return outcomeRaced
	default:
		// The task is already on the queue; the record stays created and
		// is enqueued again next tick. The consumer tolerates the duplicate.
		slog.Error("mark queued failed", "record_id", rec.ID, "error", err)
		return outcomeSkipped
	}
}
