// Package recovery reconciles work that a crashed or stalled consumer left
// behind: expired queue leases and records stuck in processing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/metrics"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
)

const (
	defaultStaleAfter = 5 * time.Minute
	defaultBatchSize  = 100
)

type Store interface {
	ListStale(ctx context.Context, state model.Status, olderThan time.Time, limit int) ([]model.MessageRecord, error)
	UpdateRecordState(ctx context.Context, id int64, tr model.Transition) (model.MessageRecord, error)
}

type Queue interface {
	Enqueue(ctx context.Context, task model.DeliveryTask) error
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	StaleAfter  time.Duration
	BatchSize   int
	MaxAttempts int
	// LockKey is the advisory lock held for a whole sweep when a Locker is
	// set, so replicas do not requeue the same leases.
	LockKey int64
}

type SweepResult struct {
	LeasesRequeued int  `json:"leasesRequeued"`
	Reenqueued     int  `json:"reenqueued"`
	Exhausted      int  `json:"exhausted"`
	Raced          int  `json:"raced"`
	Failed         int  `json:"failed"`
	Locked         bool `json:"locked"`
}

type Sweeper struct {
	store  Store
	queue  Queue
	locker repo.Locker
	cfg    Config
	now    func() time.Time
}

func New(store Store, q Queue, cfg Config) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		store: store,
		queue: q,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) WithLocker(l repo.Locker) *Sweeper {
	s.locker = l
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep requeues expired leases, then gives every record that has sat in
// processing longer than StaleAfter either a fresh task or, once its
// attempts are used up, a terminal failure.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	var res SweepResult

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, s.cfg.LockKey)
		if err != nil {
			return res, fmt.Errorf("recovery lock: %w", err)
		}
		if !ok {
			slog.Debug("recovery lock held elsewhere, skipping sweep")
			res.Locked = true
			return res, nil
		}
		defer release()
	}

	n, err := s.queue.RequeueExpired(ctx, now)
	if err != nil {
		return res, fmt.Errorf("requeue expired leases: %w", err)
	}
	res.LeasesRequeued = n
	metrics.RecordRecovery("lease_requeued", n)

	stale, err := s.store.ListStale(ctx, model.Processing, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale records: %w", err)
	}

	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		if s.cfg.MaxAttempts > 0 && rec.RetryCount >= s.cfg.MaxAttempts {
			switch err := s.exhaust(ctx, rec, now); {
			case err == nil:
				res.Exhausted++
			case errors.Is(err, repo.ErrInvalidTransition):
				res.Raced++
			default:
				slog.Error("resolve exhausted record failed", "record_id", rec.ID, "error", err)
				res.Failed++
			}
			continue
		}
		if s.reenqueue(ctx, rec, now) {
			res.Reenqueued++
		} else {
			res.Failed++
		}
	}

	metrics.RecordRecovery("reenqueued", res.Reenqueued)
	metrics.RecordRecovery("exhausted", res.Exhausted)

	if res.LeasesRequeued+res.Reenqueued+res.Exhausted+res.Raced+res.Failed > 0 {
		slog.Info("recovery sweep",
			"leases_requeued", res.LeasesRequeued,
			"reenqueued", res.Reenqueued,
			"exhausted", res.Exhausted,
			"raced", res.Raced,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// exhaust returns repo.ErrInvalidTransition when another delivery resolved
// the record first.
func (s *Sweeper) exhaust(ctx context.Context, rec model.MessageRecord, now time.Time) error {
	_, err := s.store.UpdateRecordState(ctx, rec.ID, model.Transition{
		To:     model.FailedProviderError,
		Reason: model.Reason("retry limit exceeded"),
		At:     now,
	})
	return err
}

func (s *Sweeper) reenqueue(ctx context.Context, rec model.MessageRecord, now time.Time) bool {
	if err := s.queue.Enqueue(ctx, model.TaskFromRecord(rec)); err != nil {
		slog.Error("re-enqueue stale record failed", "record_id", rec.ID, "error", err)
		return false
	}

	// Touch so the record is not picked up again before the new task runs.
	_, err := s.store.UpdateRecordState(ctx, rec.ID, model.Transition{
		To: model.Processing,
		At: now,
	})
	if err != nil && !errors.Is(err, repo.ErrInvalidTransition) {
		slog.Error("touch stale record failed", "record_id", rec.ID, "error", err)
	}
	return true
}
