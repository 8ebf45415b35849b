// Package consumer resolves delivery tasks taken off the work queue into
// terminal record states.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/cache"
	"github.com/LeventeLantos/delivery-pipeline/internal/metrics"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/policy"
	"github.com/LeventeLantos/delivery-pipeline/internal/provider"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
)

const DefaultProviderTimeout = 10 * time.Second

var (
	// ErrMalformedTask means the payload can never be processed.
	ErrMalformedTask = errors.New("malformed delivery task")
	// ErrRecordMissing means the task points at a record that does not exist.
	ErrRecordMissing = errors.New("delivery task record missing")
)

// IsPermanent reports whether redelivering the task cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedTask) || errors.Is(err, ErrRecordMissing)
}

const retryLimitReason = "retry limit exceeded"

type Config struct {
	// MaxAttempts caps how many times a record may enter processing. Zero
	// disables the cap.
	MaxAttempts     int
	ProviderTimeout time.Duration
}

type Consumer struct {
	store    repo.RecordStore
	policy   *policy.Policy
	provider provider.Provider
	sent     cache.SentCache
	cfg      Config
	now      func() time.Time
}

func New(store repo.RecordStore, pol *policy.Policy, prov provider.Provider, cfg Config) *Consumer {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	return &Consumer{
		store:    store,
		policy:   pol,
		provider: prov,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Consumer) WithSentCache(sc cache.SentCache) *Consumer {
	c.sent = sc
	return c
}

func (c *Consumer) WithClock(now func() time.Time) *Consumer {
	c.now = now
	return c
}

// Handle processes one delivery of a task. A nil return means the delivery
// is done with, including duplicates of already resolved records. Any
// other error asks for redelivery unless IsPermanent says otherwise.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	task, err := model.DecodeTask(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}

	rec, err := c.store.UpdateRecordState(ctx, task.RecordID, model.Transition{
		To:             model.Processing,
		At:             c.now(),
		IncrementRetry: true,
	})
	switch {
	case errors.Is(err, repo.ErrInvalidTransition):
		slog.Info("duplicate delivery of resolved record", "record_id", task.RecordID)
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: record %d", ErrRecordMissing, task.RecordID)
	case err != nil:
		return fmt.Errorf("mark processing %d: %w", task.RecordID, err)
	}

	if c.cfg.MaxAttempts > 0 && rec.RetryCount > c.cfg.MaxAttempts {
		return c.resolve(ctx, task.RecordID, policy.Outcome{
			Status: model.FailedProviderError,
			Reason: model.Reason(retryLimitReason),
		}, "")
	}

	if out, ok := c.policy.Preflight(task, c.now()); !ok {
		return c.resolve(ctx, task.RecordID, out, "")
	}

	out, remoteID := c.send(ctx, task)
	return c.resolve(ctx, task.RecordID, out, remoteID)
}

func (c *Consumer) send(ctx context.Context, task model.DeliveryTask) (policy.Outcome, string) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.provider.Send(callCtx, provider.Message{
		To:   task.To,
		From: task.From,
		Body: task.Body,
	})
	if err != nil {
		metrics.ObserveProviderCall(string(provider.KindOf(err)), time.Since(start))
		slog.Warn("provider call failed", "record_id", task.RecordID, "error", err)
		return policy.ClassifyError(err), ""
	}
	metrics.ObserveProviderCall("ok", time.Since(start))
	return policy.ClassifyResult(res), res.RemoteMessageID
}

func (c *Consumer) resolve(ctx context.Context, id int64, out policy.Outcome, remoteID string) error {
	at := c.now()
	_, err := c.store.UpdateRecordState(ctx, id, model.Transition{
		To:     out.Status,
		Reason: out.Reason,
		At:     at,
	})
	if errors.Is(err, repo.ErrInvalidTransition) {
		slog.Info("record already resolved by another delivery", "record_id", id, "status", out.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve %d as %s: %w", id, out.Status, err)
	}

	metrics.RecordOutcome(string(out.Status))
	slog.Info("record resolved", "record_id", id, "status", out.Status)

	if out.Status == model.SuccessfullySent && c.sent != nil {
		if err := c.sent.StoreSent(ctx, id, remoteID, at); err != nil {
			slog.Warn("sent cache write failed", "record_id", id, "error", err)
		}
	}
	return nil
}
