package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/delivery-pipeline/internal/metrics"
	"github.com/LeventeLantos/delivery-pipeline/internal/queue"
)

const (
	defaultWorkers = 1
	// go-redis rounds blocking timeouts below one second up to one second.
	defaultBlock      = time.Second
	reserveErrBackoff    = time.Second
	settleTimeout        = 5 * time.Second
	defaultHandleTimeout = time.Minute
)

type Source interface {
	Reserve(ctx context.Context, block time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery) error
	DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error
}

type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

type RunnerConfig struct {
	Workers int
	Block   time.Duration
	// RatePerSecond limits provider-bound work across all workers. Zero
	// means unlimited.
	RatePerSecond float64
	// HandleTimeout bounds one delivery once it has been reserved. It should
	// not exceed the queue visibility timeout.
	HandleTimeout time.Duration
}

// Runner drives a Handler with a fixed pool of workers reserving from a
// Source.
type Runner struct {
	src     Source
	handler Handler
	cfg     RunnerConfig
	limiter *rate.Limiter
}

func NewRunner(src Source, h Handler, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Block < defaultBlock {
		cfg.Block = defaultBlock
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}

	r := &Runner{src: src, handler: h, cfg: cfg}
	if cfg.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return r
}

// Run blocks until ctx is canceled. Canceling stops reservation only: a
// delivery already in hand runs to completion, bounded by HandleTimeout,
// and is then settled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			r.work(ctx, worker)
			return nil
		})
	}
	slog.Info("consumer started", "workers", r.cfg.Workers)
	err := g.Wait()
	slog.Info("consumer stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		d, err := r.src.Reserve(ctx, r.cfg.Block)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("reserve failed", "worker", worker, "error", err)
			sleep(ctx, reserveErrBackoff)
			continue
		}

		r.process(ctx, worker, d)
	}
}

// process handles one delivery and settles it exactly once.
func (r *Runner) process(ctx context.Context, worker int, d *queue.Delivery) {
	var err error
	if r.limiter != nil {
		err = r.limiter.Wait(ctx)
	}
	if err == nil {
		handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.HandleTimeout)
		err = r.safeHandle(handleCtx, d)
		cancel()
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch {
	case err == nil:
		if ackErr := r.src.Ack(settleCtx, d); ackErr != nil {
			slog.Error("ack failed", "worker", worker, "delivery_id", d.ID, "error", ackErr)
			return
		}
		metrics.RecordDelivery("ack")
	case IsPermanent(err):
		slog.Error("dead-lettering delivery", "worker", worker, "delivery_id", d.ID, "error", err)
		if dlErr := r.src.DeadLetter(settleCtx, d, err.Error()); dlErr != nil {
			slog.Error("dead-letter failed", "worker", worker, "delivery_id", d.ID, "error", dlErr)
			return
		}
		metrics.RecordDelivery("dead")
	default:
		slog.Warn("delivery failed, redelivering", "worker", worker, "delivery_id", d.ID, "attempt", d.Attempt, "error", err)
		if nackErr := r.src.Nack(settleCtx, d); nackErr != nil {
			slog.Error("nack failed", "worker", worker, "delivery_id", d.ID, "error", nackErr)
			return
		}
		metrics.RecordDelivery("nack")
	}
}

func (r *Runner) safeHandle(ctx context.Context, d *queue.Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler.Handle(ctx, d.Payload)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
