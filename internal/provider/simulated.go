package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulated answers with a fixed success probability after a synthetic
// delay. Rand and Sleep are injectable so tests are deterministic.
type Simulated struct {
	SuccessRate float64
	Delay       time.Duration

	mu   sync.Mutex
	rand func() float64
}

func NewSimulated(successRate float64, delay time.Duration) *Simulated {
	return &Simulated{
		SuccessRate: successRate,
		Delay:       delay,
		rand:        rand.Float64,
	}
}

// WithRand replaces the random source; f must return values in [0,1).
func (s *Simulated) WithRand(f func() float64) *Simulated {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rand = f
	return s
}

func (s *Simulated) Send(ctx context.Context, msg Message) (Result, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{}, &Error{Kind: KindTimeout, Err: ctx.Err()}
			}
			return Result{}, &Error{Kind: KindTransport, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	s.mu.Lock()
	roll := s.rand()
	s.mu.Unlock()

	if roll < s.SuccessRate {
		return Result{Status: "sent", RemoteMessageID: uuid.NewString()}, nil
	}
	return Result{}, &Error{
		Kind: KindTransport,
		Err:  fmt.Errorf("simulated network failure sending to %s", msg.To),
	}
}
