// Package queue implements the durable at-least-once work queue that sits
// between the poller and the consumer.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Reserve when no task arrived in time.
	ErrEmpty = errors.New("queue is empty")
	// ErrNilDelivery is returned when Ack/Nack/DeadLetter get a nil delivery.
	ErrNilDelivery = errors.New("delivery is nil")
)

// Delivery is one reservation of a task. Payload is the encoded
// model.DeliveryTask exactly as it was enqueued.
type Delivery struct {
	ID         string
	Attempt    int
	EnqueuedAt time.Time
	Payload    json.RawMessage

	raw string
}

type Stats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"inFlight"`
	Dead     int64 `json:"dead"`
}

type envelope struct {
	ID         string          `json:"id"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Task       json.RawMessage `json:"task"`
}

type deadLetter struct {
	Envelope string    `json:"envelope"`
	Reason   string    `json:"reason"`
	DeadAt   time.Time `json:"deadAt"`
}

// decodeDelivery never fails: an entry that is not an envelope is handed to
// the consumer as a raw payload so that it can be classified as malformed.
func decodeDelivery(raw string) *Delivery {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.ID == "" {
		return &Delivery{Attempt: 1, Payload: json.RawMessage(raw), raw: raw}
	}
	return &Delivery{
		ID:         env.ID,
		Attempt:    env.Attempt + 1,
		EnqueuedAt: env.EnqueuedAt,
		Payload:    env.Task,
		raw:        raw,
	}
}

// redelivered returns the envelope for the next delivery of d.
func (d *Delivery) redelivered() (string, error) {
	env := envelope{
		ID:         d.ID,
		Attempt:    d.Attempt,
		EnqueuedAt: d.EnqueuedAt,
		Task:       d.Payload,
	}
	if env.ID == "" {
		return d.raw, nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
