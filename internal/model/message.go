package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	Created               Status = "created"
	Queued                Status = "queued"
	Processing            Status = "processing"
	SuccessfullySent      Status = "successfully_sent"
	NotSentInvalidAddress Status = "not_sent_invalid_address"
	NotSentOutOfWindow    Status = "not_sent_out_of_window"
	FailedProviderError   Status = "failed_provider_error"
)

var allStatuses = []Status{
	Created,
	Queued,
	Processing,
	SuccessfullySent,
	NotSentInvalidAddress,
	NotSentOutOfWindow,
	FailedProviderError,
}

// Statuses returns every known status in pipeline order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case SuccessfullySent, NotSentInvalidAddress, NotSentOutOfWindow, FailedProviderError:
		return true
	}
	return false
}

// AllowedFrom lists the states a record may be in for a transition to `to`
// to be applied. Terminal states are only reachable from Processing and
// nothing ever moves back to Created.
func AllowedFrom(to Status) []Status {
	switch {
	case to == Queued:
		return []Status{Created}
	case to == Processing:
		return []Status{Created, Queued, Processing}
	case to.IsTerminal():
		return []Status{Processing}
	}
	return nil
}

// CanTransition reports whether a record in `from` may move to `to`.
func CanTransition(from, to Status) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

type MessageRecord struct {
	ID           int64      `json:"id"`
	To           string     `json:"to"`
	From         string     `json:"from"`
	Body         string     `json:"body"`
	Status       Status     `json:"status"`
	StatusReason *string    `json:"statusReason,omitempty"`
	RetryCount   int        `json:"retryCount"`
	Version      int64      `json:"version"`
	QueuedAt     *time.Time `json:"queuedAt,omitempty"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ModifiedAt   time.Time  `json:"modifiedAt"`
}

// NewMessage is the input for record creation.
type NewMessage struct {
	To   string
	From string
	Body string
}

// Transition is a single state change applied by a store. The store sets
// queued_at once on the first non-created transition, processed_at on
// terminal transitions and modified_at always, all to At.
type Transition struct {
	To             Status
	Reason         *string
	At             time.Time
	IncrementRetry bool
}

// Reason is a small helper for building Transition.Reason.
func Reason(s string) *string {
	return &s
}

// DeliveryTask is the queue payload. It is a snapshot of the record taken
// at enqueue time and is never used to derive record state.
type DeliveryTask struct {
	RecordID int64  `json:"recordId"`
	To       string `json:"to"`
	From     string `json:"from"`
	Body     string `json:"body"`
}

var ErrInvalidTask = errors.New("invalid delivery task")

func TaskFromRecord(r MessageRecord) DeliveryTask {
	return DeliveryTask{
		RecordID: r.ID,
		To:       r.To,
		From:     r.From,
		Body:     r.Body,
	}
}

func (t DeliveryTask) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func DecodeTask(b []byte) (DeliveryTask, error) {
	var t DeliveryTask
	if err := json.Unmarshal(b, &t); err != nil {
		return DeliveryTask{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if t.RecordID <= 0 {
		return DeliveryTask{}, fmt.Errorf("%w: missing recordId", ErrInvalidTask)
	}
	return t, nil
}
