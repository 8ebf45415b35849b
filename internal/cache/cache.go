package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache miss")

// Receipt is what the provider reported for a successfully sent record.
type Receipt struct {
	RecordID        int64     `json:"recordId"`
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

type SentCache interface {
	StoreSent(ctx context.Context, recordID int64, remoteMessageID string, sentAt time.Time) error
	Lookup(ctx context.Context, recordID int64) (Receipt, error)
}
