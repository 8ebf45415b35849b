package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_SuccessBelowRate(t *testing.T) {
	s := NewSimulated(0.9, 0).WithRand(func() float64 { return 0.5 })

	res, err := s.Send(context.Background(), Message{To: "0412345678"})
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Status)
	assert.NotEmpty(t, res.RemoteMessageID)
}

func TestSimulated_FailureAboveRate(t *testing.T) {
	s := NewSimulated(0.9, 0).WithRand(func() float64 { return 0.95 })

	_, err := s.Send(context.Background(), Message{To: "0412345678"})
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestSimulated_DelayRespectsDeadline(t *testing.T) {
	s := NewSimulated(1, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, Message{To: "0412345678"})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
