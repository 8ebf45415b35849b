// Package provider holds the Delivery Provider boundary: the interface the
// consumer calls, the HTTP webhook implementation and a simulated one.
package provider

import (
	"context"
	"errors"
	"fmt"
)

type Message struct {
	To   string
	From string
	Body string
}

// Result is what the provider answered. Status is provider-defined free
// text that the consumer maps onto a terminal record state.
type Result struct {
	Status          string
	Reason          string
	RemoteMessageID string
}

type Provider interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport"
	KindRejected  ErrorKind = "rejected"
	KindDecode    ErrorKind = "decode"
)

// Error is returned by providers for every failed call.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a provider error. Errors that did not come
// from a provider are reported as transport failures, except deadline
// errors which are timeouts.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
