// Package policy decides the terminal state of a delivery. Cheap checks
// (address, delivery window) run before the provider is called, in that
// order; provider answers and failures are mapped afterwards.
package policy

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/width"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/provider"
)

type Config struct {
	MinAddressLength int
	UTCOffsetHours   int
	WindowStartHour  int
	WindowEndHour    int
}

func DefaultConfig() Config {
	return Config{
		MinAddressLength: 10,
		UTCOffsetHours:   10,
		WindowStartHour:  8,
		WindowEndHour:    21,
	}
}

type Policy struct {
	cfg  Config
	zone *time.Location
}

func New(cfg Config) *Policy {
	return &Policy{
		cfg:  cfg,
		zone: time.FixedZone(fmt.Sprintf("UTC%+d", cfg.UTCOffsetHours), cfg.UTCOffsetHours*3600),
	}
}

// Outcome is a classification result. Reason is nil for success.
type Outcome struct {
	Status model.Status
	Reason *string
}

// NormalizeAddress folds full-width digits and drops whitespace and the
// usual phone number separators.
func NormalizeAddress(s string) string {
	s = width.Fold.String(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		switch r {
		case '+', '-', '(', ')', '.':
			return -1
		}
		return r
	}, s)
}

func (p *Policy) CheckAddress(to string) (Outcome, bool) {
	n := NormalizeAddress(to)
	if len([]rune(n)) < p.cfg.MinAddressLength {
		return Outcome{
			Status: model.NotSentInvalidAddress,
			Reason: model.Reason(fmt.Sprintf("destination %q shorter than %d digits", to, p.cfg.MinAddressLength)),
		}, false
	}
	return Outcome{}, true
}

// LocalHour is the hour of now in the delivery window's fixed zone.
func (p *Policy) LocalHour(now time.Time) int {
	return now.In(p.zone).Hour()
}

func (p *Policy) CheckWindow(now time.Time) (Outcome, bool) {
	hour := p.LocalHour(now)
	if hour < p.cfg.WindowStartHour || hour > p.cfg.WindowEndHour {
		return Outcome{
			Status: model.NotSentOutOfWindow,
			Reason: model.Reason(fmt.Sprintf("local hour %02d outside delivery window %02d:00-%02d:59 (%s)",
				hour, p.cfg.WindowStartHour, p.cfg.WindowEndHour, p.zone)),
		}, false
	}
	return Outcome{}, true
}

// Preflight runs the address check then the window check. ok is false when
// the task must be resolved without calling the provider.
func (p *Policy) Preflight(task model.DeliveryTask, now time.Time) (Outcome, bool) {
	if out, ok := p.CheckAddress(task.To); !ok {
		return out, false
	}
	if out, ok := p.CheckWindow(now); !ok {
		return out, false
	}
	return Outcome{}, true
}

// ClassifyResult maps a provider answer onto a terminal state.
func ClassifyResult(res provider.Result) Outcome {
	switch strings.ToLower(strings.TrimSpace(res.Status)) {
	case "sent", "accepted", "delivered", "queued", "success", "ok":
		return Outcome{Status: model.SuccessfullySent}
	case "invalid_address", "invalid_number", "invalid_destination":
		return Outcome{Status: model.NotSentInvalidAddress, Reason: model.Reason(providerReason(res))}
	case "out_of_window":
		return Outcome{Status: model.NotSentOutOfWindow, Reason: model.Reason(providerReason(res))}
	}
	return Outcome{Status: model.FailedProviderError, Reason: model.Reason(providerReason(res))}
}

// ClassifyError maps a failed provider call onto FailedProviderError with a
// reason that keeps timeouts and transport errors apart.
func ClassifyError(err error) Outcome {
	var prefix string
	switch provider.KindOf(err) {
	case provider.KindTimeout:
		prefix = "provider timeout"
	case provider.KindRejected:
		prefix = "provider rejected"
	case provider.KindDecode:
		prefix = "provider response invalid"
	default:
		prefix = "provider transport error"
	}
	return Outcome{
		Status: model.FailedProviderError,
		Reason: model.Reason(fmt.Sprintf("%s: %v", prefix, err)),
	}
}

func providerReason(res provider.Result) string {
	if res.Reason == "" {
		return fmt.Sprintf("provider status %q", res.Status)
	}
	return fmt.Sprintf("provider status %q: %s", res.Status, res.Reason)
}
