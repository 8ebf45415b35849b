package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const DefaultTimeout = 10 * time.Second

type WebhookClient struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

type WebhookOption func(*WebhookClient)

// WithTimeout overrides the 10s client-side timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(c *WebhookClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. Callers wait for a token
// before the request is sent.
func WithRateLimit(perSecond float64, burst int) WebhookOption {
	return func(c *WebhookClient) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewWebhookClient(url string, opts ...WebhookOption) *WebhookClient {
	c := &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

type sendResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (c *WebhookClient) Send(ctx context.Context, msg Message) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, classifyTransport(err)
		}
	}

	reqBody, err := json.Marshal(sendRequest{
		To:   msg.To,
		From: msg.From,
		Body: msg.Body,
	})
	if err != nil {
		return Result{}, &Error{Kind: KindTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return Result{}, &Error{
			Kind: KindRejected,
			Err:  fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Result{}, &Error{
			Kind: KindDecode,
			Err:  fmt.Errorf("failed to decode json: %w body=%q", err, string(body)),
		}
	}

	status := sr.Status
	if status == "" {
		if sr.MessageID == "" {
			return Result{}, &Error{
				Kind: KindDecode,
				Err:  fmt.Errorf("missing status and messageId in response body=%q", string(body)),
			}
		}
		status = "accepted"
	}

	reason := sr.Reason
	if reason == "" {
		reason = sr.Message
	}

	return Result{
		Status:          status,
		Reason:          reason,
		RemoteMessageID: sr.MessageID,
	}, nil
}

func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}
