package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "chanrelay/1.0"

	errorBodyBytes = 200
	maxRetryAfter  = 10 * time.Minute
)

// ErrStatus is wrapped by DeliveryError for non-2xx responses.
var ErrStatus = errors.New("unexpected status")

// DeliveryError describes a failed POST to one sink.
type DeliveryError struct {
	Sink       string
	Status     int           // 0 for transport errors
	RetryAfter time.Duration // set when the sink answered 429 with Retry-After
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Sink, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Sink receives forwarded messages.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Send delivers one payload. Any returned error is a delivery failure.
	Send(ctx context.Context, p Payload) error
}

// Webhook posts payloads as JSON to an HTTP endpoint.
type Webhook struct {
	name      string
	url       string
	userAgent string
	client    *http.Client
}

// NewWebhook creates a webhook sink. A zero timeout uses DefaultTimeout.
func NewWebhook(name, url string, timeout time.Duration) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{
		name:      name,
		url:       url,
		userAgent: DefaultUserAgent,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (w *Webhook) Name() string {
	return w.name
}

func (w *Webhook) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return &DeliveryError{Sink: w.name, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Sink: w.name, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{Sink: w.name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyBytes))
	derr := &DeliveryError{Sink: w.name, Status: resp.StatusCode, Err: ErrStatus}
	if len(bytes.TrimSpace(snippet)) > 0 {
		derr.Err = fmt.Errorf("%w: %s", ErrStatus, bytes.TrimSpace(snippet))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		derr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return derr
}

// parseRetryAfter reads a delay in seconds, capped at maxRetryAfter.
// Missing or malformed values yield zero.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || !(secs > 0) {
		return 0
	}
	if secs >= maxRetryAfter.Seconds() {
		return maxRetryAfter
	}
	return time.Duration(secs * float64(time.Second))
}
