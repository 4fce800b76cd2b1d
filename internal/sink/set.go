// Package sink forwards messages to downstream webhook endpoints.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/chanrelay/internal/logging"
	"github.com/ppiankov/chanrelay/internal/privacy"
	"github.com/ppiankov/chanrelay/internal/source"
)

const logContentRunes = 80

// Target is a configured delivery endpoint. Index is 1-based and only used
// to identify the sink in logs.
type Target struct {
	Index int
	URL   string
}

// Outcome is the result of delivering one message to one sink.
type Outcome struct {
	Index int
	Sink  string
	Err   error
}

// OK reports whether the delivery succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Set is the static, ordered list of sinks every message goes to.
type Set struct {
	sinks  []Sink
	redact *privacy.Redactor
}

// NewSet builds a set from sinks in delivery order. At least one is required.
func NewSet(sinks []Sink, redact *privacy.Redactor) (*Set, error) {
	if len(sinks) == 0 {
		return nil, errors.New("at least one sink is required")
	}
	return &Set{sinks: sinks, redact: redact}, nil
}

// NewWebhookSet creates one Webhook per target.
func NewWebhookSet(targets []Target, timeout time.Duration, redact *privacy.Redactor) (*Set, error) {
	sinks := make([]Sink, 0, len(targets))
	for _, t := range targets {
		wh, err := NewWebhook(fmt.Sprintf("webhook%d", t.Index), t.URL, timeout)
		if err != nil {
			return nil, fmt.Errorf("sink %d: %w", t.Index, err)
		}
		sinks = append(sinks, wh)
	}
	return NewSet(sinks, redact)
}

// Len returns the number of sinks.
func (s *Set) Len() int {
	return len(s.sinks)
}

// Deliver sends msg to every sink in order. A failing sink never prevents
// the attempt on the next one; each outcome is logged and returned.
func (s *Set) Deliver(ctx context.Context, msg source.Message) []Outcome {
	payload := NewPayload(msg, s.redact)
	outcomes := make([]Outcome, 0, len(s.sinks))

	for i, sk := range s.sinks {
		out := Outcome{Index: i + 1, Sink: sk.Name()}
		out.Err = s.send(ctx, sk, payload)

		if out.Err != nil {
			ev := logging.Warn().
				Int("sink", out.Index).
				Str("name", out.Sink).
				Str("message_id", msg.ID.String()).
				Err(out.Err)
			var derr *DeliveryError
			if errors.As(out.Err, &derr) && derr.RetryAfter > 0 {
				ev = ev.Dur("retry_after", derr.RetryAfter)
			}
			ev.Msg("delivery failed")
		} else {
			logging.Info().
				Int("sink", out.Index).
				Str("name", out.Sink).
				Str("message_id", msg.ID.String()).
				Str("content", firstNRunes(payload.Content, logContentRunes)).
				Msg("delivered")
		}
		outcomes = append(outcomes, out)
	}

	return outcomes
}

// send isolates a panicking sink so the remaining sinks are still attempted.
func (s *Set) send(ctx context.Context, sk Sink, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", sk.Name(), r)
		}
	}()
	return sk.Send(ctx, p)
}

func firstNRunes(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Failed counts failed outcomes.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}
