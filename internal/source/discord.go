package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ppiankov/chanrelay/internal/logging"
)

const (
	discordSourceName = "discord"

	DefaultBaseURL   = "https://discord.com/api/v9"
	DefaultTimeout   = 15 * time.Second
	DefaultLimit     = 5
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

	defaultRetryAfter = 5 * time.Second
	retryGrace        = time.Second
	maxRetryAfter     = 10 * time.Minute
	maxBodyBytes      = 4 << 20
	errorBodyBytes    = 200
)

var (
	// ErrRateLimited is returned when the source still rate-limits after the
	// single retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrStatus is returned for any other non-2xx response.
	ErrStatus = errors.New("unexpected status")
)

// FetchError describes a failed fetch. It wraps transport errors,
// ErrRateLimited and ErrStatus.
type FetchError struct {
	Status int    // HTTP status, 0 for transport or decode errors
	Body   string // leading part of the response body, if any
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		if e.Body != "" {
			return fmt.Sprintf("fetch: HTTP %d: %v: %s", e.Status, e.Err, e.Body)
		}
		return fmt.Sprintf("fetch: HTTP %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("fetch: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DiscordOptions configures a DiscordSource.
type DiscordOptions struct {
	ChannelID string
	Token     string
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// DiscordSource reads recent messages of one channel through the REST API.
type DiscordSource struct {
	channelID string
	token     string
	userAgent string
	baseURL   string
	client    *http.Client
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDiscord creates a channel source. Channel id and token are required.
func NewDiscord(opts DiscordOptions) (*DiscordSource, error) {
	if strings.TrimSpace(opts.ChannelID) == "" {
		return nil, errors.New("discord: channel id is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("discord: token is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &DiscordSource{
		channelID: opts.ChannelID,
		token:     opts.Token,
		userAgent: opts.UserAgent,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		client:    &http.Client{Timeout: opts.Timeout},
		sleep:     sleepContext,
	}, nil
}

func (d *DiscordSource) Name() string {
	return discordSourceName
}

// Fetch returns the newest limit messages sorted ascending by id. A 429
// response is retried once after the advertised delay plus one second.
func (d *DiscordSource) Fetch(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	resp, err := d.get(ctx, limit)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	if resp.status == http.StatusTooManyRequests {
		delay := retryAfter(resp.header, resp.body)
		logging.Warn().
			Str("channel", d.channelID).
			Dur("retry_after", delay).
			Msg("source rate limited, retrying once")

		if err := d.sleep(ctx, delay+retryGrace); err != nil {
			return nil, &FetchError{Err: err}
		}

		resp, err = d.get(ctx, limit)
		if err != nil {
			return nil, &FetchError{Err: err}
		}
		if resp.status == http.StatusTooManyRequests {
			return nil, &FetchError{Status: resp.status, Err: ErrRateLimited}
		}
	}

	if resp.status < 200 || resp.status > 299 {
		return nil, &FetchError{
			Status: resp.status,
			Body:   truncate(string(resp.body), errorBodyBytes),
			Err:    ErrStatus,
		}
	}

	msgs, err := decodeMessages(resp.body)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return msgs, nil
}

type fetchResponse struct {
	status int
	header http.Header
	body   []byte
}

func (d *DiscordSource) get(ctx context.Context, limit int) (*fetchResponse, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages?limit=%d",
		d.baseURL, url.PathEscape(d.channelID), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", d.token)
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", d.channelID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read channel %s: %w", d.channelID, err)
	}

	return &fetchResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// decodeMessages parses a message array and sorts it ascending by id. The
// API returns newest first, but no order is assumed.
func decodeMessages(body []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	for i := range msgs {
		if msgs[i].ID == 0 {
			return nil, fmt.Errorf("decode messages: message %d has no id", i)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// retryAfter reads the delay from the JSON body, then the Retry-After
// header, falling back to five seconds. The result never exceeds
// maxRetryAfter.
func retryAfter(header http.Header, body []byte) time.Duration {
	var payload struct {
		RetryAfter *float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter != nil && *payload.RetryAfter >= 0 {
		return secondsToDuration(*payload.RetryAfter)
	}
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return secondsToDuration(secs)
		}
	}
	return defaultRetryAfter
}

// secondsToDuration caps secs at maxRetryAfter so a huge value cannot
// overflow into a negative delay.
func secondsToDuration(secs float64) time.Duration {
	if secs >= maxRetryAfter.Seconds() {
		return maxRetryAfter
	}
	return time.Duration(secs * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
