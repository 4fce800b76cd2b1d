package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func discordWithTransport(t *testing.T, rt roundTripFunc) (*DiscordSource, *[]time.Duration) {
	t.Helper()
	ds, err := NewDiscord(DiscordOptions{ChannelID: "42", Token: "secret-token"})
	if err != nil {
		t.Fatalf("new discord: %v", err)
	}
	ds.baseURL = "https://discord.test/api/v9"
	ds.client = &http.Client{Timeout: DefaultTimeout, Transport: rt}

	var slept []time.Duration
	ds.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return ds, &slept
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func ids(msgs []Message) []Snowflake {
	out := make([]Snowflake, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestNewDiscord_RequiresChannelAndToken(t *testing.T) {
	if _, err := NewDiscord(DiscordOptions{Token: "x"}); err == nil {
		t.Fatal("expected error for missing channel id")
	}
	if _, err := NewDiscord(DiscordOptions{ChannelID: "1"}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestDiscordSource_Name(t *testing.T) {
	ds, _ := NewDiscord(DiscordOptions{ChannelID: "1", Token: "x"})
	if ds.Name() != "discord" {
		t.Errorf("name = %q, want discord", ds.Name())
	}
}

func TestDiscord_FetchSortsAscending(t *testing.T) {
	ds, _ := discordWithTransport(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/api/v9/channels/42/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want 5", got)
		}
		if got := r.Header.Get("Authorization"); got != "secret-token" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("user-agent = %q", got)
		}
		return response(http.StatusOK, `[
			{"id":"98","channel_id":"42","content":"a","timestamp":"2026-01-01T00:00:00Z"},
			{"id":"102","channel_id":"42","content":"c"},
			{"id":"101","channel_id":"42","content":"b","author":{"id":"7","username":"neo","discriminator":"0","global_name":null}},
			{"id":"105","channel_id":"42","content":"d","attachments":[{"url":"x"}],"embeds":[]}
		]`), nil
	})

	msgs, err := ds.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got := ids(msgs)
	want := []Snowflake{98, 101, 102, 105}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}

	author := msgs[1].Author
	if author.Username == nil || *author.Username != "neo" {
		t.Errorf("author username = %v", author.Username)
	}
	if author.GlobalName != nil {
		t.Errorf("global_name = %v, want nil", *author.GlobalName)
	}
	if len(msgs[3].Attachments) != 1 {
		t.Errorf("attachments = %d, want 1", len(msgs[3].Attachments))
	}
}

func TestDiscord_FetchNumericOrderNotLexical(t *testing.T) {
	ds, _ := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusOK, `[{"id":"1000"},{"id":"999"},{"id":"10000"}]`), nil
	})
	msgs, err := ds.Fetch(context.Background(), 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got := ids(msgs)
	if got[0] != 999 || got[1] != 1000 || got[2] != 10000 {
		t.Errorf("ids = %v, want [999 1000 10000]", got)
	}
}

func TestDiscord_RateLimitRetriesOnce(t *testing.T) {
	calls := 0
	ds, slept := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return response(http.StatusTooManyRequests, `{"retry_after": 2}`), nil
		}
		return response(http.StatusOK, `[{"id":"1"}]`), nil
	})

	msgs, err := ds.Fetch(context.Background(), 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Errorf("slept = %v, want [3s]", *slept)
	}
}

func TestDiscord_RateLimitHugeDelayStillBacksOff(t *testing.T) {
	calls := 0
	ds, slept := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return response(http.StatusTooManyRequests, `{"retry_after": 1e11}`), nil
		}
		return response(http.StatusOK, `[]`), nil
	})

	if _, err := ds.Fetch(context.Background(), 5); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := maxRetryAfter + retryGrace
	if len(*slept) != 1 || (*slept)[0] != want {
		t.Errorf("slept = %v, want [%v]", *slept, want)
	}
}

func TestDiscord_RateLimitTwiceFails(t *testing.T) {
	calls := 0
	ds, slept := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		calls++
		return response(http.StatusTooManyRequests, `{"retry_after": 2}`), nil
	})

	_, err := ds.Fetch(context.Background(), 5)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusTooManyRequests {
		t.Errorf("err = %#v, want FetchError with 429", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want exactly 2", calls)
	}
	if len(*slept) != 1 {
		t.Errorf("slept %d times, want 1", len(*slept))
	}
}

func TestDiscord_RateLimitDefaultDelay(t *testing.T) {
	calls := 0
	ds, slept := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return response(http.StatusTooManyRequests, "not json"), nil
		}
		return response(http.StatusOK, `[]`), nil
	})

	if _, err := ds.Fetch(context.Background(), 5); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if (*slept)[0] != 6*time.Second {
		t.Errorf("slept = %v, want 6s", (*slept)[0])
	}
}

func TestDiscord_RateLimitSleepCancelled(t *testing.T) {
	ds, _ := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusTooManyRequests, `{"retry_after": 1}`), nil
	})
	ds.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ds.Fetch(ctx, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDiscord_ServerError(t *testing.T) {
	ds, _ := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusForbidden, `{"message":"Missing Access"}`), nil
	})
	_, err := ds.Fetch(context.Background(), 5)
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
	if !strings.Contains(err.Error(), "Missing Access") {
		t.Errorf("error %q should carry body", err)
	}
}

func TestDiscord_TransportError(t *testing.T) {
	ds, _ := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	_, err := ds.Fetch(context.Background(), 5)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if fe.Status != 0 {
		t.Errorf("status = %d, want 0", fe.Status)
	}
}

func TestDiscord_MalformedJSON(t *testing.T) {
	ds, _ := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusOK, "{{{not json"), nil
	})
	if _, err := ds.Fetch(context.Background(), 5); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDiscord_MissingID(t *testing.T) {
	ds, _ := discordWithTransport(t, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusOK, `[{"content":"no id"}]`), nil
	})
	if _, err := ds.Fetch(context.Background(), 5); err == nil {
		t.Fatal("expected error for message without id")
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		want   time.Duration
	}{
		{"body float", "", `{"retry_after": 1.5}`, 1500 * time.Millisecond},
		{"body zero", "", `{"retry_after": 0}`, 0},
		{"header fallback", "4", `{}`, 4 * time.Second},
		{"garbage header", "soon", ``, defaultRetryAfter},
		{"nothing", "", ``, defaultRetryAfter},
		{"negative", "", `{"retry_after": -3}`, defaultRetryAfter},
		{"huge body value capped", "", `{"retry_after": 1e11}`, maxRetryAfter},
		{"huge header value capped", "1e300", ``, maxRetryAfter},
		{"infinite header capped", "+Inf", ``, maxRetryAfter},
		{"nan header ignored", "NaN", ``, defaultRetryAfter},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.header != "" {
			h.Set("Retry-After", tt.header)
		}
		if got := retryAfter(h, []byte(tt.body)); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSnowflakeJSON(t *testing.T) {
	var s Snowflake
	if err := s.UnmarshalJSON([]byte(`"1234567890123456789"`)); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if s != 1234567890123456789 {
		t.Errorf("got %d", s)
	}
	if err := s.UnmarshalJSON([]byte(`77`)); err != nil || s != 77 {
		t.Errorf("unmarshal number: %v, %d", err, s)
	}
	if err := s.UnmarshalJSON([]byte(`"abc"`)); err == nil {
		t.Error("expected error for non-numeric id")
	}
	b, _ := s.MarshalJSON()
	if string(b) != `"77"` {
		t.Errorf("marshal = %s, want \"77\"", b)
	}
}
