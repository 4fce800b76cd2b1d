package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/chanrelay/internal/config"
	"github.com/ppiankov/chanrelay/internal/cursor"
	"github.com/ppiankov/chanrelay/internal/source"
)

var envKeys = []string{
	"DISCORD_TOKEN", "CHANNEL_ID", "DISCORD_API_BASE", "WEBHOOK_URLS",
	"POLL_BASE_SECONDS", "POLL_OFFSET_SECONDS", "POLL_INTERVAL_SECONDS",
	"FETCH_TIMEOUT_SECONDS", "WEBHOOK_TIMEOUT_SECONDS", "FETCH_LIMIT",
	"STATE_FILE", "STATE_BACKEND", "LOG_LEVEL", "LOG_FORMAT", "METRICS_ADDR",
	"WEBHOOK_1", "WEBHOOK_2", "WEBHOOK_3", "WEBHOOK_4", "WEBHOOK_5",
	"WEBHOOK_6", "WEBHOOK_7", "WEBHOOK_8", "WEBHOOK_9",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	runOnce = false
	t.Cleanup(func() {
		configPath = ""
		runOnce = false
	})

	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Version(t *testing.T) {
	if !strings.Contains(rootCmd.Version, Version) {
		t.Errorf("version %q does not contain %q", rootCmd.Version, Version)
	}
	if !strings.Contains(rootCmd.Version, Commit) {
		t.Errorf("version %q does not contain %q", rootCmd.Version, Commit)
	}
}

func TestRootCmd_Flags(t *testing.T) {
	for _, name := range []string{"config", "once"} {
		if rootCmd.Flags().Lookup(name) == nil {
			t.Errorf("missing --%s flag", name)
		}
	}
	if len(rootCmd.Commands()) != 0 {
		t.Errorf("expected no subcommands, got %d", len(rootCmd.Commands()))
	}
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	clearEnv(t)
	if _, err := execute(t, "extra"); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestRootCmd_MissingConfiguration(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--once")
	if !errors.Is(err, config.ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
}

func TestRootCmd_BadRedactPattern(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "tok")
	dir := t.TempDir()
	path := filepath.Join(dir, "chanrelay.yaml")
	writeFile(t, path, fmt.Sprintf(`source:
  channel_id: "42"
delivery:
  webhooks: ["https://hooks.test/one"]
state:
  path: %s
privacy:
  redact: ["[broken"]
`, filepath.Join(dir, "state.json")))

	_, err := execute(t, "--config", path, "--once")
	if err == nil || !strings.Contains(err.Error(), "redact") {
		t.Fatalf("err = %v, want redact compile error", err)
	}
}

func TestRootCmd_Once(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_TEST_TOKEN", "secret-token")

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/42/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "secret-token" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id":"102","channel_id":"42","content":"second token=abc","timestamp":"t2","author":{"id":"7","username":"u"}},
			{"id":"101","channel_id":"42","content":"first","timestamp":"t1","author":{"id":"7","username":"u"}}
		]`)
	}))
	defer api.Close()

	var mu sync.Mutex
	var bodies []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	path := filepath.Join(dir, "chanrelay.yaml")
	writeFile(t, path, fmt.Sprintf(`source:
  channel_id: "42"
  token_env: RELAY_TEST_TOKEN
  base_url: %s
delivery:
  webhooks: [%q]
state:
  path: %s
log:
  level: error
privacy:
  redact: ["token=\\S+"]
`, api.URL, hook.URL, statePath))

	out, err := execute(t, "--config", path, "--once")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "2 new message(s)") || !strings.Contains(out, "cursor 102") {
		t.Errorf("output = %q", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("webhook got %d posts, want 2", len(bodies))
	}
	if !strings.Contains(bodies[0], `"message_id":"101"`) {
		t.Errorf("first post = %s", bodies[0])
	}
	if !strings.Contains(bodies[1], `[REDACTED]`) || strings.Contains(bodies[1], "abc") {
		t.Errorf("second post not redacted: %s", bodies[1])
	}

	store, err := cursor.OpenFile(statePath)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	c, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if c != cursor.At(source.Snowflake(102)) {
		t.Errorf("cursor = %v, want 102", c)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
