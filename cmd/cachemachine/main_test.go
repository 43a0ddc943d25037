package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/cachemachine/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

// syncBuffer is written by the consume handler while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setup(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	return miniredis.RunT(t)
}

func runCtx(ctx context.Context, mr *miniredis.Miniredis, out io.Writer, args ...string) error {
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--redis-url", "redis://" + mr.Addr(), "--log-level", "error"}, args...))
	return cmd.ExecuteContext(ctx)
}

func run(t *testing.T, mr *miniredis.Miniredis, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := runCtx(context.Background(), mr, &out, args...)
	return strings.TrimSpace(out.String()), err
}

func TestSetGetGetDel(t *testing.T) {
	mr := setup(t)

	_, err := run(t, mr, "set", "user:1", `{"name":"ada","age":36}`, "--ttl", "1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("user:1"))

	out, err := run(t, mr, "get", "user:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada","age":36}`, out)

	out, err = run(t, mr, "getdel", "user:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada","age":36}`, out)
	assert.False(t, mr.Exists("user:1"))

	_, err = run(t, mr, "get", "user:1")
	assert.True(t, errors.Is(err, errNotFound), "got %v", err)
}

func TestSetPrefixAndMsgpack(t *testing.T) {
	mr := setup(t)

	_, err := run(t, mr, "--prefix", "app", "--codec", "msgpack", "set", "flag", "true", "--ttl", "never")
	require.NoError(t, err)
	assert.True(t, mr.Exists("app:flag"))
	assert.Equal(t, time.Duration(0), mr.TTL("app:flag"))

	out, err := run(t, mr, "--prefix", "app", "--codec", "msgpack", "get", "flag")
	require.NoError(t, err)
	assert.Equal(t, "true", out)
}

func TestSetRejectsInvalidJSON(t *testing.T) {
	mr := setup(t)
	_, err := run(t, mr, "set", "k", "{nope")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestGetCorrupt(t *testing.T) {
	mr := setup(t)
	require.NoError(t, mr.Set("bad", "{"))
	_, err := run(t, mr, "get", "bad")
	assert.ErrorContains(t, err, "undecodable")
}

func TestRateLimitCommand(t *testing.T) {
	mr := setup(t)

	out, err := run(t, mr, "ratelimit", "login:ada", "--limit", "1", "--window", "1m")
	require.NoError(t, err)
	assert.Equal(t, "allowed", out)

	out, err = run(t, mr, "ratelimit", "login:ada", "--limit", "1", "--window", "1m")
	require.NoError(t, err)
	assert.Equal(t, "limited", out)
	assert.Equal(t, time.Minute, mr.TTL("rate:login:ada"))
}

func TestQueueCommands(t *testing.T) {
	mr := setup(t)

	_, err := run(t, mr, "queue", "add", "jobs", `{"id":1}`, "--score", "1000")
	require.NoError(t, err)
	_, err = run(t, mr, "queue", "add", "jobs", `{"id":2}`, "--delay", "1h")
	require.NoError(t, err)

	out, err := run(t, mr, "queue", "peek", "jobs")
	require.NoError(t, err)
	var view entryView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, int64(1000), view.Score)
	assert.Equal(t, `{"id":1}`, view.Member)
	assert.JSONEq(t, `{"id":1}`, string(view.Value))

	out, err = run(t, mr, "queue", "count", "jobs")
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	out, err = run(t, mr, "queue", "remove", "jobs", view.Member, "--raw")
	require.NoError(t, err)
	assert.Equal(t, "true", out)

	_, err = run(t, mr, "queue", "peek", "jobs")
	assert.True(t, errors.Is(err, errNotFound), "got %v", err)

	out, err = run(t, mr, "queue", "delete", "jobs")
	require.NoError(t, err)
	assert.Equal(t, "true", out)
	assert.False(t, mr.Exists("jobs"))
}

func TestQueueRemoveByValue(t *testing.T) {
	mr := setup(t)
	_, err := run(t, mr, "queue", "add", "jobs", `{"id":7}`)
	require.NoError(t, err)

	out, err := run(t, mr, "queue", "remove", "jobs", `{"id":7}`)
	require.NoError(t, err)
	assert.Equal(t, "true", out)

	out, err = run(t, mr, "queue", "remove", "jobs", `{"id":7}`)
	require.NoError(t, err)
	assert.Equal(t, "false", out)
}

func TestQueueCountSeveralKeys(t *testing.T) {
	mr := setup(t)
	for _, args := range [][]string{
		{"queue", "add", "a", `"x"`, "--score", "100"},
		{"queue", "add", "a", `"y"`, "--score", "300"},
		{"queue", "add", "b", `"z"`, "--score", "100"},
	} {
		_, err := run(t, mr, args...)
		require.NoError(t, err)
	}

	out, err := run(t, mr, "queue", "count", "b", "a", "c", "--at", "200")
	require.NoError(t, err)
	assert.Equal(t, "a\t1\nb\t1\nc\t0", out)
}

func TestQueueCountSingleKeyAt(t *testing.T) {
	mr := setup(t)
	for _, args := range [][]string{
		{"queue", "add", "a", `"x"`, "--score", "100"},
		{"queue", "add", "a", `"y"`, "--score", "300"},
	} {
		_, err := run(t, mr, args...)
		require.NoError(t, err)
	}

	out, err := run(t, mr, "queue", "count", "a", "--at", "200")
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	out, err = run(t, mr, "queue", "count", "a")
	require.NoError(t, err)
	assert.Equal(t, "2", out)
}

func TestKeysCommand(t *testing.T) {
	mr := setup(t)
	for _, k := range []string{"session:1:data", "session:2:data", "other"} {
		require.NoError(t, mr.Set(k, "1"))
	}

	out, err := run(t, mr, "keys", "session:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:1:data", "session:2:data"}, strings.Split(out, "\n"))

	out, err = run(t, mr, "keys", "session:*", "--split-by", ":", "--scan")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, strings.Split(out, "\n"))
}

func TestConsumeCommand(t *testing.T) {
	mr := setup(t)
	_, err := run(t, mr, "queue", "add", "jobs", `{"id":1}`, "--score", "1000")
	require.NoError(t, err)
	_, err = run(t, mr, "queue", "add", "mail", `"hello"`, "--score", "2000")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runCtx(ctx, mr, out, "consume", "jobs", "mail", "--interval", "10ms", "--metrics-addr", "")
	}()

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") == 2 && !mr.Exists("jobs") && !mr.Exists("mail")
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	keys := map[string]string{}
	for _, line := range lines {
		var view entryView
		require.NoError(t, json.Unmarshal([]byte(line), &view))
		keys[view.Key] = string(view.Value)
	}
	assert.JSONEq(t, `{"id":1}`, keys["jobs"])
	assert.JSONEq(t, `"hello"`, keys["mail"])
}

func TestInvalidCodecFlag(t *testing.T) {
	mr := setup(t)
	_, err := run(t, mr, "--codec", "gob", "get", "k")
	assert.ErrorContains(t, err, "unknown codec")
}

func TestTelemetryExport(t *testing.T) {
	mr := setup(t)
	var mu sync.Mutex
	paths := map[string]bool{}
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path] = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, err := run(t, mr, "--otlp-endpoint", collector.URL, "set", "k", "1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, paths["/v1/traces"], "spans flushed on exit")
}

func TestCommandsWithoutStore(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	for _, args := range [][]string{
		{"help"},
		{"queue"},
		{"completion", "bash"},
	} {
		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		// nothing listens on port 1, so connecting would fail
		cmd.SetArgs(append([]string{"--redis-url", "redis://127.0.0.1:1", "--log-level", "none"}, args...))
		require.NoError(t, cmd.ExecuteContext(context.Background()), "%v", args)
		assert.NotEmpty(t, out.String(), "%v", args)
	}
}
