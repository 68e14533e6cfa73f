package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/quotagate/internal/counter"
	"github.com/meridianlabs/quotagate/internal/dispatch"
	"github.com/meridianlabs/quotagate/internal/guard"
	"github.com/meridianlabs/quotagate/internal/idempotency"
	"github.com/meridianlabs/quotagate/internal/ledger"
	"github.com/meridianlabs/quotagate/internal/route"
	"github.com/meridianlabs/quotagate/internal/stream"
	"github.com/meridianlabs/quotagate/internal/telemetry"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, task dispatch.Task, _ route.Decision, ch *stream.Channel) (dispatch.Outcome, error) {
	ch.Publish(stream.Event{Type: stream.TypeToken, TaskID: task.TaskID, Payload: stream.TokenPayload{Text: "hi"}})
	return dispatch.Outcome{Result: "hi", OutputTokens: 1}, nil
}

type testServer struct {
	srv    *Server
	ts     *httptest.Server
	hub    *stream.Hub
	ledger *ledger.Store
	guard  *guard.Guard
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	ls, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	dedup, err := idempotency.New(ls.DB(), logger)
	require.NoError(t, err)

	g := guard.New(counter.NewMemoryStore(), guard.Limits{}, logger)
	hub := stream.NewHub()
	metrics, err := telemetry.NewMetrics(metricnoop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	d := dispatch.New(
		dispatch.Config{ReserveCost: 5, SignupBonus: 100, DedupTTL: time.Minute, TaskTimeout: 10 * time.Second},
		ls, dedup, g, route.New(route.Table{}), hub, echoInvoker{},
		logger, metrics, tracenoop.NewTracerProvider().Tracer("test"),
	)

	srv := New(cfg, d, ls, hub, logger, metrics)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts, hub: hub, ledger: ls, guard: g}
}

func postTask(t *testing.T, ts *testServer, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.ts.URL+"/api/v1/tasks", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

const validTask = `{"task_id":"t1","user_id":"u1","service_id":"svc","template_id":"tpl","kind":"stream"}`

func channelURL(base, path, taskID string, fromLatest bool) string {
	url := base + path + "?user_id=u1&service_id=svc&task_id=" + taskID
	if fromLatest {
		url += "&from_latest=1"
	}
	return url
}

func waitTerminal(t *testing.T, ts *testServer, taskID string) []stream.Event {
	t.Helper()
	key := stream.ChannelKey("u1", "svc", taskID)
	require.Eventually(t, func() bool {
		ch, ok := ts.hub.Lookup(key)
		return ok && ch.Terminated()
	}, 3*time.Second, 10*time.Millisecond)
	ch, _ := ts.hub.Lookup(key)
	return ch.History()
}

func TestTasks_AcceptedAndExecuted(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := postTask(t, ts, validTask, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "accepted", ack["status"])
	assert.Equal(t, "t1", ack["task_id"])
	assert.NotEmpty(t, ack["request_id"])

	events := waitTerminal(t, ts, "t1")
	assert.Equal(t, stream.TypeDone, events[len(events)-1].Type)
}

func TestTasks_MalformedRejected(t *testing.T) {
	ts := newTestServer(t, Config{})

	cases := []struct {
		name string
		body string
	}{
		{"broken json", `{broken`},
		{"missing ids", `{"kind":"stream"}`},
		{"bad kind", `{"task_id":"t1","user_id":"u1","service_id":"svc","kind":"carrier-pigeon"}`},
	}
	for _, tc := range cases {
		resp := postTask(t, ts, tc.body, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.name)
	}

	resp, err := http.Get(ts.ts.URL + "/api/v1/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTasks_GuardRejectionIsStill202(t *testing.T) {
	ts := newTestServer(t, Config{})

	// Hold the user slot so admission fails.
	adm := ts.guard.Enter(context.Background(), guard.Request{
		UserID: "u1", ServiceID: "svc", TaskID: "other", Kind: "stream", QueueID: "q-gen-large",
	})
	require.True(t, adm.OK)
	defer ts.guard.Exit(context.Background(), adm)

	resp := postTask(t, ts, validTask, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "rejection is soft success")

	events := waitTerminal(t, ts, "t1")
	last := events[len(events)-1]
	assert.Equal(t, stream.TypeError, last.Type)
	assert.Equal(t, stream.StageGuards, last.Stage)
	assert.Equal(t, string(guard.ReasonUserConcurrency), last.Payload.(stream.ErrorPayload).Code)
}

func TestAuth_BearerToken(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "sekrit"})

	resp := postTask(t, ts, validTask, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postTask(t, ts, validTask, map[string]string{"Authorization": "Bearer sekrit"})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Healthz is reachable without a token.
	hz, err := http.Get(ts.ts.URL + "/healthz")
	require.NoError(t, err)
	hz.Body.Close()
	assert.Equal(t, http.StatusOK, hz.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "sekrit", RateRPS: 0.01, RateBurst: 1})
	headers := map[string]string{"Authorization": "Bearer sekrit"}

	resp := postTask(t, ts, validTask, headers)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postTask(t, ts, strings.Replace(validTask, "t1", "t2", 1), headers)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1, ts.srv.limiter.bucketCount())
}

func TestQuota_Endpoint(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.ts.URL + "/api/v1/quota?user_id=ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	post := postTask(t, ts, validTask, nil)
	post.Body.Close()
	waitTerminal(t, ts, "t1")

	resp, err = http.Get(ts.ts.URL + "/api/v1/quota?user_id=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		UserID       string               `json:"user_id"`
		Balance      int64                `json:"balance"`
		Transactions []ledger.Transaction `json:"transactions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, int64(95), payload.Balance)
	assert.Len(t, payload.Transactions, 2)
}

func readSSE(t *testing.T, url string) []stream.Event {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []stream.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestEventsSSE_ReplaysAndStopsAtTerminal(t *testing.T) {
	ts := newTestServer(t, Config{})

	post := postTask(t, ts, validTask, nil)
	post.Body.Close()
	waitTerminal(t, ts, "t1")

	events := readSSE(t, channelURL(ts.ts.URL, "/api/v1/events", "t1", false))
	require.NotEmpty(t, events)
	assert.Equal(t, stream.TypeStart, events[0].Type)
	assert.Equal(t, stream.TypeDone, events[len(events)-1].Type)

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "replay is gap-free")
	}
}

func TestEventsSSE_FromLatestSkipsHistory(t *testing.T) {
	ts := newTestServer(t, Config{})

	ch := ts.hub.Channel(stream.ChannelKey("u1", "svc", "tlate"))
	ch.Publish(stream.Event{Type: stream.TypeToken, TaskID: "tlate", Payload: stream.TokenPayload{Text: "old"}})

	done := make(chan []stream.Event, 1)
	go func() {
		done <- readSSE(t, channelURL(ts.ts.URL, "/api/v1/events", "tlate", true))
	}()

	time.Sleep(100 * time.Millisecond)
	ch.Publish(stream.Event{Type: stream.TypeDone, TaskID: "tlate", Payload: stream.DonePayload{Result: "ok"}})

	select {
	case events := <-done:
		require.Len(t, events, 1, "live-edge reader skips history")
		assert.Equal(t, stream.TypeDone, events[0].Type)
	case <-time.After(3 * time.Second):
		t.Fatal("sse reader did not finish")
	}
}

func TestEventsSSE_MissingParams(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.ts.URL + "/api/v1/events?user_id=u1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
