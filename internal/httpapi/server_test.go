package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/datim/mechsync/internal/mechanisms"
	"github.com/datim/mechsync/internal/runlog"
	"github.com/datim/mechsync/internal/runner"
)

type fakeSyncer struct {
	mu       sync.Mutex
	active   string
	startErr error
	started  []string
	hub      *runner.Hub
	store    runlog.Store
}

func newFakeSyncer(store runlog.Store) *fakeSyncer {
	return &fakeSyncer{hub: runner.NewHub(), store: store}
}

func (f *fakeSyncer) Start(ctx context.Context, trigger string) (runlog.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return runlog.Run{}, f.startErr
	}
	run := runlog.Run{ID: "run-1", Trigger: trigger, Status: runlog.StatusRunning, StartedAt: time.Now().UTC()}
	f.started = append(f.started, trigger)
	f.active = run.ID
	_ = f.store.Save(ctx, run)
	return run, nil
}

func (f *fakeSyncer) Active() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.active != ""
}

func (f *fakeSyncer) Subscribe() (<-chan runner.Event, func()) {
	return f.hub.Subscribe()
}

type request struct {
	method  string
	path    string
	headers map[string]string
}

func doRequest(t *testing.T, handler http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	httpReq := httptest.NewRequest(req.method, req.path, bytes.NewReader(nil))
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httpReq)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	syncer := newFakeSyncer(runlog.NewMemoryStore())
	server := NewServer(syncer, syncer.store, ServerConfig{Token: "secret"})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" || body["running"] != false {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	syncer := newFakeSyncer(runlog.NewMemoryStore())
	server := NewServer(syncer, syncer.store, ServerConfig{Token: "secret"})

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync",
		headers: map[string]string{"Authorization": "Bearer wrong"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", resp.Code)
	}
	if len(syncer.started) != 0 {
		t.Fatalf("unauthorized requests must not start runs: %v", syncer.started)
	}
}

func TestSyncStartsRunAndConflicts(t *testing.T) {
	syncer := newFakeSyncer(runlog.NewMemoryStore())
	server := NewServer(syncer, syncer.store, ServerConfig{Token: "secret"})
	auth := map[string]string{"Authorization": "Bearer secret", "X-Correlation-Id": "corr_1"}

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: auth})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var run runlog.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID != "run-1" || run.Trigger != "http:corr_1" {
		t.Fatalf("unexpected run: %+v", run)
	}

	syncer.startErr = runner.ErrBusy
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: auth})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"activeRun":"run-1"`) {
		t.Fatalf("expected active run in conflict body, got %s", resp.Body.String())
	}

	health := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if !strings.Contains(health.Body.String(), `"running":true`) {
		t.Fatalf("expected running health, got %s", health.Body.String())
	}
}

func TestRunsListingAndLookup(t *testing.T) {
	store := runlog.NewMemoryStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		finished := base.Add(time.Duration(i)*time.Hour + time.Minute)
		if err := store.Save(context.Background(), runlog.Run{
			ID: id, Trigger: "cli", Status: runlog.StatusSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Hour), FinishedAt: &finished,
			Summary: &mechanisms.Summary{Processed: i},
		}); err != nil {
			t.Fatalf("seed run: %v", err)
		}
	}
	server := NewServer(newFakeSyncer(store), store, ServerConfig{})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs?limit=2"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var listed struct {
		Runs []runlog.Run `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(listed.Runs) != 2 || listed.Runs[0].ID != "c" || listed.Runs[1].ID != "b" {
		t.Fatalf("unexpected runs: %+v", listed.Runs)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs/a"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"id":"a"`) {
		t.Fatalf("expected run a, got %d %s", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs/zzz"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/runs/a"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", resp.Code)
	}
}

func TestSyncRateLimited(t *testing.T) {
	syncer := newFakeSyncer(runlog.NewMemoryStore())
	server := NewServer(syncer, syncer.store, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Hour})

	first := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync"})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}
	second := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "3600" {
		t.Fatalf("expected Retry-After 3600, got %q", second.Header().Get("Retry-After"))
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mechsync_runs_total 1\n"))
	})
	syncer := newFakeSyncer(runlog.NewMemoryStore())
	server := NewServer(syncer, syncer.store, ServerConfig{Token: "secret", Metrics: metrics})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "mechsync_runs_total") {
		t.Fatalf("unexpected metrics response %d %s", resp.Code, resp.Body.String())
	}
}

func TestRunStreamForwardsEvents(t *testing.T) {
	syncer := newFakeSyncer(runlog.NewMemoryStore())
	srv := httptest.NewServer(NewServer(syncer, syncer.store, ServerConfig{Token: "secret"}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/stream?access_token=secret"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	// The subscription is registered after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	for syncer.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	syncer.hub.Publish(runner.Event{RunID: "run-9", Event: mechanisms.Event{Stage: "mechanism", Code: "10001", Done: 1, Total: 3}})

	var got runner.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.RunID != "run-9" || got.Stage != "mechanism" || got.Code != "10001" || got.Total != 3 {
		t.Fatalf("unexpected event: %+v", got)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestRunStreamRequiresToken(t *testing.T) {
	syncer := newFakeSyncer(runlog.NewMemoryStore())
	server := NewServer(syncer, syncer.store, ServerConfig{Token: "secret"})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/runs/stream"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
