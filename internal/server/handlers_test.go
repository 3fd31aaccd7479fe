package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/sessionflow/internal/durable"
	"github.com/michaelbrown/sessionflow/internal/events"
	"github.com/michaelbrown/sessionflow/internal/logging"
	"github.com/michaelbrown/sessionflow/internal/retry"
	"github.com/michaelbrown/sessionflow/internal/session/sessiontest"
	"github.com/michaelbrown/sessionflow/internal/storage"
	"github.com/michaelbrown/sessionflow/internal/storage/sqlite"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

type testEnv struct {
	server *Server
	srv    *httptest.Server
	engine *durable.Engine
	store  storage.Store
	fake   *sessiontest.Fake
}

func newTestEnv(t *testing.T, fake *sessiontest.Fake, start bool) *testEnv {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	engine, err := durable.New(durable.Options{
		Store:     store,
		Runner:    workflow.New(fake),
		Workers:   2,
		Retry:     retry.Policy{Attempts: 1},
		Clock:     durable.NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		Publisher: broker,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Stop)
	if start {
		if err := engine.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	s := New(engine, store, broker, workflow.DefaultSettings(), logging.Discard())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.watchers.CloseAll)

	return &testEnv{server: s, srv: srv, engine: engine, store: store, fake: fake}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(data) > 0 {
		json.Unmarshal(data, &out)
	}
	return resp.StatusCode, out
}

// waitStatus polls the status endpoint until runtimeStatus equals want.
func (e *testEnv) waitStatus(t *testing.T, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var body map[string]any
	for time.Now().Before(deadline) {
		var code int
		code, body = e.do(t, http.MethodGet, "/api/workflowStatus/"+id, "")
		if code != http.StatusOK {
			t.Fatalf("status code = %d, want 200", code)
		}
		if body["runtimeStatus"] == want {
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s, last %v", id, want, body)
	return nil
}

func TestStartWorkflowRejectsBadSubmissions(t *testing.T) {
	env := newTestEnv(t, sessiontest.New("S1", "Succeeded"), true)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", "", "Request body is required."},
		{"whitespace body", "  \n ", "Request body is required."},
		{"invalid json", "{not json", "Invalid JSON payload."},
		{"missing workflowCode", `{"input":{"x":1}}`, "workflowCode is required."},
		{"blank workflowCode", `{"workflowCode":"   "}`, "workflowCode is required."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(t, http.MethodPost, "/api/workflows", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400", code)
			}
			if body["error"] != tt.want {
				t.Errorf("error = %v, want %q", body["error"], tt.want)
			}
		})
	}

	if calls := env.fake.Calls(); len(calls) != 0 {
		t.Errorf("session service called %d times, want 0", len(calls))
	}
	runs, err := env.store.ListRuns(context.Background(), storage.RunListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	fake := sessiontest.New("S1", "Succeeded")
	fake.Files["output.json"] = []byte(`{"y":2}`)
	env := newTestEnv(t, fake, true)

	code, body := env.do(t, http.MethodPost, "/api/workflows", `{"workflowCode":"def run(p): return p","input":{"x":1}}`)
	if code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202 (%v)", code, body)
	}
	id, _ := body["instanceId"].(string)
	if id == "" {
		t.Fatal("missing instanceId")
	}
	if v, present := body["sessionId"]; !present || v != nil {
		t.Errorf("sessionId = %v, want null", v)
	}

	final := env.waitStatus(t, id, "Completed")

	output, _ := final["output"].(map[string]any)
	if output["sessionId"] != "S1" || output["outputJson"] != `{"y":2}` {
		t.Errorf("output = %v", output)
	}
	if final["phase"] != string(workflow.PhaseOutputRetrieved) {
		t.Errorf("phase = %v", final["phase"])
	}
	if final["error"] != nil {
		t.Errorf("error = %v, want null", final["error"])
	}
	custom, _ := final["customStatus"].(map[string]any)
	if custom["executionId"] != "exec-1" {
		t.Errorf("customStatus = %v", custom)
	}

	// The input travels as uploaded text.
	for _, c := range fake.Calls() {
		if c.Op == "upload" && c.FileName == "input.json" && c.Content != `{"x":1}` {
			t.Errorf("input.json = %q", c.Content)
		}
	}

	// Same document under the REST-style path.
	code, alt := env.do(t, http.MethodGet, "/api/workflows/"+id, "")
	if code != http.StatusOK || alt["runtimeStatus"] != "Completed" {
		t.Errorf("GET /api/workflows/{id} = %d %v", code, alt["runtimeStatus"])
	}
}

func TestStartWorkflowEchoesSessionID(t *testing.T) {
	fake := sessiontest.New("ignored", "Failed")
	env := newTestEnv(t, fake, true)

	code, body := env.do(t, http.MethodPost, "/api/workflows", `{"sessionId":"abc","workflowCode":"x"}`)
	if code != http.StatusAccepted {
		t.Fatalf("code = %d", code)
	}
	if body["sessionId"] != "abc" {
		t.Errorf("sessionId = %v, want abc", body["sessionId"])
	}

	final := env.waitStatus(t, body["instanceId"].(string), "Failed")
	errBody, _ := final["error"].(map[string]any)
	if errBody["kind"] != "ExecutionFailedError" {
		t.Errorf("error = %v", errBody)
	}
	if fake.Count("download") != 0 {
		t.Error("download called for a failed execution")
	}
	for _, c := range fake.Calls() {
		if c.Op != "ensure" && c.SessionID != "abc" {
			t.Errorf("%s used session %q, want abc", c.Op, c.SessionID)
		}
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	env := newTestEnv(t, sessiontest.New("S1"), false)

	for _, path := range []string{"/api/workflowStatus/nope", "/api/workflows/nope"} {
		code, body := env.do(t, http.MethodGet, path, "")
		if code != http.StatusNotFound {
			t.Errorf("%s code = %d, want 404", path, code)
		}
		if body["error"] != "Instance not found." {
			t.Errorf("%s error = %v", path, body["error"])
		}
	}
}

func TestCancelWorkflow(t *testing.T) {
	env := newTestEnv(t, sessiontest.New("S1"), false)

	code, body := env.do(t, http.MethodPost, "/api/workflows", `{"workflowCode":"x"}`)
	if code != http.StatusAccepted {
		t.Fatalf("code = %d", code)
	}
	id := body["instanceId"].(string)

	code, _ = env.do(t, http.MethodGet, "/api/workflows/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("get code = %d", code)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/workflows/"+id+"/cancel", ""); code != http.StatusAccepted {
		t.Errorf("cancel code = %d, want 202", code)
	}
	_, st := env.do(t, http.MethodGet, "/api/workflows/"+id, "")
	if st["runtimeStatus"] != "Terminated" {
		t.Errorf("runtimeStatus = %v, want Terminated", st["runtimeStatus"])
	}

	if code, _ := env.do(t, http.MethodPost, "/api/workflows/"+id+"/cancel", ""); code != http.StatusConflict {
		t.Errorf("second cancel code = %d, want 409", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/workflows/nope/cancel", ""); code != http.StatusNotFound {
		t.Errorf("unknown cancel code = %d, want 404", code)
	}
}

func TestDeleteWorkflow(t *testing.T) {
	env := newTestEnv(t, sessiontest.New("S1"), false)

	_, body := env.do(t, http.MethodPost, "/api/workflows", `{"workflowCode":"x"}`)
	id := body["instanceId"].(string)

	if code, _ := env.do(t, http.MethodDelete, "/api/workflows/"+id, ""); code != http.StatusConflict {
		t.Errorf("delete pending code = %d, want 409", code)
	}

	env.do(t, http.MethodPost, "/api/workflows/"+id+"/cancel", "")
	if code, _ := env.do(t, http.MethodDelete, "/api/workflows/"+id, ""); code != http.StatusNoContent {
		t.Errorf("delete code = %d, want 204", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/workflows/"+id, ""); code != http.StatusNotFound {
		t.Errorf("get after delete code = %d, want 404", code)
	}
}

func TestListWorkflows(t *testing.T) {
	env := newTestEnv(t, sessiontest.New("S1"), false)

	var ids []string
	for i := 0; i < 3; i++ {
		_, body := env.do(t, http.MethodPost, "/api/workflows", `{"workflowCode":"x"}`)
		ids = append(ids, body["instanceId"].(string))
	}
	env.do(t, http.MethodPost, "/api/workflows/"+ids[0]+"/cancel", "")

	get := func(query string) []map[string]any {
		resp, err := http.Get(env.srv.URL + "/api/workflows" + query)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	if got := get(""); len(got) != 3 {
		t.Errorf("list = %d runs, want 3", len(got))
	}
	pending := get("?status=pending")
	if len(pending) != 2 {
		t.Errorf("pending = %d runs, want 2", len(pending))
	}
	for _, r := range pending {
		if r["runtimeStatus"] != "Pending" {
			t.Errorf("runtimeStatus = %v, want Pending", r["runtimeStatus"])
		}
	}
	if got := get("?limit=1"); len(got) != 1 {
		t.Errorf("limit=1 returned %d runs", len(got))
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, sessiontest.New("S1"), false)
	code, body := env.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, body)
	}
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	fake := sessiontest.New("S1", "Succeeded")
	fake.Files["output.json"] = []byte(`{}`)
	env := newTestEnv(t, fake, true)

	_, body := env.do(t, http.MethodPost, "/api/workflows", `{"workflowCode":"x"}`)
	id := body["instanceId"].(string)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/workflows/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last map[string]any
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		last = nil
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatal(err)
		}
	}
	if last["runtimeStatus"] != "Completed" {
		t.Errorf("last snapshot = %v, want Completed", last["runtimeStatus"])
	}
}

func TestWatchSeesRunDrivenElsewhere(t *testing.T) {
	// The engine is never started: state changes come straight from the
	// store, as when a worker process drives the run.
	env := newTestEnv(t, sessiontest.New("S1"), false)
	env.server.SetWatchInterval(10 * time.Millisecond)

	_, body := env.do(t, http.MethodPost, "/api/workflows", `{"workflowCode":"x"}`)
	id := body["instanceId"].(string)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/workflows/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() map[string]any {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var snap map[string]any
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatal(err)
		}
		return snap
	}

	if got := read()["runtimeStatus"]; got != "Pending" {
		t.Fatalf("first snapshot = %v, want Pending", got)
	}

	ctx := context.Background()
	run, err := env.store.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	run.Status = storage.StatusRunning
	run.Phase = string(workflow.PhasePolling)
	run.PollCount = 2
	if err := env.store.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	snap := read()
	if snap["runtimeStatus"] != "Running" || snap["pollCount"] != float64(2) {
		t.Fatalf("snapshot = %v, want Running with pollCount 2", snap)
	}

	done := time.Now()
	run.Status = storage.StatusSucceeded
	run.Output = json.RawMessage(`{"sessionId":"S1","outputJson":"{}"}`)
	run.CompletedAt = &done
	if err := env.store.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if got := read()["runtimeStatus"]; got != "Completed" {
		t.Fatalf("snapshot = %v, want Completed", got)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after terminal = %v, want normal closure", err)
	}
}

func TestWatchUnknownRun(t *testing.T) {
	env := newTestEnv(t, sessiontest.New("S1"), false)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/workflows/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}

func TestRuntimeStatus(t *testing.T) {
	tests := map[storage.RunStatus]string{
		storage.StatusPending:   "Pending",
		storage.StatusRunning:   "Running",
		storage.StatusSucceeded: "Completed",
		storage.StatusFailed:    "Failed",
		storage.StatusCancelled: "Terminated",
	}
	for in, want := range tests {
		if got := runtimeStatus(in); got != want {
			t.Errorf("runtimeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
