package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/sessionflow/internal/logging"
)

type recordedRequest struct {
	Method string
	Path   string
	Raw    string
	Query  map[string]string
	Auth   string
	Body   []byte
	Header http.Header
}

type fakeService struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method, Path: r.URL.Path, Raw: r.URL.EscapedPath(), Query: q,
		Auth: r.Header.Get("Authorization"), Body: body, Header: r.Header.Clone(),
	})
	f.mu.Unlock()

	r.Body = io.NopCloser(strings.NewReader(string(body)))
	f.handler(w, r)
}

func (f *fakeService) calls() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *fakeService) {
	t.Helper()
	svc := &fakeService{handler: handler}
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	var scopes []string
	c, err := NewHTTPClient(Options{
		BaseURL:        srv.URL + "/pools/p1",
		PoolResourceID: "/subscriptions/s/sessionPools/p1",
		Tokens: TokenFunc(func(_ context.Context, scope string) (string, error) {
			scopes = append(scopes, scope)
			return "tok-123", nil
		}),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	return c, svc
}

func TestEnsureSessionReusesExistingWithoutCall(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
	})

	for _, id := range []string{"abc", "session-42", "  padded  "} {
		got, err := c.EnsureSession(context.Background(), SessionRequest{SessionID: id})
		require.NoError(t, err)
		assert.Equal(t, strings.TrimSpace(id), got.ID)
		assert.False(t, got.Created)
	}
	assert.Empty(t, svc.calls())
}

func TestEnsureSessionCreates(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"identifier": "srv-assigned"})
	})

	got, err := c.EnsureSession(context.Background(), SessionRequest{PreferredSessionID: "sf-run1"})
	require.NoError(t, err)
	assert.Equal(t, Descriptor{ID: "srv-assigned", Created: true}, got)

	calls := svc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "/pools/p1/sessions", calls[0].Path)
	assert.Equal(t, "sf-run1", calls[0].Query["identifier"])
	assert.Equal(t, DefaultAPIVersion, calls[0].Query["api-version"])
	assert.Equal(t, "Bearer tok-123", calls[0].Auth)

	var body map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Body, &body))
	assert.Equal(t, "sf-run1", body["identifier"])
	assert.Equal(t, "/subscriptions/s/sessionPools/p1", body["sessionPoolResourceId"])
}

func TestEnsureSessionFallbackField(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusCreated, map[string]any{"sessionId": "fallback-id"})
	})

	got, err := c.EnsureSession(context.Background(), SessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fallback-id", got.ID)
	assert.True(t, got.Created)
}

func TestEnsureSessionGeneratesIdentifier(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"identifier": r.URL.Query().Get("identifier")})
	})

	a, err := c.EnsureSession(context.Background(), SessionRequest{})
	require.NoError(t, err)
	b, err := c.EnsureSession(context.Background(), SessionRequest{})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, svc.calls(), 2)
}

func TestEnsureSessionMissingID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	_, err := c.EnsureSession(context.Background(), SessionRequest{})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "session id missing")
}

func TestUploadFile(t *testing.T) {
	var gotName, gotType, gotContent string
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		gotContent = string(data)
		w.WriteHeader(http.StatusOK)
	})

	err := c.UploadFile(context.Background(), "sess-1", "workflow.py", strings.NewReader("def run(p):\n    return p\n"), "text/x-python-script")
	require.NoError(t, err)

	calls := svc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/pools/p1/files", calls[0].Path)
	assert.Equal(t, "sess-1", calls[0].Query["identifier"])
	assert.Equal(t, UploadPath, calls[0].Query["path"])
	assert.Equal(t, "workflow.py", gotName)
	assert.Equal(t, "text/x-python-script", gotType)
	assert.Equal(t, "def run(p):\n    return p\n", gotContent)
}

func TestUploadFileDefaultContentType(t *testing.T) {
	var gotType string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		gotType = header.Header.Get("Content-Type")
	})

	require.NoError(t, c.UploadFile(context.Background(), "s", "blob.bin", strings.NewReader("x"), ""))
	assert.Equal(t, "application/octet-stream", gotType)
}

func TestUploadFileFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	})

	err := c.UploadFile(context.Background(), "s", "input.json", strings.NewReader("{}"), "application/json")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusForbidden, pe.StatusCode())
	assert.Equal(t, "upload-file", pe.Op)
	assert.Contains(t, pe.Body, "quota exceeded")
}

func TestExecuteCode(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusAccepted, map[string]any{
			"id": "exec-1", "identifier": "sess-1", "status": "Running", "executionType": "Asynchronous",
		})
	})

	code := "print('hi')"
	desc, err := c.ExecuteCode(context.Background(), "sess-1", ExecutionStartRequest{
		CodeInputType:        CodeInputInline,
		ExecutionType:        ExecutionAsynchronous,
		Code:                 &code,
		EnvironmentVariables: map[string]string{"MODE": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", desc.ID)
	assert.Equal(t, "Running", desc.Status)
	assert.Equal(t, ExecutionAsynchronous, desc.ExecutionType)

	calls := svc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/pools/p1/executions", calls[0].Path)
	assert.Equal(t, "application/json", calls[0].Header.Get("Content-Type"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Body, &sent))
	assert.Equal(t, "inline", sent["codeInputType"])
	assert.Equal(t, "Asynchronous", sent["executionType"])
	assert.Equal(t, "print('hi')", sent["code"])
	assert.Equal(t, map[string]any{"MODE": "test"}, sent["environmentVariables"])
}

func TestExecuteCodeRejectsInlineWithoutCode(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := c.ExecuteCode(context.Background(), "s", ExecutionStartRequest{
		CodeInputType: CodeInputInline,
		ExecutionType: ExecutionAsynchronous,
	})
	require.Error(t, err)
	assert.Empty(t, svc.calls())
}

func TestExecuteCodeUndecodable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway</html>"))
	})

	code := "1"
	_, err := c.ExecuteCode(context.Background(), "s", ExecutionStartRequest{
		CodeInputType: CodeInputInline, ExecutionType: ExecutionAsynchronous, Code: &code,
	})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, pe.StatusCode())
}

func TestGetExecutionStatus(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{
			"id": "exec-9", "status": "Succeeded",
			"result": map[string]any{"stdout": "done\n", "stderr": "", "executionResult": "", "executionTimeInMilliseconds": 1520},
		})
	})

	state, err := c.GetExecutionStatus(context.Background(), "sess-1", "exec-9")
	require.NoError(t, err)
	assert.Equal(t, "Succeeded", state.Status)
	require.NotNil(t, state.Result)
	assert.Equal(t, "done\n", state.Result.Stdout)
	assert.EqualValues(t, 1520, state.Result.ExecutionTimeInMilliseconds)

	calls := svc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodGet, calls[0].Method)
	assert.Equal(t, "/pools/p1/executions/exec-9", calls[0].Path)
	assert.Equal(t, "sess-1", calls[0].Query["identifier"])
}

func TestDownloadFile(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer":42}`))
	})

	data, err := c.DownloadFile(context.Background(), "sess-1", "output.json")
	require.NoError(t, err)
	assert.Equal(t, `{"answer":42}`, string(data))
	assert.Equal(t, "/pools/p1/files/output.json/content", svc.calls()[0].Path)
}

func TestDownloadFileEscapesName(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})

	tests := []struct {
		name    string
		wantRaw string
	}{
		{"out%.json", "/pools/p1/files/out%25.json/content"},
		{"50%off.json", "/pools/p1/files/50%25off.json/content"},
		{"a%20b.json", "/pools/p1/files/a%2520b.json/content"},
		{"a b.json", "/pools/p1/files/a%20b.json/content"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.DownloadFile(context.Background(), "s1", tt.name)
			require.NoError(t, err)

			calls := svc.calls()
			require.Len(t, calls, i+1)
			got := calls[i]
			assert.Equal(t, tt.wantRaw, got.Raw)
			assert.Equal(t, "/pools/p1/files/"+tt.name+"/content", got.Path)
		})
	}
}

func TestGetExecutionStatusEscapesID(t *testing.T) {
	c, svc := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"id": "x", "status": "Running"})
	})

	_, err := c.GetExecutionStatus(context.Background(), "s1", "../e 1")
	require.NoError(t, err)

	calls := svc.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/pools/p1/executions/..%2Fe%201", calls[0].Raw)
}

func TestDownloadFileNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.DownloadFile(context.Background(), "sess-1", "output.json")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusNotFound, pe.Status)
}

func TestCancellationPropagates(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.GetExecutionStatus(ctx, "s", "e")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTokenErrorStopsRequest(t *testing.T) {
	svc := &fakeService{handler: func(w http.ResponseWriter, r *http.Request) {}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c, err := NewHTTPClient(Options{
		BaseURL: srv.URL,
		Tokens: TokenFunc(func(context.Context, string) (string, error) {
			return "", errors.New("no credentials")
		}),
	})
	require.NoError(t, err)

	err = c.UploadFile(context.Background(), "s", "f", strings.NewReader("x"), "")
	require.ErrorContains(t, err, "no credentials")
	assert.Empty(t, svc.calls())
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(Options{Tokens: StaticToken("t")})
	require.Error(t, err)

	_, err = NewHTTPClient(Options{BaseURL: "not a url", Tokens: StaticToken("t")})
	require.Error(t, err)

	_, err = NewHTTPClient(Options{BaseURL: "https://example.com"})
	require.Error(t, err)
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
