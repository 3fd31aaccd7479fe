package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// DefaultAPIVersion is the session API version used when none is configured.
const DefaultAPIVersion = "2024-10-02-preview"

// UploadPath is the directory uploads are placed in on the session side.
const UploadPath = "/mnt/data"

// Options configures an HTTPClient. BaseURL and Tokens are required.
type Options struct {
	BaseURL        string
	PoolResourceID string
	APIVersion     string
	Scope          string
	Tokens         TokenProvider
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// HTTPClient talks to the session service over its authenticated REST API.
// It holds no per-run state and is safe for concurrent use.
type HTTPClient struct {
	base       *url.URL
	poolID     string
	apiVersion string
	scope      string
	tokens     TokenProvider
	http       *http.Client
	log        *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates opts and returns a client.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("session base URL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid session base URL %q", opts.BaseURL)
	}
	if opts.Tokens == nil {
		return nil, errors.New("session token provider is required")
	}

	c := &HTTPClient{
		base:       base,
		poolID:     opts.PoolResourceID,
		apiVersion: opts.APIVersion,
		scope:      opts.Scope,
		tokens:     opts.Tokens,
		http:       opts.HTTPClient,
		log:        opts.Logger,
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultAPIVersion
	}
	if c.scope == "" {
		c.scope = DefaultScope
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

type createSessionBody struct {
	Identifier            string `json:"identifier"`
	SessionPoolResourceID string `json:"sessionPoolResourceId,omitempty"`
	ExpirationInSeconds   *int   `json:"expirationInSeconds,omitempty"`
	MaxExecutions         *int   `json:"maxExecutions,omitempty"`
}

func (c *HTTPClient) EnsureSession(ctx context.Context, req SessionRequest) (Descriptor, error) {
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return Descriptor{ID: id, Created: false}, nil
	}

	identifier := req.PreferredSessionID
	if identifier == "" {
		identifier = uuid.NewString()
	}

	payload, err := json.Marshal(createSessionBody{
		Identifier:            identifier,
		SessionPoolResourceID: c.poolID,
		ExpirationInSeconds:   req.ExpirationSeconds,
		MaxExecutions:         req.MaxExecutions,
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("encoding session request: %w", err)
	}

	body, err := c.do(ctx, "ensure-session", http.MethodPost, []string{"sessions"}, identifier, nil,
		bytes.NewReader(payload), "application/json")
	if err != nil {
		return Descriptor{}, err
	}

	id := sessionIDFrom(body)
	if id == "" {
		return Descriptor{}, &ProtocolError{Op: "ensure-session", Err: errors.New("session id missing")}
	}
	return Descriptor{ID: id, Created: true}, nil
}

// sessionIDFrom reads the server-assigned identifier, falling back to sessionId.
func sessionIDFrom(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, field := range []string{"identifier", "sessionId"} {
		if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func (c *HTTPClient) UploadFile(ctx context.Context, sessionID, fileName string, content io.Reader, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(fileName)))
		h.Set("Content-Type", contentType)

		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	_, err := c.do(ctx, "upload-file", http.MethodPost, []string{"files"}, sessionID,
		url.Values{"path": {UploadPath}}, pr, mw.FormDataContentType())
	pr.Close()
	return err
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func (c *HTTPClient) ExecuteCode(ctx context.Context, sessionID string, req ExecutionStartRequest) (ExecutionDescriptor, error) {
	if err := req.Validate(); err != nil {
		return ExecutionDescriptor{}, fmt.Errorf("execute-code: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return ExecutionDescriptor{}, fmt.Errorf("encoding execution request: %w", err)
	}

	body, err := c.do(ctx, "execute-code", http.MethodPost, []string{"executions"}, sessionID, nil,
		bytes.NewReader(payload), "application/json")
	if err != nil {
		return ExecutionDescriptor{}, err
	}
	return decodeState("execute-code", body)
}

func (c *HTTPClient) GetExecutionStatus(ctx context.Context, sessionID, executionID string) (ExecutionState, error) {
	body, err := c.do(ctx, "get-status", http.MethodGet, []string{"executions", executionID}, sessionID, nil, nil, "")
	if err != nil {
		return ExecutionState{}, err
	}
	return decodeState("get-status", body)
}

func (c *HTTPClient) DownloadFile(ctx context.Context, sessionID, fileName string) ([]byte, error) {
	return c.do(ctx, "download-file", http.MethodGet, []string{"files", fileName, "content"}, sessionID, nil, nil, "")
}

func decodeState(op string, body []byte) (ExecutionState, error) {
	var state ExecutionState
	if err := json.Unmarshal(body, &state); err != nil {
		return ExecutionState{}, &ProtocolError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if state.ID == "" {
		return ExecutionState{}, &ProtocolError{Op: op, Err: errors.New("execution id missing")}
	}
	return state, nil
}

// endpoint appends segments to the base URL, escaping each one so names
// containing '%', '/' or spaces stay a single path element.
func (c *HTTPClient) endpoint(segments ...string) *url.URL {
	u := *c.base
	raw := strings.TrimSuffix(c.base.EscapedPath(), "/")
	for _, seg := range segments {
		raw += "/" + url.PathEscape(seg)
	}
	u.RawPath = raw
	u.Path, _ = url.PathUnescape(raw)
	return &u
}

// do sends one authenticated request and returns the buffered body of a 2xx
// response. Anything else becomes a *ProtocolError.
func (c *HTTPClient) do(ctx context.Context, op, method string, segments []string, identifier string,
	extra url.Values, body io.Reader, contentType string) ([]byte, error) {

	u := c.endpoint(segments...)
	q := url.Values{}
	q.Set("api-version", c.apiVersion)
	q.Set("identifier", identifier)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.Token(ctx, c.scope)
	if err != nil {
		return nil, fmt.Errorf("%s: acquiring token: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c.log.Debug("session request", "op", op, "method", method, "url", u.Redacted())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProtocolError{Op: op, Status: resp.StatusCode, Body: truncateBody(data)}
	}
	return data, nil
}
