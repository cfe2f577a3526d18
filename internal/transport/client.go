package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"routeledger/internal/models"
)

// ErrNotAuthenticated means no credential is stored or the server
// rejected ours. The engine treats it as "nothing to do", not a retry.
var ErrNotAuthenticated = errors.New("not authenticated")

// NetworkError wraps a transport-level failure; transient, retried on
// the next scheduled or triggered sync.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError carries a non-2xx response's status and message.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// TokenSource yields the stored bearer credential. ok false means the
// device has no bound identity.
type TokenSource interface {
	Token() (token string, ok bool)
}

// Client carries log-entry batches to and from the remote store. It is
// stateless apart from the token source; no business logic lives here.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:     tokens,
	}
}

// PushResult reports a successful push.
type PushResult struct {
	Synced          int
	ServerTimestamp time.Time
}

// PullResult reports a successful pull page. HasMore signals the caller
// must re-pull with the advanced cursor to drain remaining backlog.
type PullResult struct {
	Entries         []models.LogEntry
	ServerTimestamp time.Time
	HasMore         bool
}

// Push sends one batch of pending entries.
func (c *Client) Push(ctx context.Context, entries []models.LogEntry) (*PushResult, error) {
	var out models.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", models.PushRequest{Entries: entries}, &out); err != nil {
		return nil, err
	}
	return &PushResult{Synced: out.Synced, ServerTimestamp: out.ServerTimestamp}, nil
}

// Pull fetches entries newer than since; nil means full history.
func (c *Client) Pull(ctx context.Context, since *time.Time) (*PullResult, error) {
	path := "/sync/pull"
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var out models.PullResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &PullResult{Entries: out.Entries, ServerTimestamp: out.ServerTimestamp, HasMore: out.HasMore}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	token, ok := c.tokens.Token()
	if !ok {
		return ErrNotAuthenticated
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Err: err}
		}
		return nil
	}

	var eb struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	msg := strings.TrimSpace(eb.Error)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &ServerError{Status: resp.StatusCode, Message: msg}
}
