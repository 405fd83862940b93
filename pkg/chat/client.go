package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
)

const responseBodyReadLimit int64 = 1024

const (
	defaultBaseURL = "https://slack.com/api"
	defaultTimeout = 10 * time.Second

	MethodPostMessage   = "chat.postMessage"
	MethodPostEphemeral = "chat.postEphemeral"
	MethodUpdate        = "chat.update"
)

var errCredentialsRequired = errors.New("chat credential resolver is required")

// CredentialResolver supplies the bot token for a workspace. Token lifecycle
// lives outside this package.
type CredentialResolver interface {
	BotToken(ctx context.Context, workspaceID string) (string, error)
}

// StaticToken resolves the same bot token for every workspace.
type StaticToken string

func (s StaticToken) BotToken(context.Context, string) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "bot token not configured")
	}
	return token, nil
}

// Client posts messages to the chat platform's Web API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      CredentialResolver
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the Web API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

func NewClient(creds CredentialResolver, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errCredentialsRequired
	}

	client := &Client{
		creds:      creds,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if client.baseURL == "" {
		client.baseURL = defaultBaseURL
	}

	return client, nil
}

// Message is the body of a chat.* Web API call.
type Message struct {
	Channel  string          `json:"channel"`
	Text     string          `json:"text,omitempty"`
	Blocks   json.RawMessage `json:"blocks,omitempty"`
	ThreadTS string          `json:"thread_ts,omitempty"`
	// User targets an ephemeral message.
	User string `json:"user,omitempty"`
	// TS identifies the message being updated.
	TS string `json:"ts,omitempty"`
}

// Result carries the identifiers the platform assigned to a posted message.
type Result struct {
	Channel string
	TS      string
}

func (c *Client) PostMessage(ctx context.Context, workspaceID string, msg Message) (*Result, error) {
	if msg.Channel == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "channel is required")
	}
	return c.call(ctx, workspaceID, MethodPostMessage, msg)
}

func (c *Client) PostEphemeral(ctx context.Context, workspaceID string, msg Message) (*Result, error) {
	if msg.Channel == "" || msg.User == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "channel and user are required for ephemeral messages")
	}
	return c.call(ctx, workspaceID, MethodPostEphemeral, msg)
}

func (c *Client) UpdateMessage(ctx context.Context, workspaceID string, msg Message) (*Result, error) {
	if msg.Channel == "" || msg.TS == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "channel and ts are required for updates")
	}
	return c.call(ctx, workspaceID, MethodUpdate, msg)
}

func (c *Client) call(ctx context.Context, workspaceID, method string, msg Message) (*Result, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "chat client not configured")
	}

	token, err := c.creds.BotToken(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("resolve bot token for %s: %w", workspaceID, err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal "+method+" request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(method), bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build "+method+" request")
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute "+method+" request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, &TransientError{
			Method:     method,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, &APIError{Method: method, StatusCode: resp.StatusCode, Code: strings.TrimSpace(string(body))}
	}

	var apiResp struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&apiResp); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode "+method+" response")
	}
	if !apiResp.OK {
		if isTransientAPICode(apiResp.Error) {
			return nil, &TransientError{Method: method, StatusCode: resp.StatusCode, Code: apiResp.Error}
		}
		return nil, &APIError{Method: method, StatusCode: resp.StatusCode, Code: apiResp.Error}
	}

	return &Result{Channel: apiResp.Channel, TS: apiResp.TS}, nil
}

func (c *Client) buildURL(method string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), method)
}

func parseRetryAfter(value string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
