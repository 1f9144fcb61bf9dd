// Package records is the HTTP client for the external record store: job
// status, final messages, tool-call history, push credentials and
// integration keys.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Status is the externally visible state of a job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// DefaultTimeout is the per-request timeout.
const DefaultTimeout = 15 * time.Second

// serviceTokenTTL bounds the lifetime of the token sent with each request.
const serviceTokenTTL = 5 * time.Minute

// Config configures a Client.
type Config struct {
	BaseURL string
	// Secret signs the short-lived HS256 service token sent as a bearer token.
	Secret  string
	Issuer  string
	Timeout time.Duration
}

// Client talks to the record store.
type Client struct {
	baseURL string
	secret  []byte
	issuer  string
	http    *http.Client
}

// NewClient creates a record store client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("record store URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid record store URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "codee-worker"
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  []byte(cfg.Secret),
		issuer:  cfg.Issuer,
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// SetStatus records the job's status.
func (c *Client) SetStatus(ctx context.Context, jobID string, status Status) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, "set_status", jobID, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/status", body, nil)
}

// SaveMessage stores the final assistant message and returns its id.
func (c *Client) SaveMessage(ctx context.Context, jobID, message string) (string, error) {
	body := map[string]string{"agentId": jobID, "message": message}
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, "save_message", jobID, http.MethodPost, "/jobs/message", body, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", &DeliveryError{Op: "save_message", JobID: jobID, Message: "response has no message_id"}
	}
	return resp.MessageID, nil
}

// BulkToolCalls submits the tool calls of a run in one request.
func (c *Client) BulkToolCalls(ctx context.Context, jobID, messageID string, calls []ToolCall) error {
	body := map[string]any{"message_id": messageID, "tool_calls": calls}
	return c.do(ctx, "bulk_tool_calls", jobID, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/bulk-tool-calls", body, nil)
}

// Message is a stored conversation message of a job.
type Message struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Content   string    `json:"content"`
	// Sender is USER or AGENT.
	Sender    string     `json:"sender"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Message senders.
const (
	SenderUser  = "USER"
	SenderAgent = "AGENT"
)

// ListMessages returns the job's conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, jobID string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, "list_messages", jobID, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// FetchToken returns a short-lived repository push credential.
func (c *Client) FetchToken(ctx context.Context, jobID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "fetch_token", jobID, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/token", nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &DeliveryError{Op: "fetch_token", JobID: jobID, Message: "empty token"}
	}
	return resp.Token, nil
}

// FetchIntegrationKey returns the API key the job's owner connected for
// provider. An empty string means no key is connected.
func (c *Client) FetchIntegrationKey(ctx context.Context, jobID, provider string) (string, error) {
	var resp struct {
		APIKey string `json:"api_key"`
	}
	path := "/jobs/" + url.PathEscape(jobID) + "/integrations/" + url.PathEscape(provider) + "/key"
	err := c.do(ctx, "fetch_integration_key", jobID, http.MethodGet, path, nil, &resp)
	if err != nil {
		if de, ok := err.(*DeliveryError); ok && de.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	return resp.APIKey, nil
}

// TokenSource returns a source that fetches a fresh push credential on
// every call. Nothing is cached.
func (c *Client) TokenSource(jobID string) oauth2.TokenSource {
	return &jobTokenSource{client: c, jobID: jobID}
}

type jobTokenSource struct {
	client *Client
	jobID  string
}

func (s *jobTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.http.Timeout)
	defer cancel()

	tok, err := s.client.FetchToken(ctx, s.jobID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

func (c *Client) serviceToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   "service",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return signed, nil
}

func (c *Client) do(ctx context.Context, op, jobID, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &DeliveryError{Op: op, JobID: jobID, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &DeliveryError{Op: op, JobID: jobID, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.serviceToken()
	if err != nil {
		return &DeliveryError{Op: op, JobID: jobID, Message: "failed to authenticate", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &DeliveryError{Op: op, JobID: jobID, Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{
			Op:         op,
			JobID:      jobID,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(snippet)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &DeliveryError{Op: op, JobID: jobID, Message: "failed to decode response", Cause: err}
		}
	}
	return nil
}
