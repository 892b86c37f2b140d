package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/logging"
)

const (
	// DefaultAPIPrefix is prepended to every endpoint path.
	DefaultAPIPrefix = "/api"
	// DefaultPresenceRate is the default number of positive typing or
	// recording frames allowed per second.
	DefaultPresenceRate  = 2.0
	DefaultPresenceBurst = 2
	// DefaultWriteTimeout bounds every WebSocket write.
	DefaultWriteTimeout = 10 * time.Second

	requestIDHeader = "X-Request-ID"
)

// Client provides HTTP methods for the marketplace REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiPrefix  string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	presenceRate  float64
	presenceBurst int
	writeTimeout  time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithAPIPrefix sets the API prefix. Default is "/api".
func WithAPIPrefix(prefix string) Option {
	return func(client *Client) {
		client.apiPrefix = prefix
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// WithPresenceLimit limits outgoing "is typing" and "is recording" frames to
// perSecond with the given burst. Frames over the limit are dropped.
func WithPresenceLimit(perSecond float64, burst int) Option {
	return func(client *Client) {
		client.presenceRate = perSecond
		client.presenceBurst = burst
	}
}

// WithWriteTimeout sets how long a WebSocket write may block before the
// connection is given up. Default is DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.writeTimeout = d
	}
}

// WithLogger sets the logger. Default is logging.Client().
func WithLogger(l *slog.Logger) Option {
	return func(client *Client) {
		client.logger = l
	}
}

// New creates a client for the server at baseURL (e.g. "https://market.example.com").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		apiPrefix: DefaultAPIPrefix,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		presenceRate:  DefaultPresenceRate,
		presenceBurst: DefaultPresenceBurst,
		writeTimeout:  DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Client()
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) apiURL(path string) string {
	return c.baseURL + c.apiPrefix + path
}

// APIError is returned for responses with a non-2xx status.
type APIError struct {
	Op         string
	StatusCode int
	// Message is the server's error message when the body carried one,
	// otherwise the raw body.
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func newAPIError(op string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := string(bytes.TrimSpace(body))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Message != "":
			msg = payload.Message
		case payload.Error != "":
			msg = payload.Error
		}
	}
	return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

// ThreadDetail is a thread together with its messages.
type ThreadDetail struct {
	Thread   chat.Thread    `json:"thread"`
	Messages []chat.Message `json:"messages"`
}

// SendMessageRequest is the body of a send-message request.
type SendMessageRequest struct {
	Content     string            `json:"content,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	// ClientID lets the server de-duplicate retried sends.
	ClientID string `json:"clientId,omitempty"`
}

// ListThreads returns the user's threads.
func (c *Client) ListThreads(ctx context.Context) ([]chat.Thread, error) {
	var threads []chat.Thread
	if err := c.do(ctx, "list threads", http.MethodGet, "/threads", nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// GetThread returns a thread and its messages.
func (c *Client) GetThread(ctx context.Context, threadID string) (*ThreadDetail, error) {
	var detail ThreadDetail
	if err := c.do(ctx, "get thread", http.MethodGet, "/threads/"+url.PathEscape(threadID), nil, &detail); err != nil {
		return nil, err
	}
	if detail.Thread.ID == "" {
		detail.Thread.ID = threadID
	}
	for i := range detail.Messages {
		if detail.Messages[i].ThreadID == "" {
			detail.Messages[i].ThreadID = threadID
		}
	}
	return &detail, nil
}

// SendMessage posts a message to a thread and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, threadID string, req SendMessageRequest) (*chat.Message, error) {
	var resp struct {
		Message chat.Message `json:"message"`
	}
	if err := c.do(ctx, "send message", http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	if resp.Message.ThreadID == "" {
		resp.Message.ThreadID = threadID
	}
	return &resp.Message, nil
}

// MarkRead marks all messages of a thread as read.
func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	return c.do(ctx, "mark read", http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/read", nil, nil)
}

// do sends a JSON request and decodes a JSON response into out, if non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// send adds authentication and a request ID, then performs the request.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	reqID := uuid.NewString()
	req.Header.Set(requestIDHeader, reqID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			"method", req.Method, "path", req.URL.Path, "request_id", reqID, "error", err)
		return nil, err
	}
	c.logger.Debug("request",
		"method", req.Method, "path", req.URL.Path, "request_id", reqID,
		"status", resp.StatusCode, "elapsed", time.Since(start))
	return resp, nil
}
