// Package outreach provides the Go SDK for the SleepArchitects patient
// outreach backend.
//
// Covers the conversations, messages, and templates REST APIs plus the
// realtime feed, with sub-module access pattern.
//
// Example:
//
//	client := outreach.NewClient("ot-token-...")
//
//	// Conversation list
//	page, _ := client.Conversations.List(ctx, nil)
//
//	// Live conversation view (store + realtime + polling fallback)
//	session := outreach.NewSession(client, outreach.SessionConfig{
//		ConversationID: "conv-123",
//		CoordinatorID:  "coord-9",
//	})
//	session.Open(ctx)
//	defer session.Close()
//	session.SendMessage(ctx, "Hi, checking in about your CPAP supplies.", nil)
package outreach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.outreach.sleeparchitects.com",
	Staging:    "https://api.staging.outreach.sleeparchitects.com",
}

const (
	DefaultBaseURL = "https://api.outreach.sleeparchitects.com"
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the history window requested when the caller does
	// not pick one.
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the outreach backend. All methods are safe for concurrent
// use; the client holds no per-conversation state.
type Client struct {
	token      string
	baseURL    string
	feedURL    string
	userAgent  string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Templates     *TemplatesClient
	Tokens        *TokensClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

// WithFeedURL overrides the realtime gateway URL. By default it is derived
// from the base URL.
func WithFeedURL(url string) ClientOption {
	return func(c *Client) { c.feedURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a new outreach client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Templates = &TemplatesClient{client: c}
	c.Tokens = &TokensClient{client: c}
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// FeedURL returns the realtime gateway URL (ws:// or wss://).
func (c *Client) FeedURL() string {
	if c.feedURL != "" {
		return c.feedURL
	}
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// Health checks backend reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/health", nil, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

// errorBody is the error envelope the backend wraps non-2xx responses in.
type errorBody struct {
	Error   *APIError `json:"error"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// doRequest performs one HTTP round trip. Network-level failures come back
// as *TransportError, non-2xx responses as *APIError carrying the status
// code. There is no retry at this level.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, apiErrorFromBody(resp.StatusCode, data)
	}
	return data, nil
}

func apiErrorFromBody(status int, data []byte) *APIError {
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		if eb.Error != nil {
			eb.Error.Status = status
			return eb.Error
		}
		if eb.Message != "" || eb.Code != "" {
			return &APIError{Status: status, Code: eb.Code, Message: eb.Message}
		}
	}
	return &APIError{Status: status, Code: http.StatusText(status), Message: strings.TrimSpace(string(data))}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation management.
type ConversationsClient struct{ client *Client }

func (cv *ConversationsClient) List(ctx context.Context, opts *ConversationListOptions) (*ConversationPage, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.UnreadOnly {
			query["unreadOnly"] = "true"
		}
		if opts.Archived {
			query["archived"] = "true"
		}
		if opts.Assigned != "" {
			query["assigned"] = opts.Assigned
		}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.Offset > 0 {
			query["offset"] = strconv.Itoa(opts.Offset)
		}
		if len(query) == 0 {
			query = nil
		}
	}
	data, err := cv.client.doRequest(ctx, "GET", "/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationPage](data)
}

func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (cv *ConversationsClient) Archive(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "POST", "/conversations/"+conversationID+"/archive", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (cv *ConversationsClient) Assign(ctx context.Context, conversationID, coordinatorID string) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "POST", "/conversations/"+conversationID+"/assign",
		map[string]string{"coordinatorId": coordinatorID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.client.doRequest(ctx, "POST", "/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message history and sends. History fetches are
// idempotent reads with no internal retry; callers own retry policy.
type MessagesClient struct{ client *Client }

// FetchPage fetches one page of history in ascending chronological order.
func (m *MessagesClient) FetchPage(ctx context.Context, conversationID string, offset, limit int) (*MessagePage, error) {
	return m.fetch(ctx, conversationID, offset, limit, "asc")
}

// FetchLatest fetches the most recent limit messages in descending order,
// the window shape the polling worker consumes.
func (m *MessagesClient) FetchLatest(ctx context.Context, conversationID string, limit int) (*MessagePage, error) {
	return m.fetch(ctx, conversationID, 0, limit, "desc")
}

// FetchInitial loads the most recent page in ascending order. The backend
// has no "last N" semantics, so it first reads the total count and then
// computes the offset that lands on the final page.
func (m *MessagesClient) FetchInitial(ctx context.Context, conversationID string, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	probe, err := m.fetch(ctx, conversationID, 0, 1, "asc")
	if err != nil {
		return nil, err
	}

	offset := probe.Pagination.Total - limit
	if offset < 0 {
		offset = 0
	}
	return m.fetch(ctx, conversationID, offset, limit, "asc")
}

func (m *MessagesClient) fetch(ctx context.Context, conversationID string, offset, limit int, order string) (*MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := map[string]string{
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
		"order":  order,
	}
	data, err := m.client.doRequest(ctx, "GET", "/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// Send creates an outbound message. The returned Message carries the
// server-assigned id and, once Twilio accepted it, the provider SID.
func (m *MessagesClient) Send(ctx context.Context, conversationID, body string, opts *SendMessageOptions) (*Message, error) {
	payload := map[string]interface{}{"body": body}
	if opts != nil {
		if opts.TemplateID != "" {
			payload["templateId"] = opts.TemplateID
		}
		if len(opts.MediaURLs) > 0 {
			payload["mediaUrls"] = opts.MediaURLs
		}
	}
	data, err := m.client.doRequest(ctx, "POST", "/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// MarkRead marks a single message as read.
func (m *MessagesClient) MarkRead(ctx context.Context, conversationID, messageID string) error {
	_, err := m.client.doRequest(ctx, "POST", "/conversations/"+conversationID+"/messages/"+messageID+"/read", nil, nil)
	return err
}

// ============================================================================
// Templates
// ============================================================================

// TemplatesClient handles message template CRUD. Rendering happens
// server-side; Render only posts the variable values.
type TemplatesClient struct{ client *Client }

func (t *TemplatesClient) List(ctx context.Context) ([]Template, error) {
	data, err := t.client.doRequest(ctx, "GET", "/templates", nil, nil)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[struct {
		Data []Template `json:"data"`
	}](data)
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}

func (t *TemplatesClient) Get(ctx context.Context, templateID string) (*Template, error) {
	data, err := t.client.doRequest(ctx, "GET", "/templates/"+templateID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Template](data)
}

func (t *TemplatesClient) Create(ctx context.Context, params *TemplateParams) (*Template, error) {
	data, err := t.client.doRequest(ctx, "POST", "/templates", params, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Template](data)
}

func (t *TemplatesClient) Update(ctx context.Context, templateID string, params *TemplateParams) (*Template, error) {
	data, err := t.client.doRequest(ctx, "PATCH", "/templates/"+templateID, params, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Template](data)
}

func (t *TemplatesClient) Delete(ctx context.Context, templateID string) error {
	_, err := t.client.doRequest(ctx, "DELETE", "/templates/"+templateID, nil, nil)
	return err
}

// Render asks the backend to render a template with the given variables.
func (t *TemplatesClient) Render(ctx context.Context, templateID string, variables map[string]string) (string, error) {
	data, err := t.client.doRequest(ctx, "POST", "/templates/"+templateID+"/render",
		map[string]interface{}{"variables": variables}, nil)
	if err != nil {
		return "", err
	}
	out, err := decodeJSON[struct {
		Body string `json:"body"`
	}](data)
	if err != nil {
		return "", err
	}
	return out.Body, nil
}

// ============================================================================
// Tokens
// ============================================================================

// TokensClient fetches Twilio Conversations access tokens.
type TokensClient struct{ client *Client }

func (t *TokensClient) GrantToken(ctx context.Context, identity string) (*AccessToken, error) {
	data, err := t.client.doRequest(ctx, "POST", "/tokens/conversations",
		map[string]string{"identity": identity}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AccessToken](data)
}
