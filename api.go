package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL  = "https://prismer.cloud"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// ============================================================================
// APIClient
// ============================================================================

// APIClient speaks the HTTP half of the wire contract. It never retries;
// a failed call is returned to the caller as is.
type APIClient struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialProvider
	metrics     *Metrics

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Sync          *SyncClient
}

// NewAPIClient creates a client. httpClient and metrics may be nil.
func NewAPIClient(baseURL string, creds CredentialProvider, httpClient *http.Client, metrics *Metrics) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	c := &APIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		credentials: creds,
		metrics:     metrics,
	}
	c.Conversations = &ConversationsClient{api: c}
	c.Messages = &MessagesClient{api: c}
	c.Sync = &SyncClient{api: c}
	return c
}

// BaseURL returns the server root without a trailing slash.
func (c *APIClient) BaseURL() string { return c.baseURL }

// do performs a call with the provider's current token. A 401 invalidates
// the token.
func (c *APIClient) do(ctx context.Context, route, method, path string, body any, query url.Values, header http.Header) (*Result, error) {
	if c.credentials == nil {
		return nil, ErrNoCredential
	}
	token, ok := c.credentials.AccessToken()
	if !ok {
		return nil, ErrNoCredential
	}
	res, err := c.request(ctx, token, route, method, path, body, query, header)
	if errors.Is(err, ErrUnauthorized) {
		c.credentials.Invalidate(err)
	}
	return res, err
}

// request performs one HTTP call with an explicit bearer token and decodes
// the {ok, data, error, meta} envelope. Non-2xx statuses and ok=false both
// yield an *APIError.
func (c *APIClient) request(ctx context.Context, token, route, method, path string, body any, query url.Values, header http.Header) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeHTTP(route, 0, time.Since(start))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.metrics.observeHTTP(route, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var res Result
	if len(bytes.TrimSpace(data)) > 0 {
		if jerr := json.Unmarshal(data, &res); jerr != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", jerr)
		}
	}
	if resp.StatusCode >= 300 || !res.OK {
		apiErr := &APIError{Status: resp.StatusCode}
		if res.Error != nil {
			apiErr.Code = res.Error.Code
			apiErr.Message = res.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return &res, nil
}

func decodeData[T any](res *Result) (T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return v, nil
}

// ============================================================================
// Sub-clients
// ============================================================================

// ConversationsClient handles conversation listing and creation.
type ConversationsClient struct{ api *APIClient }

// List returns every conversation the user belongs to.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.api.do(ctx, "conversations.list", http.MethodGet, "/api/im/conversations", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](res)
}

// CreateDirect returns the direct conversation with userID, creating it
// if necessary.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, userID string) (Conversation, error) {
	res, err := cv.api.do(ctx, "conversations.direct", http.MethodPost, "/api/im/conversations/direct",
		map[string]string{"userId": userID}, nil, nil)
	if err != nil {
		return Conversation{}, err
	}
	return decodeData[Conversation](res)
}

// MessagesClient handles message history and writes.
type MessagesClient struct{ api *APIClient }

// History fetches one page, newest-first. An empty BeforeMessageID loads
// the latest page.
func (m *MessagesClient) History(ctx context.Context, conversationID string, opts PageOptions) (MessagePage, error) {
	q := url.Values{}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q.Set("limit", strconv.Itoa(limit))
	if opts.BeforeMessageID != "" {
		q.Set("beforeMessageId", opts.BeforeMessageID)
	}
	res, err := m.api.do(ctx, "messages.history", http.MethodGet,
		"/api/im/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q, nil)
	if err != nil {
		return MessagePage{}, err
	}
	return decodeData[MessagePage](res)
}

// Send posts a new message. Each call carries a fresh Idempotency-Key.
func (m *MessagesClient) Send(ctx context.Context, conversationID string, content MessageContent, opts SendOptions) (Message, error) {
	kind, text, meta, err := encodeContent(content)
	if err != nil {
		return Message{}, err
	}
	payload := map[string]any{
		"conversationId": conversationID,
		"content":        text,
		"type":           kind,
	}
	if meta != nil {
		payload["metadata"] = meta
	}
	if opts.ReplyToMessageID != "" {
		payload["replyToMessageId"] = opts.ReplyToMessageID
	}
	header := http.Header{"Idempotency-Key": {uuid.NewString()}}
	res, err := m.api.do(ctx, "messages.send", http.MethodPost, "/api/im/messages", payload, nil, header)
	if err != nil {
		return Message{}, err
	}
	return decodeData[Message](res)
}

// Edit replaces a message's text.
func (m *MessagesClient) Edit(ctx context.Context, messageID, text string) error {
	_, err := m.api.do(ctx, "messages.edit", http.MethodPatch, "/api/im/messages/"+url.PathEscape(messageID),
		map[string]string{"content": text}, nil, nil)
	return err
}

// Delete removes a message.
func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	_, err := m.api.do(ctx, "messages.delete", http.MethodDelete, "/api/im/messages/"+url.PathEscape(messageID), nil, nil, nil)
	return err
}

// ── Sync ─────────────────────────────────────────────────

// SyncEvent is one entry of the server's change feed.
type SyncEvent struct {
	Seq            int64           `json:"seq"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	ConversationID string          `json:"conversationId,omitempty"`
	At             string          `json:"at"`
}

// SyncResult is one page of the change feed.
type SyncResult struct {
	Events  []SyncEvent `json:"events"`
	Cursor  int64       `json:"cursor"`
	HasMore bool        `json:"hasMore"`
}

// SyncClient reads the change feed used by the poll transport.
type SyncClient struct{ api *APIClient }

// Since returns events after cursor, authenticating with token.
func (s *SyncClient) Since(ctx context.Context, token string, cursor int64, limit int) (SyncResult, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(cursor, 10))
	q.Set("limit", strconv.Itoa(limit))
	res, err := s.api.request(ctx, token, "sync", http.MethodGet, "/api/im/sync", nil, q, nil)
	if err != nil {
		return SyncResult{}, err
	}
	return decodeData[SyncResult](res)
}
