// Package chatup is the real-time messaging core of the ChatUp client.
//
// It reconciles two independent sources of truth, the paginated REST
// history API and the live push channel, into one consistent, deduplicated
// message view, and tracks the derived state around it: presence, typing
// indicators, unread counts and read receipts.
//
// Example:
//
//	sess, _ := chatup.NewSession(chatup.SessionConfig{
//	    BaseURL: "https://chat.example.com",
//	    Token:   token,
//	    Cipher:  cipher,
//	})
//	if err := sess.Connect(ctx); err != nil { ... }
//	sess.JoinConversation(ctx, convID)
//	msgs, _ := sess.LoadHistory(ctx, convID)
package chatup

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
)

const DefaultTimeout = 30 * time.Second

// Client is the REST collaborator: conversation history, conversation
// metadata, contacts and the block list. The push channel is separate; see
// ChannelClient.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Messages      *MessagesClient
	Conversations *ConversationsClient
	Contacts      *ContactsClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Messages = &MessagesClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Contacts = &ContactsClient{client: c}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ── Internal request helper ──────────────────────────────────────────────

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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Reason: strings.TrimSpace(string(data))}
	case resp.StatusCode >= 300:
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// PageOptions paginates list endpoints.
type PageOptions struct {
	Limit  int
	Offset int
}

func pageQuery(opts *PageOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", opts.Limit)
	}
	if opts.Offset > 0 {
		q["offset"] = fmt.Sprintf("%d", opts.Offset)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ── Sub-clients ──────────────────────────────────────────────────────────

// MessagesClient fetches message history.
type MessagesClient struct{ client *Client }

// History returns one page of a conversation's history in chronological
// order (oldest first).
func (m *MessagesClient) History(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	data, err := m.client.doRequest(ctx, "GET", "/api/messages/conversation/"+conversationID, nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Message](data)
}

// ConversationsClient fetches conversation metadata.
type ConversationsClient struct{ client *Client }

// Get returns a conversation with its member list.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/api/conversation/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeJSON[Conversation](data)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ContactsClient manages contacts and the block list.
type ContactsClient struct{ client *Client }

// List returns the user's contacts.
func (ct *ContactsClient) List(ctx context.Context) ([]Contact, error) {
	data, err := ct.client.doRequest(ctx, "GET", "/api/users/contacts", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Contact](data)
}

// Blocked returns the users the local user has blocked.
func (ct *ContactsClient) Blocked(ctx context.Context) ([]Contact, error) {
	data, err := ct.client.doRequest(ctx, "GET", "/api/users/blocked", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Contact](data)
}

// Block blocks a user by phone number.
func (ct *ContactsClient) Block(ctx context.Context, phoneNumber string) error {
	_, err := ct.client.doRequest(ctx, "POST", "/api/users/block", map[string]string{"phoneNumber": phoneNumber}, nil)
	return err
}

// Unblock unblocks a user by phone number.
func (ct *ContactsClient) Unblock(ctx context.Context, phoneNumber string) error {
	_, err := ct.client.doRequest(ctx, "POST", "/api/users/unblock", map[string]string{"phoneNumber": phoneNumber}, nil)
	return err
}
