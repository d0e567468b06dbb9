// Package contacts connects the engine to the contact store: an HTTP
// client for the practice management API, an in-memory directory for
// development, and a subscription that turns published contact events into
// trigger evaluations.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httpretry"
)

// Client reads contacts and their event history over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a contact store client.
func NewClient(cfg config.ContactsConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, cfg.MaxRetries),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

type eventPage struct {
	Events     []domain.ContactEvent `json:"events"`
	NextCursor string                `json:"next_cursor"`
}

// GetContact fetches one contact. A 404 maps to domain.ErrContactNotFound.
func (c *Client) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var contact domain.Contact
	if err := c.get(ctx, "/contacts/"+url.PathEscape(id), nil, &contact); err != nil {
		return nil, err
	}
	return &contact, nil
}

// RecentEvents lists events of a type at or after since.
func (c *Client) RecentEvents(ctx context.Context, eventType string, since time.Time, cursor string, limit int) ([]domain.ContactEvent, string, error) {
	q := url.Values{}
	q.Set("type", eventType)
	q.Set("since", since.UTC().Format(time.RFC3339))
	return c.events(ctx, "/contact-events", q, cursor, limit)
}

// LastEvents lists each contact's most recent event of a type when it is at
// or before cutoff.
func (c *Client) LastEvents(ctx context.Context, eventType string, cutoff time.Time, cursor string, limit int) ([]domain.ContactEvent, string, error) {
	q := url.Values{}
	q.Set("type", eventType)
	q.Set("before", cutoff.UTC().Format(time.RFC3339))
	return c.events(ctx, "/contact-events/latest", q, cursor, limit)
}

func (c *Client) events(ctx context.Context, path string, q url.Values, cursor string, limit int) ([]domain.ContactEvent, string, error) {
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page eventPage
	if err := c.get(ctx, path, q, &page); err != nil {
		return nil, "", err
	}
	return page.Events, page.NextCursor, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	reqURL := c.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrContactNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("contact store error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
