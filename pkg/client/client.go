package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client for talking to an mqlite server
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new mqlite client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// QueueOptions for customizing queue creation
type QueueOptions struct {
	FIFO       bool
	Visibility time.Duration // default visibility timeout (default: 30s)
	DLQ        string        // dead-letter queue name
	MaxReceive int           // receives before dead-lettering (required with DLQ)
}

// SendOptions for customizing message sends
type SendOptions struct {
	Attributes map[string]string
	GroupID    string // FIFO message group
	DedupID    string // FIFO deduplication id
}

// ReceiveOptions for customizing receives
type ReceiveOptions struct {
	Max        int           // max batch size (default: 1)
	Visibility time.Duration // lease duration (default: queue default)
	Wait       time.Duration // long-poll window (default: return immediately)
}

// Message as returned by receive and lookup
type Message struct {
	ID           string            `json:"id"`
	Body         json.RawMessage   `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	GroupID      string            `json:"group_id,omitempty"`
	Receipt      string            `json:"receipt"`
	ReceiveCount int               `json:"receive_count"`
	FirstReceive *time.Time        `json:"first_receive,omitempty"`
	NextDelivery int64             `json:"next_delivery_ms"`
}

// CreateQueue declares a queue on the server
func (c *Client) CreateQueue(ctx context.Context, queue string, opts *QueueOptions) error {
	if opts == nil {
		opts = &QueueOptions{}
	}

	req := map[string]interface{}{}
	if opts.FIFO {
		req["fifo"] = true
	}
	if opts.Visibility > 0 {
		req["visibility_ms"] = opts.Visibility.Milliseconds()
	}
	if opts.DLQ != "" {
		req["dlq"] = opts.DLQ
		req["max_receive"] = opts.MaxReceive
	}

	endpoint := fmt.Sprintf("%s/v1/queues/%s", c.baseURL, url.PathEscape(queue))
	return c.do(ctx, http.MethodPut, endpoint, req, http.StatusCreated, nil)
}

// DeleteQueue removes a queue and everything in it
func (c *Client) DeleteQueue(ctx context.Context, queue string) error {
	endpoint := fmt.Sprintf("%s/v1/queues/%s", c.baseURL, url.PathEscape(queue))
	return c.do(ctx, http.MethodDelete, endpoint, nil, http.StatusNoContent, nil)
}

// Send enqueues a message and returns its id
func (c *Client) Send(ctx context.Context, queue string, body interface{}, opts *SendOptions) (string, error) {
	if opts == nil {
		opts = &SendOptions{}
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}

	req := map[string]interface{}{
		"body": json.RawMessage(bodyJSON),
	}
	if len(opts.Attributes) > 0 {
		req["attributes"] = opts.Attributes
	}
	if opts.GroupID != "" {
		req["group_id"] = opts.GroupID
	}
	if opts.DedupID != "" {
		req["dedup_id"] = opts.DedupID
	}

	var result struct {
		ID string `json:"id"`
	}
	endpoint := fmt.Sprintf("%s/v1/queues/%s/messages", c.baseURL, url.PathEscape(queue))
	if err := c.do(ctx, http.MethodPost, endpoint, req, http.StatusCreated, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// Receive leases up to opts.Max messages from a queue
func (c *Client) Receive(ctx context.Context, queue string, opts *ReceiveOptions) ([]*Message, error) {
	if opts == nil {
		opts = &ReceiveOptions{}
	}
	if opts.Max <= 0 {
		opts.Max = 1
	}

	req := map[string]interface{}{
		"max":           opts.Max,
		"visibility_ms": opts.Visibility.Milliseconds(),
		"wait_ms":       opts.Wait.Milliseconds(),
	}

	var messages []*Message
	endpoint := fmt.Sprintf("%s/v1/queues/%s:receive", c.baseURL, url.PathEscape(queue))
	if err := c.do(ctx, http.MethodPost, endpoint, req, http.StatusOK, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Delete acknowledges a message by its delivery receipt. Returns true if the
// message was removed; false means the receipt was stale (already deleted or
// redelivered), which is not an error.
func (c *Client) Delete(ctx context.Context, queue string, receipt string) (bool, error) {
	req := map[string]interface{}{"receipt": receipt}

	var result struct {
		OK bool `json:"ok"`
	}
	endpoint := fmt.Sprintf("%s/v1/queues/%s/messages:ack", c.baseURL, url.PathEscape(queue))
	if err := c.do(ctx, http.MethodPost, endpoint, req, http.StatusOK, &result); err != nil {
		return false, err
	}
	return result.OK, nil
}

// ChangeVisibility resets a leased message's visibility timeout
func (c *Client) ChangeVisibility(ctx context.Context, queue string, id string, visibility time.Duration) error {
	req := map[string]interface{}{"visibility_ms": visibility.Milliseconds()}
	endpoint := fmt.Sprintf("%s/v1/queues/%s/messages/%s:visibility", c.baseURL, url.PathEscape(queue), url.PathEscape(id))
	return c.do(ctx, http.MethodPost, endpoint, req, http.StatusOK, nil)
}

// Lookup fetches the current view of a message; nil if it does not exist
func (c *Client) Lookup(ctx context.Context, queue string, id string) (*Message, error) {
	endpoint := fmt.Sprintf("%s/v1/queues/%s/messages/%s", c.baseURL, url.PathEscape(queue), url.PathEscape(id))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("lookup failed: %s - %s", resp.Status, string(bodyBytes))
	}

	var m Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// do runs one JSON request/response round trip
func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}, wantStatus int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s failed: %s - %s", method, endpoint, resp.Status, string(bodyBytes))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
