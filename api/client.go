package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/poiesic/stagehand/batch"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/orchestrator"
	"github.com/poiesic/stagehand/queue"
)

// Error is a non-2xx answer from the server.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a stagehand server.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var e errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	return &Error{StatusCode: resp.StatusCode, Message: e.Error}
}

// SubmitItem submits one item and returns its id.
func (c *Client) SubmitItem(ctx context.Context, req ItemRequest) (string, error) {
	var resp ItemResponse
	if err := c.do(ctx, http.MethodPost, "/items", req, &resp); err != nil {
		return "", err
	}
	return resp.ItemID, nil
}

// SubmitBatch submits a batch and returns its id.
func (c *Client) SubmitBatch(ctx context.Context, req BatchRequest) (string, error) {
	var resp BatchResponse
	if err := c.do(ctx, http.MethodPost, "/batches", req, &resp); err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

// ItemStatus returns the state of an item.
func (c *Client) ItemStatus(ctx context.Context, itemID string) (*orchestrator.Report, error) {
	var report orchestrator.Report
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// BatchProgress returns the aggregate state of a batch.
func (c *Client) BatchProgress(ctx context.Context, batchID string) (*batch.Progress, error) {
	var progress batch.Progress
	if err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID), nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// AbortItem aborts an item.
func (c *Client) AbortItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodPost, "/items/"+url.PathEscape(itemID)+"/abort", nil, nil)
}

// RestartItem restarts an aborted or failed item.
func (c *Client) RestartItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodPost, "/items/"+url.PathEscape(itemID)+"/restart", nil, nil)
}

// AbortBatch aborts the unfinished items of a batch and returns how many.
func (c *Client) AbortBatch(ctx context.Context, batchID string) (int, error) {
	var resp AbortBatchResponse
	if err := c.do(ctx, http.MethodPost, "/batches/"+url.PathEscape(batchID)+"/abort", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Aborted, nil
}

// Stats returns the lane statistics of the server.
func (c *Client) Stats(ctx context.Context) ([]queue.LaneStats, error) {
	var stats []queue.LaneStats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// WatchBatch calls fn for every event of batchID until the batch completes,
// fn returns an error or ctx is done.
func (c *Client) WatchBatch(ctx context.Context, batchID string, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+url.PathEscape(batchID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	var name string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if name == "connected" {
				continue
			}
			var e events.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := fn(e); err != nil {
				return err
			}
			if e.Type == events.TypeBatchComplete {
				return nil
			}
		case line == "":
			name = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
