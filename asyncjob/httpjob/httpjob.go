// Package httpjob implements asyncjob.Provider for a JSON job service.
//
// The service contract is:
//
//	POST   <submit-url>            body: payload     -> {"id": "..."}
//	GET    <status-url>/<id>                          -> {"status": "pending|running|done|failed", "error": "...", "result_url": "..."}
//	GET    <result_url> or <status-url>/<id>/result   -> result body
//	DELETE <status-url>/<id>                          -> cancel
package httpjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poiesic/stagehand/asyncjob"
	"github.com/poiesic/stagehand/core"
)

const maxErrorBody = 4 << 10

var ErrInvalidURL = errors.New("httpjob: invalid url")

// Provider talks to an HTTP job service.
type Provider struct {
	submitURL string
	statusURL string
	client    *http.Client
	headers   http.Header
	logger    *slog.Logger
}

var (
	_ asyncjob.Provider = (*Provider)(nil)
	_ asyncjob.Canceler = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider) error

// WithClient sets the HTTP client. Default is http.DefaultClient.
func WithClient(client *http.Client) Option {
	return func(p *Provider) error {
		if client != nil {
			p.client = client
		}
		return nil
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(p *Provider) error {
		p.headers.Add(key, value)
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// New creates a Provider submitting to submitURL and polling statusURL.
func New(submitURL, statusURL string, opts ...Option) (*Provider, error) {
	for _, raw := range []string{submitURL, statusURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
		}
	}
	p := &Provider{
		submitURL: submitURL,
		statusURL: strings.TrimRight(statusURL, "/"),
		client:    http.DefaultClient,
		headers:   make(http.Header),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "httpjob")
	return p, nil
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ResultURL string `json:"result_url"`
}

// Submit streams payload to the submit endpoint.
func (p *Provider) Submit(ctx context.Context, payload io.Reader) (string, error) {
	resp, err := p.do(ctx, http.MethodPost, p.submitURL, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", core.Transient(fmt.Errorf("httpjob submit: decode response: %w", err))
	}
	if body.ID == "" {
		return "", core.Transient(asyncjob.ErrEmptyHandle)
	}
	return body.ID, nil
}

// Poll fetches the job status, and the result once the job is done.
func (p *Provider) Poll(ctx context.Context, jobID string) (asyncjob.PollResult, error) {
	resp, err := p.do(ctx, http.MethodGet, p.jobURL(jobID), nil)
	if err != nil {
		return asyncjob.PollResult{}, err
	}
	var body statusResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		return asyncjob.PollResult{}, core.Transient(fmt.Errorf("httpjob poll: decode status: %w", err))
	}

	switch strings.ToLower(body.Status) {
	case "pending", "queued", "running", "submitted":
		return asyncjob.PollResult{Status: asyncjob.StatusPending}, nil
	case "failed", "error":
		msg := body.Error
		if msg == "" {
			msg = "job failed"
		}
		return asyncjob.PollResult{Status: asyncjob.StatusFailed, Err: errors.New(msg)}, nil
	case "done", "succeeded", "completed":
		resultURL := body.ResultURL
		if resultURL == "" {
			resultURL = p.jobURL(jobID) + "/result"
		}
		result, err := p.do(ctx, http.MethodGet, resultURL, nil)
		if err != nil {
			return asyncjob.PollResult{}, err
		}
		return asyncjob.PollResult{Status: asyncjob.StatusDone, Result: result.Body}, nil
	default:
		return asyncjob.PollResult{}, core.Transient(fmt.Errorf("httpjob poll: unknown status %q", body.Status))
	}
}

// Cancel asks the service to drop the job.
func (p *Provider) Cancel(ctx context.Context, jobID string) error {
	resp, err := p.do(ctx, http.MethodDelete, p.jobURL(jobID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (p *Provider) jobURL(jobID string) string {
	return p.statusURL + "/" + url.PathEscape(jobID)
}

// do sends the request and maps transport failures and non-2xx responses
// to the failure taxonomy. The caller closes the body on success.
func (p *Provider) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, core.Validation(fmt.Errorf("httpjob %s: new request: %w", method, err))
	}
	for key, values := range p.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Transient(fmt.Errorf("httpjob %s %q: %w", method, target, err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	retryAfter := core.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	p.logger.Debug("job service returned error", "method", method, "url", target, "status", resp.StatusCode)
	return nil, fmt.Errorf("httpjob %s %q: %w", method, target, core.ErrorForStatus(resp.StatusCode, retryAfter, string(detail)))
}
