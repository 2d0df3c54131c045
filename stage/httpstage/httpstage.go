// Package httpstage implements stage.Logic by posting the upstream payload
// to an HTTP endpoint and storing the response body as the stage output.
//
// Both directions are streamed. Response status codes map onto the failure
// taxonomy: 400/404/409/415/422 are validation errors, 413 is resource
// exhaustion, 429 is a rate limit honoring Retry-After, and everything else
// is transient.
package httpstage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/stage"
)

const maxErrorBody = 4 << 10

// Request headers describing the invocation.
const (
	HeaderItem      = "X-Stagehand-Item"
	HeaderStage     = "X-Stagehand-Stage"
	HeaderAttempt   = "X-Stagehand-Attempt"
	HeaderChunkSize = "X-Stagehand-Chunk-Size"
)

var ErrInvalidURL = errors.New("httpstage: invalid url")

// Logic posts stage input to a fixed URL.
type Logic struct {
	url     string
	method  string
	client  *http.Client
	headers http.Header
	logger  *slog.Logger
}

var _ stage.Logic = (*Logic)(nil)

// Option configures a Logic.
type Option func(*Logic) error

// WithClient sets the HTTP client. Default is http.DefaultClient.
func WithClient(client *http.Client) Option {
	return func(l *Logic) error {
		if client != nil {
			l.client = client
		}
		return nil
	}
}

// WithMethod sets the request method. Default is POST.
func WithMethod(method string) Option {
	return func(l *Logic) error {
		if method == "" {
			return fmt.Errorf("httpstage: empty method")
		}
		l.method = method
		return nil
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(l *Logic) error {
		l.headers.Add(key, value)
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logic) error {
		if logger == nil {
			logger = slog.Default()
		}
		l.logger = logger
		return nil
	}
}

// New creates a Logic for target.
func New(target string, opts ...Option) (*Logic, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, target)
	}
	l := &Logic{
		url:     target,
		method:  http.MethodPost,
		client:  http.DefaultClient,
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.logger = l.logger.With("component", "httpstage")
	return l, nil
}

// Run streams the upstream payload to the endpoint. The returned Output
// body is the open response body.
func (l *Logic) Run(ctx context.Context, in stage.Input) (stage.Output, error) {
	body, err := in.Open()
	if err != nil {
		return stage.Output{}, err
	}
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, l.method, l.url, body)
	if err != nil {
		return stage.Output{}, core.Validation(fmt.Errorf("httpstage: new request: %w", err))
	}
	if in.Size > 0 {
		req.ContentLength = in.Size
	}
	for key, values := range l.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderItem, in.ItemID)
	req.Header.Set(HeaderStage, in.Stage)
	req.Header.Set(HeaderAttempt, strconv.Itoa(in.Attempt))
	req.Header.Set(HeaderChunkSize, strconv.Itoa(in.ChunkSize))

	resp, err := l.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stage.Output{}, ctxErr
		}
		return stage.Output{}, core.Transient(fmt.Errorf("httpstage %s %q: %w", l.method, l.url, err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return stage.Output{Body: resp.Body}, nil
	}
	defer resp.Body.Close()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	retryAfter := core.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	l.logger.Debug("stage endpoint returned error", "item", in.ItemID, "stage", in.Stage, "status", resp.StatusCode)
	return stage.Output{}, fmt.Errorf("httpstage %s %q: %w", l.method, l.url, core.ErrorForStatus(resp.StatusCode, retryAfter, string(detail)))
}
