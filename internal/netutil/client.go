// Package netutil provides the shared outbound HTTP client used for topic
// fetches, verification callbacks, publisher validation, and deliveries.
package netutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultTimeout caps a single outbound request including retries' attempts.
const DefaultTimeout = 120 * time.Second

// NonRetryableError indicates request setup failed before any transport
// attempt was made (for example, malformed URL).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("outbound: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// Response is the outcome of a completed HTTP exchange. Status is never
// converted into an error; callers classify it themselves.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Request describes one outbound call. Callback-bound requests (verification
// GETs, deliveries) must not follow redirects; topic fetches do.
type Request struct {
	Method          string
	URL             string
	Header          http.Header
	Body            []byte
	FollowRedirects bool
}

// Options configures the shared Client.
type Options struct {
	// Timeout is the per-request hard deadline. Zero means DefaultTimeout.
	Timeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// MaxTransientRetries bounds retry attempts on transport errors.
	MaxTransientRetries uint64
}

// Client is the single shared outbound HTTP client.
type Client struct {
	follow     *http.Client
	noRedirect *http.Client
	timeout    time.Duration
	userAgent  string
	maxRetries uint64
}

// NewClient builds the shared client. One instance is injected at startup
// and shared by all workers.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := opts.MaxTransientRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	transport := http.DefaultTransport
	return &Client{
		follow: &http.Client{Transport: transport},
		noRedirect: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:    timeout,
		userAgent:  opts.UserAgent,
		maxRetries: maxRetries,
	}
}

// Do executes the request, retrying transient transport errors with jittered
// exponential backoff. The returned error is nil whenever a response was
// received, regardless of status.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var resp *Response
	attempt := func() error {
		r, err := c.once(ctx, req)
		if err != nil {
			var nonRetryable *NonRetryableError
			if errors.As(err, &nonRetryable) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newAttemptBackoff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		log.Printf("[netutil] transient error for %s %s, retrying in %s: %v", req.Method, req.URL, wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(attempt, b, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	client := c.noRedirect
	if req.FollowRedirects {
		client = c.follow
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("outbound: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("outbound: read body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func newAttemptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries and ctx deadline
	return b
}
