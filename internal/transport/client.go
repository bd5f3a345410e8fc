// Package transport performs the HTTP requests of a stream: playlists, keys,
// initialization maps and media segments.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"hlsfetch/internal/byterange"
	"hlsfetch/internal/logger"
)

// Kind classifies transport failures.
type Kind int

const (
	KindUnsupportedScheme Kind = iota + 1
	KindConnection
	KindHTTPStatus
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedScheme:
		return "unsupported-scheme"
	case KindConnection:
		return "connection-failed"
	case KindHTTPStatus:
		return "http-error"
	default:
		return "unknown"
	}
}

// Error is returned by Client.Get for every failed request.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnsupportedScheme:
		return fmt.Sprintf("no connection adapter for %s", e.URL)
	case KindHTTPStatus:
		return fmt.Sprintf("received status code %d from %s", e.StatusCode, e.URL)
	default:
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response is a fully read response body together with the final URL after redirects.
type Response struct {
	URL  string
	Body []byte
}

// Transport fetches a URL, optionally restricted to an inclusive byte range.
type Transport interface {
	Get(ctx context.Context, rawURL string, rng *byterange.Range) (*Response, error)
}

// Options configures a Client.
type Options struct {
	Headers   map[string]string
	UserAgent string
	// Timeout bounds a single attempt, including reading the body. Zero disables it.
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
	// RequestsPerSecond limits outgoing requests. Zero means unlimited.
	RequestsPerSecond int
}

// Client is the HTTP implementation of Transport.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	opts       Options
	limiter    ratelimit.Limiter
}

// NewClient creates a new client.
func NewClient(log logger.Logger, opts Options) *Client {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	limiter := ratelimit.NewUnlimited()
	if opts.RequestsPerSecond > 0 {
		limiter = ratelimit.New(opts.RequestsPerSecond)
	}

	c := &Client{
		logger:  log,
		opts:    opts,
		limiter: limiter,
	}
	c.httpClient = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			c.logger.Debugf("Redirected to: %s", req.URL)
			return nil
		},
	}
	return c
}

// Get fetches rawURL, retrying connection failures and server errors.
func (c *Client) Get(ctx context.Context, rawURL string, rng *byterange.Range) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindConnection, URL: rawURL, Err: err}
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return nil, &Error{Kind: KindUnsupportedScheme, URL: rawURL}
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}

		c.logger.Debugf("Fetching %s (Attempt %d/%d)", rawURL, attempt, c.opts.Attempts)
		resp, err := c.do(ctx, rawURL, rng)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt < c.opts.Attempts {
			c.logger.Warnf("Fetch attempt %d failed for %s: %v", attempt, rawURL, err)
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, rawURL string, rng *byterange.Range) (*Response, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindConnection, URL: rawURL, Err: err}
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	for name, value := range c.opts.Headers {
		req.Header.Set(name, value)
	}
	if rng != nil {
		req.Header.Set("Range", rng.Header())
	}

	c.limiter.Take()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindConnection, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)
		return nil, &Error{Kind: KindHTTPStatus, URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, URL: rawURL, Err: fmt.Errorf("failed while reading body: %w", err)}
	}

	return &Response{URL: resp.Request.URL.String(), Body: body}, nil
}

func retryable(err error) bool {
	var terr *Error
	if !errors.As(err, &terr) {
		return false
	}
	switch terr.Kind {
	case KindConnection:
		return true
	case KindHTTPStatus:
		return terr.StatusCode >= 500 || terr.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}
