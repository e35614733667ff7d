// Package httpx provides the retrying HTTP fetch used for all Server REST
// calls and media downloads.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 10 * time.Second
	// maxRetryAfter caps a server-provided Retry-After delay.
	maxRetryAfter = 30 * time.Second
	// baseBackoff is the first exponential backoff step.
	baseBackoff = 500 * time.Millisecond
)

// defaultRetryStatuses are the transient statuses retried by default.
var defaultRetryStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// transientMarkers identify low-level I/O and DNS failures by error text.
// Kept short and explicit so programming bugs are never retried.
var transientMarkers = []string{"fetch", "network", "econnr", "etimedout", "enotfound", "socket"}

// Request describes one logical fetch. Zero values take defaults.
type Request struct {
	Method        string
	URL           string
	Header        http.Header
	Body          []byte
	Timeout       time.Duration
	Retries       int
	RetryStatuses map[int]bool
}

// Client issues requests with per-attempt timeouts and bounded retries.
type Client struct {
	http   *http.Client
	logger *slog.Logger

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. A nil logger falls back to slog.Default.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http:   &http.Client{},
		logger: log.With(slog.String("component", "httpx")),
		sleep:  sleepCtx,
	}
}

// Do performs the request, retrying on transient statuses and transient
// errors. On status exhaustion the last response is returned; on error
// exhaustion the last error. Non-transient errors return immediately.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("httpx: url is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retryStatuses := req.RetryStatuses
	if retryStatuses == nil {
		retryStatuses = defaultRetryStatuses
	}
	attempts := req.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastResp *http.Response
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.attempt(ctx, method, req.URL, req.Header, req.Body, timeout)
		if err != nil {
			if !IsTransientError(err) {
				return nil, err
			}
			lastErr = err
			lastResp = nil
			if attempt == attempts {
				break
			}
			c.logger.Debug("transient fetch error, retrying",
				slog.String("url", req.URL),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if sleepErr := c.sleep(ctx, backoffDelay(attempt, nil)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		if !retryStatuses[resp.StatusCode] {
			return resp, nil
		}
		lastResp = resp
		lastErr = nil
		if attempt == attempts {
			break
		}
		delay := backoffDelay(attempt, resp)
		// Drain so the connection can be reused during the backoff.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		c.logger.Debug("retriable status, backing off",
			slog.String("url", req.URL),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func (c *Client) attempt(ctx context.Context, method, url string, header http.Header, body []byte, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelReadCloser releases the attempt context once the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// IsTransientError reports whether err looks like a timeout or a low-level
// network failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// backoffDelay picks the delay before the next attempt. Retry-After in whole
// seconds wins when present on the response, capped at maxRetryAfter.
func backoffDelay(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if seconds, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && seconds > 0 {
				delay := time.Duration(seconds) * time.Second
				if delay > maxRetryAfter {
					delay = maxRetryAfter
				}
				return delay
			}
		}
	}
	return baseBackoff << (attempt - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
