// Package resiliency wraps outbound HTTP calls to external collaborators with a per-call
// timeout, a circuit breaker and error classification. It does not retry: callers own their
// retry policy because only they know whether a call is safe to repeat.
package resiliency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// StatusError is a non-2xx response from the remote side.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the remote signalled a transient condition.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsRetryable classifies err as transient (network, timeout, 5xx, 429, open breaker) or permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Client posts JSON to a collaborator.
type Client struct {
	http    *http.Client
	timeout time.Duration
	breaker *CircuitBreaker
	header  http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a static header, e.g. an API key, to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithBreaker overrides the default breaker.
func WithBreaker(b *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

func NewClient(name string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: timeout,
		breaker: NewCircuitBreaker(name, 5, 10*time.Second),
		header:  http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON sends in as JSON and decodes a 2xx response body into out. A non-empty
// idempotencyKey is sent as the Idempotency-Key header.
func (c *Client) PostJSON(ctx context.Context, url, idempotencyKey string, in, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.header {
		req.Header[k] = v
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.Failure()
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
		if se.Temporary() {
			c.breaker.Failure()
		} else {
			c.breaker.Success()
		}
		return se
	}
	c.breaker.Success()

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
