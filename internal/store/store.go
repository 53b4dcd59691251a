// Package store is the client for the downstream feature-flag store: the
// single source of truth for runtime flag evaluation. Flights push their
// projected representation here on every committed mutation.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/tracking"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxAttempts           = 3
	retryBackoff          = 250 * time.Millisecond
)

// Client pushes projected flags to the downstream store over HTTP.
// Transient failures (5xx, transport errors) are retried a bounded number of
// times; 4xx responses fail immediately.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// APIError is a non-2xx response from the downstream store.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flag store: status %d: %s", e.StatusCode, e.Message)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// New creates a store client. Outbound requests are traced via otelhttp.
func New(baseURL, apiToken string, options ...Option) *Client {
	client := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Update upserts the projected flag in the downstream store.
func (c *Client) Update(ctx context.Context, projected *flight.ProjectedFlag, ids tracking.IDs) error {
	payload, err := json.Marshal(projected)
	if err != nil {
		return fmt.Errorf("marshal projected flag: %w", err)
	}
	return c.do(ctx, http.MethodPut, "/flags/"+url.PathEscape(projected.ID), payload, ids)
}

// Delete removes the flag from the downstream store. A 404 is treated as
// success: the flag is already gone.
func (c *Client) Delete(ctx context.Context, flightID string, ids tracking.IDs) error {
	err := c.do(ctx, http.MethodDelete, "/flags/"+url.PathEscape(flightID), nil, ids)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, ids tracking.IDs) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << attempt):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("create store request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}
		req.Header.Set("X-Correlation-Id", ids.CorrelationID)
		req.Header.Set("X-Transaction-Id", ids.TransactionID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("flag store request: %w", err)
			continue
		}

		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(message))}
		if resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}
