// Package http provides an HTTP client for the flightz feature flight service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	flightz "github.com/matt-riley/flightz/clients/go"
)

const defaultWatchInterval = 5 * time.Second

// Config holds configuration for the HTTP client. A client is bound to one
// tenant and environment; create separate clients for separate scopes.
type Config struct {
	// BaseURL is the base URL of the flightz server, e.g. "http://localhost:8080".
	BaseURL string
	// Tenant is the tenant name all requests are scoped to.
	Tenant string
	// Environment is the environment all requests are scoped to.
	Environment string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements flightz.FlightManager, flightz.Evaluator, and
// flightz.EventReader over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the flightz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("flightz: HTTP %d [%s]: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("flightz: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) flightsPath() string {
	return fmt.Sprintf("/v1/tenants/%s/environments/%s/flights",
		url.PathEscape(c.cfg.Tenant), url.PathEscape(c.cfg.Environment))
}

func (c *Client) featurePath(feature string) string {
	return c.flightsPath() + "/" + url.PathEscape(feature)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flightz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flightz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flightz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var wire struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error != "" {
		apiErr.Message = wire.Error
		apiErr.Code = wire.Code
	}
	return apiErr
}

func decodeResponse[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("flightz: decode response: %w", err)
	}
	return out, nil
}

// -- FlightManager -----------------------------------------------------------

func (c *Client) CreateFlight(ctx context.Context, req flightz.CreateFlightRequest) (flightz.IDResult, error) {
	resp, err := c.do(ctx, http.MethodPost, c.flightsPath(), req)
	if err != nil {
		return flightz.IDResult{}, err
	}
	return decodeResponse[flightz.IDResult](resp)
}

func (c *Client) GetFlight(ctx context.Context, feature string) (flightz.Flight, error) {
	resp, err := c.do(ctx, http.MethodGet, c.featurePath(feature), nil)
	if err != nil {
		return flightz.Flight{}, err
	}
	return decodeResponse[flightz.Flight](resp)
}

func (c *Client) ListFlights(ctx context.Context) ([]flightz.Flight, error) {
	resp, err := c.do(ctx, http.MethodGet, c.flightsPath(), nil)
	if err != nil {
		return nil, err
	}
	return decodeResponse[[]flightz.Flight](resp)
}

func (c *Client) UpdateFlight(ctx context.Context, feature string, flag flightz.ProjectedFlag) (flightz.IDResult, error) {
	flag.FeatureName = feature
	resp, err := c.do(ctx, http.MethodPut, c.featurePath(feature), flag)
	if err != nil {
		return flightz.IDResult{}, err
	}
	return decodeResponse[flightz.IDResult](resp)
}

func (c *Client) DeleteFlight(ctx context.Context, feature string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.featurePath(feature), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) EnableFlight(ctx context.Context, feature string) (flightz.IDResult, error) {
	return c.toggle(ctx, feature, "enable")
}

func (c *Client) DisableFlight(ctx context.Context, feature string) (flightz.IDResult, error) {
	return c.toggle(ctx, feature, "disable")
}

func (c *Client) toggle(ctx context.Context, feature, action string) (flightz.IDResult, error) {
	resp, err := c.do(ctx, http.MethodPost, c.featurePath(feature)+"/"+action, nil)
	if err != nil {
		return flightz.IDResult{}, err
	}
	return decodeResponse[flightz.IDResult](resp)
}

func (c *Client) ActivateStage(ctx context.Context, feature, stage string) (flightz.IDResult, error) {
	path := c.featurePath(feature) + "/stages/" + url.PathEscape(stage) + "/activate"
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return flightz.IDResult{}, err
	}
	return decodeResponse[flightz.IDResult](resp)
}

func (c *Client) RebuildFlights(ctx context.Context, reason string) ([]flightz.IDResult, error) {
	resp, err := c.do(ctx, http.MethodPost, c.flightsPath()+"/rebuild", map[string]string{"reason": reason})
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse[struct {
		Rebuilt []flightz.IDResult `json:"rebuilt"`
	}](resp)
	if err != nil {
		return nil, err
	}
	return out.Rebuilt, nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, feature string, evalCtx flightz.EvaluationContext) (flightz.Evaluation, error) {
	body := map[string]map[string]string{"context": evalCtx.Attributes}
	resp, err := c.do(ctx, http.MethodPost, c.featurePath(feature)+"/evaluate", body)
	if err != nil {
		return flightz.Evaluation{}, err
	}
	return decodeResponse[flightz.Evaluation](resp)
}

// -- EventReader -------------------------------------------------------------

// ListEvents returns committed events with IDs greater than sinceEventID.
func (c *Client) ListEvents(ctx context.Context, feature string, sinceEventID int64) ([]flightz.Event, error) {
	path := c.featurePath(feature) + "/events"
	if sinceEventID > 0 {
		path += "?since=" + strconv.FormatInt(sinceEventID, 10)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeResponse[[]flightz.Event](resp)
}

// Watch polls the event history on the given interval and emits each new
// event on the returned channel, advancing the cursor as it goes. Poll
// errors are swallowed and retried on the next tick. The channel is closed
// when ctx is cancelled. An interval <= 0 uses a 5 second default.
func (c *Client) Watch(ctx context.Context, feature string, sinceEventID int64, interval time.Duration) (<-chan flightz.Event, error) {
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	// Fail fast on bad scope or missing flight before starting the poll loop.
	events, err := c.ListEvents(ctx, feature, sinceEventID)
	if err != nil {
		return nil, err
	}

	ch := make(chan flightz.Event, 16)
	go func() {
		defer close(ch)

		cursor := sinceEventID
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			for _, event := range events {
				select {
				case ch <- event:
					cursor = event.EventID
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			events, _ = c.ListEvents(ctx, feature, cursor)
		}
	}()
	return ch, nil
}
