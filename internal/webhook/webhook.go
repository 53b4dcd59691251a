// Package webhook implements the event bus that receives committed domain
// events. Every event is appended to the flight event log and fanned out to
// the tenant's webhook endpoints. Delivery to endpoints is fire-and-forget:
// a failing webhook never fails the command that produced the event.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/repository"
	"github.com/matt-riley/flightz/internal/tenant"
)

const (
	dispatchTimeout = 5 * time.Second
	requestTimeout  = 3 * time.Second
)

// EventLog persists committed events; satisfied by the repository.
type EventLog interface {
	InsertFlightEvent(ctx context.Context, event flight.Event) (repository.FlightEventRecord, error)
}

// Bus implements flight.EventBus.
type Bus struct {
	log        *slog.Logger
	eventLog   EventLog
	tenants    tenant.Provider
	httpClient *http.Client
}

// Option configures the bus.
type Option func(*Bus)

// WithHTTPClient overrides the HTTP client used for webhook delivery.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(b *Bus) { b.httpClient = httpClient }
}

// New builds a bus that logs events via eventLog and resolves webhook
// endpoints through the tenant provider. eventLog may be nil when no event
// log is configured.
func New(log *slog.Logger, eventLog EventLog, tenants tenant.Provider, options ...Option) *Bus {
	if log == nil {
		log = slog.Default()
	}
	bus := &Bus{
		log:      log,
		eventLog: eventLog,
		tenants:  tenants,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Publish records each event and dispatches it to subscribed webhooks.
// Event log failures propagate; webhook delivery failures are logged only.
func (b *Bus) Publish(ctx context.Context, events []flight.Event) error {
	for _, event := range events {
		if b.eventLog != nil {
			if _, err := b.eventLog.InsertFlightEvent(ctx, event); err != nil {
				return fmt.Errorf("record event %s: %w", event.Name(), err)
			}
		}
		b.dispatch(ctx, event)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, event flight.Event) {
	if b.tenants == nil {
		return
	}

	properties := event.Properties()
	tenantName := properties["tenant"]
	configuration, err := b.tenants.Get(ctx, tenantName)
	if err != nil {
		b.log.Warn("webhook dispatch skipped: tenant lookup failed",
			"tenant", tenantName, "event", event.Name(), "error", err)
		return
	}

	for _, endpoint := range configuration.Webhooks {
		if !subscribed(endpoint, event.Name()) {
			continue
		}
		go b.deliver(ctx, endpoint.URL, event, properties)
	}
}

func subscribed(endpoint tenant.WebhookSettings, eventName string) bool {
	if len(endpoint.Events) == 0 {
		return true
	}
	return slices.ContainsFunc(endpoint.Events, func(name string) bool {
		return strings.EqualFold(name, eventName)
	})
}

func (b *Bus) deliver(ctx context.Context, endpointURL string, event flight.Event, properties map[string]string) {
	// The command has already committed; deliver on a detached context so
	// request cancellation does not abort notifications in flight.
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	payload, err := json.Marshal(struct {
		Event      string            `json:"event"`
		FlightID   string            `json:"flight_id"`
		OccurredAt time.Time         `json:"occurred_at"`
		Properties map[string]string `json:"properties"`
	}{
		Event:      event.Name(),
		FlightID:   event.FlightID(),
		OccurredAt: event.OccurredAt(),
		Properties: properties,
	})
	if err != nil {
		b.log.Error("marshal webhook payload", "event", event.Name(), "error", err)
		return
	}

	req, err := http.NewRequestWithContext(deliverCtx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		b.log.Error("create webhook request", "url", endpointURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", event.TrackingIDs().CorrelationID)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.log.Warn("webhook delivery failed", "url", endpointURL, "event", event.Name(), "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.log.Warn("webhook delivery rejected", "url", endpointURL, "event", event.Name(), "status", resp.StatusCode)
	}
}
