// Package server exposes the flight lifecycle commands and queries over HTTP.
// Routes follow the tenant/environment hierarchy:
//
//	POST   /v1/tenants/{tenant}/environments/{env}/flights
//	GET    /v1/tenants/{tenant}/environments/{env}/flights
//	POST   /v1/tenants/{tenant}/environments/{env}/flights/rebuild
//	GET    /v1/tenants/{tenant}/environments/{env}/flights/{feature}
//	PUT    /v1/tenants/{tenant}/environments/{env}/flights/{feature}
//	DELETE /v1/tenants/{tenant}/environments/{env}/flights/{feature}
//	POST   /v1/tenants/{tenant}/environments/{env}/flights/{feature}/enable
//	POST   /v1/tenants/{tenant}/environments/{env}/flights/{feature}/disable
//	POST   /v1/tenants/{tenant}/environments/{env}/flights/{feature}/evaluate
//	GET    /v1/tenants/{tenant}/environments/{env}/flights/{feature}/events
//	POST   /v1/tenants/{tenant}/environments/{env}/flights/{feature}/stages/{stage}/activate
//
// plus unauthenticated /healthz and /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/matt-riley/flightz/internal/evaluation"
	"github.com/matt-riley/flightz/internal/flight"
	"github.com/matt-riley/flightz/internal/repository"
	"github.com/matt-riley/flightz/internal/service"
	"github.com/matt-riley/flightz/internal/tenant"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// FlightService is the command/query surface the HTTP layer exposes.
type FlightService interface {
	CreateFeatureFlight(ctx context.Context, spec service.FlightSpec) (service.IDResult, error)
	UpdateFeatureFlight(ctx context.Context, tenant, environment string, updatedFlag *flight.ProjectedFlag) (service.IDResult, error)
	EnableFeatureFlight(ctx context.Context, tenant, environment, feature string) (service.IDResult, error)
	DisableFeatureFlight(ctx context.Context, tenant, environment, feature string) (service.IDResult, error)
	ActivateStage(ctx context.Context, tenant, environment, feature, stage string) (service.IDResult, error)
	DeleteFeatureFlight(ctx context.Context, tenant, environment, feature string) (service.IDResult, error)
	RebuildFeatureFlights(ctx context.Context, tenant, environment, reason string) ([]service.IDResult, error)
	GetFeatureFlight(ctx context.Context, tenant, environment, feature string) (*flight.Snapshot, error)
	ListFeatureFlights(ctx context.Context, tenant, environment string) ([]*flight.Snapshot, error)
	EvaluateFeatureFlight(ctx context.Context, tenant, environment, feature string, evalCtx evaluation.Context) (service.EvaluationResult, error)
}

// EventLog reads the committed event history of a flight.
type EventLog interface {
	ListFlightEvents(ctx context.Context, flightID string, eventID int64) ([]repository.FlightEventRecord, error)
}

// Options carries the optional collaborators of the HTTP handler.
type Options struct {
	// MaxJSONBodyBytes caps request body size; <= 0 uses the 1MB default.
	MaxJSONBodyBytes int64
	// MetricsHandler, when set, is mounted unauthenticated at GET /metrics.
	MetricsHandler http.Handler
	// AuthMiddleware, when set, wraps the /v1 API routes only.
	AuthMiddleware func(http.Handler) http.Handler
}

// HTTPServer serves the flight HTTP API.
type HTTPServer struct {
	service      FlightService
	events       EventLog
	maxBodyBytes int64
}

type createJSONRequest struct {
	Feature               string          `json:"feature"`
	Enabled               bool            `json:"enabled"`
	IncrementalActivation bool            `json:"incremental_activation"`
	Stages                []*flight.Stage `json:"stages"`
}

type rebuildJSONRequest struct {
	Reason string `json:"reason"`
}

type rebuildJSONResponse struct {
	Rebuilt []service.IDResult `json:"rebuilt"`
}

type evaluateJSONRequest struct {
	Context map[string]string `json:"context"`
}

// NewHTTPHandler builds the complete HTTP handler. The service is required;
// events may be nil, in which case the events route responds 404.
func NewHTTPHandler(svc FlightService, events EventLog, opts Options) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	maxBodyBytes := opts.MaxJSONBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		service:      svc,
		events:       events,
		maxBodyBytes: maxBodyBytes,
	}

	const flights = "/v1/tenants/{tenant}/environments/{env}/flights"

	// Auth wraps each API handler rather than a nested mux so the matched
	// route pattern is stamped on the request seen by outer middleware.
	protect := func(h http.HandlerFunc) http.Handler {
		if opts.AuthMiddleware == nil {
			return h
		}
		return opts.AuthMiddleware(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+flights, protect(server.handleCreateFlight))
	mux.Handle("GET "+flights, protect(server.handleListFlights))
	mux.Handle("POST "+flights+"/rebuild", protect(server.handleRebuildFlights))
	mux.Handle("GET "+flights+"/{feature}", protect(server.handleGetFlight))
	mux.Handle("PUT "+flights+"/{feature}", protect(server.handleUpdateFlight))
	mux.Handle("DELETE "+flights+"/{feature}", protect(server.handleDeleteFlight))
	mux.Handle("POST "+flights+"/{feature}/enable", protect(server.handleEnableFlight))
	mux.Handle("POST "+flights+"/{feature}/disable", protect(server.handleDisableFlight))
	mux.Handle("POST "+flights+"/{feature}/evaluate", protect(server.handleEvaluateFlight))
	mux.Handle("GET "+flights+"/{feature}/events", protect(server.handleListFlightEvents))
	mux.Handle("POST "+flights+"/{feature}/stages/{stage}/activate", protect(server.handleActivateStage))
	mux.HandleFunc("GET /healthz", handleHealthz)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	return mux
}

func (s *HTTPServer) handleCreateFlight(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, ok := pathScope(w, r)
	if !ok {
		return
	}

	var request createJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := s.service.CreateFeatureFlight(r.Context(), service.FlightSpec{
		Feature:               request.Feature,
		Tenant:                tenantName,
		Environment:           environment,
		Enabled:               request.Enabled,
		IncrementalActivation: request.IncrementalActivation,
		Stages:                request.Stages,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleGetFlight(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, feature, ok := pathFlight(w, r)
	if !ok {
		return
	}

	snapshot, err := s.service.GetFeatureFlight(r.Context(), tenantName, environment, feature)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleListFlights(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, ok := pathScope(w, r)
	if !ok {
		return
	}

	snapshots, err := s.service.ListFeatureFlights(r.Context(), tenantName, environment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshots)
}

func (s *HTTPServer) handleUpdateFlight(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, feature, ok := pathFlight(w, r)
	if !ok {
		return
	}

	var updatedFlag flight.ProjectedFlag
	if err := s.decodeJSONBody(w, r, &updatedFlag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(updatedFlag.FeatureName) != "" && !strings.EqualFold(updatedFlag.FeatureName, feature) {
		writeJSONError(w, http.StatusBadRequest, "path feature and body feature_name must match")
		return
	}
	updatedFlag.FeatureName = feature

	result, err := s.service.UpdateFeatureFlight(r.Context(), tenantName, environment, &updatedFlag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteFlight(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, feature, ok := pathFlight(w, r)
	if !ok {
		return
	}

	if _, err := s.service.DeleteFeatureFlight(r.Context(), tenantName, environment, feature); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEnableFlight(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.service.EnableFeatureFlight)
}

func (s *HTTPServer) handleDisableFlight(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.service.DisableFeatureFlight)
}

func (s *HTTPServer) handleToggle(w http.ResponseWriter, r *http.Request, toggle func(context.Context, string, string, string) (service.IDResult, error)) {
	tenantName, environment, feature, ok := pathFlight(w, r)
	if !ok {
		return
	}

	result, err := toggle(r.Context(), tenantName, environment, feature)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleActivateStage(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, feature, ok := pathFlight(w, r)
	if !ok {
		return
	}
	stage := strings.TrimSpace(r.PathValue("stage"))
	if stage == "" {
		writeJSONError(w, http.StatusBadRequest, "stage is required")
		return
	}

	result, err := s.service.ActivateStage(r.Context(), tenantName, environment, feature, stage)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRebuildFlights(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, ok := pathScope(w, r)
	if !ok {
		return
	}

	var request rebuildJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Reason) == "" {
		writeJSONError(w, http.StatusBadRequest, "reason is required")
		return
	}

	rebuilt, err := s.service.RebuildFeatureFlights(r.Context(), tenantName, environment, request.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rebuildJSONResponse{Rebuilt: rebuilt})
}

func (s *HTTPServer) handleEvaluateFlight(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, feature, ok := pathFlight(w, r)
	if !ok {
		return
	}

	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := s.service.EvaluateFeatureFlight(r.Context(), tenantName, environment, feature,
		evaluation.Context{Attributes: request.Context})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListFlightEvents(w http.ResponseWriter, r *http.Request) {
	tenantName, environment, feature, ok := pathFlight(w, r)
	if !ok {
		return
	}
	if s.events == nil {
		writeJSONError(w, http.StatusNotFound, "event log not available")
		return
	}

	since, err := parseSinceEventID(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid since event id")
		return
	}

	snapshot, err := s.service.GetFeatureFlight(r.Context(), tenantName, environment, feature)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	records, err := s.events.ListFlightEvents(r.Context(), snapshot.ID, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func parseSinceEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathScope(w http.ResponseWriter, r *http.Request) (tenantName, environment string, ok bool) {
	tenantName = strings.TrimSpace(r.PathValue("tenant"))
	environment = strings.TrimSpace(r.PathValue("env"))
	switch {
	case tenantName == "":
		writeJSONError(w, http.StatusBadRequest, "tenant is required")
		return "", "", false
	case environment == "":
		writeJSONError(w, http.StatusBadRequest, "environment is required")
		return "", "", false
	}
	return tenantName, environment, true
}

func pathFlight(w http.ResponseWriter, r *http.Request) (tenantName, environment, feature string, ok bool) {
	tenantName, environment, ok = pathScope(w, r)
	if !ok {
		return "", "", "", false
	}
	feature = strings.TrimSpace(r.PathValue("feature"))
	if feature == "" {
		writeJSONError(w, http.StatusBadRequest, "feature is required")
		return "", "", "", false
	}
	return tenantName, environment, feature, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	var domainErr *flight.Error
	switch {
	case errors.As(err, &domainErr):
		switch {
		case flight.IsNotFound(err):
			writeJSONErrorCode(w, http.StatusNotFound, domainErr.Code, domainErr.Message)
		case flight.IsValidation(err), flight.IsConfiguration(err):
			writeJSONErrorCode(w, http.StatusBadRequest, domainErr.Code, domainErr.Message)
		default:
			writeJSONErrorCode(w, http.StatusInternalServerError, domainErr.Code, domainErr.Message)
		}
	case errors.Is(err, tenant.ErrTenantNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
