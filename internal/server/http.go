package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gradualhq/gradual/internal/core"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/middleware"
	"github.com/gradualhq/gradual/internal/repository"
	"github.com/gradualhq/gradual/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
	defaultVersion            = "dev"

	defaultAuditLogLimit = 100
	maxAuditLogLimit     = 1000
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	apiKeys            APIKeyStore
	audit              AuditStore
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	version            string
}

type createFlagRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Enabled     bool     `json:"enabled"`
	Rollout     *float64 `json:"rollout_percentage"`
}

type updateFlagRequest struct {
	Enabled     *bool         `json:"enabled"`
	Description *string       `json:"description"`
	Rollout     optionalFloat `json:"rollout_percentage"`
}

// optionalFloat records whether the field appeared in the JSON payload at
// all. An explicit null clears the stored value; an absent field leaves it
// untouched.
type optionalFloat struct {
	Set   bool
	Value *float64
}

func (o *optionalFloat) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, []byte("null")) {
		o.Value = nil
		return nil
	}

	var value float64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	o.Value = &value
	return nil
}

type userFlagsResponse struct {
	UserID string            `json:"user_id"`
	Flags  []core.Evaluation `json:"flags"`
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

type createAPIKeyResponse struct {
	repository.APIKey
	Token string `json:"token"`
}

type Option func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream polls for new flag events.
func WithStreamPollInterval(interval time.Duration) Option {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize caps accepted JSON request bodies at limit bytes.
func WithMaxJSONBodySize(limit int64) Option {
	return func(s *HTTPServer) {
		if limit > 0 {
			s.maxJSONBodyBytes = limit
		}
	}
}

// WithMetrics instruments requests, evaluations, and stream sessions, and
// exposes the Prometheus registry on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// WithAPIKeyStore enables the /v1/api-keys management endpoints.
func WithAPIKeyStore(store APIKeyStore) Option {
	return func(s *HTTPServer) {
		s.apiKeys = store
	}
}

// WithAuditStore enables the /v1/audit-log endpoint.
func WithAuditStore(store AuditStore) Option {
	return func(s *HTTPServer) {
		s.audit = store
	}
}

// WithVersion sets the version string reported by GET /healthz.
func WithVersion(version string) Option {
	return func(s *HTTPServer) {
		if strings.TrimSpace(version) != "" {
			s.version = version
		}
	}
}

func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
		version:            defaultVersion,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{name}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{name}", server.handleDeleteFlag)
	mux.HandleFunc("GET /v1/users/{user_id}/flags", server.handleEvaluateUser)
	mux.HandleFunc("GET /v1/users/{user_id}/flags/{name}", server.handleEvaluateUserFlag)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	if server.apiKeys != nil {
		mux.HandleFunc("POST /v1/api-keys", server.handleCreateAPIKey)
		mux.HandleFunc("GET /v1/api-keys", server.handleListAPIKeys)
		mux.HandleFunc("DELETE /v1/api-keys/{id}", server.handleRevokeAPIKey)
	}
	if server.audit != nil {
		mux.HandleFunc("GET /v1/audit-log", server.handleAuditLog)
	}

	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
		return server.metrics.InstrumentHTTP(mux)
	}

	return mux
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var request createFlagRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFlag(actorContext(r), repository.Flag{
		Name:              request.Name,
		Description:       request.Description,
		Enabled:           request.Enabled,
		RolloutPercentage: request.Rollout,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	var request updateFlagRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	update := repository.FlagUpdate{
		Enabled:     request.Enabled,
		Description: request.Description,
	}
	if request.Rollout.Set {
		update.RolloutSet = true
		update.Rollout = request.Rollout.Value
	}

	updated, err := s.service.UpdateFlag(actorContext(r), name, update)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.service.DeleteFlag(actorContext(r), name); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluateUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	evaluations, err := s.service.EvaluateForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		for _, evaluation := range evaluations {
			s.metrics.RecordEvaluation(evaluation.Enabled)
		}
	}

	writeJSON(w, http.StatusOK, userFlagsResponse{UserID: userID, Flags: evaluations})
}

func (s *HTTPServer) handleEvaluateUserFlag(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	evaluation, err := s.service.EvaluateFlagForUser(r.Context(), userID, name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEvaluation(evaluation.Enabled)
	}

	writeJSON(w, http.StatusOK, evaluation)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.FlagEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *HTTPServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var request createAPIKeyRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	key, secret, err := s.apiKeys.CreateAPIKey(r.Context(), request.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyResponse{
		APIKey: key,
		Token:  key.ID + "." + secret,
	})
}

func (s *HTTPServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.apiKeys.ListAPIKeys(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, keys)
}

func (s *HTTPServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.apiKeys.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "api key not found")
			return
		}
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseAuditLogPage(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.audit.ListAuditLog(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func parseLastEventID(value string) (int64, error) {
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

func parseAuditLogPage(query url.Values) (int, int, error) {
	limit := defaultAuditLogLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(parsed, maxAuditLogLimit)
	}

	offset := 0
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = parsed
	}

	return limit, offset, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "create", "created":
		return "create"
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

// actorContext carries the authenticated actor, when one is present, into the
// service layer for audit attribution.
func actorContext(r *http.Request) context.Context {
	ctx := r.Context()
	if actor, ok := middleware.ActorFromContext(ctx); ok {
		ctx = service.WithActor(ctx, actor)
	}
	return ctx
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagExists),
		errors.Is(err, service.ErrNameRequired),
		errors.Is(err, service.ErrNameTooLong),
		errors.Is(err, service.ErrDescriptionTooLong),
		errors.Is(err, service.ErrRolloutOutOfRange),
		errors.Is(err, service.ErrUserIDRequired):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrFlagExists):
		return "flag already exists"
	case errors.Is(err, service.ErrNameRequired):
		return "name is required"
	case errors.Is(err, service.ErrNameTooLong):
		return "name exceeds 255 characters"
	case errors.Is(err, service.ErrDescriptionTooLong):
		return "description exceeds 500 characters"
	case errors.Is(err, service.ErrRolloutOutOfRange):
		return "rollout percentage must be between 0 and 100"
	case errors.Is(err, service.ErrUserIDRequired):
		return "user id is required"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
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

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
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
