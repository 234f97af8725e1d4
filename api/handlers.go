package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/conveyor/backpressure"
	"github.com/maxpert/conveyor/db"
	"github.com/maxpert/conveyor/enroll"
	"github.com/maxpert/conveyor/filter"
	"github.com/maxpert/conveyor/telemetry"
	"github.com/maxpert/conveyor/topic"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// EventStore is the subset of the store the API needs
type EventStore interface {
	Dispatch(ctx context.Context, ne db.NewEvent) (*db.Event, error)
	Get(ctx context.Context, eventID string) (*db.Event, error)
	Dependents(ctx context.Context, eventID string) ([]*db.Event, error)
	ReportStatus(ctx context.Context, eventID string, status db.Status) (*db.Event, error)
	AvailableConnections() int
}

// Enroller claims work
type Enroller interface {
	Enroll(ctx context.Context, req enroll.Request) (*enroll.Job, error)
}

// Defaults fill enrollment fields the caller omitted
type Defaults struct {
	MaxRetries      int
	IgnoreOlderThan int // days
}

// Handlers serves the enrollment and event endpoints
type Handlers struct {
	store    EventStore
	enroller Enroller
	defaults Defaults
}

// NewHandlers creates a new Handlers instance
func NewHandlers(store EventStore, enroller Enroller, defaults Defaults) *Handlers {
	if defaults.MaxRetries < 1 {
		defaults.MaxRetries = enroll.DefaultMaxRetries
	}
	if defaults.IgnoreOlderThan < 0 {
		defaults.IgnoreOlderThan = enroll.DefaultIgnoreOlderThan
	}
	return &Handlers{store: store, enroller: enroller, defaults: defaults}
}

// topicList accepts either a single topic string or a list of them
type topicList []string

func (t *topicList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = topicList{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("source_topic must be a string or a list of strings")
	}
	*t = many
	return nil
}

type enrollRequest struct {
	SourceTopic     topicList       `json:"source_topic"`
	TargetTopic     string          `json:"target_topic"`
	Sender          string          `json:"sender"`
	Description     string          `json:"description"`
	Sequential      bool            `json:"sequential"`
	Filter          json.RawMessage `json:"filter"`
	MaxRetries      *int            `json:"max_retries"`
	IgnoreOlderThan *int            `json:"ignore_older_than"`
	SlothMode       bool            `json:"sloth_mode"`
}

type dispatchRequest struct {
	Topic       string                 `json:"topic"`
	Sender      string                 `json:"sender"`
	Description string                 `json:"description"`
	Payload     map[string]interface{} `json:"payload"`
}

type statusRequest struct {
	Status db.Status `json:"status"`
}

type eventResponse struct {
	*db.Event
	Dependents []*db.Event `json:"dependents"`
}

// handleEnroll claims the next unit of work for a service caller
func (h *Handlers) handleEnroll(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	if !user.IsService {
		telemetry.EnrollTotal.With("forbidden").Inc()
		writeError(w, r, fmt.Errorf("%w: %s", enroll.ErrForbidden, user.Name))
		return
	}

	req, err := h.decodeEnroll(r, user)
	if err != nil {
		telemetry.EnrollTotal.With("invalid").Inc()
		writeError(w, r, err)
		return
	}

	job, err := h.enroller.Enroll(r.Context(), req)
	if errors.Is(err, enroll.ErrNoWork) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, job)
}

// decodeEnroll normalizes the request body, applying defaults for omitted fields
func (h *Handlers) decodeEnroll(r *http.Request, user User) (enroll.Request, error) {
	var body enrollRequest
	if err := decodeBody(r, &body); err != nil {
		return enroll.Request{}, err
	}

	req := enroll.Request{
		SourceTopics:    body.SourceTopic,
		TargetTopic:     body.TargetTopic,
		Sender:          body.Sender,
		UserName:        user.Name,
		Description:     body.Description,
		Sequential:      body.Sequential,
		MaxRetries:      h.defaults.MaxRetries,
		IgnoreOlderThan: h.defaults.IgnoreOlderThan,
		SlothMode:       body.SlothMode,
	}
	if req.Sender == "" {
		req.Sender = user.Name
	}
	if body.MaxRetries != nil {
		req.MaxRetries = *body.MaxRetries
	}
	if body.IgnoreOlderThan != nil {
		req.IgnoreOlderThan = *body.IgnoreOlderThan
	}

	raw := bytes.TrimSpace(body.Filter)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		f, err := filter.Parse(raw)
		if err != nil {
			return enroll.Request{}, fmt.Errorf("%w: %w", enroll.ErrInvalidFilter, err)
		}
		req.Filter = f
	}

	return req, nil
}

// handleDispatch appends a pending event
func (h *Handlers) handleDispatch(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var body dispatchRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	sender := body.Sender
	if sender == "" {
		sender = user.Name
	}

	ev, err := h.store.Dispatch(r.Context(), db.NewEvent{
		Topic:       body.Topic,
		Sender:      sender,
		UserName:    user.Name,
		Description: body.Description,
		Payload:     body.Payload,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	telemetry.EventsDispatchedTotal.Inc()
	log.Debug().Str("event", ev.ID).Str("topic", ev.Topic).Str("sender", ev.Sender).Msg("Event dispatched")
	writeJSONResponse(w, http.StatusCreated, ev)
}

// handleReportStatus applies a worker's status report to its claim
func (h *Handlers) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	if !user.IsService {
		writeError(w, r, fmt.Errorf("%w: %s", enroll.ErrForbidden, user.Name))
		return
	}

	var body statusRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	ev, err := h.store.ReportStatus(r.Context(), chi.URLParam(r, "eventID"), body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	telemetry.StatusReportsTotal.With(string(ev.Status)).Inc()
	log.Debug().
		Str("event", ev.ID).
		Str("reported", string(body.Status)).
		Str("status", string(ev.Status)).
		Str("user", user.Name).
		Msg("Status reported")
	writeJSONResponse(w, http.StatusOK, ev)
}

// handleGetEvent returns an event with the claims made against it
func (h *Handlers) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	ev, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	dependents, err := h.store.Dependents(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dependents == nil {
		dependents = []*db.Event{}
	}

	writeJSONResponse(w, http.StatusOK, eventResponse{Event: ev, Dependents: dependents})
}

// handleHealth reports liveness and pool headroom
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"available_connections": h.store.AvailableConnections(),
	})
}

// decodeBody decodes a JSON request body, wrapping failures as ErrInvalidRequest
func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %v", enroll.ErrInvalidRequest, err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", enroll.ErrInvalidRequest, maxBodyBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", enroll.ErrInvalidRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", enroll.ErrInvalidRequest, err)
	}
	return nil
}

// errorStatus maps an error to its HTTP status and error code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, enroll.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, enroll.ErrInvalidTargetTopic), errors.Is(err, topic.ErrInvalidTargetTopic):
		return http.StatusBadRequest, "invalid_target_topic"
	case errors.Is(err, enroll.ErrInvalidTopic), errors.Is(err, topic.ErrInvalidTopic):
		return http.StatusBadRequest, "invalid_topic"
	case errors.Is(err, enroll.ErrInvalidFilter), errors.Is(err, filter.ErrInvalidFilter):
		return http.StatusBadRequest, "invalid_filter"
	case errors.Is(err, enroll.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, db.ErrInvalidStatus):
		return http.StatusBadRequest, "invalid_status"
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, db.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, enroll.ErrUnavailable), errors.Is(err, backpressure.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError logs err at a level matching its class and writes the error response.
// Client errors go to debug, capacity errors to warn.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)

	switch {
	case status == http.StatusServiceUnavailable:
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Request refused, capacity exhausted")
		w.Header().Set("Retry-After", "1")
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	default:
		log.Debug().Err(err).Str("path", r.URL.Path).Str("code", code).Msg("Client error")
	}

	writeErrorResponse(w, status, code, err.Error())
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
		"code":  code,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
