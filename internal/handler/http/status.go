package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/im-realtime-client/internal/domain/model"
	"github.com/webitel/im-realtime-client/internal/service"
)

// StatusHandler exposes the client state to operators.
type StatusHandler struct {
	rt     service.Realtime
	logger *slog.Logger
}

func NewStatusHandler(rt service.Realtime, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{rt: rt, logger: logger}
}

// Routes mounts the handlers on a fresh chi router.
func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", h.Health)
	r.Get("/state", h.State)
	r.Get("/metrics", h.Metrics)
	r.Post("/messages", h.Send)
	return r
}

type stateResponse struct {
	State     string `json:"state"`
	QueueSize int    `json:"queue_size"`
}

type metricsResponse struct {
	model.ConnectionMetrics
	LatencyMS int64 `json:"latency_ms"`
}

type sendRequest struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Health answers 200 only while the socket is open.
func (h *StatusHandler) Health(w http.ResponseWriter, _ *http.Request) {
	if h.rt.State() != model.StateConnected {
		http.Error(w, h.rt.State().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *StatusHandler) State(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, stateResponse{
		State:     h.rt.State().String(),
		QueueSize: h.rt.QueueSize(),
	})
}

func (h *StatusHandler) Metrics(w http.ResponseWriter, _ *http.Request) {
	m := h.rt.Metrics()
	h.writeJSON(w, http.StatusOK, metricsResponse{ConnectionMetrics: m, LatencyMS: m.LatencyMillis()})
}

// Send accepts a message for delivery; 202 means sent or queued.
func (h *StatusHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	msg := model.OutgoingMessage{Type: req.Type, Payload: req.Payload}
	if req.Channel != "" {
		ch, err := model.ParseChannel(req.Channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg.Channel = ch
	}
	if req.Priority != "" {
		p, err := model.ParsePriority(req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg.Priority = p.Ptr()
	}

	id, err := h.rt.Send(msg)
	switch {
	case errors.Is(err, model.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, model.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("HTTP_SEND_FAILED", "err", err, "type", msg.Type)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.writeJSON(w, http.StatusAccepted, sendResponse{ID: id})
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("HTTP_WRITE_FAILED", "err", err)
	}
}
