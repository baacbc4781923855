package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/diagnostics"
	"conversion-pipeline/internal/ingest"
	"conversion-pipeline/internal/pipeline"
	"conversion-pipeline/internal/storage"
	"conversion-pipeline/pkg/logger"
)

const maxWebhookBytes = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (ingest.Result, error)
}

// Store is what the HTTP surface reads from the server store.
type Store interface {
	Ping(ctx context.Context) error
	diagnostics.StatsSource
}

type Server struct {
	ingest    Ingester
	store     Store
	forwarder *pipeline.Forwarder
	metrics   *pipeline.Metrics
}

// NewServer wires the handlers. fwd may be nil when gateway forwarding is
// not configured; redelivery then answers 503.
func NewServer(in Ingester, store Store, fwd *pipeline.Forwarder, metrics *pipeline.Metrics) *Server {
	if metrics == nil {
		metrics = pipeline.NewMetrics()
	}
	return &Server{ingest: in, store: store, forwarder: fwd, metrics: metrics}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /webhooks/payments", RequestIDMiddleware(http.HandlerFunc(s.handleWebhook)))
	mux.Handle("GET /health", RequestIDMiddleware(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /ready", RequestIDMiddleware(http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", RequestIDMiddleware(http.HandlerFunc(s.handleMetrics)))
	mux.Handle("GET /diagnostics", RequestIDMiddleware(http.HandlerFunc(s.handleDiagnostics)))
	mux.Handle("POST /dead-letters/{fingerprint}/redeliver", RequestIDMiddleware(http.HandlerFunc(s.handleRedeliver)))
}

// handleWebhook acknowledges once the lead is durably stored: 201 for a new
// conversion, 200 for a repeat delivery. Gateway forwarding never affects
// the response.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.Get().With("request_id", GetRequestID(r.Context()))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds limit")
		} else {
			writeError(w, http.StatusBadRequest, "unreadable body")
		}
		log.Warnw("webhook body rejected", "error", err)
		return
	}

	res, err := s.ingest.Ingest(r.Context(), raw)
	switch {
	case errors.Is(err, conversion.ErrInvalidPayload), errors.Is(err, conversion.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		log.Warnw("webhook rejected", "error", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not persist webhook")
		log.Errorw("webhook not persisted", "error", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
	log.Infow("webhook acknowledged", "fingerprint", res.Fingerprint, "duplicate", res.Duplicate)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		logger.Get().Warnw("readiness check failed", "request_id", GetRequestID(r.Context()), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.metrics
	out := map[string]any{
		"webhooks_received":        m.GetReceived(),
		"webhooks_duplicate":       m.GetDuplicates(),
		"webhooks_rejected":        m.GetRejected(),
		"deliveries_forwarded":     m.GetForwarded(),
		"delivery_failed_attempts": m.GetFailedTries(),
		"deliveries_dead_lettered": m.GetDeadLettered(),
		"deliveries_redelivered":   m.GetRedelivered(),
		"average_forward_latency":  m.AvgForwardLatencyMS(),
		"uptime_seconds":           int(time.Since(m.StartTime()).Seconds()),
		"forwarding_enabled":       s.forwarder != nil,
	}
	if s.forwarder != nil {
		out["current_queue_depth"] = s.forwarder.QueueDepth()
		out["active_workers"] = s.forwarder.WorkerCount()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	rep, err := diagnostics.ServerReport(r.Context(), s.store)
	if err != nil {
		logger.Get().Errorw("diagnostics failed", "request_id", GetRequestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "diagnostics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fingerprint")
	log := logger.Get().With("request_id", GetRequestID(r.Context()), "fingerprint", fp)

	if s.forwarder == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway forwarding is not configured")
		return
	}
	d, err := s.forwarder.Redeliver(r.Context(), fp)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown delivery")
		return
	case errors.Is(err, storage.ErrNotDeadLettered):
		writeError(w, http.StatusConflict, "delivery is not dead-lettered")
		return
	case err != nil:
		log.Errorw("redeliver failed", "error", err)
		writeError(w, http.StatusInternalServerError, "redeliver failed")
		return
	}
	log.Infow("redelivery scheduled")
	writeJSON(w, http.StatusAccepted, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
