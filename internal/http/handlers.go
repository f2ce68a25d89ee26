package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oca-meteo/internal/lifecycle"
	"github.com/kjstillabower/oca-meteo/internal/observability"
	"github.com/kjstillabower/oca-meteo/internal/offline"
	"github.com/kjstillabower/oca-meteo/internal/traffic"
	"github.com/kjstillabower/oca-meteo/internal/validation"
	"github.com/kjstillabower/oca-meteo/internal/widget"
)

// maxAskBody bounds the POST /widget/ask body.
const maxAskBody = 16 << 10

// Widget is the widget surface served over HTTP.
type Widget interface {
	Render(w io.Writer) error
	RenderChart(w io.Writer) error
	Snapshot() widget.Snapshot
	AskAI(ctx context.Context, question string) string
}

// OfflineWorker reports the offline worker lifecycle state for health checks.
type OfflineWorker interface {
	State() offline.State
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StoragePing, when set, is called to check offline storage reachability. Used when storage is memcached.
	StoragePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	widget            Widget
	worker            OfflineWorker
	healthConfig      *HealthConfig
	logger            *zap.Logger
	questionMaxLength int
	healthStatusMu    sync.Mutex
	healthStatusPrev  string
}

// NewHandler returns a new Handler. worker may be nil when the offline worker is disabled.
func NewHandler(w Widget, worker OfflineWorker, healthConfig *HealthConfig, logger *zap.Logger, questionMaxLength int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		widget:            w,
		worker:            worker,
		healthConfig:      healthConfig,
		logger:            logger,
		questionMaxLength: questionMaxLength,
	}
}

// GetWidget handles GET /widget.
func (h *Handler) GetWidget(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.widget.Render(&buf); err != nil {
		requestLogger(r, h.logger).Error("render widget", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "RENDER_FAILED", "Unable to render widget")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// GetChart handles GET /widget/chart.svg. Returns 204 until the first combined load succeeds.
func (h *Handler) GetChart(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.widget.RenderChart(&buf); err != nil {
		if errors.Is(err, widget.ErrNoChart) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		requestLogger(r, h.logger).Error("render chart", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "RENDER_FAILED", "Unable to render chart")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// GetState handles GET /widget/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.widget.Snapshot())
}

// PostAsk handles POST /widget/ask. The AI never fails from the caller's point
// of view: backend errors come back as the fallback reply with status 200.
func (h *Handler) PostAsk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAskBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "body must be JSON {\"question\": string}")
		return
	}
	question, err := validation.ValidateQuestion(body.Question, h.questionMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUESTION", err.Error())
		return
	}
	reply := h.widget.AskAI(r.Context(), question)
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.reason == "error_rate_breach" {
		checks["meteoApi"] = "unhealthy"
	} else {
		checks["meteoApi"] = "healthy"
	}
	if h.worker != nil {
		checks["offline"] = h.worker.State().String()
	}
	if h.healthConfig != nil && h.healthConfig.StoragePing != nil {
		if h.healthConfig.StoragePing() == nil {
			checks["storage"] = "healthy"
		} else {
			checks["storage"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > installing > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"installing", http.StatusServiceUnavailable, "startup"}
	}
	// A redundant worker only forwards to the origin; the widget is unaffected.
	if h.worker != nil {
		if st := h.worker.State(); st != offline.StateActive && st != offline.StateRedundant {
			return healthResult{"installing", http.StatusServiceUnavailable, "offline_" + st.String()}
		}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationID(r),
		},
	})
}

func correlationID(r *http.Request) string {
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		return v
	}
	return ""
}

// requestLogger returns the request-scoped logger set by CorrelationIDMiddleware, else fallback.
func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
