package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/oca-meteo/internal/observability"
	"github.com/kjstillabower/oca-meteo/internal/widget"
)

// StatePath serves the widget snapshot as JSON.
const StatePath = "/widget/state"

// RouterConfig holds what NewRouter mounts besides the handler.
type RouterConfig struct {
	// Offline serves every path not claimed by the widget or operational routes. Nil answers 404.
	Offline        http.Handler
	AskLimiter     *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter mounts the operational, widget and offline routes with the middleware chain.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	widgetRouter := router.PathPrefix("/widget").Subrouter()
	if cfg.RequestTimeout > 0 {
		widgetRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	widgetRouter.HandleFunc("", h.GetWidget).Methods(http.MethodGet)
	widgetRouter.HandleFunc("/chart.svg", h.GetChart).Methods(http.MethodGet)
	widgetRouter.HandleFunc("/state", h.GetState).Methods(http.MethodGet)

	askRouter := router.Path(widget.AskPath).Subrouter()
	askRouter.Use(RateLimitMiddleware(cfg.AskLimiter))
	if cfg.RequestTimeout > 0 {
		askRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	askRouter.Methods(http.MethodPost).HandlerFunc(h.PostAsk)

	if cfg.Offline != nil {
		router.PathPrefix("/").Handler(cfg.Offline)
	}
	return router
}
