package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/oca-meteo/internal/client"
	"github.com/kjstillabower/oca-meteo/internal/models"
	"github.com/kjstillabower/oca-meteo/internal/notify"
	"github.com/kjstillabower/oca-meteo/internal/observability"
	"github.com/kjstillabower/oca-meteo/internal/traffic"
)

const (
	panelCombined = "combined"
	panelAIRain   = "ai_rain"
)

var errNoReadings = errors.New("combined response has no readings")

// withCycleID tags a refresh cycle so backend logs can be correlated.
func withCycleID(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return context.WithValue(ctx, "correlation_id", id), id
}

// LoadCombined fetches the combined readings, upserts the chart and renders the
// first reading as the current summary. Failures are logged and leave the
// panels untouched.
func (w *Widget) LoadCombined(ctx context.Context) {
	gen := w.generation.Add(1)
	ctx, cycleID := withCycleID(ctx)
	logger := w.logger.With(zap.String("correlation_id", cycleID), zap.Uint64("generation", gen))

	backend := w.currentBackend()
	if backend == nil {
		w.recordFailure(ctx, panelCombined, logger, ErrNotAttached)
		return
	}
	readings, err := backend.Combined(ctx)
	if err == nil && len(readings) == 0 {
		err = errNoReadings
	}
	if err != nil {
		w.recordFailure(ctx, panelCombined, logger, err)
		return
	}

	labels := make([]string, len(readings))
	temps := make([]float64, len(readings))
	for i, r := range readings {
		labels[i] = HourLabel(r.TS, w.cfg.Location)
		temps[i] = r.Temp
	}
	first := readings[0]

	w.mu.Lock()
	if applied := w.appliedCombined; gen <= applied {
		w.mu.Unlock()
		observability.RefreshCyclesTotal.WithLabelValues(panelCombined, "superseded").Inc()
		logger.Debug("combined result superseded", zap.Uint64("applied_generation", applied))
		return
	}
	w.appliedCombined = gen
	w.drawChartLocked(labels, temps)
	w.summary = &Summary{
		Sky:        first.Sky,
		TrendMax:   first.TrendMax.String(),
		TrendMin:   first.TrendMin.String(),
		ObservedAt: first.TS.In(w.cfg.Location),
		UpdatedAt:  w.now(),
	}
	w.mu.Unlock()

	traffic.RecordSuccess()
	observability.RefreshCyclesTotal.WithLabelValues(panelCombined, "applied").Inc()
	logger.Debug("combined loaded", zap.Int("readings", len(readings)))
}

// LoadAI fetches the AI rain probability, renders it and notifies when it is
// above the alert threshold. Failures are logged and leave the panel untouched.
func (w *Widget) LoadAI(ctx context.Context) {
	gen := w.generation.Add(1)
	ctx, cycleID := withCycleID(ctx)
	logger := w.logger.With(zap.String("correlation_id", cycleID), zap.Uint64("generation", gen))

	backend := w.currentBackend()
	if backend == nil {
		w.recordFailure(ctx, panelAIRain, logger, ErrNotAttached)
		return
	}
	forecast, err := backend.RainForecast(ctx)
	if err != nil {
		w.recordFailure(ctx, panelAIRain, logger, err)
		return
	}

	w.mu.Lock()
	if gen <= w.appliedRain {
		w.mu.Unlock()
		observability.RefreshCyclesTotal.WithLabelValues(panelAIRain, "superseded").Inc()
		logger.Debug("ai rain result superseded")
		return
	}
	w.appliedRain = gen
	w.rain = &Rain{Probability: forecast.Probability, UpdatedAt: w.now()}
	w.mu.Unlock()

	traffic.RecordSuccess()
	observability.RefreshCyclesTotal.WithLabelValues(panelAIRain, "applied").Inc()

	if forecast.Probability > w.rainThreshold {
		w.SendNotification(ctx, RainAlertMessage)
	}
}

// AskAI sends question to the AI endpoint and returns its reply. It never
// fails: any error yields FallbackReply.
func (w *Widget) AskAI(ctx context.Context, question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		question = DefaultQuestion
	}
	backend := w.currentBackend()
	if backend == nil {
		w.logger.Error("ask ai failed", zap.Error(ErrNotAttached))
		observability.AskRequestsTotal.WithLabelValues("fallback").Inc()
		return FallbackReply
	}
	reply, err := backend.Ask(ctx, question)
	if err != nil {
		w.logger.Error("ask ai failed",
			zap.Error(err),
			zap.String("category", string(client.CategorizeError(err))))
		observability.AskRequestsTotal.WithLabelValues("fallback").Inc()
		return FallbackReply
	}
	observability.AskRequestsTotal.WithLabelValues("reply").Inc()
	return reply.Reply
}

// SendNotification notifies only when permission is already granted.
func (w *Widget) SendNotification(ctx context.Context, msg string) bool {
	if w.notifier == nil {
		return false
	}
	return w.notifier.Send(ctx, notify.DefaultTitle, msg)
}

// recordFailure logs and counts a failed cycle. A cycle cancelled by Detach or
// shutdown is not a backend failure and stays out of the health window.
func (w *Widget) recordFailure(ctx context.Context, panel string, logger *zap.Logger, err error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		observability.RefreshCyclesTotal.WithLabelValues(panel, "cancelled").Inc()
		logger.Debug(fmt.Sprintf("load %s cancelled", panel), zap.Error(err))
		return
	}
	traffic.RecordError()
	observability.RefreshCyclesTotal.WithLabelValues(panel, "error").Inc()
	logger.Error(fmt.Sprintf("load %s failed", panel),
		zap.Error(err),
		zap.String("category", string(client.CategorizeError(err))))
}

// HourLabel renders the hour of ts in loc without padding, e.g. "9:00".
func HourLabel(ts models.Timestamp, loc *time.Location) string {
	return fmt.Sprintf("%d:00", ts.In(loc).Hour())
}
