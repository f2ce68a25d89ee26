// Package widget is the OCA meteo display widget: it polls the meteo backend,
// owns a single temperature chart, renders the summary panels and forwards
// questions to the AI endpoint.
//
// Refresh cycles run on their own goroutines and may overlap. Every cycle
// takes a generation number; a result is applied only when it is newer than
// the last one applied to the same panel, so a slow cycle can never overwrite
// a fresher one. All panel state is guarded by Widget.mu.
package widget

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oca-meteo/internal/client"
	"github.com/kjstillabower/oca-meteo/internal/notify"
)

const (
	// DefaultAPI is used when the host supplies no api attribute.
	DefaultAPI = "https://oca-sistem-meteo.onrender.com"

	// DefaultRefreshInterval is the polling period of both panels.
	DefaultRefreshInterval = 10 * time.Minute

	// DefaultRainAlertThreshold: probabilities strictly above it notify.
	DefaultRainAlertThreshold = 70.0

	// DefaultQuestion is what the ask button sends.
	DefaultQuestion = "¿Va a llover hoy en mi ubicación?"

	// FallbackReply is returned by AskAI whenever the AI endpoint fails.
	FallbackReply = "La IA no está disponible"

	// RainAlertMessage is the body of the high rain probability notification.
	RainAlertMessage = "Alta probabilidad de lluvia en las próximas horas"
)

// ErrNotAttached is logged when AskAI runs before Attach resolved a backend.
var ErrNotAttached = errors.New("widget not attached")

// State is the widget lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateAttached
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	default:
		return "uninitialized"
	}
}

// Config holds the host-supplied attributes and tuning.
type Config struct {
	// API is the host "api" attribute. Empty selects DefaultAPI.
	API             string
	RefreshInterval time.Duration
	// RainAlertThreshold nil selects DefaultRainAlertThreshold. Zero notifies on any rain.
	RainAlertThreshold *float64
	// Location is the zone chart labels are computed in. Nil means time.Local.
	Location *time.Location
}

// BackendFactory builds the backend client for the resolved base URL.
type BackendFactory func(baseURL string) (client.MeteoClient, error)

// Notifier is the permission-gated notification API the widget uses.
type Notifier interface {
	RequestPermission(ctx context.Context) notify.Permission
	Send(ctx context.Context, title, body string) bool
}

// Summary is the "current" panel, taken from the first combined reading.
type Summary struct {
	Sky        string    `json:"sky"`
	TrendMax   string    `json:"tendenciaMax"`
	TrendMin   string    `json:"tendenciaMin"`
	ObservedAt time.Time `json:"observedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// String formats the panel as "sky / max / min".
func (s Summary) String() string {
	return fmt.Sprintf("%s / %s / %s", s.Sky, s.TrendMax, s.TrendMin)
}

// Rain is the AI rain probability panel.
type Rain struct {
	Probability float64   `json:"probability"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Widget is one display widget instance.
type Widget struct {
	cfg           Config
	rainThreshold float64
	newBackend    BackendFactory
	notifier      Notifier
	logger        *zap.Logger
	panel         *template.Template
	now           func() time.Time

	generation atomic.Uint64
	cycles     sync.WaitGroup

	mu              sync.Mutex
	state           State
	baseURL         string
	backend         client.MeteoClient
	cancel          context.CancelFunc
	loopDone        chan struct{}
	chart           *Chart
	summary         *Summary
	rain            *Rain
	appliedCombined uint64
	appliedRain     uint64
}

// New builds the widget markup and style scope. It performs no I/O and
// starts no goroutines.
func New(cfg Config, newBackend BackendFactory, notifier Notifier, logger *zap.Logger) *Widget {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	rainThreshold := DefaultRainAlertThreshold
	if cfg.RainAlertThreshold != nil {
		rainThreshold = *cfg.RainAlertThreshold
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Widget{
		cfg:           cfg,
		rainThreshold: rainThreshold,
		newBackend:    newBackend,
		notifier:      notifier,
		logger:        logger.With(zap.String("component", "widget")),
		panel:         template.Must(template.New("panel").Parse(panelTemplate)),
		now:           time.Now,
	}
}

// State returns the lifecycle state.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// BaseURL returns the resolved base URL, empty before Attach.
func (w *Widget) BaseURL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseURL
}

// Attach resolves the base URL, asks for notification permission, runs one
// refresh of both panels and then refreshes every RefreshInterval until
// Detach or ctx is done. Attaching an attached widget is a no-op.
func (w *Widget) Attach(ctx context.Context) error {
	if w.State() == StateAttached {
		return nil
	}
	if w.notifier != nil {
		w.notifier.RequestPermission(ctx)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateAttached {
		return nil
	}
	base := strings.TrimSpace(w.cfg.API)
	if base == "" {
		base = DefaultAPI
	}
	backend, err := w.newBackend(base)
	if err != nil {
		return fmt.Errorf("widget backend %s: %w", base, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.baseURL = base
	w.backend = backend
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	w.state = StateAttached

	// Cycles are registered under mu so Detach never waits on a WaitGroup
	// that is still being added to.
	w.startCycle(runCtx)
	go w.autoRefresh(runCtx, w.loopDone)

	w.logger.Info("widget attached", zap.String("base_url", base), zap.Duration("refresh_interval", w.cfg.RefreshInterval))
	return nil
}

// Detach stops the refresh ticker, cancels in-flight cycles and waits for them.
func (w *Widget) Detach() {
	w.mu.Lock()
	if w.state != StateAttached {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.loopDone
	w.state = StateDetached
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	<-done
	w.cycles.Wait()
	w.logger.Info("widget detached")
}

// autoRefresh starts a cycle on every tick. Cycles are not serialized; the
// generation guard decides which result is shown.
func (w *Widget) autoRefresh(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.startCycle(ctx)
		}
	}
}

func (w *Widget) startCycle(ctx context.Context) {
	w.cycles.Add(2)
	go func() {
		defer w.cycles.Done()
		w.LoadCombined(ctx)
	}()
	go func() {
		defer w.cycles.Done()
		w.LoadAI(ctx)
	}()
}

func (w *Widget) currentBackend() client.MeteoClient {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backend
}
