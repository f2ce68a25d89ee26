package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oca-meteo/internal/observability"
)

// State is the worker lifecycle state.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// FallbackScope selects which failed network requests receive the cached shell.
type FallbackScope string

const (
	ScopeAll        FallbackScope = "all"
	ScopeNavigation FallbackScope = "navigation"
)

const (
	DefaultCacheName = "oca-sistem-meteo-cache-v1"
	DefaultShellPath = "/index.html"
)

var (
	ErrInvalidState  = errors.New("offline: invalid worker state")
	ErrInstallFailed = errors.New("offline: install failed")
	ErrInvalidOrigin = errors.New("offline: invalid origin URL")
)

// Options configures a Worker. Zero values select the defaults.
type Options struct {
	CacheName string
	Assets    []string
	ShellPath string
	Scope     FallbackScope
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Worker answers requests cache-first in front of an origin server.
type Worker struct {
	origin  *url.URL
	storage Storage
	opts    Options
	client  *http.Client
	proxy   *httputil.ReverseProxy
	logger  *zap.Logger
	state   atomic.Int32
	now     func() time.Time
}

// NewWorker creates a worker in StateParsed. Nothing is fetched until Install.
func NewWorker(origin string, storage Storage, opts Options, logger *zap.Logger) (*Worker, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	if opts.CacheName == "" {
		opts.CacheName = DefaultCacheName
	}
	if opts.ShellPath == "" {
		opts.ShellPath = DefaultShellPath
	}
	if opts.Scope == "" {
		opts.Scope = ScopeAll
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		origin:  u,
		storage: storage,
		opts:    opts,
		client:  &http.Client{Transport: opts.Transport, Timeout: opts.Timeout},
		logger:  logger,
		now:     time.Now,
	}
	w.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Host = u.Host
		},
		Transport:    opts.Transport,
		ErrorHandler: w.networkFailed,
	}
	w.setState(StateParsed)
	return w, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// CacheName returns the cache generation this worker owns.
func (w *Worker) CacheName() string {
	return w.opts.CacheName
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	observability.OfflineWorkerState.Set(float64(s))
}

// Install fetches every asset from the origin and stores them in the worker's
// cache. Any failed fetch leaves the storage untouched and makes the worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateParsed), int32(StateInstalling)) {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, w.State())
	}
	w.setState(StateInstalling)
	start := time.Now()
	defer func() {
		observability.OfflinePhaseDurationSeconds.WithLabelValues("install").Observe(time.Since(start).Seconds())
	}()

	entries, err := w.fetchAssets(ctx)
	if err == nil {
		if err = w.storage.Open(ctx, w.opts.CacheName); err == nil {
			err = w.storage.PutAll(ctx, w.opts.CacheName, entries)
		}
	}
	if err != nil {
		w.setState(StateRedundant)
		w.logger.Error("offline install failed", zap.String("cache", w.opts.CacheName), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.setState(StateInstalled)
	w.logger.Info("offline install complete",
		zap.String("cache", w.opts.CacheName),
		zap.Int("assets", len(entries)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// fetchAssets fetches the asset list concurrently and returns the first error.
func (w *Worker) fetchAssets(ctx context.Context) ([]Response, error) {
	assets := dedupe(w.opts.Assets)
	entries := make([]Response, len(assets))
	errs := make([]error, len(assets))
	var wg sync.WaitGroup
	for i, asset := range assets {
		i, asset := i, asset
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i], errs[i] = w.fetchAsset(ctx, asset)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", assets[i], err)
		}
	}
	return entries, nil
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (Response, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return Response{}, err
	}
	target := w.origin.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Response{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{
		URL:      requestKey(target),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: w.now().UTC(),
	}, nil
}

// Activate deletes every cache generation except the worker's own and waits for all deletions.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateInstalled), int32(StateActivating)) {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, w.State())
	}
	w.setState(StateActivating)
	start := time.Now()
	defer func() {
		observability.OfflinePhaseDurationSeconds.WithLabelValues("activate").Observe(time.Since(start).Seconds())
	}()

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list caches: %w", err)
	}
	var stale []string
	for _, name := range names {
		if name != w.opts.CacheName {
			stale = append(stale, name)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(stale))
	for _, name := range stale {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			deleted, err := w.storage.Delete(ctx, name)
			if err != nil {
				errCh <- fmt.Errorf("delete cache %s: %w", name, err)
				return
			}
			if deleted {
				observability.OfflineCachesDeletedTotal.Inc()
				w.logger.Info("deleted stale cache", zap.String("cache", name))
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		w.setState(StateInstalled)
		w.logger.Error("offline activate failed", zap.Error(err))
		return err
	}
	w.setState(StateActive)
	w.logger.Info("offline worker active",
		zap.String("cache", w.opts.CacheName),
		zap.Int("stale_deleted", len(stale)),
	)
	return nil
}

// ServeHTTP answers from the cache when possible, then from the origin, then
// with the cached shell when the origin is unreachable.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if w.State() != StateActive {
		observability.OfflineResponsesTotal.WithLabelValues("network").Inc()
		w.forward(rw, r)
		return
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if resp, ok := w.match(r.Context(), requestKey(r.URL)); ok {
			observability.OfflineResponsesTotal.WithLabelValues("cache").Inc()
			writeResponse(rw, r, resp)
			return
		}
	}
	observability.OfflineResponsesTotal.WithLabelValues("network").Inc()
	w.forward(rw, r)
}

func (w *Worker) forward(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), w.opts.Timeout)
	defer cancel()
	w.proxy.ServeHTTP(rw, r.WithContext(ctx))
}

// match searches all caches in creation order. Storage errors count as a miss.
func (w *Worker) match(ctx context.Context, key string) (Response, bool) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return Response{}, false
	}
	for _, name := range names {
		resp, ok, err := w.storage.Match(ctx, name, key)
		if err != nil {
			w.logger.Warn("cache lookup failed", zap.String("cache", name), zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			return resp, true
		}
	}
	return Response{}, false
}

// networkFailed is the proxy error handler.
func (w *Worker) networkFailed(rw http.ResponseWriter, r *http.Request, err error) {
	logger := w.logger.With(
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	if w.State() != StateActive || (w.opts.Scope == ScopeNavigation && !isNavigation(r)) {
		logger.Warn("origin unreachable")
		observability.OfflineResponsesTotal.WithLabelValues("unavailable").Inc()
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	shell, ok := w.match(context.WithoutCancel(r.Context()), w.opts.ShellPath)
	if !ok {
		logger.Warn("origin unreachable and no shell cached")
		observability.OfflineResponsesTotal.WithLabelValues("unavailable").Inc()
		http.Error(rw, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	logger.Info("serving cached shell", zap.String("shell", w.opts.ShellPath))
	observability.OfflineResponsesTotal.WithLabelValues("fallback").Inc()
	writeResponse(rw, r, shell)
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeResponse(rw http.ResponseWriter, r *http.Request, resp Response) {
	h := rw.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.Copy(rw, bytes.NewReader(resp.Body))
}

// requestKey is the cache key of a request URL: path plus query.
func requestKey(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
