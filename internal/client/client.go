package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/oca-meteo/internal/circuitbreaker"
	"github.com/kjstillabower/oca-meteo/internal/models"
	"github.com/kjstillabower/oca-meteo/internal/observability"
)

// MeteoClient is the remote meteo backend consumed by the widget.
type MeteoClient interface {
	Combined(ctx context.Context) ([]models.CombinedReading, error)
	RainForecast(ctx context.Context) (models.RainForecast, error)
	Ask(ctx context.Context, question string) (models.AIReply, error)
}

var (
	ErrInvalidBaseURL  = errors.New("invalid base URL")
	ErrNotFound        = errors.New("endpoint not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrDecode          = errors.New("decode response")
)

// Endpoint labels, also used as metric label values.
const (
	EndpointCombined = "combined"
	EndpointAIRain   = "ai_rain"
	EndpointChatGPT  = "chatgpt"
)

var endpointPaths = map[string]string{
	EndpointCombined: "/meteo/combined",
	EndpointAIRain:   "/meteo/ai_rain",
	EndpointChatGPT:  "/chatgpt",
}

// Options configures an HTTPClient. Zero RetryAttempts means a single attempt.
type Options struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Breaker        *circuitbreaker.CircuitBreaker
	HTTPClient     *http.Client
}

// HTTPClient talks to the meteo backend over HTTP/JSON.
type HTTPClient struct {
	baseURL        *url.URL
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// New returns an HTTPClient rooted at baseURL.
func New(baseURL string, opts Options) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		baseURL:        u,
		timeout:        opts.Timeout,
		client:         httpClient,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breaker:        opts.Breaker,
	}, nil
}

// BaseURL returns the origin requests are issued against.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL.String()
}

// Combined fetches GET /meteo/combined, oldest reading first.
func (c *HTTPClient) Combined(ctx context.Context) ([]models.CombinedReading, error) {
	var readings []models.CombinedReading
	if err := c.call(ctx, EndpointCombined, http.MethodGet, nil, &readings); err != nil {
		return nil, err
	}
	for i, r := range readings {
		if r.TS.IsZero() {
			return nil, fmt.Errorf("%w: reading %d has no ts", ErrDecode, i)
		}
	}
	return readings, nil
}

// RainForecast fetches GET /meteo/ai_rain.
func (c *HTTPClient) RainForecast(ctx context.Context) (models.RainForecast, error) {
	var raw struct {
		Probability *float64 `json:"prob_lluvia"`
	}
	if err := c.call(ctx, EndpointAIRain, http.MethodGet, nil, &raw); err != nil {
		return models.RainForecast{}, err
	}
	if raw.Probability == nil {
		return models.RainForecast{}, fmt.Errorf("%w: prob_lluvia missing", ErrDecode)
	}
	p := *raw.Probability
	if math.IsNaN(p) || p < 0 || p > 100 {
		return models.RainForecast{}, fmt.Errorf("%w: prob_lluvia %v out of range", ErrDecode, p)
	}
	return models.RainForecast{Probability: p}, nil
}

// Ask posts the question to POST /chatgpt.
func (c *HTTPClient) Ask(ctx context.Context, question string) (models.AIReply, error) {
	var raw struct {
		Reply *string `json:"reply"`
	}
	if err := c.call(ctx, EndpointChatGPT, http.MethodPost, models.AskRequest{Question: question}, &raw); err != nil {
		return models.AIReply{}, err
	}
	if raw.Reply == nil {
		return models.AIReply{}, fmt.Errorf("%w: reply missing", ErrDecode)
	}
	return models.AIReply{Reply: *raw.Reply}, nil
}

// call runs one logical request with retries and the optional circuit breaker.
func (c *HTTPClient) call(ctx context.Context, endpoint, method string, body, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.BackendRetriesTotal.WithLabelValues(endpoint).Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, func() error {
				return c.callAPI(ctx, endpoint, method, body, out)
			})
		} else {
			err = c.callAPI(ctx, endpoint, method, body, out)
		}
		if err == nil {
			return nil
		}

		lastErr = err
		observability.BackendErrorsTotal.WithLabelValues(endpoint, string(CategorizeError(err))).Inc()
		if !c.isRetryable(err) {
			return err
		}
	}

	if c.retryAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *HTTPClient) callAPI(ctx context.Context, endpoint, method string, body, out interface{}) error {
	start := time.Now()

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.buildRequest(reqCtx, endpoint, method, body)
	if err != nil {
		observability.BackendCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.BackendCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.BackendDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.BackendCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.BackendDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func (c *HTTPClient) buildRequest(ctx context.Context, endpoint, method string, body interface{}) (*http.Request, error) {
	path, ok := endpointPaths[endpoint]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", endpoint)
	}
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *HTTPClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (c *HTTPClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL.Path)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
