package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/oca-meteo/internal/circuitbreaker"
	"github.com/kjstillabower/oca-meteo/internal/models"
)

func newTestClient(t *testing.T, url string, opts Options) *HTTPClient {
	t.Helper()
	c, err := New(url, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_InvalidBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"empty", "", true},
		{"no scheme", "oca-sistem-meteo.onrender.com", true},
		{"ftp scheme", "ftp://example.com", true},
		{"https", "https://oca-sistem-meteo.onrender.com", false},
		{"trailing slash", "http://localhost:5000/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.baseURL, Options{})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBaseURL) {
					t.Fatalf("New() error = %v, want ErrInvalidBaseURL", err)
				}
				if c != nil {
					t.Error("New() expected nil client on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
		})
	}
}

func TestHTTPClient_Combined_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/meteo/combined" {
			t.Errorf("path = %s, want /meteo/combined", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"ts":"2024-05-01T08:00:00Z","temp":12.5,"sky":"clear","tendencia_max":20,"tendencia_min":10},
			{"ts":"2024-05-01T09:00:00Z","temp":14,"sky":"clear","tendencia_max":21,"tendencia_min":11}
		]`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/", Options{Timeout: time.Second})
	got, err := c.Combined(context.Background())
	if err != nil {
		t.Fatalf("Combined() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Temp != 12.5 || got[0].Sky != "clear" || got[0].TrendMax != "20" {
		t.Errorf("got[0] = %+v", got[0])
	}
}

func TestHTTPClient_Combined_MissingTimestamp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"temp":12.5,"sky":"clear"}]`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, Options{}).Combined(context.Background())
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Combined() error = %v, want ErrDecode", err)
	}
}

func TestHTTPClient_RainForecast(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr error
	}{
		{"valid", `{"prob_lluvia": 85}`, 85, nil},
		{"zero", `{"prob_lluvia": 0}`, 0, nil},
		{"missing field", `{"rain": 85}`, 0, ErrDecode},
		{"out of range", `{"prob_lluvia": 140}`, 0, ErrDecode},
		{"not json", `<html>`, 0, ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/meteo/ai_rain" {
					t.Errorf("path = %s, want /meteo/ai_rain", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			got, err := newTestClient(t, server.URL, Options{}).RainForecast(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("RainForecast() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RainForecast() error = %v", err)
			}
			if got.Probability != tt.want {
				t.Errorf("Probability = %v, want %v", got.Probability, tt.want)
			}
		})
	}
}

func TestHTTPClient_Ask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var req models.AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(models.AIReply{Reply: "Sí: " + req.Question})
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL, Options{}).Ask(context.Background(), "¿Lloverá?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if got.Reply != "Sí: ¿Lloverá?" {
		t.Errorf("Reply = %q", got.Reply)
	}
}

func TestHTTPClient_Ask_MissingReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"quota"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, Options{}).Ask(context.Background(), "q")
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Ask() error = %v, want ErrDecode", err)
	}
}

func TestHTTPClient_ErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    error
	}{
		{"404 not found", http.StatusNotFound, ErrNotFound},
		{"429 rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"500 server error", http.StatusInternalServerError, ErrUpstreamFailure},
		{"503 unavailable", http.StatusServiceUnavailable, ErrUpstreamFailure},
		{"400 bad request", http.StatusBadRequest, ErrUpstreamFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL, Options{}).Combined(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Combined() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPClient_SingleAttemptByDefault(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, Options{}).RainForecast(context.Background())
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("RainForecast() error = %v, want ErrUpstreamFailure", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestHTTPClient_RetryLogic(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"prob_lluvia": 40}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	got, err := c.RainForecast(context.Background())
	if err != nil {
		t.Fatalf("RainForecast() error = %v", err)
	}
	if got.Probability != 40 {
		t.Errorf("Probability = %v, want 40", got.Probability)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestHTTPClient_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{RetryAttempts: 2, RetryBaseDelay: time.Millisecond})
	_, err := c.Combined(context.Background())
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("Combined() error = %v, want wrapped ErrUpstreamFailure", err)
	}
}

func TestHTTPClient_NoRetryOnNotFound(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, Options{RetryAttempts: 3, RetryBaseDelay: time.Millisecond})
	_, _ = c.Combined(context.Background())
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, server.URL, Options{Timeout: 20 * time.Millisecond})
	_, err := c.Combined(context.Background())
	if err == nil {
		t.Fatal("Combined() error = nil, want timeout")
	}
	if CategorizeError(err) != ErrorCategoryTimeout {
		t.Errorf("category = %v, want timeout (err = %v)", CategorizeError(err), err)
	}
}

func TestHTTPClient_CorrelationID(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	ctx := context.WithValue(context.Background(), "correlation_id", "cycle-123")
	if _, err := newTestClient(t, server.URL, Options{}).Combined(ctx); err != nil {
		t.Fatalf("Combined() error = %v", err)
	}
	if got != "cycle-123" {
		t.Errorf("X-Correlation-ID = %q, want cycle-123", got)
	}
}

func TestHTTPClient_CircuitBreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute, Component: "meteo_backend"})
	c := newTestClient(t, server.URL, Options{Breaker: cb})
	for i := 0; i < 2; i++ {
		_, _ = c.RainForecast(context.Background())
	}
	_, err := c.RainForecast(context.Background())
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("RainForecast() error = %v, want ErrOpen", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestHTTPClient_calculateBackoff(t *testing.T) {
	c := newTestClient(t, "http://localhost", Options{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond})
	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 110 * time.Millisecond},
		{2, 200 * time.Millisecond, 220 * time.Millisecond},
		{5, 300 * time.Millisecond, 330 * time.Millisecond},
	}
	for _, tt := range tests {
		got := c.calculateBackoff(tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("calculateBackoff(%d) = %v, want in [%v, %v]", tt.attempt, got, tt.min, tt.max)
		}
	}
}
