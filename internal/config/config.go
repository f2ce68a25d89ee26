package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// DefaultAssets is the precache list of the offline worker.
var DefaultAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/service-worker.js",
	"/oca-widget.js",
	"/app.py",
	"/icons/oca_192.png",
	"/icons/oca_512.png",
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	// Widget
	WidgetAPI          string // empty selects the widget default origin
	RefreshInterval    time.Duration
	RainAlertThreshold float64
	Location           *time.Location
	QuestionMaxLength  int
	AskRateLimitRPS    int
	AskRateLimitBurst  int

	// Meteo backend
	BackendTimeout                 time.Duration
	RetryAttempts                  int
	RetryBaseDelay                 time.Duration
	RetryMaxDelay                  time.Duration
	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	// Notifications
	NotificationPermission string // default, granted or denied
	NotificationGrant      bool
	NotifyWebhookURL       string
	NotifyWebhookTimeout   time.Duration

	// Offline worker
	OfflineEnabled        bool
	OriginURL             string
	OriginTimeout         time.Duration
	CacheName             string
	Assets                []string
	ShellPath             string
	FallbackScope         string // "all" or "navigation"
	OfflineStorage        string // "in_memory" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	// Lifecycle
	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
	DegradedWindow                time.Duration
	DegradedErrorPct              int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Widget struct {
		API                string   `yaml:"api"`
		RefreshInterval    string   `yaml:"refresh_interval"`
		RainAlertThreshold *float64 `yaml:"rain_alert_threshold"`
		Timezone           string   `yaml:"timezone"`
		QuestionMaxLength  int      `yaml:"question_max_length"`
		AskRateLimitRPS    int      `yaml:"ask_rate_limit_rps"`
		AskRateLimitBurst  int      `yaml:"ask_rate_limit_burst"`
	} `yaml:"widget"`

	Backend struct {
		Timeout          string `yaml:"timeout"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"backend"`

	Notifications struct {
		Permission     string `yaml:"permission"`
		Grant          *bool  `yaml:"grant"`
		WebhookTimeout string `yaml:"webhook_timeout"`
	} `yaml:"notifications"`

	Offline struct {
		Enabled       *bool    `yaml:"enabled"`
		OriginURL     string   `yaml:"origin_url"`
		OriginTimeout string   `yaml:"origin_timeout"`
		CacheName     string   `yaml:"cache_name"`
		Assets        []string `yaml:"assets"`
		ShellPath     string   `yaml:"shell_path"`
		FallbackScope string   `yaml:"fallback_scope"`
		Storage       string   `yaml:"storage"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"offline"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	NotifyWebhookURL string `yaml:"notify_webhook_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and the optional
// config/secrets.yaml. Env overrides: OCA_API, ORIGIN_URL, OFFLINE_STORAGE,
// MEMCACHED_ADDRS, NOTIFY_WEBHOOK_URL. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 60*time.Second)

	cfg.WidgetAPI = envOr("OCA_API", fc.Widget.API)
	cfg.RefreshInterval = parseDuration(fc.Widget.RefreshInterval, 10*time.Minute)
	cfg.RainAlertThreshold = 70
	if fc.Widget.RainAlertThreshold != nil {
		cfg.RainAlertThreshold = *fc.Widget.RainAlertThreshold
	}
	cfg.Location = time.Local
	if tz := strings.TrimSpace(fc.Widget.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("widget.timezone: %w", err)
		}
		cfg.Location = loc
	}
	cfg.QuestionMaxLength = fc.Widget.QuestionMaxLength
	if cfg.QuestionMaxLength <= 0 {
		cfg.QuestionMaxLength = 500
	}
	cfg.AskRateLimitRPS = fc.Widget.AskRateLimitRPS
	if cfg.AskRateLimitRPS <= 0 {
		cfg.AskRateLimitRPS = 2
	}
	cfg.AskRateLimitBurst = fc.Widget.AskRateLimitBurst
	if cfg.AskRateLimitBurst <= 0 {
		cfg.AskRateLimitBurst = 5
	}

	cfg.BackendTimeout = parseDurationOrZero(fc.Backend.Timeout, 30*time.Second)
	cfg.RetryAttempts = fc.Backend.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	cfg.RetryBaseDelay = parseDuration(fc.Backend.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Backend.RetryMaxDelay, 2*time.Second)
	cfg.CircuitBreakerEnabled = fc.Backend.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.Backend.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.Backend.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Backend.CircuitBreaker.Timeout, 30*time.Second)

	cfg.NotificationPermission = strings.ToLower(strings.TrimSpace(fc.Notifications.Permission))
	if cfg.NotificationPermission == "" {
		cfg.NotificationPermission = "default"
	}
	cfg.NotificationGrant = true
	if fc.Notifications.Grant != nil {
		cfg.NotificationGrant = *fc.Notifications.Grant
	}
	cfg.NotifyWebhookTimeout = parseDuration(fc.Notifications.WebhookTimeout, 5*time.Second)
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	if cfg.NotifyWebhookURL == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.NotifyWebhookURL = strings.TrimSpace(sec.NotifyWebhookURL)
		}
	}

	cfg.OriginURL = envOr("ORIGIN_URL", fc.Offline.OriginURL)
	cfg.OfflineEnabled = cfg.OriginURL != ""
	if fc.Offline.Enabled != nil {
		cfg.OfflineEnabled = *fc.Offline.Enabled
	}
	cfg.OriginTimeout = parseDuration(fc.Offline.OriginTimeout, 10*time.Second)
	cfg.CacheName = strings.TrimSpace(fc.Offline.CacheName)
	if cfg.CacheName == "" {
		cfg.CacheName = "oca-sistem-meteo-cache-v1"
	}
	cfg.Assets = fc.Offline.Assets
	if len(cfg.Assets) == 0 {
		cfg.Assets = append([]string(nil), DefaultAssets...)
	}
	cfg.ShellPath = strings.TrimSpace(fc.Offline.ShellPath)
	if cfg.ShellPath == "" {
		cfg.ShellPath = "/index.html"
	}
	cfg.FallbackScope = strings.ToLower(strings.TrimSpace(fc.Offline.FallbackScope))
	if cfg.FallbackScope == "" {
		cfg.FallbackScope = "all"
	}
	cfg.OfflineStorage = strings.ToLower(envOr("OFFLINE_STORAGE", fc.Offline.Storage))
	if cfg.OfflineStorage == "" {
		cfg.OfflineStorage = "in_memory"
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Offline.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Offline.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Offline.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 30*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above the
// backend timeout so /widget/ask can always return the fallback reply.
func validate(cfg *Config) error {
	if cfg.BackendTimeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.BackendTimeout {
		cfg.RequestTimeout = cfg.BackendTimeout + time.Second
	}
	if cfg.RainAlertThreshold < 0 || cfg.RainAlertThreshold > 100 {
		return fmt.Errorf("widget.rain_alert_threshold must be between 0 and 100, got %v", cfg.RainAlertThreshold)
	}
	if cfg.WidgetAPI != "" {
		if err := checkHTTPURL(cfg.WidgetAPI); err != nil {
			return fmt.Errorf("widget.api: %w", err)
		}
	}
	switch cfg.NotificationPermission {
	case "default", "granted", "denied":
	default:
		return fmt.Errorf("notifications.permission must be default, granted or denied, got %q", cfg.NotificationPermission)
	}
	if !cfg.OfflineEnabled {
		return nil
	}
	if err := checkHTTPURL(cfg.OriginURL); err != nil {
		return fmt.Errorf("offline.origin_url: %w", err)
	}
	switch cfg.OfflineStorage {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("offline.storage must be in_memory or memcached, got %q", cfg.OfflineStorage)
	}
	switch cfg.FallbackScope {
	case "all", "navigation":
	default:
		return fmt.Errorf("offline.fallback_scope must be all or navigation, got %q", cfg.FallbackScope)
	}
	for _, a := range cfg.Assets {
		if !strings.HasPrefix(a, "/") {
			return fmt.Errorf("offline.assets: %q must be an absolute path", a)
		}
	}
	if !strings.HasPrefix(cfg.ShellPath, "/") {
		return fmt.Errorf("offline.shell_path: %q must be an absolute path", cfg.ShellPath)
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	return nil
}
