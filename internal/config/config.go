package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	TransportBrowser = "browser"
	TransportNative  = "native"
)

type Config struct {
	WSURL       string
	APIURL      string
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	Transport   string
	TokenFile   string
	Token       string
	HTTPToken   string
	Mobile      bool

	PageSize               int
	FastReconnectThreshold time.Duration
	FetchTimeout           time.Duration
	HeartbeatInterval      time.Duration
	ReconnectDebounce      time.Duration
	ReadReportDebounce     time.Duration
}

// fileConfig mirrors Config for the optional TOML file. Durations are
// strings in time.ParseDuration syntax.
type fileConfig struct {
	WSURL       string `toml:"ws_url"`
	APIURL      string `toml:"api_url"`
	HTTPAddr    string `toml:"http_addr"`
	DatabaseURL string `toml:"database_url"`
	LogLevel    string `toml:"log_level"`
	Transport   string `toml:"transport"`
	TokenFile   string `toml:"token_file"`
	Token       string `toml:"token"`
	HTTPToken   string `toml:"http_token"`
	Mobile      *bool  `toml:"mobile"`

	PageSize               int    `toml:"page_size"`
	FastReconnectThreshold string `toml:"fast_reconnect_threshold"`
	FetchTimeout           string `toml:"fetch_timeout"`
	HeartbeatInterval      string `toml:"heartbeat_interval"`
	ReconnectDebounce      string `toml:"reconnect_debounce"`
	ReadReportDebounce     string `toml:"read_report_debounce"`
}

func defaults() fileConfig {
	return fileConfig{
		WSURL:                  "ws://localhost:9090/ws",
		APIURL:                 "http://localhost:9090",
		HTTPAddr:               "127.0.0.1:8787",
		DatabaseURL:            "sqlite::memory:",
		LogLevel:               "info",
		Transport:              TransportBrowser,
		PageSize:               20,
		FastReconnectThreshold: "200ms",
		FetchTimeout:           "10s",
		HeartbeatInterval:      "30s",
		ReconnectDebounce:      "3s",
		ReadReportDebounce:     "500ms",
	}
}

func Load() (Config, error) {
	fc := defaults()

	if path := getEnv("CHATSYNC_CONFIG", ""); path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("decode CHATSYNC_CONFIG %q: %w", path, err)
		}
	}

	mobile := false
	if fc.Mobile != nil {
		mobile = *fc.Mobile
	}

	cfg := Config{
		WSURL:       getEnv("WS_URL", fc.WSURL),
		APIURL:      getEnv("API_URL", fc.APIURL),
		HTTPAddr:    lookupEnv("HTTP_ADDR", fc.HTTPAddr),
		DatabaseURL: getEnv("DATABASE_URL", fc.DatabaseURL),
		LogLevel:    strings.TrimSpace(getEnv("LOG_LEVEL", fc.LogLevel)),
		Transport:   strings.ToLower(getEnv("TRANSPORT", fc.Transport)),
		TokenFile:   getEnv("TOKEN_FILE", fc.TokenFile),
		Token:       getEnv("TOKEN", fc.Token),
		HTTPToken:   getEnv("HTTP_TOKEN", fc.HTTPToken),
	}

	var err error
	if cfg.Mobile, err = parseBool("MOBILE", mobile); err != nil {
		return Config{}, err
	}
	if cfg.PageSize, err = parseInt("PAGE_SIZE", fc.PageSize); err != nil {
		return Config{}, err
	}
	if cfg.FastReconnectThreshold, err = parseDuration("FAST_RECONNECT_THRESHOLD", fc.FastReconnectThreshold); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = parseDuration("FETCH_TIMEOUT", fc.FetchTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = parseDuration("HEARTBEAT_INTERVAL", fc.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDebounce, err = parseDuration("RECONNECT_DEBOUNCE", fc.ReconnectDebounce); err != nil {
		return Config{}, err
	}
	if cfg.ReadReportDebounce, err = parseDuration("READ_REPORT_DEBOUNCE", fc.ReadReportDebounce); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.WSURL) == "" {
		return Config{}, fmt.Errorf("WS_URL must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	switch cfg.Transport {
	case TransportBrowser, TransportNative:
	default:
		return Config{}, fmt.Errorf("unknown TRANSPORT %q (expected browser|native)", cfg.Transport)
	}
	if cfg.PageSize <= 0 {
		return Config{}, fmt.Errorf("PAGE_SIZE must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	return v
}

// lookupEnv keeps an explicitly empty value, so HTTP_ADDR= disables the
// local API.
func lookupEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return strings.TrimSpace(v)
}

func parseDuration(key, fallback string) (time.Duration, error) {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func parseInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
