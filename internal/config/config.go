package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DataDir     string
	DBPath      string
	DownloadDir string

	// Upstream streaming-metadata API (the HiAnime scraper service).
	UpstreamBaseURL string
	UpstreamTimeout time.Duration

	// Proxy relay. Empty allowlist means any http(s) host.
	ProxyAllowedHosts []string

	// Fallback engine tuning. These are empirical knobs, not contracts.
	MaxRetriesPerServer int
	MaxServersTotal     int

	SessionTTL         time.Duration
	DownloadMaxRetries int

	LogLevel string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:            envOrDefault("HTTP_ADDR", ":8080"),
		DataDir:             envOrDefault("DATA_DIR", "data"),
		UpstreamBaseURL:     strings.TrimRight(envOrDefault("UPSTREAM_BASE_URL", "http://localhost:4000/api/v1"), "/"),
		UpstreamTimeout:     time.Duration(envInt("UPSTREAM_TIMEOUT_SECONDS", 15)) * time.Second,
		ProxyAllowedHosts:   splitComma(os.Getenv("PROXY_ALLOWED_HOSTS")),
		MaxRetriesPerServer: envInt("SELECTOR_MAX_RETRIES_PER_SERVER", 2),
		MaxServersTotal:     envInt("SELECTOR_MAX_SERVERS", 6),
		SessionTTL:          time.Duration(envInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		DownloadMaxRetries:  envInt("DOWNLOAD_MAX_RETRIES", 2),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
	}

	cfg.DBPath = envOrDefault("DB_PATH", filepath.Join(cfg.DataDir, "streamcore.db"))
	cfg.DownloadDir = envOrDefault("DOWNLOAD_DIR", filepath.Join(cfg.DataDir, "downloads"))

	if cfg.MaxRetriesPerServer < 1 {
		return Config{}, errors.New("SELECTOR_MAX_RETRIES_PER_SERVER must be at least 1")
	}
	if cfg.MaxServersTotal < 1 {
		return Config{}, errors.New("SELECTOR_MAX_SERVERS must be at least 1")
	}

	if err := ensureDirs(cfg.DataDir, cfg.DownloadDir); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			return errors.New("directory path is empty")
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func splitComma(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
