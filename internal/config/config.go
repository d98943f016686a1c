// Package config loads runtime configuration from PASSWATCH_* environment
// variables. Invalid values log a warning and keep the default.
package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/star/passwatch/internal/auth"
	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/passes"
	"github.com/star/passwatch/internal/stream"
)

const prefix = "PASSWATCH_"

type Config struct {
	HTTPAddr   string
	AppEnv     string
	LogLevel   slog.Level
	TrustProxy bool

	Auth    auth.Config
	TLE     TLEConfig
	Geocode geocode.Config
	Scan    passes.Config
	Stream  stream.Config
	API     APIConfig

	// DefaultLocation is nil unless both coordinates are configured.
	DefaultLocation *geocode.Location
	DBPath          string
}

type TLEConfig struct {
	NORADID     int
	URLTemplate string
	CacheDir    string
	MaxFiles    int
	MaxAge      time.Duration
}

type APIConfig struct {
	RPS   float64
	Burst int
}

// Load reads the environment. It fails only when auth is enabled without a
// token; every other bad value falls back to its default.
func Load(logger *slog.Logger) (Config, error) {
	cfg := Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		AppEnv:   getEnv("APP_ENV", "prod"),
		LogLevel: parseLevel(logger, getEnv("LOG_LEVEL", "info")),
		TLE: TLEConfig{
			NORADID:     25544,
			URLTemplate: os.Getenv(prefix + "TLE_URL"),
			CacheDir:    getEnv("TLE_CACHE_DIR", "/tmp/passwatch/tle"),
			MaxFiles:    5,
			MaxAge:      7 * 24 * time.Hour,
		},
		Geocode: geocode.Config{
			BaseURL:   os.Getenv(prefix + "GEOCODE_URL"),
			UserAgent: os.Getenv(prefix + "GEOCODE_USER_AGENT"),
			RPS:       1,
		},
		Scan: passes.DefaultConfig(),
		Stream: stream.Config{
			MaxConcurrentPerIP: 10,
			KeepaliveInterval:  30 * time.Second,
		},
		API: APIConfig{
			RPS:   2,
			Burst: 5,
		},
		DBPath: getEnv("DB_PATH", "./data/passwatch.db"),
	}

	var err error
	if cfg.Auth, err = loadAuth(logger); err != nil {
		return cfg, err
	}
	cfg.TrustProxy = envBool(logger, "TRUST_PROXY", false)

	cfg.TLE.NORADID = envInt(logger, "NORAD_ID", cfg.TLE.NORADID)
	cfg.TLE.MaxFiles = envInt(logger, "TLE_CACHE_MAX_FILES", cfg.TLE.MaxFiles)
	cfg.TLE.MaxAge = envSeconds(logger, "TLE_MAX_AGE", cfg.TLE.MaxAge)

	cfg.Geocode.RPS = envFloat(logger, "GEOCODE_RPS", cfg.Geocode.RPS, 0)

	cfg.Scan.Horizon = envSeconds(logger, "SCAN_HORIZON", cfg.Scan.Horizon)
	cfg.Scan.Step = envSeconds(logger, "SCAN_STEP", cfg.Scan.Step)
	cfg.Scan.MaxPasses = envInt(logger, "SCAN_MAX_PASSES", cfg.Scan.MaxPasses)
	cfg.Scan.ThresholdDeg = envThreshold(logger, cfg.Scan.ThresholdDeg)
	if envBool(logger, "SCAN_CLOSE_AT_HORIZON", false) {
		cfg.Scan.Trailing = passes.CloseAtHorizon
	}

	cfg.Stream.MaxConcurrentPerIP = envInt(logger, "STREAM_MAX_CONCURRENT", cfg.Stream.MaxConcurrentPerIP)
	cfg.Stream.KeepaliveInterval = envSeconds(logger, "STREAM_KEEPALIVE", cfg.Stream.KeepaliveInterval)

	cfg.API.RPS = envFloat(logger, "API_RPS", cfg.API.RPS, 0)
	cfg.API.Burst = envInt(logger, "API_BURST", cfg.API.Burst)

	cfg.DefaultLocation = loadDefaultLocation(logger)

	logger.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"app_env", cfg.AppEnv,
		"norad_id", cfg.TLE.NORADID,
		"scan_horizon_seconds", cfg.Scan.Horizon.Seconds(),
		"scan_step_seconds", cfg.Scan.Step.Seconds(),
		"scan_threshold_deg", cfg.Scan.ThresholdDeg,
		"scan_max_passes", cfg.Scan.MaxPasses,
		"scan_trailing", cfg.Scan.Trailing.String(),
		"auth_enabled", cfg.Auth.Enabled,
	)
	return cfg, nil
}

func loadAuth(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	if v := os.Getenv(prefix + "AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.New("PASSWATCH_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv(prefix + "AUTH_TOKEN")
		if cfg.Token == "" {
			return cfg, errors.New("PASSWATCH_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}
	return cfg, nil
}

func loadDefaultLocation(logger *slog.Logger) *geocode.Location {
	latStr, lonStr := os.Getenv(prefix+"DEFAULT_LAT"), os.Getenv(prefix+"DEFAULT_LON")
	if latStr == "" && lonStr == "" {
		return nil
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil || geocode.ValidateCoordinates(lat, lon) != nil {
		logger.Warn("invalid PASSWATCH_DEFAULT_LAT/LON, starting without a location",
			"lat", latStr, "lon", lonStr)
		return nil
	}
	label := os.Getenv(prefix + "DEFAULT_LABEL")
	if label == "" {
		label = geocode.CoordinateLabel(lat, lon)
	}
	return &geocode.Location{Latitude: lat, Longitude: lon, Label: label}
}

func parseLevel(logger *slog.Logger, s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	logger.Warn("invalid PASSWATCH_LOG_LEVEL value, using default", "value", s, "default", "info")
	return slog.LevelInfo
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(prefix + key); v != "" {
		return v
	}
	return fallback
}

func envInt(logger *slog.Logger, key string, fallback int) int {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		logger.Warn("invalid "+prefix+key+" value, using default", "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envFloat(logger *slog.Logger, key string, fallback, min float64) float64 {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= min {
		logger.Warn("invalid "+prefix+key+" value, using default", "value", v, "default", fallback)
		return fallback
	}
	return f
}

// envSeconds reads a positive whole number of seconds.
func envSeconds(logger *slog.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		logger.Warn("invalid "+prefix+key+" value, using default", "value", v, "default", int(fallback.Seconds()))
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envBool(logger *slog.Logger, key string, fallback bool) bool {
	v := os.Getenv(prefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid "+prefix+key+" value, using default", "value", v, "default", fallback)
		return fallback
	}
	return b
}

// envThreshold reads the elevation threshold, which may be zero but must stay
// below the zenith.
func envThreshold(logger *slog.Logger, fallback float64) float64 {
	v := os.Getenv(prefix + "SCAN_THRESHOLD")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || !passes.ValidThreshold(f) {
		logger.Warn("invalid PASSWATCH_SCAN_THRESHOLD value, using default", "value", v, "default", fallback)
		return fallback
	}
	return f
}
