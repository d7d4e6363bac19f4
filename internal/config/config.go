package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string
	LogLevel    slog.Level
	HTTPAddr    string
	CORSOrigins []string

	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SQLLog          bool

	IngestEnabled  bool
	EPAAPIKey      string
	EPABaseURL     string
	EPAPageLimit   int
	FetchInterval  time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CycleTimeout   time.Duration

	// MQTT publishing is disabled when MQTTBroker is empty.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	RedisAddr     string
	RedisPassword string
	CacheTTL      time.Duration

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// LoadFromEnv reads configuration from the environment. A .env file in the
// working directory is loaded first; variables already set win.
func LoadFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	appEnv := envString("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(envString("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:          appEnv,
		LogLevel:        level,
		HTTPAddr:        envString("HTTP_ADDR", ":8080"),
		CORSOrigins:     splitList(envString("CORS_ALLOWED_ORIGINS", "*")),
		Driver:          envString("DB_DRIVER", "sqlite3"),
		DSN:             envString("DB_DSN", ""),
		Path:            envString("SQLITE_PATH", "data/aqi.db"),
		EPAAPIKey:       envString("EPA_AQI_API_KEY", ""),
		EPABaseURL:      envString("EPA_BASE_URL", "https://data.moenv.gov.tw/api/v2"),
		MQTTBroker:      envString("MQTT_BROKER", ""),
		MQTTClientID:    envString("MQTT_CLIENT_ID", "aqi-server"),
		MQTTTopicPrefix: envString("MQTT_TOPIC_PREFIX", "aqi"),
		RedisAddr:       envString("REDIS_ADDR", ""),
		RedisPassword:   envString("REDIS_PASSWORD", ""),
		InfluxURL:       envString("INFLUX_URL", ""),
		InfluxToken:     envString("INFLUX_TOKEN", ""),
		InfluxOrg:       envString("INFLUX_ORG", ""),
		InfluxBucket:    envString("INFLUX_BUCKET", ""),
	}

	ints := []struct {
		key string
		def int
		dst *int
		min int
	}{
		{"DB_MAX_OPEN_CONNS", 1, &cfg.MaxOpenConns, 0},
		{"DB_MAX_IDLE_CONNS", 1, &cfg.MaxIdleConns, 0},
		{"EPA_PAGE_LIMIT", 1000, &cfg.EPAPageLimit, 1},
		{"FETCH_MAX_ATTEMPTS", 3, &cfg.MaxAttempts, 1},
		{"MQTT_PORT", 1883, &cfg.MQTTPort, 1},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.key, v.def, v.min); err != nil {
			return Config{}, err
		}
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", "0s", &cfg.ConnMaxLifetime},
		{"FETCH_INTERVAL", "1h", &cfg.FetchInterval},
		{"FETCH_BACKOFF_INITIAL", "2s", &cfg.BackoffInitial},
		{"FETCH_BACKOFF_MAX", "30s", &cfg.BackoffMax},
		{"CYCLE_TIMEOUT", "2m", &cfg.CycleTimeout},
		{"CACHE_TTL", "5m", &cfg.CacheTTL},
	}
	for _, v := range durations {
		if *v.dst, err = envDuration(v.key, v.def); err != nil {
			return Config{}, err
		}
	}

	if cfg.SQLLog, err = envBool("SQL_LOG", false); err != nil {
		return Config{}, err
	}
	if cfg.IngestEnabled, err = envBool("INGEST_ENABLED", true); err != nil {
		return Config{}, err
	}

	if cfg.IngestEnabled && cfg.EPAAPIKey == "" {
		return Config{}, errors.New("EPA_AQI_API_KEY is required when INGEST_ENABLED is true")
	}
	if cfg.FetchInterval <= 0 {
		return Config{}, fmt.Errorf("invalid FETCH_INTERVAL %q: must be positive", cfg.FetchInterval)
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return Config{}, fmt.Errorf("invalid FETCH_BACKOFF_MAX %q: below FETCH_BACKOFF_INITIAL %q", cfg.BackoffMax, cfg.BackoffInitial)
	}
	return cfg, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def, min int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if n < min {
		return 0, fmt.Errorf("invalid %s %q: must be >= %d", key, s, min)
	}
	return n, nil
}

func envDuration(key, def string) (time.Duration, error) {
	s := envString(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
