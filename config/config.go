package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	API         APIConfig
	Realtime    RealtimeConfig
	Telemetry   TelemetryConfig
	Credentials CredentialsConfig
	Relay       RelayConfig
	Redis       RedisConfig
}

// APIConfig holds the backend REST settings.
type APIConfig struct {
	BaseURL string // e.g. http://localhost:8080
	Timeout time.Duration
}

// RealtimeConfig holds the push channel settings.
type RealtimeConfig struct {
	WSPath            string // /ws, or /ws/websocket behind a SockJS endpoint
	ReconnectDelay    time.Duration
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	HandshakeTimeout  time.Duration
}

// TelemetryConfig holds playback telemetry settings.
type TelemetryConfig struct {
	ProgressInterval time.Duration
	QueueSize        int
}

// CredentialsConfig holds where the token and username are persisted.
type CredentialsConfig struct {
	Path    string
	TTLDays int
}

// RelayConfig holds the local relay HTTP server settings.
type RelayConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// RedisConfig holds Redis connection settings for the stream mirror.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		API: APIConfig{
			BaseURL: strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080"), "/"),
			Timeout: getEnvDuration("API_TIMEOUT", 15*time.Second),
		},
		Realtime: RealtimeConfig{
			WSPath:            getEnv("REALTIME_WS_PATH", "/ws"),
			ReconnectDelay:    getEnvDuration("REALTIME_RECONNECT_DELAY", 5*time.Second),
			HeartbeatOutgoing: getEnvDuration("REALTIME_HEARTBEAT_OUTGOING", 4*time.Second),
			HeartbeatIncoming: getEnvDuration("REALTIME_HEARTBEAT_INCOMING", 4*time.Second),
			HandshakeTimeout:  getEnvDuration("REALTIME_HANDSHAKE_TIMEOUT", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			ProgressInterval: getEnvDuration("TELEMETRY_PROGRESS_INTERVAL", 15*time.Second),
			QueueSize:        getEnvInt("TELEMETRY_QUEUE_SIZE", 64),
		},
		Credentials: CredentialsConfig{
			Path:    getEnv("CREDENTIALS_PATH", defaultCredentialsPath()),
			TTLDays: getEnvInt("CREDENTIALS_TTL_DAYS", 7),
		},
		Relay: RelayConfig{
			Port:               getEnv("RELAY_PORT", "8090"),
			ReadTimeout:        getEnvInt("RELAY_READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("RELAY_WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:4200"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_MIRROR_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_CHANNEL_PREFIX", "metricsplay:"),
		},
	}
	return cfg, nil
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".metricsplay-credentials.json"
	}
	return dir + string(os.PathSeparator) + "metricsplay" + string(os.PathSeparator) + "credentials.json"
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5s") or a bare number of milliseconds ("5000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
