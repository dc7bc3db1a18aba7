// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ffaiyaz23/cockpitrelay/internal/credential"
	"github.com/ffaiyaz23/cockpitrelay/internal/origin"
	"github.com/joho/godotenv"
)

const (
	DefaultModel          = "gpt-4.1-mini"
	DefaultPort           = "3000"
	DefaultConnectTimeout = 10 * time.Second
	DefaultHeaderTimeout  = 30 * time.Second
	DefaultMaxRequest     = 1 << 20
	DefaultMockChunkDelay = 100 * time.Millisecond
)

// Config is read once at process start and never mutated afterwards.
type Config struct {
	Port     string
	LogLevel string

	// Relay
	APIKey         credential.Secret
	IsLocal        bool
	LocalOrigin    string
	DeploymentHost string
	DefaultModel   string
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	MaxRequest     int64

	// Local mock upstream
	MockBackend    bool
	MockChunkDelay time.Duration

	// Slack front-end
	BotToken       string
	SigningSecret  string
	StreamMode     string // "update" or "thread"
	WorkerPoolSize int
	RelayURL       string
}

func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env files.
func FromEnv() Config {
	cfg := Config{
		Port:           getEnvOrDefault("PORT", DefaultPort),
		LogLevel:       strings.ToLower(os.Getenv("LOG_LEVEL")),
		APIKey:         credential.Secret(os.Getenv("OPENAI_API_KEY")),
		IsLocal:        getEnvAsBool(firstEnv("IS_LOCAL", "NEXT_PUBLIC_IS_LOCAL")),
		LocalOrigin:    getEnvOrDefault("LOCAL_BACKEND_ORIGIN", origin.DefaultLocalOrigin),
		DeploymentHost: firstEnv("DEPLOYMENT_HOST", "VERCEL_URL", "NEXT_PUBLIC_VERCEL_URL"),
		DefaultModel:   getEnvOrDefault("DEFAULT_MODEL", DefaultModel),
		ConnectTimeout: getEnvAsDurationOrDefault("UPSTREAM_CONNECT_TIMEOUT", DefaultConnectTimeout),
		HeaderTimeout:  getEnvAsDurationOrDefault("UPSTREAM_HEADER_TIMEOUT", DefaultHeaderTimeout),
		MaxRequest:     int64(getEnvAsIntOrDefault("MAX_REQUEST_BYTES", DefaultMaxRequest)),
		MockBackend:    getEnvAsBool(os.Getenv("MOCK_BACKEND")),
		MockChunkDelay: getEnvAsDurationOrDefault("MOCK_CHUNK_DELAY", DefaultMockChunkDelay),
		BotToken:       os.Getenv("SLACK_BOT_TOKEN"),
		SigningSecret:  os.Getenv("SLACK_SIGNING_SECRET"),
		StreamMode:     os.Getenv("SLACK_STREAM_MODE"),
		WorkerPoolSize: getEnvAsIntOrDefault("WORKER_POOL_SIZE", 10),
		RelayURL:       os.Getenv("RELAY_URL"),
	}
	if cfg.StreamMode != "thread" {
		cfg.StreamMode = "update"
	}
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.MaxRequest <= 0 {
		cfg.MaxRequest = DefaultMaxRequest
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = "http://localhost:" + cfg.Port + "/api/chat"
	}
	return cfg
}

// Origin returns the inputs the backend resolver needs.
func (c Config) Origin() origin.Settings {
	return origin.Settings{
		Local:          c.IsLocal,
		LocalOrigin:    c.LocalOrigin,
		DeploymentHost: c.DeploymentHost,
	}
}

// SlackEnabled reports whether the Slack events endpoint should be mounted.
func (c Config) SlackEnabled() bool {
	return c.BotToken != "" && c.SigningSecret != ""
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func getEnvOrDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsBool(val string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	return err == nil && b
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
