// Package config provides configuration for the voice relay.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort    int    // Public WebSocket port
	HTTPPort  int    // Internal HTTP port for /health, /metrics, /internal/*
	VoicePath string // The only path accepted for upgrades

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	IdleTimeout    time.Duration // 0 disables

	// Upstream (Gemini Live)
	GeminiAPIKey   string
	GeminiModel    string
	GeminiVoice    string
	AudioInputMIME string
	ConnectTimeout time.Duration // 0 disables

	// Auth settings
	JWTSecret        string
	JWTIssuer        string
	JWTAudience      string
	AccessPolicyFile string

	// Tenant store
	TenantStore   string // sqlite, mongo or supabase
	SQLiteDSN     string
	MongoURI      string
	MongoDatabase string
	SupabaseURL   string
	SupabaseKey   string

	// Prompt cache
	PromptCache    string // none, memory or redis
	PromptCacheTTL time.Duration
	RedisURL       string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		WSPort:           getEnvInt("WS_PORT", 8090),
		HTTPPort:         getEnvInt("HTTP_PORT", 8091),
		VoicePath:        getEnv("VOICE_PATH", "/api/voice-stream"),
		PingInterval:     time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:     time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:      time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:   int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		IdleTimeout:      time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_MS", 0)) * time.Millisecond,
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		GeminiVoice:      getEnv("GEMINI_VOICE", "Puck"),
		AudioInputMIME:   getEnv("AUDIO_INPUT_MIME", "audio/pcm;rate=16000"),
		ConnectTimeout:   time.Duration(getEnvInt("UPSTREAM_CONNECT_TIMEOUT_MS", 15000)) * time.Millisecond,
		JWTSecret:        getEnv("AUTH_JWT_SECRET", ""),
		JWTIssuer:        getEnv("AUTH_JWT_ISSUER", ""),
		JWTAudience:      getEnv("AUTH_JWT_AUDIENCE", ""),
		AccessPolicyFile: getEnv("ACCESS_POLICY_FILE", ""),
		TenantStore:      getEnv("TENANT_STORE", "sqlite"),
		SQLiteDSN:        getEnv("SQLITE_DSN", "file:tenants.db?cache=shared&mode=rwc"),
		MongoURI:         getEnv("MONGODB_URI", ""),
		MongoDatabase:    getEnv("MONGODB_DATABASE", "signage"),
		SupabaseURL:      getEnv("SUPABASE_URL", ""),
		SupabaseKey:      getEnv("SUPABASE_KEY", ""),
		PromptCache:      getEnv("PROMPT_CACHE", "none"),
		PromptCacheTTL:   time.Duration(getEnvInt("PROMPT_CACHE_TTL_MS", 300000)) * time.Millisecond,
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
	}
}

// UpstreamConfigured reports whether the relay can open upstream sessions.
func (c *Config) UpstreamConfigured() bool {
	return c.GeminiAPIKey != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
