// Package config provides configuration management for Lectern.
// Server settings come from environment variables. Secrets may also come from
// a .env file or a TOML secrets file so they never need to live in shell history.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Server
	Port int    // LECTERN_PORT (default: 8090)
	Host string // LECTERN_HOST (default: 0.0.0.0)

	// Security
	AuthToken string // LECTERN_AUTH_TOKEN (optional; when set, requests need the token)
	EnableTLS bool   // LECTERN_ENABLE_TLS (browsers only expose the mic on secure origins)
	RateLimit int    // LECTERN_RATE_LIMIT (NAS refreshes per minute per client, 0 disables)
	RateAllow string // LECTERN_RATE_ALLOW (comma-separated IPs/CIDRs)

	// Logging
	LogDir    string // LECTERN_LOG_DIR (optional rotating log file)
	LogFormat string // LECTERN_LOG_FORMAT (text|json)
	AccessLog bool   // LECTERN_ACCESS_LOG

	// NAS
	SecretsFile string        // LECTERN_SECRETS_FILE (default: secrets.toml)
	NASBackend  string        // LECTERN_NAS_BACKEND (api|webdav)
	FolderPath  string        // LECTERN_NAS_FOLDER
	WebDAVURL   string        // LECTERN_WEBDAV_URL (defaults to SYNO_URL)
	NASTimeout  time.Duration // LECTERN_NAS_TIMEOUT

	// Speech recognition
	STTURL        string // LECTERN_STT_URL
	STTSampleRate int    // LECTERN_STT_SAMPLE_RATE

	// Language model
	LLMURL     string        // LECTERN_LLM_URL (API base including version path, used as given)
	LLMModel   string        // LECTERN_LLM_MODEL
	LLMTimeout time.Duration // LECTERN_LLM_TIMEOUT

	// Output
	ExportDir     string // LECTERN_EXPORT_DIR (optional markdown export)
	RecordingsDir string // LECTERN_RECORDINGS_DIR (optional WAV capture)
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first; variables already set
// in the environment win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          envInt("LECTERN_PORT", 8090),
		Host:          envStr("LECTERN_HOST", "0.0.0.0"),
		AuthToken:     envStr("LECTERN_AUTH_TOKEN", ""),
		EnableTLS:     envBool("LECTERN_ENABLE_TLS", false),
		RateLimit:     envInt("LECTERN_RATE_LIMIT", 6),
		RateAllow:     envStr("LECTERN_RATE_ALLOW", "127.0.0.1,::1"),
		LogDir:        envStr("LECTERN_LOG_DIR", ""),
		LogFormat:     envStr("LECTERN_LOG_FORMAT", "text"),
		AccessLog:     envBool("LECTERN_ACCESS_LOG", false),
		SecretsFile:   envStr("LECTERN_SECRETS_FILE", "secrets.toml"),
		NASBackend:    strings.ToLower(envStr("LECTERN_NAS_BACKEND", "api")),
		FolderPath:    envStr("LECTERN_NAS_FOLDER", "/RLRC/509 자료"),
		WebDAVURL:     envStr("LECTERN_WEBDAV_URL", ""),
		NASTimeout:    envDuration("LECTERN_NAS_TIMEOUT", 15*time.Second),
		STTURL:        envStr("LECTERN_STT_URL", "wss://api.assemblyai.com/v2/realtime/ws"),
		STTSampleRate: envInt("LECTERN_STT_SAMPLE_RATE", 16000),
		LLMURL:        envStr("LECTERN_LLM_URL", "https://api.openai.com/v1"),
		LLMModel:      envStr("LECTERN_LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:    envDuration("LECTERN_LLM_TIMEOUT", 60*time.Second),
		ExportDir:     envStr("LECTERN_EXPORT_DIR", ""),
		RecordingsDir: envStr("LECTERN_RECORDINGS_DIR", ""),
	}
}

// ListenAddr returns the formatted listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("20s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
