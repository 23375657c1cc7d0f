package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds download, HTTP, session and output settings.
// Load from env; call LoadEnvFile(".env") first to pick up a local .env.
type Config struct {
	// Paths
	DownloadDir string // parent of per-session folders, e.g. ./download
	FFmpegPath  string // media tool used for concat / remux / cut

	// Segment pool
	Concurrency    int           // worker count; <1 is treated as 1
	SegmentTimeout time.Duration // 0 = no per-segment timeout
	RateLimit      float64       // segment requests per second; 0 = unlimited
	DeriveIV       bool          // always derive AES IV from the media sequence number

	// HTTP
	UserAgent       string
	HeadersFile     string            // optional JSON object of extra request headers
	Headers         map[string]string // loaded from HeadersFile
	PlaylistTimeout time.Duration     // playlist and key fetches

	// Session state: "file" (base_info.json per folder) or "sqlite" (shared DB at SessionDB).
	SessionStore string
	SessionDB    string

	// Observability
	LogLevel    string
	MetricsFile string // prometheus textfile written after each run; "" = disabled
	Progress    bool
}

// Load reads config from environment. Headers are read from HLSFETCH_HEADERS_FILE when set;
// a broken headers file is reported as an error since every request would otherwise go out unauthenticated.
func Load() (*Config, error) {
	c := &Config{
		DownloadDir:     getEnv("HLSFETCH_DOWNLOAD_DIR", "download"),
		FFmpegPath:      getEnv("HLSFETCH_FFMPEG", "ffmpeg"),
		Concurrency:     getEnvInt("HLSFETCH_CONCURRENCY", 3),
		SegmentTimeout:  getEnvDuration("HLSFETCH_SEGMENT_TIMEOUT", 0),
		RateLimit:       getEnvFloat("HLSFETCH_RATE_LIMIT", 0),
		DeriveIV:        getEnvBool("HLSFETCH_DERIVE_IV", false),
		UserAgent:       getEnv("HLSFETCH_USER_AGENT", "hlsfetch/1.0"),
		HeadersFile:     os.Getenv("HLSFETCH_HEADERS_FILE"),
		PlaylistTimeout: getEnvDuration("HLSFETCH_PLAYLIST_TIMEOUT", 30*time.Second),
		SessionStore:    getEnvStore("HLSFETCH_SESSION_STORE", "file"),
		SessionDB:       os.Getenv("HLSFETCH_SESSION_DB"),
		LogLevel:        getEnv("HLSFETCH_LOG_LEVEL", "info"),
		MetricsFile:     os.Getenv("HLSFETCH_METRICS_FILE"),
		Progress:        getEnvBool("HLSFETCH_PROGRESS", true),
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.SessionStore == "sqlite" && c.SessionDB == "" {
		c.SessionDB = filepath.Join(c.DownloadDir, "sessions.db")
	}
	if c.HeadersFile != "" {
		h, err := LoadHeaders(c.HeadersFile)
		if err != nil {
			return nil, err
		}
		c.Headers = h
	}
	return c, nil
}

// LoadHeaders reads a JSON object of header name -> value.
func LoadHeaders(path string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read headers file: %w", err)
	}
	var headers map[string]string
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("parse headers file %s: %w", path, err)
	}
	return headers, nil
}

// FolderPath returns the session folder for name under DownloadDir.
func (c *Config) FolderPath(name string) string {
	return filepath.Join(c.DownloadDir, name)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return defaultVal
		}
		return f
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvStore returns "file" or "sqlite"; anything else falls back to defaultVal.
func getEnvStore(key, defaultVal string) string {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "file", "json":
		return "file"
	case "sqlite", "sqlite3", "db":
		return "sqlite"
	}
	return defaultVal
}
