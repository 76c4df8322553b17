// Package config provides configuration management for kwgroup.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkerPort is the HTTP port the worker listens on.
	DefaultWorkerPort = 37877
	// DefaultModel is the embedding model requested from HTTP backends.
	DefaultModel = "all-minilm"
	// DefaultSeed matches the random_state used by the first grouping releases.
	DefaultSeed = 42
	// DefaultHashDimensions is the vector size of the local hashing embedder.
	DefaultHashDimensions = 384
)

// Embedding backends.
const (
	BackendHash = "hash"
	BackendHTTP = "http"
)

// Cache backends.
const (
	CacheNone  = "none"
	CacheDB    = "db"
	CacheRedis = "redis"
)

// Config holds all runtime settings.
type Config struct {
	WorkerHost string
	DBDriver   string
	DBPath     string
	DBDSN      string
	RulesPath  string

	EmbeddingBackend  string
	EmbeddingURL      string
	EmbeddingModel    string
	EmbeddingAPIStyle string
	EmbeddingAPIKey   string

	CacheBackend string
	RedisAddr    string

	KStrategy string

	// IgnoredKeywords are dropped at ingestion after normalization.
	IgnoredKeywords []string

	WorkerPort            int
	MaxConns              int
	EmbeddingDimensions   int
	EmbeddingBatchSize    int
	EmbeddingConcurrency  int
	EmbeddingMaxRetries   int
	EmbeddingRateLimit    float64
	EmbeddingTimeout      time.Duration
	CacheTTL              time.Duration
	GroupingTimeout       time.Duration
	GroupingSeed          uint64
	GroupingMaxK          int
	GroupingMaxIterations int
	GroupingRestarts      int
	SmallSetThreshold     int
	MaxKeywordTokens      int
	MaxKeywordsPerRequest int
	HistoryLimit          int
}

var (
	cached     *Config
	cachedOnce sync.Once
)

// DataDir returns the kwgroup data directory (~/.kwgroup).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".kwgroup")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "kwgroup.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// RulesPath returns the default keyword normalization rules path.
func RulesPath() string {
	return filepath.Join(DataDir(), "rules.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	defaults := map[string]interface{}{
		"KWGROUP_WORKER_PORT":       DefaultWorkerPort,
		"KWGROUP_EMBEDDING_BACKEND": BackendHash,
		"KWGROUP_EMBEDDING_MODEL":   DefaultModel,
		"KWGROUP_GROUPING_SEED":     DefaultSeed,
	}
	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkerHost:            "127.0.0.1",
		WorkerPort:            DefaultWorkerPort,
		DBDriver:              "sqlite",
		DBPath:                DBPath(),
		MaxConns:              4,
		RulesPath:             RulesPath(),
		EmbeddingBackend:      BackendHash,
		EmbeddingURL:          "http://127.0.0.1:11434",
		EmbeddingModel:        DefaultModel,
		EmbeddingAPIStyle:     "ollama",
		EmbeddingDimensions:   DefaultHashDimensions,
		EmbeddingBatchSize:    32,
		EmbeddingConcurrency:  4,
		EmbeddingMaxRetries:   3,
		EmbeddingRateLimit:    20,
		EmbeddingTimeout:      15 * time.Second,
		CacheBackend:          CacheDB,
		RedisAddr:             "127.0.0.1:6379",
		CacheTTL:              7 * 24 * time.Hour,
		KStrategy:             "sqrt",
		GroupingTimeout:       30 * time.Second,
		GroupingSeed:          DefaultSeed,
		GroupingMaxK:          10,
		GroupingMaxIterations: 100,
		GroupingRestarts:      4,
		SmallSetThreshold:     4,
		MaxKeywordTokens:      256,
		MaxKeywordsPerRequest: 1000,
		HistoryLimit:          10,
	}
}

// Load reads settings.json on top of the defaults and applies environment
// overrides. A missing or malformed file yields defaults, not an error.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		var settings map[string]interface{}
		if jsonErr := json.Unmarshal(data, &settings); jsonErr != nil {
			log.Warn().Err(jsonErr).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
		} else {
			cfg.apply(settings)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it once.
func Get() *Config {
	cachedOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		cached = cfg
	})
	return cached
}

// GetWorkerPort returns the worker port, preferring KWGROUP_WORKER_PORT.
func GetWorkerPort() int {
	if v := os.Getenv("KWGROUP_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}

func (c *Config) apply(s map[string]interface{}) {
	setString(s, "KWGROUP_WORKER_HOST", &c.WorkerHost)
	setInt(s, "KWGROUP_WORKER_PORT", &c.WorkerPort)
	setString(s, "KWGROUP_DB_DRIVER", &c.DBDriver)
	setString(s, "KWGROUP_DB_PATH", &c.DBPath)
	setString(s, "KWGROUP_DB_DSN", &c.DBDSN)
	setInt(s, "KWGROUP_MAX_CONNS", &c.MaxConns)
	setString(s, "KWGROUP_RULES_PATH", &c.RulesPath)

	setString(s, "KWGROUP_EMBEDDING_BACKEND", &c.EmbeddingBackend)
	setString(s, "KWGROUP_EMBEDDING_URL", &c.EmbeddingURL)
	setString(s, "KWGROUP_EMBEDDING_MODEL", &c.EmbeddingModel)
	setString(s, "KWGROUP_EMBEDDING_API_STYLE", &c.EmbeddingAPIStyle)
	setString(s, "KWGROUP_EMBEDDING_API_KEY", &c.EmbeddingAPIKey)
	setInt(s, "KWGROUP_EMBEDDING_DIMENSIONS", &c.EmbeddingDimensions)
	setInt(s, "KWGROUP_EMBEDDING_BATCH_SIZE", &c.EmbeddingBatchSize)
	setInt(s, "KWGROUP_EMBEDDING_CONCURRENCY", &c.EmbeddingConcurrency)
	setInt(s, "KWGROUP_EMBEDDING_MAX_RETRIES", &c.EmbeddingMaxRetries)
	setFloat(s, "KWGROUP_EMBEDDING_RATE_LIMIT", &c.EmbeddingRateLimit)
	setSeconds(s, "KWGROUP_EMBEDDING_TIMEOUT_SECONDS", &c.EmbeddingTimeout)

	setString(s, "KWGROUP_CACHE_BACKEND", &c.CacheBackend)
	setString(s, "KWGROUP_REDIS_ADDR", &c.RedisAddr)
	setSeconds(s, "KWGROUP_CACHE_TTL_SECONDS", &c.CacheTTL)

	setString(s, "KWGROUP_K_STRATEGY", &c.KStrategy)
	setSeconds(s, "KWGROUP_GROUPING_TIMEOUT_SECONDS", &c.GroupingTimeout)
	var seed int
	if setInt(s, "KWGROUP_GROUPING_SEED", &seed) && seed >= 0 {
		c.GroupingSeed = uint64(seed)
	}
	setInt(s, "KWGROUP_GROUPING_MAX_K", &c.GroupingMaxK)
	setInt(s, "KWGROUP_GROUPING_MAX_ITERATIONS", &c.GroupingMaxIterations)
	setInt(s, "KWGROUP_GROUPING_RESTARTS", &c.GroupingRestarts)
	setInt(s, "KWGROUP_SMALL_SET_THRESHOLD", &c.SmallSetThreshold)
	setInt(s, "KWGROUP_MAX_KEYWORD_TOKENS", &c.MaxKeywordTokens)
	setInt(s, "KWGROUP_MAX_KEYWORDS_PER_REQUEST", &c.MaxKeywordsPerRequest)
	setInt(s, "KWGROUP_HISTORY_LIMIT", &c.HistoryLimit)
	if v, ok := s["KWGROUP_IGNORED_KEYWORDS"].(string); ok {
		c.IgnoredKeywords = splitTrim(v)
	}
}

// applyEnv lets deployment-specific values override the settings file.
func (c *Config) applyEnv() {
	env := make(map[string]interface{})
	for _, key := range []string{
		"KWGROUP_DB_DRIVER",
		"KWGROUP_DB_DSN",
		"KWGROUP_EMBEDDING_BACKEND",
		"KWGROUP_EMBEDDING_URL",
		"KWGROUP_EMBEDDING_MODEL",
		"KWGROUP_EMBEDDING_API_KEY",
		"KWGROUP_CACHE_BACKEND",
		"KWGROUP_REDIS_ADDR",
	} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			env[key] = v
		}
	}
	c.apply(env)
}

func setString(s map[string]interface{}, key string, dst *string) bool {
	v, ok := s[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return false
	}
	*dst = strings.TrimSpace(v)
	return true
}

func setInt(s map[string]interface{}, key string, dst *int) bool {
	switch v := s[key].(type) {
	case float64:
		*dst = int(v)
		return true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
			return true
		}
	}
	return false
}

func setFloat(s map[string]interface{}, key string, dst *float64) bool {
	switch v := s[key].(type) {
	case float64:
		*dst = v
		return true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
			return true
		}
	}
	return false
}

func setSeconds(s map[string]interface{}, key string, dst *time.Duration) bool {
	var secs float64
	if !setFloat(s, key, &secs) || secs <= 0 {
		return false
	}
	*dst = time.Duration(secs * float64(time.Second))
	return true
}

// splitTrim splits a comma-separated value, dropping empty entries.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
