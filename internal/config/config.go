package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultMaxBodySize int64 = 2 * 1024 * 1024 // 2MB
	DefaultConfigPath        = "config.yaml"
)

// MCPServerConfig holds configuration for a single MCP server
type MCPServerConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Token        string   `yaml:"-"`             // From Env
	AllowedTools []string `yaml:"allowed_tools"` // Whitelist of tools to expose
}

// PromptsConfig holds configuration for prompt loading
type PromptsConfig struct {
	Dir string `yaml:"dir"` // Root directory for prompt files
}

// Config holds the configuration for the PR review automation tool
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format string `yaml:"format"` // text, json
		Output string `yaml:"output"` // stdout, stderr, /path/to/file
	} `yaml:"log"`

	Server struct {
		Port             int           `yaml:"port"`
		ConcurrencyLimit int64         `yaml:"concurrency_limit"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxBodySize      int64         `yaml:"max_body_size"`
		WebhookSecret    string        `yaml:"-"` // From Env
		// DebounceWindow coalesces rapid repeated review requests for the
		// same owner/repo/pr_number (e.g. several pushes in quick
		// succession) into a single supervisor run using the latest
		// payload, instead of spawning one run per request. Zero disables
		// coalescing.
		DebounceWindow time.Duration `yaml:"debounce_window"`
	} `yaml:"server"`

	LLM struct {
		Model    string        `yaml:"model"`
		Endpoint string        `yaml:"endpoint"`
		APIKey   string        `yaml:"api_key"` // From YAML or Env
		Timeout  time.Duration `yaml:"timeout"` // 0 means no per-request timeout beyond ctx
	} `yaml:"llm"`

	MCP struct {
		Retry struct {
			Attempts   int           `yaml:"attempts"`
			Backoff    time.Duration `yaml:"backoff"`
			MaxBackoff time.Duration `yaml:"max_backoff"`
		} `yaml:"retry"`
		Bitbucket  MCPServerConfig `yaml:"bitbucket"`
		Jira       MCPServerConfig `yaml:"jira"`
		Confluence MCPServerConfig `yaml:"confluence"`
	} `yaml:"mcp"`

	Prompts PromptsConfig `yaml:"prompts"`

	Storage StorageConfig `yaml:"storage"`

	Sandbox SandboxConfig `yaml:"sandbox"`

	Queue QueueConfig `yaml:"queue"`

	KB KBConfig `yaml:"kb"`

	Bot BotConfig `yaml:"bot"`

	Cache CacheConfig `yaml:"cache"`
}

// SandboxConfig configures the remote sandbox execution provider (E2B).
type SandboxConfig struct {
	APIKey            string        `yaml:"-"` // From Env
	TemplateID        string        `yaml:"template_id"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelaySeconds float64       `yaml:"retry_delay_seconds"`
}

// QueueConfig selects and configures the durable job-queue backend.
type QueueConfig struct {
	UseRedis bool   `yaml:"use_redis"`
	RedisURL string `yaml:"-"` // From Env
}

// KBConfig configures the optional knowledge-base collaborator.
type KBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// BotConfig configures the outbound hosting-platform poster.
type BotConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig sizes the in-process TTL+LRU caches.
type CacheConfig struct {
	SearchTTL         time.Duration `yaml:"search_ttl"`
	SearchMaxEntries  int           `yaml:"search_max_entries"`
	PackageTTL        time.Duration `yaml:"package_ttl"`
	PackageMaxEntries int           `yaml:"package_max_entries"`
}

// StorageConfig holds configuration for review persistence
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite
	DSN    string `yaml:"dsn"`    // Connection string
}

// GetLogLevel returns the slog.Level based on Log.Level string
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig loads configuration from YAML file and supplements with environment variables
func LoadConfig() *Config {
	// Best-effort: a missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{}

	// Set some defaults before loading
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Server.Port = 8080
	cfg.Server.ConcurrencyLimit = 10
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.MaxBodySize = DefaultMaxBodySize
	cfg.Server.DebounceWindow = 0
	cfg.LLM.Endpoint = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.Timeout = 60 * time.Second
	cfg.MCP.Retry.Attempts = 3
	cfg.MCP.Retry.Backoff = 1 * time.Second
	cfg.MCP.Retry.MaxBackoff = 30 * time.Second
	cfg.Prompts.Dir = "prompts"
	cfg.Sandbox.Timeout = 5 * time.Minute
	cfg.Sandbox.MaxRetries = 3
	cfg.Sandbox.RetryDelaySeconds = 2.0
	cfg.Cache.SearchTTL = 10 * time.Minute
	cfg.Cache.SearchMaxEntries = 500
	cfg.Cache.PackageTTL = time.Hour
	cfg.Cache.PackageMaxEntries = 200

	// Try to load from YAML
	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			slog.Error("read config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config not found, using defaults", "path", configPath)
	}

	// Always supplement/override with environment variables for secrets and critical items
	cfg.LLM.APIKey = getEnv("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.Server.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.Server.WebhookSecret)

	cfg.MCP.Bitbucket.Token = getEnv("BITBUCKET_MCP_TOKEN", cfg.MCP.Bitbucket.Token)
	cfg.MCP.Jira.Token = getEnv("JIRA_MCP_TOKEN", cfg.MCP.Jira.Token)
	cfg.MCP.Confluence.Token = getEnv("CONFLUENCE_MCP_TOKEN", cfg.MCP.Confluence.Token)

	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.LLM.Endpoint = provider
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if secs := getEnvInt("LLM_TIMEOUT_SECONDS", 0); secs > 0 {
		cfg.LLM.Timeout = time.Duration(secs) * time.Second
	}

	cfg.Sandbox.APIKey = getEnv("E2B_API_KEY", cfg.Sandbox.APIKey)
	cfg.Sandbox.TemplateID = getEnv("E2B_TEMPLATE_ID", cfg.Sandbox.TemplateID)
	if ms := getEnvInt("E2B_SANDBOX_TIMEOUT_MS", 0); ms != 0 {
		cfg.Sandbox.Timeout = time.Duration(ms) * time.Millisecond
	}
	if r := getEnvInt("E2B_MAX_RETRIES", 0); r != 0 {
		cfg.Sandbox.MaxRetries = r
	}
	if d := getEnvFloat("E2B_RETRY_DELAY_SECONDS", 0); d != 0 {
		cfg.Sandbox.RetryDelaySeconds = d
	}

	cfg.Queue.RedisURL = getEnv("REDIS_URL", cfg.Queue.RedisURL)
	cfg.Queue.UseRedis = getEnvBool("USE_REDIS", cfg.Queue.UseRedis)

	cfg.KB.Enabled = getEnvBool("KB_ENABLED", cfg.KB.Enabled)
	cfg.KB.URL = getEnv("KNOWLEDGE_BASE_URL", cfg.KB.URL)

	cfg.Bot.URL = getEnv("BOT_URL", cfg.Bot.URL)

	if ttl := getEnvInt("SEARCH_CACHE_TTL", 0); ttl != 0 {
		cfg.Cache.SearchTTL = time.Duration(ttl) * time.Second
	}
	if n := getEnvInt("SEARCH_CACHE_MAX_ENTRIES", 0); n != 0 {
		cfg.Cache.SearchMaxEntries = n
	}
	if ttl := getEnvInt("PACKAGE_CACHE_TTL", 0); ttl != 0 {
		cfg.Cache.PackageTTL = time.Duration(ttl) * time.Second
	}
	if n := getEnvInt("PACKAGE_CACHE_MAX_ENTRIES", 0); n != 0 {
		cfg.Cache.PackageMaxEntries = n
	}

	// Support for existing environment variables for backward compatibility (optional but keep some common ones)
	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.Log.Level = envLogLevel
	}
	if envLogFormat := os.Getenv("LOG_FORMAT"); envLogFormat != "" {
		cfg.Log.Format = envLogFormat
	}
	if envLogOutput := os.Getenv("LOG_OUTPUT"); envLogOutput != "" {
		cfg.Log.Output = envLogOutput
	}
	if secs := getEnvInt("DEBOUNCE_WINDOW_SECONDS", -1); secs >= 0 {
		cfg.Server.DebounceWindow = time.Duration(secs) * time.Second
	}

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.LLM.APIKey == "" {
		errs = append(errs, "LLM_API_KEY is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}

	// At least one MCP endpoint should be configured
	if c.MCP.Bitbucket.Endpoint == "" && c.MCP.Jira.Endpoint == "" && c.MCP.Confluence.Endpoint == "" {
		errs = append(errs, "at least one MCP endpoint must be configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Helper functions for reading environment variables

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
