package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPort          = 11434
	DefaultVisionModel   = "moondream"
	DefaultTextModel     = "llama3.1"
	DefaultKeepAlive     = -1
	DefaultHTTPTimeout   = 120 * time.Second
	DefaultClaudeModel   = "claude-opus-4-6"
	DefaultStatusRefresh = 60 * time.Second
)

type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       string
	LogFormat      string
	LogFile        string
	InstancesFile  string
	HTTPTimeout    time.Duration
	StatusInterval time.Duration

	// Used when InstancesFile is empty.
	VisionBackend   string
	OllamaHost      string
	OllamaPort      int
	OllamaModel     string
	OllamaKeepAlive int
	TextHost        string
	TextPort        int
	TextModel       string
	TextKeepAlive   int
	Stream          bool
	ClaudeAPIKey    string
	ClaudeModel     string
}

// Load reads configuration from the environment. Variables in envFile are
// loaded first without overriding ones already set; a missing file is ignored.
func Load(envFile string) *Config {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to load env file", "path", envFile, "error", err)
		}
	}

	return &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		DBPath:         getEnv("DB_PATH", "/data/ollamavision.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		LogFile:        getEnv("LOG_FILE", ""),
		InstancesFile:  getEnv("INSTANCES_FILE", ""),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", DefaultHTTPTimeout),
		StatusInterval: getEnvDuration("STATUS_INTERVAL", DefaultStatusRefresh),

		VisionBackend:   getEnv("VISION_BACKEND", BackendOllama),
		OllamaHost:      getEnv("OLLAMA_HOST", "localhost"),
		OllamaPort:      getEnvInt("OLLAMA_PORT", DefaultPort),
		OllamaModel:     getEnv("OLLAMA_MODEL", DefaultVisionModel),
		OllamaKeepAlive: getEnvInt("OLLAMA_KEEPALIVE", DefaultKeepAlive),
		TextHost:        getEnv("OLLAMA_TEXT_HOST", ""),
		TextPort:        getEnvInt("OLLAMA_TEXT_PORT", DefaultPort),
		TextModel:       getEnv("OLLAMA_TEXT_MODEL", DefaultTextModel),
		TextKeepAlive:   getEnvInt("OLLAMA_TEXT_KEEPALIVE", DefaultKeepAlive),
		Stream:          getEnvBool("OLLAMA_STREAM", true),
		ClaudeAPIKey:    getEnv("CLAUDE_API_KEY", ""),
		ClaudeModel:     getEnv("CLAUDE_MODEL", DefaultClaudeModel),
	}
}

// Instances returns the configured instances: the contents of InstancesFile
// when set, otherwise a single instance built from the environment.
func (c *Config) Instances() ([]InstanceConfig, error) {
	if c.InstancesFile != "" {
		return LoadInstances(c.InstancesFile, c.HTTPTimeout)
	}

	inst := InstanceConfig{
		ID:            "default",
		Name:          "Ollama Vision",
		Backend:       c.VisionBackend,
		Host:          c.OllamaHost,
		Port:          c.OllamaPort,
		Model:         c.OllamaModel,
		KeepAlive:     c.OllamaKeepAlive,
		TextHost:      c.TextHost,
		TextPort:      c.TextPort,
		TextModel:     c.TextModel,
		TextKeepAlive: c.TextKeepAlive,
		Stream:        c.Stream,
		Timeout:       c.HTTPTimeout,
		ClaudeAPIKey:  c.ClaudeAPIKey,
		ClaudeModel:   c.ClaudeModel,
	}
	if inst.Backend == BackendClaude {
		inst.Model = c.ClaudeModel
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return []InstanceConfig{inst}, nil
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	val, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return d
}
