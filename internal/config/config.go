package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pdf-rag/internal/models"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	RAG       RAGConfig       `yaml:"rag"`
	Index     IndexConfig     `yaml:"index"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Mode           string   `yaml:"mode"`
	CORSOrigins    []string `yaml:"cors_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

// EmbeddingConfig selects the embedding provider. Key is only needed by the
// remote providers; when empty the session credential is used.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	Key        string `yaml:"key"`
	Model      string `yaml:"model"`
	MaxChars   int    `yaml:"max_chars"`
	Dimensions int    `yaml:"dimensions"`
}

type LLMConfig struct {
	Provider          string  `yaml:"provider"`
	BaseURL           string  `yaml:"base_url"`
	Key               string  `yaml:"key"`
	Model             string  `yaml:"model"`
	Temperature       float32 `yaml:"temperature"`
	TimeoutSecs       int     `yaml:"timeout_secs"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
}

type RAGConfig struct {
	TopK           int    `yaml:"top_k"`
	PromptTemplate string `yaml:"prompt_template"`
}

type IndexConfig struct {
	Backend           string `yaml:"backend"`
	SessionTTLMinutes int    `yaml:"session_ttl_minutes"`
}

// DatabaseConfig configures the pgvector backend. Instance prefixes every
// collection this process writes; processes sharing a database need distinct
// instances.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Instance string `yaml:"instance"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHash   = "hash"

	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"
)

// LoadConfig reads the YAML file at path. A missing file yields the defaults.
// Secrets that are not in the file are taken from the environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no secrets.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 20 << 20
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderOllama
	}
	if cfg.Embedding.MaxChars == 0 {
		cfg.Embedding.MaxChars = 4000
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.Model == "" {
		switch cfg.Embedding.Provider {
		case ProviderOllama:
			cfg.Embedding.Model = "all-minilm"
		case ProviderOpenAI:
			cfg.Embedding.Model = "text-embedding-3-small"
		case ProviderGemini:
			cfg.Embedding.Model = "text-embedding-004"
		}
	}
	if cfg.Embedding.BaseURL == "" {
		switch cfg.Embedding.Provider {
		case ProviderOllama:
			cfg.Embedding.BaseURL = "http://localhost:11434"
		case ProviderOpenAI:
			cfg.Embedding.BaseURL = "https://api.openai.com/v1"
		}
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderGemini
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case ProviderGemini:
			cfg.LLM.Model = "gemini-1.5-flash"
		case ProviderOpenAI:
			cfg.LLM.Model = "gpt-4o-mini"
		}
	}
	if cfg.LLM.BaseURL == "" && cfg.LLM.Provider == ProviderOpenAI {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.TimeoutSecs == 0 {
		cfg.LLM.TimeoutSecs = 60
	}
	if cfg.LLM.RequestsPerMinute == 0 {
		cfg.LLM.RequestsPerMinute = 30
	}

	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 2
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = BackendChromem
	}
	if cfg.Index.SessionTTLMinutes == 0 {
		cfg.Index.SessionTTLMinutes = 60
	}

	if cfg.Database.Instance == "" {
		cfg.Database.Instance = defaultInstance()
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "pdf-rag"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv fills provider keys from the environment (or a loaded .env file).
func applyEnv(cfg *Config) {
	if cfg.LLM.Key == "" {
		cfg.LLM.Key = envKey(cfg.LLM.Provider)
	}
	if cfg.Embedding.Key == "" {
		cfg.Embedding.Key = envKey(cfg.Embedding.Provider)
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "pdf-rag"
	}
	return host
}

func envKey(provider string) string {
	switch provider {
	case ProviderGemini:
		return os.Getenv("GOOGLE_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderGemini, ProviderHash:
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embedding.Provider)
	}
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	switch c.Index.Backend {
	case BackendChromem:
	case BackendPgvector:
		if c.Database.DSN == "" {
			return errors.New("index backend pgvector requires database.dsn")
		}
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("rag.top_k must be positive, got %d", c.RAG.TopK)
	}
	if t := c.RAG.PromptTemplate; t != "" {
		for _, p := range []string{models.ContextPlaceholder, models.QuestionPlaceholder} {
			if strings.Count(t, p) != 1 {
				return fmt.Errorf("rag.prompt_template must contain %s exactly once", p)
			}
		}
	}
	if c.Embedding.MaxChars <= 0 {
		return fmt.Errorf("embedding.max_chars must be positive, got %d", c.Embedding.MaxChars)
	}
	return nil
}

// Redacted returns a copy that is safe to log.
func (c Config) Redacted() Config {
	if c.LLM.Key != "" {
		c.LLM.Key = "***"
	}
	if c.Embedding.Key != "" {
		c.Embedding.Key = "***"
	}
	if c.Database.Password != "" {
		c.Database.Password = "***"
	}
	return c
}
