package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"pdfrag"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"pdfrag"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI             bool   `envconfig:"ENABLE_API" default:"true"`
	EnableIngestionWorker bool   `envconfig:"ENABLE_INGESTION_WORKER" default:"true"`
	MigrationPath         string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Ingestion
	IngestionConcurrency         int  `envconfig:"INGESTION_CONCURRENCY" default:"100"`
	IngestionMaxAttempts         int  `envconfig:"INGESTION_MAX_ATTEMPTS" default:"5"`
	IngestionBackpressureDelayMs int  `envconfig:"INGESTION_BACKPRESSURE_DELAY_MS" default:"1000"`
	JobTimeoutSeconds            int  `envconfig:"JOB_TIMEOUT_SECONDS" default:"600"`
	CallTimeoutSeconds           int  `envconfig:"CALL_TIMEOUT_SECONDS" default:"60"`
	QueueStringPayloads          bool `envconfig:"QUEUE_STRING_PAYLOADS" default:"false"`
	ChunkSize                    int  `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap                 int  `envconfig:"CHUNK_OVERLAP" default:"200"`

	// Retrieval
	CollectionName string `envconfig:"COLLECTION_NAME" default:"pdf-docs"`
	RetrievalTopK  int    `envconfig:"RETRIEVAL_TOP_K" default:"2"`

	// Providers
	EmbeddingProvider  string  `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
	EmbeddingBaseURL   string  `envconfig:"EMBEDDING_BASE_URL" default:"https://router.huggingface.co/nebius/v1"`
	EmbeddingModel     string  `envconfig:"EMBEDDING_MODEL" default:"Qwen/Qwen3-Embedding-8B"`
	EmbeddingAPIKey    string  `envconfig:"EMBEDDING_API_KEY"`
	CompletionProvider string  `envconfig:"COMPLETION_PROVIDER" default:"openai"`
	CompletionBaseURL  string  `envconfig:"COMPLETION_BASE_URL" default:"https://api.groq.com/openai/v1"`
	CompletionModel    string  `envconfig:"COMPLETION_MODEL" default:"moonshotai/kimi-k2-instruct-0905"`
	CompletionAPIKey   string  `envconfig:"COMPLETION_API_KEY"`
	Temperature        float64 `envconfig:"COMPLETION_TEMPERATURE" default:"0"`
	GeminiAPIKey       string  `envconfig:"GEMINI_API_KEY"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8000"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	UploadDir       string `envconfig:"UPLOAD_DIR" default:"/tmp"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

// Load reads the environment, applies overrides in order and validates the
// result.
func Load(overrides ...func(*Config)) (*Config, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnv reads the environment and .env files without validating.
func LoadEnv() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WorkerOnly turns off the HTTP API and turns on the ingestion worker.
func WorkerOnly(c *Config) {
	c.EnableAPI = false
	c.EnableIngestionWorker = true
}

// Validate reports the first missing or inconsistent setting. Provider
// credentials are checked here so the process stops at startup instead of
// failing every job later.
func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("%w: COLLECTION_NAME", ErrMissingRequired)
	}

	switch c.EmbeddingProvider {
	case ProviderOpenAI:
		if c.EmbeddingAPIKey == "" {
			return fmt.Errorf("%w: EMBEDDING_API_KEY", ErrMissingRequired)
		}
		if c.EmbeddingModel == "" {
			return fmt.Errorf("%w: EMBEDDING_MODEL", ErrMissingRequired)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("unsupported EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}

	if c.EnableAPI {
		switch c.CompletionProvider {
		case ProviderOpenAI:
			if c.CompletionAPIKey == "" {
				return fmt.Errorf("%w: COMPLETION_API_KEY", ErrMissingRequired)
			}
		case ProviderGemini:
			if c.GeminiAPIKey == "" {
				return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
			}
		default:
			return fmt.Errorf("unsupported COMPLETION_PROVIDER %q", c.CompletionProvider)
		}
	}

	if c.IngestionConcurrency < 1 {
		return fmt.Errorf("INGESTION_CONCURRENCY must be positive, got %d", c.IngestionConcurrency)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c *Config) BackpressureDelay() time.Duration {
	return time.Duration(c.IngestionBackpressureDelayMs) * time.Millisecond
}
