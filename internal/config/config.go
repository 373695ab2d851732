// Package config loads EverMem's YAML configuration, mirroring the
// teacher's load-with-defaults style (internal/config/config.go).
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// BufferConfig configures the C2 message buffer backend.
type BufferConfig struct {
	Backend  string `yaml:"backend"` // memory | redis
	RedisDSN string `yaml:"redis_dsn"`
	MaxSize  int    `yaml:"max_size"` // force-flush threshold, default 200
}

// BoundaryConfig configures C3 boundary detection thresholds.
type BoundaryConfig struct {
	GapHours           float64  `yaml:"gap_hours"`            // default 4
	TopicDivergence    float64  `yaml:"topic_divergence"`     // default 0.8
	SceneDelimiters    []string `yaml:"scene_delimiters"`
	DefaultTimezone    string   `yaml:"default_timezone"` // fallback UTC
}

// ExtractionConfig configures C4 worker pool behavior.
type ExtractionConfig struct {
	QueueBackend             string   `yaml:"queue_backend"` // memory | kafka
	KafkaBrokers             []string `yaml:"kafka_brokers"`
	KafkaTopic               string   `yaml:"kafka_topic"`
	WorkerConcurrency        int      `yaml:"worker_concurrency"` // default 5
	EmbedBatchSize           int      `yaml:"embed_batch_size"`   // default 256
	RetryAttempts            int      `yaml:"retry_attempts"`     // default 3
	RetryBaseSeconds         int      `yaml:"retry_base_seconds"` // default 2
	TimeoutSeconds           int      `yaml:"timeout_seconds"`    // default 180
	HighWatermark            int      `yaml:"high_watermark"`
	HardCap                  int      `yaml:"hard_cap"`
	DeadLetterBackend        string   `yaml:"dead_letter_backend"` // memory | s3
	DeadLetterBucket         string   `yaml:"dead_letter_bucket"`
	ForesightMax             int      `yaml:"foresight_max"`               // default 10
	IncludeForesightInGroups bool     `yaml:"include_foresight_in_groups"` // whether group_chat scenes also run foresight generation
}

// StoreConfig configures the C5 memory store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory | postgres
	DSN     string `yaml:"dsn"`
}

type KeywordConfig struct {
	Backend string `yaml:"backend"` // memory | postgres
	DSN     string `yaml:"dsn"`
}

type VectorConfig struct {
	Backend    string `yaml:"backend"` // memory | qdrant
	DSN        string `yaml:"dsn"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`
}

// LLMConfig selects and configures the LLM collaborator.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // anthropic | openai
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSecs int     `yaml:"timeout_seconds"`
}

// EmbeddingConfig configures the embedding collaborator.
type EmbeddingConfig struct {
	BaseURL       string `yaml:"base_url"`
	Path          string `yaml:"path"`
	Model         string `yaml:"model"`
	APIKey        string `yaml:"api_key"`
	APIHeader     string `yaml:"api_header"`
	Dimensions    int    `yaml:"dimensions"`
	QueryPrefix   string `yaml:"query_prefix"`
	BatchSize     int    `yaml:"batch_size"`
	Concurrency   int    `yaml:"concurrency"`
	TimeoutSecs   int    `yaml:"timeout_seconds"`
}

type SyncConfig struct {
	Backend                  string `yaml:"backend"` // memory | postgres
	DSN                      string `yaml:"dsn"`
	ReconcileIntervalSeconds int    `yaml:"reconcile_interval_seconds"` // default 30
}

// Config is the root configuration for an evermemd process.
type Config struct {
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	Buffer     BufferConfig      `yaml:"buffer"`
	Boundary   BoundaryConfig    `yaml:"boundary"`
	Extraction ExtractionConfig  `yaml:"extraction"`
	Store      StoreConfig       `yaml:"store"`
	Keyword    KeywordConfig     `yaml:"keyword"`
	Vector     VectorConfig      `yaml:"vector"`
	Sync       SyncConfig        `yaml:"sync"`
	LLM        LLMConfig         `yaml:"llm"`
	Embedding  EmbeddingConfig   `yaml:"embedding"`
}

// Load reads YAML config from filename and fills in defaults, with the same
// kind of "fill in sane defaults, warn loudly" behavior as the teacher's
// LoadConfig. A .env file, if present, is loaded into the process
// environment first; Config values themselves come only from the YAML file
// and the defaults.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("config_dotenv_load_failed")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Buffer.Backend == "" {
		cfg.Buffer.Backend = "memory"
	}
	if cfg.Buffer.MaxSize <= 0 {
		cfg.Buffer.MaxSize = 200
	}
	if cfg.Boundary.GapHours <= 0 {
		cfg.Boundary.GapHours = 4
	}
	if cfg.Boundary.TopicDivergence <= 0 {
		cfg.Boundary.TopicDivergence = 0.8
	}
	if cfg.Boundary.DefaultTimezone == "" {
		cfg.Boundary.DefaultTimezone = "UTC"
	}
	if cfg.Extraction.QueueBackend == "" {
		cfg.Extraction.QueueBackend = "memory"
	}
	if cfg.Extraction.WorkerConcurrency <= 0 {
		cfg.Extraction.WorkerConcurrency = 5
	}
	if cfg.Extraction.EmbedBatchSize <= 0 {
		cfg.Extraction.EmbedBatchSize = 256
	}
	if cfg.Extraction.RetryAttempts <= 0 {
		cfg.Extraction.RetryAttempts = 3
	}
	if cfg.Extraction.RetryBaseSeconds <= 0 {
		cfg.Extraction.RetryBaseSeconds = 2
	}
	if cfg.Extraction.TimeoutSeconds <= 0 {
		cfg.Extraction.TimeoutSeconds = 180
	}
	if cfg.Extraction.DeadLetterBackend == "" {
		cfg.Extraction.DeadLetterBackend = "memory"
	}
	if cfg.Extraction.ForesightMax <= 0 {
		cfg.Extraction.ForesightMax = 10
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Keyword.Backend == "" {
		cfg.Keyword.Backend = "memory"
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "memory"
	}
	if cfg.Vector.Dimensions <= 0 {
		cfg.Vector.Dimensions = 1536
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "cosine"
	}
	if cfg.Sync.Backend == "" {
		cfg.Sync.Backend = "memory"
	}
	if cfg.Sync.ReconcileIntervalSeconds <= 0 {
		cfg.Sync.ReconcileIntervalSeconds = 30
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.TimeoutSecs <= 0 {
		cfg.LLM.TimeoutSecs = 60
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 256
	}
	if cfg.Embedding.Concurrency <= 0 {
		cfg.Embedding.Concurrency = 5
	}
	if cfg.Embedding.TimeoutSecs <= 0 {
		cfg.Embedding.TimeoutSecs = 30
	}
	if cfg.Embedding.APIHeader == "" {
		cfg.Embedding.APIHeader = "Authorization"
	}
	if cfg.Embedding.Path == "" {
		cfg.Embedding.Path = "/v1/embeddings"
	}
}
