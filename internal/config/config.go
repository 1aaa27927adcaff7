// Package config loads service configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type ChunkingConfig struct {
	ChunkSizeTokens    int `yaml:"chunk_size_tokens"`
	ChunkOverlapTokens int `yaml:"chunk_overlap_tokens"`
}

type EmbeddingConfig struct {
	APIKey            string        `yaml:"-"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	BatchSize         int           `yaml:"batch_size"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BatchDelay        time.Duration `yaml:"batch_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxDocumentLength int           `yaml:"max_document_length"`
}

type SearchConfig struct {
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	UseHybridSearch     bool    `yaml:"use_hybrid_search"`
	UseSemanticRanking  bool    `yaml:"use_semantic_ranking"`
}

type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"-"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// Configured reports whether an index endpoint and collection are set.
func (q QdrantConfig) Configured() bool {
	return q.Host != "" && q.Collection != ""
}

type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// Configured reports whether the embedded database can be opened.
func (b BadgerConfig) Configured() bool {
	return b.InMemory || b.Path != ""
}

type StoreConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
}

type IngestionConfig struct {
	ReindexConcurrency int           `yaml:"reindex_concurrency"`
	PersistStatus      bool          `yaml:"persist_status"`
	StatusRetention    time.Duration `yaml:"status_retention"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	ServerMode bool   `yaml:"server_mode"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full service configuration.
type Config struct {
	// Backend is "index", "scan", "none" or empty for automatic selection.
	Backend   string          `yaml:"backend"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Badger    BadgerConfig    `yaml:"badger"`
	Store     StoreConfig     `yaml:"store"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Chunking: ChunkingConfig{ChunkSizeTokens: 512, ChunkOverlapTokens: 50},
		Embedding: EmbeddingConfig{
			Model:             "text-embedding-3-small",
			Dimension:         1536,
			BatchSize:         16,
			MaxRetries:        3,
			BaseDelay:         time.Second,
			BatchDelay:        100 * time.Millisecond,
			RequestTimeout:    30 * time.Second,
			MaxDocumentLength: 100000,
		},
		Search: SearchConfig{
			TopK:                5,
			SimilarityThreshold: 0.7,
			UseHybridSearch:     true,
			UseSemanticRanking:  true,
		},
		Qdrant:    QdrantConfig{Port: 6334, Collection: "evidence_chunks"},
		Store:     StoreConfig{BatchSize: 100, BatchDelay: 50 * time.Millisecond},
		Ingestion: IngestionConfig{ReindexConcurrency: 3, StatusRetention: 24 * time.Hour},
		Server:    ServerConfig{Port: "8080"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// RAG_CONFIG_FILE if set, then environment variables. The result is validated.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("RAG_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Backend = getEnv("RAG_BACKEND", c.Backend)

	c.Chunking.ChunkSizeTokens = getEnvInt("CHUNK_SIZE_TOKENS", c.Chunking.ChunkSizeTokens)
	c.Chunking.ChunkOverlapTokens = getEnvInt("CHUNK_OVERLAP_TOKENS", c.Chunking.ChunkOverlapTokens)

	c.Embedding.APIKey = getEnv("OPENAI_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = getEnv("OPENAI_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimension = getEnvInt("EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.BatchSize = getEnvInt("EMBEDDING_BATCH_SIZE", c.Embedding.BatchSize)
	c.Embedding.MaxRetries = getEnvInt("EMBEDDING_MAX_RETRIES", c.Embedding.MaxRetries)
	c.Embedding.BaseDelay = getEnvDuration("EMBEDDING_BASE_DELAY", c.Embedding.BaseDelay)
	c.Embedding.BatchDelay = getEnvDuration("EMBEDDING_BATCH_DELAY", c.Embedding.BatchDelay)
	c.Embedding.RequestTimeout = getEnvDuration("EMBEDDING_REQUEST_TIMEOUT", c.Embedding.RequestTimeout)
	c.Embedding.MaxDocumentLength = getEnvInt("MAX_DOCUMENT_LENGTH", c.Embedding.MaxDocumentLength)

	c.Search.TopK = getEnvInt("SEARCH_TOP_K", c.Search.TopK)
	c.Search.SimilarityThreshold = getEnvFloat("SIMILARITY_THRESHOLD", c.Search.SimilarityThreshold)
	c.Search.UseHybridSearch = getEnvBool("USE_HYBRID_SEARCH", c.Search.UseHybridSearch)
	c.Search.UseSemanticRanking = getEnvBool("USE_SEMANTIC_RANKING", c.Search.UseSemanticRanking)

	c.Qdrant.Host = getEnv("QDRANT_HOST", c.Qdrant.Host)
	c.Qdrant.Port = getEnvInt("QDRANT_PORT", c.Qdrant.Port)
	c.Qdrant.APIKey = getEnv("QDRANT_API_KEY", c.Qdrant.APIKey)
	c.Qdrant.UseTLS = getEnvBool("QDRANT_USE_TLS", c.Qdrant.UseTLS)
	c.Qdrant.Collection = getEnv("QDRANT_COLLECTION", c.Qdrant.Collection)

	c.Badger.Path = getEnv("BADGER_PATH", c.Badger.Path)
	c.Badger.InMemory = getEnvBool("BADGER_IN_MEMORY", c.Badger.InMemory)

	c.Store.BatchSize = getEnvInt("STORE_BATCH_SIZE", c.Store.BatchSize)
	c.Store.BatchDelay = getEnvDuration("STORE_BATCH_DELAY", c.Store.BatchDelay)

	c.Ingestion.ReindexConcurrency = getEnvInt("REINDEX_CONCURRENCY", c.Ingestion.ReindexConcurrency)
	c.Ingestion.PersistStatus = getEnvBool("PERSIST_INGESTION_STATUS", c.Ingestion.PersistStatus)
	c.Ingestion.StatusRetention = getEnvDuration("STATUS_RETENTION", c.Ingestion.StatusRetention)

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.ServerMode = getEnvBool("SERVER_MODE", c.Server.ServerMode)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToLower(c.Backend) {
	case "", "index", "scan", "none":
	default:
		errs = append(errs, fmt.Errorf("backend must be index, scan or none, got %q", c.Backend))
	}

	check(c.Chunking.ChunkSizeTokens > 0, "chunk_size_tokens must be positive")
	check(c.Chunking.ChunkOverlapTokens >= 0, "chunk_overlap_tokens must not be negative")
	check(c.Chunking.ChunkOverlapTokens < c.Chunking.ChunkSizeTokens,
		"chunk_overlap_tokens (%d) must be smaller than chunk_size_tokens (%d)",
		c.Chunking.ChunkOverlapTokens, c.Chunking.ChunkSizeTokens)

	check(c.Embedding.BatchSize > 0, "embedding batch_size must be positive")
	check(c.Embedding.MaxRetries > 0, "embedding max_retries must be positive")
	check(c.Embedding.BaseDelay >= 0, "embedding base_delay must not be negative")
	check(c.Embedding.BatchDelay >= 0, "embedding batch_delay must not be negative")
	check(c.Embedding.Dimension > 0, "embedding dimension must be positive")
	check(c.Embedding.MaxDocumentLength > 0, "max_document_length must be positive")

	check(c.Search.TopK > 0, "search top_k must be positive")
	check(c.Search.SimilarityThreshold >= 0 && c.Search.SimilarityThreshold <= 1,
		"similarity_threshold must be within [0, 1], got %v", c.Search.SimilarityThreshold)

	check(c.Store.BatchSize > 0, "store batch_size must be positive")
	check(c.Ingestion.ReindexConcurrency > 0, "reindex_concurrency must be positive")
	check(c.Ingestion.StatusRetention >= 0, "status_retention must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Logger builds the process logger from the log settings.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.Log.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
