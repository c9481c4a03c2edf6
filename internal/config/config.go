package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Vector backends.
const (
	BackendPgvector = "pgvector"
	BackendHNSW     = "hnsw"
)

type Config struct {
	Inference InferenceConfig `yaml:"inference"`
	Detection DetectionConfig `yaml:"detection"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Batch     BatchConfig     `yaml:"batch"`
	Identity  IdentityConfig  `yaml:"identity"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Web       WebConfig       `yaml:"-"`
}

type InferenceConfig struct {
	URL            string `yaml:"url"`             // KServe v2 compatible model server
	DetectionModel string `yaml:"detection_model"` // model name on the server
	DetectionInput string `yaml:"detection_input"` // input tensor name
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingInput string `yaml:"embedding_input"`
}

type DetectionConfig struct {
	InputSize     int     `yaml:"input_size"`
	ConfThreshold float64 `yaml:"conf_threshold"`
	IoUThreshold  float64 `yaml:"iou_threshold"`
	MaxDetections int     `yaml:"max_detections"`
}

type EmbeddingConfig struct {
	CropSize  int          `yaml:"crop_size"`
	Dimension int          `yaml:"dimension"`
	FlipTTA   bool         `yaml:"flip_tta"`
	Template  [][2]float64 `yaml:"template"` // 5 landmarks in crop pixels
}

type BatchConfig struct {
	MaxSize      int `yaml:"max_size"`
	MaxLatencyMs int `yaml:"max_latency_ms"`
	MaxInFlight  int `yaml:"max_in_flight"`
}

// MaxLatency returns the latency bound as a duration.
func (c BatchConfig) MaxLatency() time.Duration {
	return time.Duration(c.MaxLatencyMs) * time.Millisecond
}

type IdentityConfig struct {
	SimilarityThreshold    float64 `yaml:"similarity_threshold"`     // default search threshold
	DuplicateFaceThreshold float64 `yaml:"duplicate_face_threshold"` // 0 disables the enroll check
	OrphanGraceSeconds     int     `yaml:"orphan_grace_seconds"`     // vectors younger than this are never orphans
}

// OrphanGrace returns the grace period as a duration.
func (c IdentityConfig) OrphanGrace() time.Duration {
	return time.Duration(c.OrphanGraceSeconds) * time.Second
}

type DatabaseConfig struct {
	URL           string `yaml:"-"`              // PostgreSQL connection URL
	MaxOpenConns  int    `yaml:"max_open_conns"` // Maximum open connections (default 25)
	MaxIdleConns  int    `yaml:"max_idle_conns"` // Maximum idle connections (default 5)
	VectorBackend string `yaml:"vector_backend"` // pgvector, or hnsw for an in-memory cache over pgvector
	HNSWIndexPath string `yaml:"-"`              // Path to persist the HNSW cache (hnsw backend only)
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"-"` // optional rotating log file
}

type WebConfig struct {
	AllowedOrigins []string // CORS whitelist, localhost is always allowed
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envBool reads an environment variable as a boolean.
func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Defaults returns the embedded defaults without environment overrides.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

// Load returns the embedded defaults overridden by environment variables.
func Load() *Config {
	cfg := Defaults()

	cfg.Inference.URL = envString("INFERENCE_URL", cfg.Inference.URL)
	cfg.Inference.DetectionModel = envString("DETECTION_MODEL", cfg.Inference.DetectionModel)
	cfg.Inference.EmbeddingModel = envString("EMBEDDING_MODEL", cfg.Inference.EmbeddingModel)

	cfg.Embedding.FlipTTA = envBool("FLIP_TTA", cfg.Embedding.FlipTTA)

	cfg.Batch.MaxSize = envInt("BATCH_MAX_SIZE", cfg.Batch.MaxSize)
	cfg.Batch.MaxLatencyMs = envInt("BATCH_MAX_LATENCY_MS", cfg.Batch.MaxLatencyMs)
	cfg.Batch.MaxInFlight = envInt("BATCH_MAX_IN_FLIGHT", cfg.Batch.MaxInFlight)

	cfg.Identity.SimilarityThreshold = envFloat("SIMILARITY_THRESHOLD", cfg.Identity.SimilarityThreshold)
	cfg.Identity.DuplicateFaceThreshold = envFloat("DUPLICATE_FACE_THRESHOLD", cfg.Identity.DuplicateFaceThreshold)

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.VectorBackend = strings.ToLower(envString("VECTOR_BACKEND", cfg.Database.VectorBackend))
	cfg.Database.HNSWIndexPath = os.Getenv("HNSW_INDEX_PATH")

	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = os.Getenv("LOG_FILE")

	if env := os.Getenv("WEB_ALLOWED_ORIGINS"); env != "" {
		for o := range strings.SplitSeq(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Web.AllowedOrigins = append(cfg.Web.AllowedOrigins, o)
			}
		}
	}

	return cfg
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.VectorBackend != BackendPgvector && c.Database.VectorBackend != BackendHNSW {
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Database.VectorBackend))
	}
	if t := c.Identity.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("similarity threshold %v outside [0, 1]", t))
	}
	if t := c.Identity.DuplicateFaceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("duplicate face threshold %v outside [0, 1]", t))
	}
	if len(c.Embedding.Template) != 5 {
		errs = append(errs, fmt.Errorf("alignment template needs 5 points, got %d", len(c.Embedding.Template)))
	}
	if c.Batch.MaxSize <= 0 || c.Batch.MaxLatencyMs <= 0 {
		errs = append(errs, errors.New("batch bounds must be positive"))
	}
	return errors.Join(errs...)
}
