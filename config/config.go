// Package config holds the engine configuration: storage location, provider
// credentials and model choices, and the similarity thresholds that drive
// context assignment, recall filtering, and curation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" decode.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration. Zero values are filled with
// defaults by Load and Default; Validate rejects combinations the engine
// cannot run with.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Embedding Embedding `yaml:"embedding"`
	Anthropic Anthropic `yaml:"anthropic"`
	Chunking  Chunking  `yaml:"chunking"`
	Contexts  Contexts  `yaml:"contexts"`
	Recall    Recall    `yaml:"recall"`
	Curation  Curation  `yaml:"curation"`
	Reconcile Reconcile `yaml:"reconcile"`
}

// Storage locates the SQLite database.
type Storage struct {
	// Path is the database file. ":memory:" gives an ephemeral store.
	Path string `yaml:"path"`
}

// Embedding configures the embedding provider.
type Embedding struct {
	// Dimensions is the vector size every embedder must produce.
	Dimensions int `yaml:"dimensions"`

	// CacheTTL bounds how long embeddings stay cached. Zero disables expiry.
	CacheTTL Duration `yaml:"cache_ttl"`

	// Workers bounds concurrent embedding calls during a Remember batch.
	Workers int `yaml:"workers"`

	// ModelPath and TokenizerPath locate the local ONNX model files.
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
}

// Anthropic configures the reasoning provider.
type Anthropic struct {
	// APIKey is read from the ANTHROPIC_API_KEY environment variable when
	// empty in the file.
	APIKey    string   `yaml:"api_key"`
	Model     string   `yaml:"model"`
	MaxTokens int64    `yaml:"max_tokens"`
	Timeout   Duration `yaml:"timeout"`
}

// Chunking bounds fragment size.
type Chunking struct {
	MinWords int `yaml:"min_words"`
	MaxWords int `yaml:"max_words"`
}

// Contexts tunes context assignment.
type Contexts struct {
	// AssignmentThreshold is the minimum centroid similarity for joining an
	// existing context; below it a new context is created.
	AssignmentThreshold float32 `yaml:"assignment_threshold"`
}

// Recall tunes retrieval.
type Recall struct {
	// SimilarityThreshold filters candidates before synthesis.
	SimilarityThreshold float32 `yaml:"similarity_threshold"`

	// MaxResults caps candidates fetched from the index.
	MaxResults int `yaml:"max_results"`
}

// Curation tunes the background curation engine.
type Curation struct {
	// Disabled turns off the automatic sweep after each Remember batch.
	// Deterministic tests set this and call Engine.Curate directly.
	Disabled bool `yaml:"disabled"`

	// Threshold is the minimum pair similarity worth examining.
	Threshold float32 `yaml:"threshold"`

	// DuplicateCutoff is the similarity above which a pair is treated as a
	// near-duplicate without consulting the reasoning provider.
	DuplicateCutoff float32 `yaml:"duplicate_cutoff"`

	// QueueSize bounds pending sweep requests.
	QueueSize int `yaml:"queue_size"`
}

// Reconcile tunes the dual-store reconciliation sweep.
type Reconcile struct {
	// Interval between background sweeps.
	Interval Duration `yaml:"interval"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, overlays environment variables from .env
// (when present) and the process environment, and applies defaults. An empty
// path yields the defaults.
func Load(path string) (Config, error) {
	// Missing .env is fine; explicit config files are not.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "mnemox.db"
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = 384
	}
	if c.Embedding.CacheTTL == 0 {
		c.Embedding.CacheTTL = Duration(time.Hour)
	}
	if c.Embedding.Workers == 0 {
		c.Embedding.Workers = 4
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 2048
	}
	if c.Anthropic.Timeout == 0 {
		c.Anthropic.Timeout = Duration(30 * time.Second)
	}
	if c.Chunking.MinWords == 0 {
		c.Chunking.MinWords = 20
	}
	if c.Chunking.MaxWords == 0 {
		c.Chunking.MaxWords = 150
	}
	if c.Contexts.AssignmentThreshold == 0 {
		c.Contexts.AssignmentThreshold = 0.5
	}
	if c.Recall.SimilarityThreshold == 0 {
		c.Recall.SimilarityThreshold = 0.35
	}
	if c.Recall.MaxResults == 0 {
		c.Recall.MaxResults = 20
	}
	if c.Curation.Threshold == 0 {
		c.Curation.Threshold = 0.6
	}
	if c.Curation.DuplicateCutoff == 0 {
		c.Curation.DuplicateCutoff = 0.9
	}
	if c.Curation.QueueSize == 0 {
		c.Curation.QueueSize = 64
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = Duration(10 * time.Minute)
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Chunking.MinWords >= c.Chunking.MaxWords {
		return fmt.Errorf("config: chunking min_words %d must be below max_words %d",
			c.Chunking.MinWords, c.Chunking.MaxWords)
	}
	if c.Contexts.AssignmentThreshold < 0 || c.Contexts.AssignmentThreshold > 1 {
		return fmt.Errorf("config: assignment_threshold must be in [0, 1], got %g", c.Contexts.AssignmentThreshold)
	}
	if c.Recall.SimilarityThreshold < 0 || c.Recall.SimilarityThreshold > 1 {
		return fmt.Errorf("config: similarity_threshold must be in [0, 1], got %g", c.Recall.SimilarityThreshold)
	}
	if c.Curation.Threshold > c.Curation.DuplicateCutoff {
		return fmt.Errorf("config: curation threshold %g must not exceed duplicate_cutoff %g",
			c.Curation.Threshold, c.Curation.DuplicateCutoff)
	}
	return nil
}
