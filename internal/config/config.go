// Package config loads the settings.json configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/spf13/viper"
)

// DefaultConfigFile is the default settings filename.
const DefaultConfigFile = "settings.json"

// Config holds the application configuration.
type Config struct {
	Tokenizer  TokenizerConfig  `mapstructure:"tokenizer"`
	Chunking   ChunkingConfig   `mapstructure:"chunking"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Generation GenerationConfig `mapstructure:"generation"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Files      FilesConfig      `mapstructure:"files"`
	Sources    []SourceItem     `mapstructure:"sources"`
}

// TokenizerConfig holds token counter settings.
type TokenizerConfig struct {
	// ConfigPath points to a tokenizer vocabulary file. Optional; the
	// counter falls back to heuristic estimation without it.
	ConfigPath string `mapstructure:"config_path"`
}

// ChunkingConfig holds chunker settings.
type ChunkingConfig struct {
	NofMinTokens      int     `mapstructure:"nof_min_tokens"`
	NofMaxTokens      int     `mapstructure:"nof_max_tokens"`
	OverlapPercentage float64 `mapstructure:"overlap_percentage"`
	Semantic          bool    `mapstructure:"semantic"`
	// Content-type detection thresholds.
	CodeLineRatio float64 `mapstructure:"code_line_ratio"`
	CodeCharRatio float64 `mapstructure:"code_char_ratio"`
}

// EmbeddingConfig holds embedding endpoint settings.
type EmbeddingConfig struct {
	APIURL        string `mapstructure:"api_url"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	TimeoutMs     int    `mapstructure:"timeout_ms"`
	BatchSize     int    `mapstructure:"batch_size"`
	TopK          int    `mapstructure:"top_k"`
	PrependPhrase string `mapstructure:"prepend_phrase"`
}

// GenerationConfig holds completion endpoint settings.
type GenerationConfig struct {
	APIURL              string `mapstructure:"api_url"`
	APIKey              string `mapstructure:"api_key"`
	Model               string `mapstructure:"model"`
	TimeoutMs           int    `mapstructure:"timeout_ms"`
	MaxFullSources      int    `mapstructure:"max_full_sources"`
	MaxRelatedPerSource int    `mapstructure:"max_related_per_source"`
	MaxContextTokens    int    `mapstructure:"max_context_tokens"`
	MaxChunks           int    `mapstructure:"max_chunks"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	SQLitePath     string `mapstructure:"sqlite_path"`
	IndexPath      string `mapstructure:"index_path"`
	VectorDim      int    `mapstructure:"vector_dim"`
	MaxElements    int    `mapstructure:"max_elements"`
	DistanceMetric string `mapstructure:"distance_metric"`
}

// FilesConfig holds global file handling settings.
type FilesConfig struct {
	MaxFileSizeMb     int      `mapstructure:"max_file_size_mb"`
	Encoding          string   `mapstructure:"encoding"`
	GlobalExclude     []string `mapstructure:"global_exclude"`
	DefaultExtensions []string `mapstructure:"default_extensions"`
}

// SourceItem is one entry of the sources list. Type selects which of the
// remaining fields apply: "directory", "file", or "url".
type SourceItem struct {
	Type       string            `mapstructure:"type"`
	Path       string            `mapstructure:"path"`
	Recursive  bool              `mapstructure:"recursive"`
	Extensions []string          `mapstructure:"extensions"`
	Exclude    []string          `mapstructure:"exclude"`
	URL        string            `mapstructure:"url"`
	Headers    map[string]string `mapstructure:"headers"`
	TimeoutMs  int               `mapstructure:"timeout_ms"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			NofMinTokens:      50,
			NofMaxTokens:      500,
			OverlapPercentage: 0.1,
			Semantic:          true,
			CodeLineRatio:     0.3,
			CodeCharRatio:     0.09,
		},
		Embedding: EmbeddingConfig{
			APIURL:    "http://localhost:8583/embedding",
			TimeoutMs: 30000,
			BatchSize: 16,
			TopK:      5,
		},
		Generation: GenerationConfig{
			APIURL:              "http://localhost:8584/v1/chat/completions",
			TimeoutMs:           120000,
			MaxFullSources:      2,
			MaxRelatedPerSource: 3,
			MaxChunks:           20,
		},
		Database: DatabaseConfig{
			SQLitePath:     "rag.db",
			IndexPath:      "rag.index",
			VectorDim:      1024,
			MaxElements:    100000,
			DistanceMetric: "L2",
		},
		Files: FilesConfig{
			MaxFileSizeMb: 10,
			Encoding:      "utf-8",
			GlobalExclude: []string{
				".git",
				"node_modules",
				"vendor",
			},
		},
	}
}

// Load reads the settings file at path and resolves ${VAR} references in
// api_key fields and URL-source header values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// viper lowercases map keys; take header names as written in the file.
	var raw struct {
		Sources []struct {
			Headers map[string]string `json:"headers"`
		} `json:"sources"`
	}
	if data, err := os.ReadFile(path); err == nil && json.Unmarshal(data, &raw) == nil {
		for i := range cfg.Sources {
			if i < len(raw.Sources) && raw.Sources[i].Headers != nil {
				cfg.Sources[i].Headers = raw.Sources[i].Headers
			}
		}
	}

	cfg.expandEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references from the environment. Unset
// variables leave the reference untouched.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return m
	})
}

func (c *Config) expandEnvVars() {
	c.Embedding.APIKey = expandEnv(c.Embedding.APIKey)
	c.Generation.APIKey = expandEnv(c.Generation.APIKey)
	for i := range c.Sources {
		for k, val := range c.Sources[i].Headers {
			c.Sources[i].Headers[k] = expandEnv(val)
		}
	}
}

func (c *Config) validate() error {
	for i, s := range c.Sources {
		switch s.Type {
		case "directory", "file":
			if s.Path == "" {
				return fmt.Errorf("source %d: %s source requires a path", i, s.Type)
			}
		case "url":
			if s.URL == "" {
				return fmt.Errorf("source %d: url source requires a url", i)
			}
		default:
			return fmt.Errorf("source %d: unknown source type %q", i, s.Type)
		}
	}
	switch c.Database.DistanceMetric {
	case "L2", "l2", "cosine", "Cosine", "":
	default:
		return fmt.Errorf("unknown distance metric %q", c.Database.DistanceMetric)
	}
	if c.Chunking.NofMaxTokens <= 0 {
		return fmt.Errorf("chunking.nof_max_tokens must be positive")
	}
	if c.Database.VectorDim <= 0 {
		return fmt.Errorf("database.vector_dim must be positive")
	}
	return nil
}
