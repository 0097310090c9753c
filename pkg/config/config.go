// Package config loads and persists koemi application settings.
//
// Settings live in a single JSON file under the data directory and may
// be overridden per-field through KOEMI_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AI          AIConfig          `json:"ai"`
	Memory      MemoryConfig      `json:"memory"`
	Chat        ChatConfig        `json:"chat"`
	Personality PersonalityConfig `json:"personality"`
	mu          sync.RWMutex
}

type AIConfig struct {
	APIKey         string  `json:"api_key" env:"KOEMI_AI_API_KEY"`
	APIBase        string  `json:"api_base" env:"KOEMI_AI_API_BASE"`
	Model          string  `json:"model" env:"KOEMI_AI_MODEL"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"KOEMI_AI_TIMEOUT_SECONDS"`
	Temperature    float64 `json:"temperature" env:"KOEMI_AI_TEMPERATURE"`
	MaxReplyTokens int     `json:"max_reply_tokens" env:"KOEMI_AI_MAX_REPLY_TOKENS"`
}

type MemoryConfig struct {
	Backend             string         `json:"backend" env:"KOEMI_MEMORY_BACKEND"` // "file" or "sqlite"
	DataDir             string         `json:"data_dir" env:"KOEMI_MEMORY_DATA_DIR"`
	MaxRecallItems      int            `json:"max_recall_items" env:"KOEMI_MEMORY_MAX_RECALL_ITEMS"`
	RecallTokenBudget   int            `json:"recall_token_budget" env:"KOEMI_MEMORY_RECALL_TOKEN_BUDGET"`
	MinImportance       int            `json:"min_importance" env:"KOEMI_MEMORY_MIN_IMPORTANCE"`
	SimilarityThreshold float64        `json:"similarity_threshold" env:"KOEMI_MEMORY_SIMILARITY_THRESHOLD"`
	StrictReload        bool           `json:"strict_reload" env:"KOEMI_MEMORY_STRICT_RELOAD"`
	LexicalWeight       float64        `json:"lexical_weight" env:"KOEMI_MEMORY_LEXICAL_WEIGHT"`
	ImportanceWeight    float64        `json:"importance_weight" env:"KOEMI_MEMORY_IMPORTANCE_WEIGHT"`
	RecencyWeight       float64        `json:"recency_weight" env:"KOEMI_MEMORY_RECENCY_WEIGHT"`
	Eviction            EvictionConfig `json:"eviction"`
}

type EvictionConfig struct {
	Enabled      bool   `json:"enabled" env:"KOEMI_MEMORY_EVICTION_ENABLED"`
	Schedule     string `json:"schedule" env:"KOEMI_MEMORY_EVICTION_SCHEDULE"` // cron expression
	MaxEntries   int    `json:"max_entries" env:"KOEMI_MEMORY_EVICTION_MAX_ENTRIES"`
	MinKeepScore int    `json:"min_keep_score" env:"KOEMI_MEMORY_EVICTION_MIN_KEEP_SCORE"`
}

type ChatConfig struct {
	MaxHistory   int `json:"max_history" env:"KOEMI_CHAT_MAX_HISTORY"`
	ExtractBatch int `json:"extract_batch" env:"KOEMI_CHAT_EXTRACT_BATCH"`
}

type PersonalityConfig struct {
	Path      string `json:"path" env:"KOEMI_PERSONALITY_PATH"`
	DefaultID string `json:"default_id" env:"KOEMI_PERSONALITY_DEFAULT_ID"`
}

func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 30,
			Temperature:    0.7,
			MaxReplyTokens: 1000,
		},
		Memory: MemoryConfig{
			Backend:             "file",
			DataDir:             "~/.koemi/data",
			MaxRecallItems:      8,
			RecallTokenBudget:   512,
			MinImportance:       2,
			SimilarityThreshold: 0.6,
			StrictReload:        false,
			LexicalWeight:       0.5,
			ImportanceWeight:    0.3,
			RecencyWeight:       0.2,
			Eviction: EvictionConfig{
				Enabled:      false,
				Schedule:     "0 3 * * *",
				MaxEntries:   500,
				MinKeepScore: 3,
			},
		},
		Chat: ChatConfig{
			MaxHistory:   30,
			ExtractBatch: 10,
		},
		Personality: PersonalityConfig{
			Path:      "~/.koemi/personalities.json",
			DefaultID: "friendly",
		},
	}
}

// LoadConfig reads the config file if present, then applies environment
// overrides. A missing file is not an error; defaults are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// DataDir returns the resolved memory data directory.
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.DataDir)
}

// PersonalityPath returns the resolved persona registry path.
func (c *Config) PersonalityPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Personality.Path)
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return expandHome("~/.koemi/config.json")
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
