// Package config loads Tentackl's static configuration from YAML, with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tentackl/internal/model"
)

// Config is the root configuration object.
type Config struct {
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Models   ModelsConfig   `yaml:"models"`
	Planning PlanningConfig `yaml:"planning"`
}

// MongoConfig configures the primary store.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig configures the cache, event bus, and queue.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// ModelsConfig configures provider credentials and the per-agent-type
// default-model table.
type ModelsConfig struct {
	AnthropicAPIKey string            `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string            `yaml:"openai_api_key"`
	BedrockRegion   string            `yaml:"bedrock_region"`
	DefaultProvider model.Provider    `yaml:"default_provider"`
	AgentTypeModel  map[string]string `yaml:"agent_type_model"`
}

// PlanningConfig holds planning settings. Only StuckSweepMinutes is read:
// cmd/tentackld uses it as the recovery sweep's period. The planner's retry
// count, retry delay, first-sweep delay and stuck threshold are constants in
// internal/planning; MaxRetries, RetryDelaySeconds and
// RecoverySweepDelaySeconds are not read.
type PlanningConfig struct {
	MaxRetries                int `yaml:"max_retries"`
	RetryDelaySeconds         int `yaml:"retry_delay_seconds"`
	StuckSweepMinutes         int `yaml:"stuck_sweep_minutes"`
	RecoverySweepDelaySeconds int `yaml:"recovery_sweep_delay_seconds"`
}

// Default returns the configuration's zero-value defaults, overridden by
// Load when a file and/or environment variables are present.
func Default() Config {
	return Config{
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "tentackl"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Models: ModelsConfig{
			DefaultProvider: model.ProviderAnthropic,
			AgentTypeModel:  map[string]string{},
		},
		Planning: PlanningConfig{
			MaxRetries:                3,
			RetryDelaySeconds:         2,
			StuckSweepMinutes:         5,
			RecoverySweepDelaySeconds: 10,
		},
	}
}

// Load reads a YAML config file at path (if non-empty and present), then
// applies environment-variable overrides for secrets that should never live
// in a checked-in file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TENTACKL_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("TENTACKL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Models.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Models.OpenAIAPIKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Models.BedrockRegion == "" {
		cfg.Models.BedrockRegion = v
	}
}
