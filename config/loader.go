package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load 从 YAML 文件加载配置并应用环境变量覆盖。
// path 为空时跳过文件，仅用默认值 + 环境变量。
func Load(path string) (*Config, error) {
	// .env 文件存在则加载，不存在不报错。
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides 用 CVFLOW_* 环境变量覆盖关键字段。
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CVFLOW_TOTAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.TotalTimeout = d
		}
	}
	if v := os.Getenv("CVFLOW_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.StageTimeout = d
		}
	}
	if v := os.Getenv("CVFLOW_MIN_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.MinSimilarity = f
		}
	}
	if v := os.Getenv("CVFLOW_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("CVFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("CVFLOW_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Enabled = b
		}
	}
	if v := os.Getenv("CVFLOW_RERANK_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Rerank.Enabled = b
		}
	}
	if v := os.Getenv("CVFLOW_EXPANSION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Expansion.Enabled = b
		}
	}
	if v := os.Getenv("CVFLOW_REASONING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Reasoning.Enabled = b
		}
	}
}
