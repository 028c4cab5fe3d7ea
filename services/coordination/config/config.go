// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the coordination plane's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SingularityHQ/centralcloud/services/coordination/consensus"
	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/patterns"
)

// Config is the full coordination plane configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Queue     QueueConfig         `yaml:"queue"`
	Guardian  guardian.Thresholds `yaml:"guardian"`
	Consensus consensus.Rules     `yaml:"consensus"`
	Patterns  patterns.Criteria   `yaml:"patterns"`
	Workers   WorkersConfig       `yaml:"workers"`
	Weaviate  WeaviateConfig      `yaml:"weaviate"`
	OpenAI    OpenAIConfig        `yaml:"openai"`
	InfluxDB  InfluxDBConfig      `yaml:"influxdb"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// QueueConfig configures the durable queue substrate and its consumers.
type QueueConfig struct {
	Dir                  string        `yaml:"dir"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	RollbackPollInterval time.Duration `yaml:"rollback_poll_interval"`
	VisibilityTimeout    time.Duration `yaml:"visibility_timeout"`
	BatchSize            int           `yaml:"batch_size"`
	MaxAttempts          int           `yaml:"max_attempts"`
}

// WorkersConfig sizes the background worker pool.
type WorkersConfig struct {
	Count    int `yaml:"count"`
	Capacity int `yaml:"capacity"`
}

// WeaviateConfig points at the vector store; empty host disables it.
type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
}

// OpenAIConfig configures the embedding backend; empty key selects the
// deterministic hash embedder.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// InfluxDBConfig points at the metrics sink; empty URL disables it.
type InfluxDBConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the production defaults, suitable as a base for an
// absent or partial config file.
func Default() Config {
	return Config{
		Server: ServerConfig{Address: ":8085"},
		Queue: QueueConfig{
			Dir:                  "data/queue",
			PollInterval:         time.Second,
			RollbackPollInterval: 100 * time.Millisecond,
			VisibilityTimeout:    60 * time.Second,
			BatchSize:            10,
			MaxAttempts:          5,
		},
		Guardian:  guardian.DefaultThresholds(),
		Consensus: consensus.DefaultRules(),
		Patterns:  patterns.DefaultCriteria(),
		Workers:   WorkersConfig{Count: 4, Capacity: 64},
		Weaviate:  WeaviateConfig{Scheme: "http"},
		OpenAI:    OpenAIConfig{Model: "text-embedding-3-small"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Queue.Dir == "" {
		return fmt.Errorf("queue.dir is required")
	}
	if c.Queue.PollInterval <= 0 || c.Queue.RollbackPollInterval <= 0 {
		return fmt.Errorf("queue poll intervals must be positive")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Workers.Count <= 0 || c.Workers.Capacity <= 0 {
		return fmt.Errorf("workers.count and workers.capacity must be positive")
	}
	if c.Consensus.MinVotes < 1 {
		return fmt.Errorf("consensus.min_votes must be at least 1")
	}
	if c.Guardian.AutoApproveSimilarity <= 0 || c.Guardian.AutoApproveSimilarity > 1 {
		return fmt.Errorf("guardian.auto_approve_similarity must be in (0,1]")
	}
	return nil
}
