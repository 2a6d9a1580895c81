// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for the will-delivery
// engine: the sweep schedule, the server-wide in-flight window ceiling and
// the session store backend.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// StorageBackend selects the client-session store implementation.
type StorageBackend string

const (
	// BackendMemory keeps sessions in process memory. Sessions do not
	// survive a restart; pending wills are recovered only within a process
	// lifetime (after an explicit engine reset).
	BackendMemory StorageBackend = "memory"
	// BackendPostgres keeps sessions in a PostgreSQL database.
	BackendPostgres StorageBackend = "postgres"
)

// PostgresConfig holds the PostgreSQL session store settings.
type PostgresConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"password"`
	Database     string `yaml:"database" json:"database"`
	SSLMode      string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" json:"max_idle_conns"`
}

// StorageConfig selects and configures the session store backend.
type StorageConfig struct {
	Backend  StorageBackend `yaml:"backend" json:"backend"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// BrokerConfig represents the broker-level configuration consumed by the
// will-delivery subsystem.
type BrokerConfig struct {
	// BrokerID identifies this broker instance. It is stamped onto every
	// will message the engine publishes.
	BrokerID string `yaml:"broker_id" json:"broker_id"`
	// MQTTPort is the listen address of the MQTT listener.
	MQTTPort string `yaml:"mqtt_port" json:"mqtt_port"`
	// MetricsPort is the listen address of the Prometheus endpoint.
	MetricsPort string `yaml:"metrics_port" json:"metrics_port"`
	// WillSweepIntervalSeconds is the period of the pending-will sweep.
	// Must be a positive integer.
	WillSweepIntervalSeconds int `yaml:"will_sweep_interval_seconds" json:"will_sweep_interval_seconds"`
	// MaxInflightWindow is the server-wide ceiling on the per-connection
	// in-flight message window. A client's negotiated receive maximum is
	// capped at this value. Must be non-negative.
	MaxInflightWindow int `yaml:"max_inflight_window" json:"max_inflight_window"`

	Storage StorageConfig `yaml:"storage" json:"storage"`
}

// Config holds the complete configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			BrokerID:                 "lastwill-node",
			MQTTPort:                 ":1883",
			MetricsPort:              ":8082",
			WillSweepIntervalSeconds: 1,
			MaxInflightWindow:        50,
			Storage: StorageConfig{
				Backend: BackendMemory,
				Postgres: PostgresConfig{
					Host:         "localhost",
					Port:         5432,
					Username:     "postgres",
					Database:     "lastwill",
					SSLMode:      "disable",
					MaxOpenConns: 10,
					MaxIdleConns: 5,
				},
			},
		},
	}
}

// LoadConfig loads configuration from a YAML or JSON file. An empty path
// yields the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	log.Printf("[INFO] Loaded configuration from %s", configPath)
	return config, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Broker.WillSweepIntervalSeconds <= 0 {
		return fmt.Errorf("will_sweep_interval_seconds must be positive, got %d", c.Broker.WillSweepIntervalSeconds)
	}
	if c.Broker.MaxInflightWindow < 0 {
		return fmt.Errorf("max_inflight_window must be non-negative, got %d", c.Broker.MaxInflightWindow)
	}
	switch c.Broker.Storage.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend: %q (supported: memory, postgres)", c.Broker.Storage.Backend)
	}
	return nil
}
