// Copyright 2025 Arion Yau
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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"

	TransportFIFO   = "fifo"
	TransportMemory = "memory"
	TransportZMQ    = "zmq"

	DefaultOpenRetries   = 10
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultMaxOpenFiles  = 2048
	DefaultHistorySize   = 128
)

// Config represents the broker configuration structure
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Status    StatusConfig    `yaml:"status"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrokerConfig contains the control channel and session pool settings
type BrokerConfig struct {
	ControlChannel string `yaml:"control_channel"`
	MaxSessions    int    `yaml:"max_sessions"`
}

// StorageConfig selects the mailbox log backend
type StorageConfig struct {
	Backend      string `yaml:"backend"`        // memory, file or sqlite
	Dir          string `yaml:"dir"`            // file backend root directory
	DSN          string `yaml:"dsn"`            // sqlite database path
	MaxOpenFiles int    `yaml:"max_open_files"` // file backend handle cap
}

// TransportConfig selects the named channel implementation
type TransportConfig struct {
	Kind          string        `yaml:"kind"` // fifo, memory or zmq
	OpenRetries   int           `yaml:"open_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// StatusConfig controls the read-only HTTP status API
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HistoryConfig controls how many finished sessions are remembered
type HistoryConfig struct {
	Size int `yaml:"size"`
}

// LoggingConfig contains the log level
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := NewDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads the file when it exists and falls back to defaults otherwise
func LoadOrDefault(filepath string) (*Config, error) {
	if filepath == "" {
		return NewDefaultConfig(), nil
	}
	if _, err := os.Stat(filepath); errors.Is(err, os.ErrNotExist) {
		return NewDefaultConfig(), nil
	}
	return LoadConfig(filepath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Broker.MaxSessions < 0 {
		return fmt.Errorf("broker.max_sessions must not be negative")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
		if c.Storage.MaxOpenFiles <= 0 {
			return fmt.Errorf("storage.max_open_files must be positive")
		}
	case StorageSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	switch c.Transport.Kind {
	case TransportFIFO, TransportMemory, TransportZMQ:
	default:
		return fmt.Errorf("unknown transport kind: %q", c.Transport.Kind)
	}
	if c.Transport.OpenRetries <= 0 {
		return fmt.Errorf("transport.open_retries must be positive")
	}
	if c.Transport.RetryInterval <= 0 {
		return fmt.Errorf("transport.retry_interval must be positive")
	}

	if c.Status.Enabled && c.Status.Address == "" {
		return fmt.Errorf("status.address is required when the status API is enabled")
	}

	if c.History.Size <= 0 {
		return fmt.Errorf("history.size must be positive")
	}

	return nil
}

// ValidateForBroker additionally checks the fields the broker needs to serve
func (c *Config) ValidateForBroker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Broker.ControlChannel == "" {
		return fmt.Errorf("broker.control_channel is required")
	}
	if c.Broker.MaxSessions <= 0 {
		return fmt.Errorf("broker.max_sessions must be positive")
	}
	return nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save(filepath string) error {
	return SaveConfig(c, filepath)
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration template
func NewDefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			MaxSessions: 4,
		},
		Storage: StorageConfig{
			Backend:      StorageMemory,
			Dir:          "boxes",
			DSN:          "mbroker.db",
			MaxOpenFiles: DefaultMaxOpenFiles,
		},
		Transport: TransportConfig{
			Kind:          TransportFIFO,
			OpenRetries:   DefaultOpenRetries,
			RetryInterval: DefaultRetryInterval,
		},
		Status: StatusConfig{
			Enabled: false,
			Address: "127.0.0.1:8081",
		},
		History: HistoryConfig{
			Size: DefaultHistorySize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
