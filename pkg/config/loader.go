// Package config loads collector and parser configuration files.
// The format is picked from the file extension: .json, .yaml or .yml.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pershinghar/go-sudo-collection/pkg/models"
	"gopkg.in/yaml.v3"
)

// DefaultCollectorTimeout is the run timeout in seconds when none is configured.
const DefaultCollectorTimeout = 60

// ErrUnsupportedFormat is returned for files that are neither JSON nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// LoadCollector reads the collector configuration at path.
func LoadCollector(path string) (*models.CollectorConfig, error) {
	var cfg models.CollectorConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("config %s: no hosts configured", path)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultCollectorTimeout
	}

	// the run deadline cannot interrupt a dial or handshake in progress,
	// so hosts without their own connect timeout get the run timeout
	for i := range cfg.Hosts {
		if cfg.Hosts[i].Timeout == 0 {
			cfg.Hosts[i].Timeout = cfg.Timeout
		}
	}

	return &cfg, nil
}

// LoadRabbitMQ reads a RabbitMQ configuration at path.
func LoadRabbitMQ(path string) (*models.RabbitMQConfig, error) {
	var cfg models.RabbitMQConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	// Set default queue name if not specified
	if cfg.QueueName == "" {
		cfg.QueueName = models.DefaultRabbitMQConfig().QueueName
	}

	return &cfg, nil
}

func load(path string, out any) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("error checking config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("error parsing JSON %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("error parsing YAML %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	return nil
}
