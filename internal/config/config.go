// Package config loads broker and client configuration from YAML files,
// following the same Load-and-default pattern the teacher framework uses
// for its own service configs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BrokerConfig configures the broker's listening socket. There is no
// separate datagram port: datagram rendezvous is stream-mediated, and
// each client's own datagram endpoint is self-advertised over the
// stream connection rather than bound by the broker.
type BrokerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// ClientConfig configures a client's connection to a broker.
type ClientConfig struct {
	Address  string `yaml:"address"`
	NodeName string `yaml:"node_name"`
	Debug    bool   `yaml:"debug"`
}

// LoadBroker reads and defaults a BrokerConfig from a YAML file.
func LoadBroker(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker config file: %w", err)
	}

	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse broker config file: %w", err)
	}

	applyBrokerDefaults(&cfg)
	return &cfg, nil
}

func applyBrokerDefaults(cfg *BrokerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 9001
	}
}

// LoadClient reads and defaults a ClientConfig from a YAML file.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client config file: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config file: %w", err)
	}

	if cfg.Address == "" {
		cfg.Address = "localhost:9001"
	}
	return &cfg, nil
}

// DefaultBrokerConfig returns the hardcoded fallback used when no config
// file is given, mirroring the teacher's getDefaultConfig() pattern.
func DefaultBrokerConfig() *BrokerConfig {
	cfg := &BrokerConfig{}
	applyBrokerDefaults(cfg)
	return cfg
}
