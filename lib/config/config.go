// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for ChatterBox binaries.
type Config struct {
	// Server configures the signaling server binary.
	Server ServerConfig `yaml:"server"`

	// Client configures the demo client binary.
	Client ClientConfig `yaml:"client"`

	// Push configures the push notification gateway. Optional; when
	// TokenURL is empty, push delivery is disabled.
	Push PushConfig `yaml:"push"`

	// ICEServers configures connectivity establishment for calls.
	ICEServers []ICEServerConfig `yaml:"ice_servers"`
}

// ServerConfig configures the signaling server.
type ServerConfig struct {
	// Address is the TCP listen address. Default: ":50000".
	Address string `yaml:"address"`

	// HeartbeatInterval is the server heartbeat period as a Go
	// duration string. Default: "10s".
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// Heartbeat returns the parsed heartbeat period. Validate has already
// rejected unparseable values.
func (c ServerConfig) Heartbeat() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ClientConfig identifies a device to the signaling server.
type ClientConfig struct {
	// ServerAddress is the signaling server's host:port.
	// Default: "127.0.0.1:50000".
	ServerAddress string `yaml:"server_address"`

	// Domain is the tenant the user registers into. Default: "default".
	Domain string `yaml:"domain"`

	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`

	// PushChannelURI is the device's push notification channel, if
	// any.
	PushChannelURI string `yaml:"push_channel_uri"`
}

// PushConfig configures the push gateway's OAuth endpoint.
type PushConfig struct {
	// TokenURL is the OAuth client-credentials token endpoint. Empty
	// disables push.
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// ICEServerConfig names one STUN or TURN server.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Default returns the default configuration, used as the base before
// the config file is merged in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":50000",
			HeartbeatInterval: "10s",
		},
		Client: ClientConfig{
			ServerAddress: "127.0.0.1:50000",
			Domain:        "default",
		},
		ICEServers: []ICEServerConfig{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Load loads configuration from the CHATTERBOX_CONFIG environment
// variable. There are no fallbacks: if the variable is not set, this
// fails.
func Load() (*Config, error) {
	path := os.Getenv("CHATTERBOX_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CHATTERBOX_CONFIG environment variable not set; " +
			"set it to the path of your chatterbox.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if d, err := time.ParseDuration(c.Server.HeartbeatInterval); err != nil || d <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be a positive duration, got %q", c.Server.HeartbeatInterval)
	}
	if c.Push.TokenURL != "" && (c.Push.ClientID == "" || c.Push.ClientSecret == "") {
		return fmt.Errorf("push.client_id and push.client_secret are required when push.token_url is set")
	}
	for i, server := range c.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d] has no urls", i)
		}
	}
	return nil
}
