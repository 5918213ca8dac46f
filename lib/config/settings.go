// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings is a small persistent key/value store, backed by one YAML
// file. The client keeps its registration identity and connection
// preferences here so they survive restarts.
type Settings struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// OpenSettings loads the store at path, creating an empty one if the
// file does not exist yet.
func OpenSettings(path string) (*Settings, error) {
	s := &Settings{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	return s, nil
}

// Get returns the value for key, with ok false when unset.
func (s *Settings) Get(key string) (value string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.values[key]
	return value, ok
}

// GetDefault returns the value for key, or fallback when unset.
func (s *Settings) GetDefault(key, fallback string) string {
	if value, ok := s.Get(key); ok {
		return value
	}
	return fallback
}

// Set stores key=value and writes the file through.
func (s *Settings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.saveLocked()
}

// Delete removes key and writes the file through.
func (s *Settings) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return s.saveLocked()
}

func (s *Settings) saveLocked() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}
