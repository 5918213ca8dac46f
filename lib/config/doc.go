// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for ChatterBox
// binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - CHATTERBOX_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// its values.
//
// The package also provides Settings, a small persistent key/value
// store the client uses for identity and ICE server preferences.
package config
