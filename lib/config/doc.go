// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration file shared by
// passenger-helper-agent and passenger-logging-agent.
//
// Configuration comes from a single file named either by the
// PASSENGER_AGENT_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no discovery and no fallback file.
// YAML is the primary format; files ending in .json or .jsonc are read as
// JSON with comments.
//
// The file may carry development and production sections that override
// base values when [Config].Environment matches. Production without a
// section of its own logs at warn level.
//
// After loading, ${HOME}, ${PASSENGER_TEMP_DIR} and ${VAR:-default}
// patterns are expanded in path fields and in the worker command line.
//
// Key exports:
//
//   - [Config] -- instance, pool, web server, analytics and logging
//     agent sections
//   - [Default] -- the built-in values every file is merged over
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every problem at once
package config
