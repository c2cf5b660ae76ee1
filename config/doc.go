// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config loads and validates the gateway's process configuration.

# Overview

Configuration is assembled from three layers, lowest priority first:
defaults, an optional YAML file, then environment variables (prefixed
RUNESTONE_ by default). This mirrors the struct-tag-driven loader the
rest of the codebase uses elsewhere, adapted here for the gateway's own
schema: server, auth, rate limiting, router policy, circuit breaker,
retry, overflow queue and provider targets.

# Core types

  - Config: top-level aggregate covering every ambient and domain
    concern the gateway needs at startup.
  - Loader: builder-style loader with file path, env prefix and
    custom validators.

# Usage

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("RUNESTONE").
		Load()
*/
package config
