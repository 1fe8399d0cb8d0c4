// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the config file name inside the server root.
const FileName = "modwarden.yaml"

// Load reads modwarden.yaml from the server root dir. On first run the
// file does not exist yet: defaults are written out, seeded from an
// existing server.properties when one is found, so adopting a running
// server keeps its ports and password.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, FileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig(dir)
		detectFromProperties(filepath.Join(dir, "server.properties"), &cfg)
		if err := Save(path, &cfg); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		cfg.Seal()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := DefaultConfig(dir)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Server.Dir == "" {
		cfg.Server.Dir = dir
	}
	cfg.Seal()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path. Sealed secrets are already blank and stay
// out of the file; a fresh default still carries its stock password so
// the first save records it.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	// 0600: the file may hold the RCON password.
	return os.WriteFile(path, data, 0600)
}

// detectFromProperties seeds cfg from an existing server.properties.
// Missing file or unreadable keys leave the defaults alone.
func detectFromProperties(path string, cfg *Config) {
	props, err := readProperties(path)
	if err != nil {
		return
	}
	if v, ok := props["server-port"]; ok {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.ServerPort = port
		}
	}
	if v, ok := props["rcon.port"]; ok {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.RCON.Port = port
		}
	}
	if v, ok := props["rcon.password"]; ok && v != "" {
		cfg.RCON.Pass = v
	}
	if v, ok := props["motd"]; ok && v != "" {
		cfg.Server.MOTD = v
	}
}

// readProperties parses the java .properties subset the server writes:
// key=value lines, # comments.
func readProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props, scanner.Err()
}
