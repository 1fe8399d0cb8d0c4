// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launch

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// writeServerProperties merges the launch defaults into any existing
// server.properties. Existing keys always win, with one exception: when
// enable-rcon is absent the RCON trio is forced to the configured
// values, since the warden cannot supervise a console it cannot reach.
// An operator who sets enable-rcon=false keeps it.
func (e *Environment) writeServerProperties() error {
	path := filepath.Join(e.cfg.Dir, propertiesFile)

	existing, err := readProperties(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	pass := e.rconPassword()
	merged := map[string]string{
		"enable-rcon":   "true",
		"rcon.password": pass,
		"rcon.port":     strconv.Itoa(e.cfg.RconPort),
		"server-port":   strconv.Itoa(e.cfg.ServerPort),
		"motd":          e.cfg.MOTD,
		"level-name":    "world",
		"gamemode":      "survival",
		"difficulty":    "normal",
		"max-players":   "20",
		"online-mode":   "false",
		"pvp":           "true",
		"allow-flight":  "true",
	}
	for k, v := range existing {
		merged[k] = v
	}
	if existing["enable-rcon"] == "" {
		merged["enable-rcon"] = "true"
		merged["rcon.password"] = pass
		merged["rcon.port"] = strconv.Itoa(e.cfg.RconPort)
	}

	return writeProperties(path, merged)
}

// rconPassword materializes the configured password for the properties
// file. The server reads it from plain text, so this is the one place
// the secret leaves its enclave.
func (e *Environment) rconPassword() string {
	if e.cfg.RconPass == nil {
		return defaultRconPassword
	}
	buf, err := e.cfg.RconPass.Open()
	if err != nil {
		e.log.Warn("rcon password enclave unreadable, using stock password", "error", err)
		return defaultRconPassword
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

// writeEULA creates eula.txt once. An existing file is never rewritten,
// whatever it says.
func (e *Environment) writeEULA() error {
	path := filepath.Join(e.cfg.Dir, eulaFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte("eula=true\n"), 0o644)
}

// readProperties parses k=v lines, skipping blanks and # comments.
// Values keep any embedded '='.
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
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[k] = v
	}
	return props, scanner.Err()
}

// writeProperties renders the map as sorted k=v lines, the layout the
// vanilla server itself writes.
func writeProperties(path string, props map[string]string) error {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, props[k])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
