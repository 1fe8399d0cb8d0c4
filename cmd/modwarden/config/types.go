// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates modwarden.yaml.
//
// The file lives in the server root next to the world directory.
// Secrets (the RCON password, the telemetry token) are sealed into
// memguard enclaves at load time and the plain-text fields wiped, so
// nothing downstream can log them by accident.
package config

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"
)

// Config is the full modwarden.yaml schema.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	RCON       RCONConfig       `yaml:"rcon"`
	Registry   RegistryConfig   `yaml:"registry"`
	Curator    CuratorConfig    `yaml:"curator"`
	Backup     BackupConfig     `yaml:"backup"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ServerConfig describes the game server installation.
type ServerConfig struct {
	// Dir is the server root. Everything else is relative to it.
	Dir string `yaml:"dir"`

	MCVersion string `yaml:"mc_version" validate:"required"`
	Loader    string `yaml:"loader" validate:"required,oneof=neoforge forge fabric quilt"`

	// ServerJar is the launcher jar for forge and fabric. NeoForge
	// boots through @args files and leaves it empty.
	ServerJar string `yaml:"server_jar"`

	ModsDir       string `yaml:"mods_dir"`
	ClientonlyDir string `yaml:"clientonly_dir"`

	// Xmx and Xms in JVM syntax ("6G").
	Xmx string `yaml:"xmx"`
	Xms string `yaml:"xms"`

	ServerPort int    `yaml:"server_port" validate:"min=1,max=65535"`
	MOTD       string `yaml:"motd"`

	// JavaMajor is the class-file major of the installed JRE (65 for
	// Java 21). Feeds the java compatibility scan.
	JavaMajor int `yaml:"java_major"`
}

// RCONConfig describes the remote console.
type RCONConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// Pass holds the password only between parse and seal. Load moves
	// it into the enclave and blanks this field.
	Pass string `yaml:"pass"`

	pass *memguard.Enclave
}

// Password returns the sealed RCON password, or nil when none was
// configured.
func (r *RCONConfig) Password() *memguard.Enclave { return r.pass }

// seal moves the plain-text password into the enclave.
func (r *RCONConfig) seal() {
	if r.Pass == "" {
		return
	}
	r.pass = memguard.NewEnclave([]byte(r.Pass))
	r.Pass = ""
}

// RegistryConfig bounds mod downloads.
type RegistryConfig struct {
	// CurseForgeKeyFile points at a file holding the API key. Empty
	// disables the CurseForge registry; Modrinth needs no key.
	CurseForgeKeyFile string `yaml:"curseforge_key_file"`

	MaxDownloadMB    int64 `yaml:"max_download_mb" validate:"min=1"`
	RateLimitSeconds int   `yaml:"rate_limit_seconds" validate:"min=0"`
}

// CuratorConfig bounds the curated-list builder.
type CuratorConfig struct {
	RunOnStartup      bool   `yaml:"run_on_startup"`
	Limit             int    `yaml:"limit" validate:"min=1,max=1000"`
	ShowOptionalAudit bool   `yaml:"show_optional_audit"`
	MaxDepth          int    `yaml:"max_depth" validate:"min=1,max=10"`
	CatalogDir        string `yaml:"catalog_dir"`
}

// BackupConfig describes the nightly world snapshot.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Hour          int    `yaml:"hour" validate:"min=0,max=23"`
	RetentionDays int    `yaml:"retention_days" validate:"min=1"`
	WorldDir      string `yaml:"world_dir"`
	BackupDir     string `yaml:"backup_dir"`

	// GCSBucket enables offsite upload when set.
	GCSBucket          string `yaml:"gcs_bucket"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// Retention converts the day count to a duration.
func (b BackupConfig) Retention() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

// DashboardConfig describes the HTTP API.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"min=1,max=65535"`
	Tracing bool `yaml:"tracing"`

	// TracingEndpoint is the OTLP gRPC receiver spans go to when
	// tracing is on.
	TracingEndpoint string `yaml:"tracing_endpoint" validate:"omitempty,hostname_port"`
}

// TelemetryConfig describes the optional InfluxDB recorder.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`

	// Token holds the API token only between parse and seal.
	Token string `yaml:"token"`

	token *memguard.Enclave
}

// TokenEnclave returns the sealed telemetry token, or nil.
func (t *TelemetryConfig) TokenEnclave() *memguard.Enclave { return t.token }

func (t *TelemetryConfig) seal() {
	if t.Token == "" {
		return
	}
	t.token = memguard.NewEnclave([]byte(t.Token))
	t.Token = ""
}

// SupervisorConfig tunes the self-healing loop.
type SupervisorConfig struct {
	MaxRestartAttempts int `yaml:"max_restart_attempts" validate:"min=1"`
	MaxUnknownCrashes  int `yaml:"max_unknown_crashes" validate:"min=1"`

	CooldownSeconds        int `yaml:"cooldown_seconds" validate:"min=1"`
	PollSeconds            int `yaml:"poll_seconds" validate:"min=1"`
	HangTimeoutMinutes     int `yaml:"hang_timeout_minutes" validate:"min=1"`
	StabilityWindowMinutes int `yaml:"stability_window_minutes" validate:"min=1"`
}

func (s SupervisorConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

func (s SupervisorConfig) Poll() time.Duration {
	return time.Duration(s.PollSeconds) * time.Second
}

func (s SupervisorConfig) HangTimeout() time.Duration {
	return time.Duration(s.HangTimeoutMinutes) * time.Minute
}

func (s SupervisorConfig) StabilityWindow() time.Duration {
	return time.Duration(s.StabilityWindowMinutes) * time.Minute
}

// DefaultConfig returns the stock configuration for a NeoForge server
// rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Server: ServerConfig{
			Dir:           dir,
			MCVersion:     "1.21.11",
			Loader:        "neoforge",
			ModsDir:       "mods",
			ClientonlyDir: "clientonly",
			Xmx:           "6G",
			Xms:           "4G",
			ServerPort:    25565,
			JavaMajor:     65,
		},
		RCON: RCONConfig{
			Host: "localhost",
			Port: 25575,
			Pass: "changeme",
		},
		Registry: RegistryConfig{
			MaxDownloadMB:    600,
			RateLimitSeconds: 2,
		},
		Curator: CuratorConfig{
			RunOnStartup:      true,
			Limit:             100,
			ShowOptionalAudit: true,
			MaxDepth:          3,
			CatalogDir:        "catalog",
		},
		Backup: BackupConfig{
			Enabled:       true,
			Hour:          4,
			RetentionDays: 7,
			WorldDir:      "world",
			BackupDir:     "backups",
		},
		Dashboard: DashboardConfig{
			Enabled:         true,
			Port:            8000,
			TracingEndpoint: "localhost:4317",
		},
		Telemetry: TelemetryConfig{},
		Supervisor: SupervisorConfig{
			MaxRestartAttempts:     3,
			MaxUnknownCrashes:      3,
			CooldownSeconds:        30,
			PollSeconds:            5,
			HangTimeoutMinutes:     5,
			StabilityWindowMinutes: 10,
		},
	}
}

var validate = validator.New()

// Validate checks struct tags plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Server.ServerPort == c.RCON.Port {
		return fmt.Errorf("config: server_port and rcon port are both %d", c.RCON.Port)
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == c.Server.ServerPort {
		return fmt.Errorf("config: dashboard port collides with server_port %d", c.Dashboard.Port)
	}
	if c.Telemetry.Enabled && c.Telemetry.URL == "" {
		return fmt.Errorf("config: telemetry enabled without url")
	}
	if (c.Server.Loader == "forge" || c.Server.Loader == "fabric") && c.Server.ServerJar == "" {
		return fmt.Errorf("config: loader %s needs server_jar", c.Server.Loader)
	}
	return nil
}

// Seal moves every plain-text secret into its enclave. Load calls this;
// callers constructing a Config by hand must too.
func (c *Config) Seal() {
	c.RCON.seal()
	c.Telemetry.seal()
}
