// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dashboard is the operator HTTP API.
//
// Thin CRUD over the warden's state: mod listing, quarantine control,
// the marker-file server lifecycle, the event timeline, client pack
// downloads, and a WebSocket feed of events and console lines. Every
// mod-tree mutation goes through the supervisor's mutation lock; the
// dashboard never renames a file while the preflight pass is running.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/ModWarden/services/warden/backup"
	"github.com/AleutianAI/ModWarden/services/warden/crash"
	"github.com/AleutianAI/ModWarden/services/warden/events"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
	"github.com/AleutianAI/ModWarden/services/warden/supervise"
)

// StatusSource is the slice of the supervisor the dashboard reads and
// locks through.
type StatusSource interface {
	Status() supervise.Status
	WithModLock(fn func() error) error
}

// ConsoleSender answers live console queries (player counts).
type ConsoleSender interface {
	Run(ctx context.Context, command string) (string, error)
	Available(ctx context.Context) bool
}

// ConfigView exposes the running configuration to the API. Get must
// mask secrets; Set applies only whitelisted keys and reports the rest.
type ConfigView interface {
	Get() map[string]any
	Set(updates map[string]string) error
}

// Config carries the HTTP surface's settings.
type Config struct {
	// Port to listen on. Defaults to 8000.
	Port int

	// ModsDir, ClientonlyDir are the trees the mod endpoints read.
	ModsDir       string
	ClientonlyDir string

	// LogPath is live.log, for the log tail endpoints.
	LogPath string

	// JavaMajor feeds the java report endpoint. Zero disables it.
	JavaMajor int

	// Tracing adds the otelgin middleware.
	Tracing bool
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.ModsDir == "" {
		c.ModsDir = "mods"
	}
	if c.ClientonlyDir == "" {
		c.ClientonlyDir = "clientonly"
	}
	if c.LogPath == "" {
		c.LogPath = "live.log"
	}
	return c
}

// Server owns the router and its collaborators. Optional collaborators
// may be nil; their routes answer 503.
type Server struct {
	cfg      Config
	status   StatusSource
	markers  *supervise.Markers
	builder  *modindex.Builder
	store    *quarantine.Store
	timeline *events.Timeline
	backup   *backup.Engine
	console  ConsoleSender
	scanner  *crash.Scanner
	config   ConfigView
	metrics  http.Handler
	log      *slog.Logger

	started time.Time
	router  *gin.Engine
}

// New assembles the server and its routes.
func New(cfg Config, status StatusSource, markers *supervise.Markers,
	builder *modindex.Builder, store *quarantine.Store, timeline *events.Timeline,
	bak *backup.Engine, console ConsoleSender, scanner *crash.Scanner,
	view ConfigView, metricsHandler http.Handler, log *slog.Logger) *Server {

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		status:   status,
		markers:  markers,
		builder:  builder,
		store:    store,
		timeline: timeline,
		backup:   bak,
		console:  console,
		scanner:  scanner,
		config:   view,
		metrics:  metricsHandler,
		log:      log,
		started:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if s.cfg.Tracing {
		router.Use(otelgin.Middleware("modwarden-dashboard"))
	}

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/config", s.handleConfigGet)
		api.POST("/config", s.handleConfigSet)
		api.GET("/java", s.handleJava)
		api.GET("/events", s.handleEvents)
		api.GET("/logs", s.handleLogs)

		api.GET("/mods", s.handleModsList)
		api.DELETE("/mods/:name", s.handleModDelete)
		api.POST("/mods/:name/quarantine", s.handleModQuarantine)
		api.POST("/mods/:name/restore", s.handleModRestore)
		api.GET("/quarantine", s.handleQuarantineList)

		api.POST("/server/start", s.handleServerStart)
		api.POST("/server/stop", s.handleServerStop)
		api.POST("/server/restart", s.handleServerRestart)
		api.POST("/server/reset", s.handleServerReset)

		api.POST("/backup", s.handleBackupNow)
		api.GET("/backups", s.handleBackupList)
	}

	router.GET("/download/mods_latest.zip", s.handleDownloadPack)
	router.GET("/download/manifest", s.handleDownloadManifest)
	router.GET("/download/:file", s.handleDownloadFile)

	router.GET("/ws", s.handleWebSocket)

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "path": c.Request.URL.Path})
	})
	return router
}

// Run serves until ctx ends, then drains connections for a few
// seconds. Meant as a supervisor background lane.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dashboard: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}
