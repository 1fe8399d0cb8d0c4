// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog persists curated mod lists in an embedded badger
// store.
//
// One store holds one catalog per Minecraft version and loader pair,
// keyed `catalog/{mc}/{loader}`, plus the matching optional-dependency
// audit under `audit/{mc}/{loader}`. Entries carry a TTL so a stale
// curation expires on its own instead of serving last month's top
// list forever; an expired key reads as ErrNoCatalog and the curator
// rebuilds it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNoCatalog reports a version/loader pair with no stored (or an
// expired) curation.
var ErrNoCatalog = errors.New("no curated list in catalog")

// Entry is one curated mod.
type Entry struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Downloads   int64    `json:"downloads"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Registry    string   `json:"registry"`
	Source      string   `json:"source"` // "top_downloaded" or "required_dependency"
	RequiredIDs []string `json:"required_ids,omitempty"`
}

// List is a complete curation for one version/loader pair, sorted by
// downloads, highest first.
type List struct {
	MCVersion   string    `json:"mc_version"`
	Loader      string    `json:"loader"`
	GeneratedAt time.Time `json:"generated_at"`
	Mods        []Entry   `json:"mods"`
}

// AuditEntry records one optional dependency and the mods that declare
// it, so an operator can decide whether installing it is worth it.
type AuditEntry struct {
	ID          string   `json:"id"`
	RequestedBy []string `json:"requested_by"`
}

// Config holds the store configuration.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM, for tests and --refresh runs
	// that never want persistence.
	InMemory bool

	// SyncWrites makes writes durable before returning.
	SyncWrites bool

	// TTL bounds the life of stored curations. Zero keeps them until
	// overwritten.
	TTL time.Duration

	// GCInterval is how often the value log garbage collector runs.
	// Zero disables it. Ignored in memory.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives badger's internal logging. Nil silences it.
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for a store at
// path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		TTL:            24 * time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no sync,
// no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// Store is one open catalog database. Safe for concurrent use.
type Store struct {
	db  *badger.DB
	ttl time.Duration
	log *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens (and if needed creates) the store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("catalog path required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create catalog directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Store{db: db, ttl: cfg.TTL, log: log}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops the garbage collector and closes the database. Safe to
// call once.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				s.log.Debug("catalog value log GC completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// Nothing worth rewriting.
			default:
				s.log.Warn("catalog value log GC failed", "error", err)
			}
		}
	}
}

// WithTxn runs fn inside a read-write transaction, committing when fn
// returns nil.
func (s *Store) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn inside a read-only transaction.
func (s *Store) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

func listKey(mcVersion, loader string) []byte {
	return []byte(fmt.Sprintf("catalog/%s/%s", mcVersion, loader))
}

func auditKey(mcVersion, loader string) []byte {
	return []byte(fmt.Sprintf("audit/%s/%s", mcVersion, loader))
}

// PutList stores a curation under its version/loader key, replacing
// any previous one.
func (s *Store) PutList(ctx context.Context, list List) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode catalog list: %w", err)
	}
	key := listKey(list.MCVersion, list.Loader)
	err = s.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(key, data))
	})
	if err != nil {
		return err
	}
	s.log.Info("stored curated list",
		"mc_version", list.MCVersion, "loader", list.Loader, "mods", len(list.Mods))
	return nil
}

// GetList loads the curation for a version/loader pair. Absent or
// expired curations return ErrNoCatalog.
func (s *Store) GetList(ctx context.Context, mcVersion, loader string) (*List, error) {
	var list List
	err := s.get(ctx, listKey(mcVersion, loader), &list)
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// PutAudit stores the optional-dependency audit alongside a curation.
func (s *Store) PutAudit(ctx context.Context, mcVersion, loader string, audit []AuditEntry) error {
	data, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("encode audit: %w", err)
	}
	return s.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(auditKey(mcVersion, loader), data))
	})
}

// GetAudit loads the optional-dependency audit for a version/loader
// pair. ErrNoCatalog when absent.
func (s *Store) GetAudit(ctx context.Context, mcVersion, loader string) ([]AuditEntry, error) {
	var audit []AuditEntry
	if err := s.get(ctx, auditKey(mcVersion, loader), &audit); err != nil {
		return nil, err
	}
	return audit, nil
}

func (s *Store) entry(key, data []byte) *badger.Entry {
	e := badger.NewEntry(key, data)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return e
}

func (s *Store) get(ctx context.Context, key []byte, out any) error {
	return s.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNoCatalog, key)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, out); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			return nil
		})
	})
}
