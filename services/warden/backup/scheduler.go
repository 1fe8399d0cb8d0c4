// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler fires one backup a day at a fixed local hour. It runs as
// a supervisor background lane and never touches the mod tree, so it
// needs no mutation lock.
type Scheduler struct {
	engine *Engine
	hour   int
	log    *slog.Logger

	// OnResult, when set, receives every run's outcome. Used to feed
	// metrics and telemetry without coupling this package to them.
	OnResult func(res *Result, elapsed time.Duration, err error)

	now func() time.Time
}

// NewScheduler returns a daily scheduler. hour is the local hour of
// day [0,23]; out-of-range values fall back to 4.
func NewScheduler(engine *Engine, hour int, log *slog.Logger) *Scheduler {
	if hour < 0 || hour > 23 {
		hour = 4
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{engine: engine, hour: hour, log: log, now: time.Now}
}

// Run blocks until ctx ends, backing up at each daily fire time. A
// failed run is logged and the scheduler waits for the next day; it
// never retries in a tight loop.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := nextRun(s.now(), s.hour)
		s.log.Info("next scheduled backup", "at", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		start := s.now()
		res, err := s.engine.BackupNow(ctx)
		elapsed := s.now().Sub(start)
		if err != nil {
			s.log.Error("scheduled backup failed", "error", err)
		}
		if s.OnResult != nil {
			s.OnResult(res, elapsed, err)
		}
	}
}

// nextRun returns the next occurrence of hour strictly after now.
func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
