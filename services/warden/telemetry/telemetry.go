// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry ships warden activity to InfluxDB.
//
// Entirely optional: with no URL configured nothing is created and the
// supervisor runs without it. Writes go through the client's
// non-blocking API, so a down Influx never stalls the loop — points
// are dropped, and the client's error channel is drained into the log.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/ModWarden/services/warden/events"
)

// Config locates the InfluxDB bucket. An empty URL disables telemetry.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Enabled reports whether the config points at a server.
func (c Config) Enabled() bool { return c.URL != "" }

// pointWriter is the slice of the influx write API the recorder uses,
// injectable for tests.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder writes warden measurements. All Record methods are
// non-blocking and safe for concurrent use.
type Recorder struct {
	client influxdb2.Client
	write  pointWriter
	log    *slog.Logger
	now    func() time.Time
}

// New connects a recorder. The connection is lazy: a wrong URL shows
// up in the error channel on first write, not here.
func New(cfg Config, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	r := &Recorder{client: client, write: writeAPI, log: log, now: time.Now}
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("telemetry write failed", "error", err)
		}
	}()
	return r
}

// Close flushes buffered points and shuts the client down.
func (r *Recorder) Close() {
	r.write.Flush()
	if r.client != nil {
		r.client.Close()
	}
}

// RecordPlayers writes the current player count.
func (r *Recorder) RecordPlayers(count int) {
	r.write.WritePoint(influxdb2.NewPoint("players",
		nil,
		map[string]interface{}{"count": count},
		r.now()))
}

// RecordHeal writes one heal outcome.
func (r *Recorder) RecordHeal(diagnosis, result string) {
	r.write.WritePoint(influxdb2.NewPoint("heal",
		map[string]string{"diagnosis": diagnosis, "result": result},
		map[string]interface{}{"count": 1},
		r.now()))
}

// RecordBackup writes one backup run.
func (r *Recorder) RecordBackup(elapsed time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "failed"
	}
	r.write.WritePoint(influxdb2.NewPoint("backup",
		map[string]string{"status": status},
		map[string]interface{}{"seconds": elapsed.Seconds()},
		r.now()))
}

// RecordEvent writes one timeline event.
func (r *Recorder) RecordEvent(ev events.Event) {
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	r.write.WritePoint(influxdb2.NewPoint("warden_event",
		map[string]string{"kind": string(ev.Kind)},
		map[string]interface{}{"message": ev.Message},
		at))
}

// Run subscribes to the timeline and records every event until ctx
// ends. Meant as a supervisor background lane.
func (r *Recorder) Run(ctx context.Context, timeline *events.Timeline) error {
	ch, cancel := timeline.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.RecordEvent(ev)
		}
	}
}
