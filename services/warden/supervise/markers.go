// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Marker file names under the server root. Markers are the only
// control channel shared by the CLI, the dashboard, and the
// supervisor: an operator can create or delete them by hand and the
// loop reacts the same way.
const (
	// MarkerStop is durable: while present the supervisor will not
	// launch the server and parks instead of exiting.
	MarkerStop = "stop.marker"

	// MarkerReset is self-deleting: consuming it zeroes the restart
	// counter and the crash history.
	MarkerReset = "reset.marker"

	// MarkerRestart is self-deleting: consuming it stops the running
	// session gracefully and relaunches without spending restart
	// budget.
	MarkerRestart = "restart.marker"
)

// Markers reads and writes the marker files in one directory. Writes
// go through a temp file and a rename so a concurrent reader never
// sees a half-written marker.
type Markers struct {
	dir string
	log *slog.Logger
}

// NewMarkers returns a store over dir. A nil logger discards output.
func NewMarkers(dir string, log *slog.Logger) *Markers {
	if dir == "" {
		dir = "."
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Markers{dir: dir, log: log}
}

// Dir returns the directory holding the markers.
func (m *Markers) Dir() string { return m.dir }

func (m *Markers) path(name string) string {
	return filepath.Join(m.dir, name)
}

// Write creates the named marker atomically. The content is the write
// time, for an operator inspecting the file.
func (m *Markers) Write(name string) error {
	tmp, err := os.CreateTemp(m.dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("write marker %s: %w", name, err)
	}
	_, werr := fmt.Fprintln(tmp, time.Now().UTC().Format(time.RFC3339))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write marker %s: %w", name, errFirst(werr, cerr))
	}
	if err := os.Rename(tmp.Name(), m.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write marker %s: %w", name, err)
	}
	m.log.Info("marker written", "marker", name)
	return nil
}

// Clear removes the named marker. A missing marker is not an error.
func (m *Markers) Clear(name string) error {
	err := os.Remove(m.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear marker %s: %w", name, err)
	}
	if err == nil {
		m.log.Info("marker cleared", "marker", name)
	}
	return nil
}

// Present reports whether the named marker exists.
func (m *Markers) Present(name string) bool {
	_, err := os.Stat(m.path(name))
	return err == nil
}

// Consume removes the named marker and reports whether it was there.
// Two concurrent consumers see at most one true.
func (m *Markers) Consume(name string) bool {
	err := os.Remove(m.path(name))
	if err == nil {
		m.log.Info("marker consumed", "marker", name)
		return true
	}
	if !os.IsNotExist(err) {
		m.log.Warn("marker consume failed", "marker", name, "error", err)
	}
	return false
}

// Watch streams the names of markers created or removed in the
// directory until ctx ends. The caller still polls Present/Consume for
// the actual state; the channel only wakes it early. Callers must
// tolerate Watch failing: marker polling alone is correct, just
// slower.
func (m *Markers) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("marker watch: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("marker watch %s: %w", m.dir, err)
	}

	out := make(chan string, 8)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if name != MarkerStop && name != MarkerReset && name != MarkerRestart {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case out <- name:
				default:
					// Poll will catch it.
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warn("marker watcher error", "error", err)
			}
		}
	}()
	return out, nil
}

func errFirst(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
