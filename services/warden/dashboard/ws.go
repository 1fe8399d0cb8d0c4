// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dashboard

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/ModWarden/services/warden/events"
)

var upgrader = websocket.Upgrader{
	// The dashboard serves a LAN; origin checks would only break
	// operators proxying it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is one frame on the feed.
type wsMessage struct {
	Type  string        `json:"type"` // "hello" | "event" | "log"
	Event *events.Event `json:"event,omitempty"`
	Line  string        `json:"line,omitempty"`
}

// logPollInterval is how often the feed checks live.log for new lines.
const logPollInterval = time.Second

// handleWebSocket streams timeline events and appended console lines
// until the client goes away. A slow client loses events rather than
// backing up the timeline.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	connID := uuid.New().String()
	s.log.Info("websocket client connected", "conn", connID)
	defer s.log.Info("websocket client disconnected", "conn", connID)

	if err := ws.WriteJSON(wsMessage{Type: "hello"}); err != nil {
		return
	}

	// Reads only detect the close; frames from the client are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	evCh, cancel := s.timeline.Subscribe()
	defer cancel()

	offset := fileSize(s.cfg.LogPath)
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if err := ws.WriteJSON(wsMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			lines, next := readNewLines(s.cfg.LogPath, offset)
			offset = next
			for _, line := range lines {
				if err := ws.WriteJSON(wsMessage{Type: "log", Line: line}); err != nil {
					return
				}
			}
		}
	}
}

// readNewLines returns complete lines appended past offset and the new
// offset. A partial trailing line stays unconsumed until its newline
// lands; a truncated file resets to its start.
func readNewLines(path string, offset int64) ([]string, int64) {
	size := fileSize(path)
	if size < offset {
		offset = 0
	}
	if size == offset {
		return nil, offset
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, offset
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset
	}
	data, err := io.ReadAll(io.LimitReader(f, 256*1024))
	if err != nil {
		return nil, offset
	}

	chunk := string(data)
	last := strings.LastIndexByte(chunk, '\n')
	if last < 0 {
		return nil, offset
	}
	consumed := chunk[:last+1]
	lines := strings.Split(strings.TrimRight(consumed, "\n"), "\n")
	return lines, offset + int64(len(consumed))
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
