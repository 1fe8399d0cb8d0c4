// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rcon talks Source RCON to the running game server.
//
// One frame is an int32 little-endian size (excluding itself), an int32
// request id, an int32 packet type, the body, and two NUL bytes. Auth is
// type 3, commands are type 2, and a response carrying id -1 means the
// password was rejected.
//
// The Console dials per command: configured host first, then localhost,
// then 127.0.0.1, since the server is nearly always local even when the
// config names something else. The password stays in a memguard enclave
// and is only opened for the auth frame.
package rcon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
)

// === Wire format ===

const (
	packetAuth    int32 = 3
	packetCommand int32 = 2

	// minPacketSize is id + type + two NUL bytes.
	minPacketSize = 10

	// maxPacketSize caps a frame at the protocol's 4096-byte body.
	maxPacketSize = 4106
)

// Sentinel errors.
var (
	// ErrAuthFailed means the server rejected the RCON password.
	ErrAuthFailed = errors.New("rcon authentication failed")

	// ErrNotConfigured means no RCON password is available.
	ErrNotConfigured = errors.New("rcon not configured")
)

type packet struct {
	ID   int32
	Type int32
	Body string
}

func writePacket(w io.Writer, p packet) error {
	body := []byte(p.Body)
	size := 4 + 4 + len(body) + 2
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], body)
	// the two trailing NULs are the zero bytes left past the body
	_, err := w.Write(buf)
	return err
}

func readPacket(r io.Reader) (packet, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return packet{}, err
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < minPacketSize || size > maxPacketSize {
		return packet{}, fmt.Errorf("malformed rcon frame: size %d", size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return packet{}, err
	}
	return packet{
		ID:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		Type: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Body: string(buf[8 : size-2]),
	}, nil
}

// === Console ===

const defaultTimeout = 3 * time.Second

// Config configures the remote console.
type Config struct {
	// Host is the primary RCON host. localhost and 127.0.0.1 are tried
	// as fallbacks regardless.
	Host string

	// Port is the RCON port. Zero picks 25575.
	Port int

	// Password guards the RCON password. A nil enclave disables the
	// console.
	Password *memguard.Enclave

	// Timeout bounds dialing and each read/write. Zero picks 3 s.
	Timeout time.Duration
}

// Console runs commands on the game server over RCON. Each call dials,
// authenticates, executes, and closes; the server tolerates this and it
// keeps the client free of connection state. Safe for concurrent use.
//
// Responses longer than one frame are truncated to the first frame,
// which covers every command the warden sends.
type Console struct {
	cfg   Config
	log   *slog.Logger
	reqID atomic.Int32

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewConsole builds a console from config. A nil logger discards output.
func NewConsole(cfg Config, log *slog.Logger) *Console {
	if cfg.Port <= 0 {
		cfg.Port = 25575
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Console{
		cfg:  cfg,
		log:  log,
		dial: net.DialTimeout,
	}
}

// fallbackHosts lists the hosts to try, primary first, without repeats.
func fallbackHosts(primary string) []string {
	hosts := make([]string, 0, 3)
	seen := make(map[string]bool)
	for _, h := range []string{primary, "localhost", "127.0.0.1"} {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

// Run executes one command and returns the response body. Hosts are
// tried in fallback order; an authentication failure aborts immediately
// since the password will not improve on another interface.
func (c *Console) Run(ctx context.Context, command string) (string, error) {
	if c.cfg.Password == nil {
		return "", fmt.Errorf("run %q: %w", command, ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var lastErr error
	for _, host := range fallbackHosts(c.cfg.Host) {
		addr := net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))
		conn, err := c.dial("tcp", addr, c.cfg.Timeout)
		if err != nil {
			lastErr = err
			c.log.Debug("rcon dial failed", "addr", addr, "error", err)
			continue
		}

		body, err := c.exec(ctx, conn, command)
		conn.Close()
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return "", err
			}
			lastErr = err
			c.log.Debug("rcon exec failed", "addr", addr, "error", err)
			continue
		}
		return body, nil
	}
	return "", fmt.Errorf("run %q: no reachable rcon host: %w", command, lastErr)
}

func (c *Console) exec(ctx context.Context, conn net.Conn, command string) (string, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	pass, err := c.cfg.Password.Open()
	if err != nil {
		return "", fmt.Errorf("open rcon password: %w", err)
	}
	err = writePacket(conn, packet{ID: c.reqID.Add(1), Type: packetAuth, Body: pass.String()})
	pass.Destroy()
	if err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	resp, err := readPacket(conn)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.ID == -1 {
		return "", ErrAuthFailed
	}

	if err := writePacket(conn, packet{ID: c.reqID.Add(1), Type: packetCommand, Body: command}); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	resp, err = readPacket(conn)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return resp.Body, nil
}

// Say broadcasts a chat message in-game.
func (c *Console) Say(ctx context.Context, message string) error {
	_, err := c.Run(ctx, "say "+message)
	return err
}

// Available reports whether the console can reach and authenticate with
// the server right now.
func (c *Console) Available(ctx context.Context) bool {
	_, err := c.Run(ctx, "list")
	return err == nil
}

// === Output parsing ===

var (
	listCountPattern   = regexp.MustCompile(`(?i)there are (\d+)`)
	playerCountPattern = regexp.MustCompile(`(?i)(\d+)\s+player`)
)

// ParsePlayerCount extracts the connected player count from a `list`
// response. Handles the vanilla "There are N of a max of M players"
// phrasing, bare "N players" phrasings, and falls back to counting the
// names after a colon. Returns 0 when nothing matches.
func ParsePlayerCount(out string) int {
	if m := listCountPattern.FindStringSubmatch(out); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if m := playerCountPattern.FindStringSubmatch(out); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if i := strings.IndexByte(out, ':'); i >= 0 {
		names := strings.Split(strings.TrimSpace(out[i+1:]), ",")
		if len(names) == 1 && strings.TrimSpace(names[0]) == "" {
			return 0
		}
		return len(names)
	}
	return 0
}
