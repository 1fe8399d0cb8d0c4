// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the event timeline and log hooks.

package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantType  Kind
		wantStamp string
		wantName  string
		wantMsg   string
	}{
		{
			name:      "player join",
			line:      "[12:30:45] [Server thread/INFO]: Steve joined the game",
			wantType:  KindPlayerJoin,
			wantStamp: "12:30:45",
			wantName:  "Steve",
		},
		{
			name:      "player leave",
			line:      "[12:31:02] [Server thread/INFO]: Steve left the game",
			wantType:  KindPlayerLeave,
			wantStamp: "12:31:02",
			wantName:  "Steve",
		},
		{
			name:     "death by drowning",
			line:     "[12:35:10] [Server thread/INFO]: Steve drowned",
			wantType: KindPlayerDeath,
			wantName: "Steve",
		},
		{
			name:     "death by mob",
			line:     "[12:36:44] [Server thread/INFO]: Alex was slain by Zombie",
			wantType: KindPlayerDeath,
			wantName: "Alex",
		},
		{
			name:      "chat line",
			line:      "[12:40:00] [Server thread/INFO]: <Alex> anyone seen my dog",
			wantType:  KindPlayerChat,
			wantStamp: "12:40:00",
			wantName:  "Alex",
			wantMsg:   "anyone seen my dog",
		},
		{
			name:     "death word inside chat stays chat",
			line:     "[12:41:13] [Server thread/INFO]: <Alex> I almost died in the nether",
			wantType: KindPlayerChat,
			wantName: "Alex",
			wantMsg:  "I almost died in the nether",
		},
		{
			name:      "unclassified server noise",
			line:      "[12:00:00] [Server thread/INFO]: Preparing spawn area: 85%",
			wantType:  Kind(""),
			wantStamp: "12:00:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseLine(tt.line)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantStamp, ev.Timestamp)
			assert.Equal(t, tt.wantName, ev.Player)
			assert.Equal(t, tt.wantMsg, ev.Message)
			assert.Equal(t, tt.line, ev.Raw)
		})
	}
}

func TestTimeline_AppendEvictsOldest(t *testing.T) {
	tl := NewTimeline(3, nil)

	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		tl.Append(KindState, msg, nil)
	}

	snap := tl.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "three", snap[0].Message)
	assert.Equal(t, "five", snap[2].Message)
	assert.Equal(t, 3, tl.Len())
}

func TestTimeline_RecentNewestFirst(t *testing.T) {
	tl := NewTimeline(0, nil)
	tl.Append(KindCrash, "first", nil)
	tl.Append(KindHeal, "second", nil)
	tl.Append(KindBackup, "third", nil)

	recent := tl.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Message)
	assert.Equal(t, "second", recent[1].Message)

	all := tl.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Message)
	assert.Equal(t, "first", all[2].Message)
}

func TestTimeline_RecordFillsIDAndTime(t *testing.T) {
	tl := NewTimeline(0, nil)
	fixed := time.Date(2025, time.March, 8, 12, 0, 0, 0, time.UTC)
	tl.now = func() time.Time { return fixed }

	ev := tl.Record(Event{Kind: KindHeal, Message: "fetched missing dependency"})
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.At.Equal(fixed))

	pre := tl.Record(Event{ID: "fixed-id", Kind: KindState, Message: "monitoring"})
	assert.Equal(t, "fixed-id", pre.ID)
}

func TestTimeline_SubscribeDeliversAndCancelCloses(t *testing.T) {
	tl := NewTimeline(0, nil)
	ch, cancel := tl.Subscribe()

	sent := tl.Append(KindQuarantine, "brokenmod.jar", map[string]string{"mod": "brokenmod"})

	got := <-ch
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, KindQuarantine, got.Kind)
	assert.Equal(t, "brokenmod", got.Fields["mod"])

	cancel()
	_, open := <-ch
	assert.False(t, open, "channel should close on cancel")

	cancel()
	tl.Append(KindState, "after cancel", nil)
	assert.Zero(t, tl.Dropped())
}

func TestTimeline_SlowSubscriberDropsNotBlocks(t *testing.T) {
	tl := NewTimeline(0, nil)
	ch, cancel := tl.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		tl.Append(KindState, "tick", nil)
	}

	assert.Equal(t, uint64(3), tl.Dropped())

	for i := 0; i < subscriberBuffer; i++ {
		<-ch
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected buffered event: %v", ev)
	default:
	}
}

func TestDefaultHooks(t *testing.T) {
	hooks := DefaultHooks()
	require.Len(t, hooks, 7)
	for _, h := range hooks {
		assert.NotEmpty(t, h.Name)
		assert.NotNil(t, h.Match, "hook %s", h.Name)
		assert.NotNil(t, h.Build, "hook %s", h.Name)
	}
}

func countKind(events []Event, kind Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestMonitor_JoinDebouncesPerPlayer(t *testing.T) {
	tl := NewTimeline(0, nil)
	m := NewMonitor(MonitorConfig{LogPath: "unused"}, tl, nil)

	now := time.Date(2025, time.March, 8, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	m.HandleLine(ctx, "[10:00:00] [Server thread/INFO]: Steve joined the game")
	m.HandleLine(ctx, "[10:00:02] [Server thread/INFO]: Steve joined the game")
	m.HandleLine(ctx, "[10:00:03] [Server thread/INFO]: Alex joined the game")

	assert.Equal(t, 2, countKind(tl.Snapshot(), KindPlayerJoin),
		"repeat join inside the window should debounce, another player should not")

	now = now.Add(31 * time.Second)
	m.HandleLine(ctx, "[10:00:31] [Server thread/INFO]: Steve joined the game")
	assert.Equal(t, 3, countKind(tl.Snapshot(), KindPlayerJoin))
}

func TestMonitor_DeathTriggersReply(t *testing.T) {
	tl := NewTimeline(0, nil)
	var replies []string
	cfg := MonitorConfig{
		LogPath: "unused",
		Respond: func(_ context.Context, msg string) error {
			replies = append(replies, msg)
			return nil
		},
	}
	m := NewMonitor(cfg, tl, nil)

	m.HandleLine(context.Background(), "[10:00:01] [Server thread/INFO]: Steve was slain by Zombie")

	snap := tl.Snapshot()
	require.Equal(t, 1, countKind(snap, KindPlayerDeath))
	assert.Equal(t, "Steve", snap[0].Fields["player"])
	require.Len(t, replies, 1)
	assert.Equal(t, "RIP! Better luck next time.", replies[0])
}

func TestMonitor_ChatCommandRepliesOncePerWindow(t *testing.T) {
	tl := NewTimeline(0, nil)
	var replies []string
	cfg := MonitorConfig{
		LogPath: "unused",
		Respond: func(_ context.Context, msg string) error {
			replies = append(replies, msg)
			return nil
		},
	}
	m := NewMonitor(cfg, tl, nil)

	now := time.Date(2025, time.March, 8, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	m.HandleLine(ctx, "[10:00:00] [Server thread/INFO]: <Bob> !help please")
	m.HandleLine(ctx, "[10:00:04] [Server thread/INFO]: <Casey> !HELP")

	require.Len(t, replies, 1, "same pattern inside the window should debounce")
	assert.Equal(t, "Available commands: !help, !status, !tps", replies[0])

	now = now.Add(11 * time.Second)
	m.HandleLine(ctx, "[10:00:15] [Server thread/INFO]: <Bob> !help again")
	assert.Len(t, replies, 2)
}

func TestMonitor_DownloadRequestEvent(t *testing.T) {
	tl := NewTimeline(0, nil)
	m := NewMonitor(MonitorConfig{LogPath: "unused"}, tl, nil)

	m.HandleLine(context.Background(), "[10:02:00] [Server thread/INFO]: <Bob> download 3")

	snap := tl.Snapshot()
	require.Equal(t, 1, countKind(snap, KindModDownload))
	var got Event
	for _, ev := range snap {
		if ev.Kind == KindModDownload {
			got = ev
		}
	}
	assert.Equal(t, "Bob", got.Fields["player"])
	assert.Equal(t, "download 3", got.Fields["request"])
}

func TestMonitor_DrainTailsAndResetsOnTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.log")

	tl := NewTimeline(0, nil)
	m := NewMonitor(MonitorConfig{LogPath: path}, tl, nil)
	ctx := context.Background()

	require.NoError(t, m.drain(ctx), "missing log is not an error")
	assert.Zero(t, tl.Len())

	first := "[10:00:00] [Server thread/INFO]: Steve joined the game\n"
	partial := "[10:00:05] [Server thread/INFO]: Alex joi"
	require.NoError(t, os.WriteFile(path, []byte(first+partial), 0o644))

	require.NoError(t, m.drain(ctx))
	assert.Equal(t, 1, countKind(tl.Snapshot(), KindPlayerJoin))
	assert.Equal(t, int64(len(first)), m.offset, "partial line must stay unconsumed")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ned the game\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, m.drain(ctx))
	joins := tl.Snapshot()
	assert.Equal(t, 2, countKind(joins, KindPlayerJoin))
	assert.Equal(t, "Alex", joins[1].Fields["player"])

	replacement := "[10:05:00] [INFO]: Casey joined the game\n"
	require.NoError(t, os.WriteFile(path, []byte(replacement), 0o644))

	require.NoError(t, m.drain(ctx))
	all := tl.Snapshot()
	assert.Equal(t, 3, countKind(all, KindPlayerJoin))
	assert.Equal(t, "Casey", all[2].Fields["player"])
	assert.Equal(t, int64(len(replacement)), m.offset)
}
