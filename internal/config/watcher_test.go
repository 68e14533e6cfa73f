package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(ConfigPath(home), []byte("log_level: info\n"), 0o644))

	w := NewWatcher(home, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Give the watch a moment to attach before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(ConfigPath(home), []byte("log_level: debug\n"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, ConfigPath(home), ev.Path)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after config write")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	w := NewWatcher(home, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(home+"/notes.txt", []byte("x"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := NewWatcher(t.TempDir(), slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok, "events channel closes when the context ends")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
