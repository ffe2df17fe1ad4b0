package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: 127.0.0.1:8711\n")

	reloaded := make(chan *Config, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(path, logger, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the watch register

	if err := os.WriteFile(path, []byte("server:\n  listen: 127.0.0.1:9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Listen != "127.0.0.1:9000" {
			t.Errorf("reloaded listen = %q", cfg.Server.Listen)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload after file change")
	}
}

func TestWatcherKeepsPreviousConfigOnParseError(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: 127.0.0.1:8711\n")

	reloaded := make(chan *Config, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(path, logger, func(cfg *Config) { reloaded <- cfg })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("{{not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Error("broken config should not reach the reload callback")
	case <-time.After(300 * time.Millisecond):
	}
}
