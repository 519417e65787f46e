package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, dataDir, logLevel string) {
	t.Helper()
	content := "[server]\ndata_dir = \"" + dataDir + "\"\nlog_level = \"" + logLevel + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestWatch_EmptyPath(t *testing.T) {
	if _, err := Watch(""); err == nil {
		t.Fatal("expected error for empty file path")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailcore.toml")
	writeConfig(t, path, dir, "info")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(old, new *Config) {
		reloaded <- new
	})

	writeConfig(t, path, dir, "debug")

	select {
	case cfg := <-reloaded:
		if cfg.Server.LogLevel != "debug" {
			t.Errorf("LogLevel after reload: got %q, want %q", cfg.Server.LogLevel, "debug")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}

	if got := Get().Server.LogLevel; got != "debug" {
		t.Errorf("Get() after reload: LogLevel = %q, want %q", got, "debug")
	}
}

func TestWatcher_InvalidReloadKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailcore.toml")
	writeConfig(t, path, dir, "info")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	done := make(chan struct{}, 1)
	w.OnChange(func(old, new *Config) { done <- struct{}{} })

	writeConfig(t, path, dir, "not-a-real-level")

	select {
	case <-done:
		t.Fatal("callback should not fire for a failed reload")
	case <-time.After(500 * time.Millisecond):
	}

	if got := Get().Server.LogLevel; got != "info" {
		t.Errorf("Get() after failed reload: LogLevel = %q, want unchanged %q", got, "info")
	}
}

func TestWatcher_CloseStopsLoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailcore.toml")
	writeConfig(t, path, dir, "info")

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
