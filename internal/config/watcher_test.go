package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type reloadOutcome struct {
	cfg *Config
	err error
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// awaitOutcome drains reload reports until one satisfies the predicate.
// Editors and filesystems can produce duplicate events, so intermediate
// reports are skipped rather than failed on.
func awaitOutcome(t *testing.T, ch <-chan reloadOutcome, match func(reloadOutcome) bool) reloadOutcome {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-ch:
			if match(res) {
				return res
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload report")
		}
	}
}

func TestWatcherReportsReloadOutcomes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfigFile(t, path, validYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	w.SetDebounce(20 * time.Millisecond)

	results := make(chan reloadOutcome, 16)
	w.OnReload(func(cfg *Config, err error) {
		results <- reloadOutcome{cfg, err}
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A valid rewrite replaces the snapshot and reports the new config.
	writeConfigFile(t, path, strings.Replace(validYAML, `":8080"`, `":9090"`, 1))
	res := awaitOutcome(t, results, func(o reloadOutcome) bool {
		return o.err == nil && o.cfg.Server.Address == ":9090"
	})
	if res.cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected reloaded address %q", res.cfg.Server.Address)
	}
	if w.GetConfig().Server.Address != ":9090" {
		t.Errorf("GetConfig still serves the old snapshot: %q", w.GetConfig().Server.Address)
	}

	// An invalid rewrite reports the error and keeps the last good snapshot.
	writeConfigFile(t, path, strings.Replace(validYAML,
		"default_backend_id: stock-backend", "default_backend_id: missing", 1))
	res = awaitOutcome(t, results, func(o reloadOutcome) bool {
		return o.err != nil
	})
	if res.cfg != nil {
		t.Error("failed reload must not deliver a config")
	}
	if !strings.Contains(res.err.Error(), "unknown default_backend_id") {
		t.Errorf("unexpected reload error: %v", res.err)
	}
	if w.GetConfig().Server.Address != ":9090" {
		t.Error("failed reload must keep the previous snapshot")
	}
	if w.LastError() == nil {
		t.Error("LastError must report the failed attempt")
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfigFile(t, path, "backends: [")

	if _, err := NewWatcher(path); err == nil {
		t.Fatal("expected error for unparseable initial config")
	}
}
