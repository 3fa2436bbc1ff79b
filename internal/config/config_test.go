package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOCAT_CONFIG", "")
	t.Setenv("DOCAT_STORAGE_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoragePath != "/var/docat" {
		t.Errorf("expected default storage path, got %q", cfg.StoragePath)
	}
	if cfg.DocsPath() != filepath.Join("/var/docat", "doc") {
		t.Errorf("unexpected docs path %q", cfg.DocsPath())
	}
	if cfg.StagingBackend != "local" {
		t.Errorf("expected local staging, got %q", cfg.StagingBackend)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docat.yaml")
	content := "storage_path: /srv/docs\nlisten_addr: \":7000\"\nwatch_debounce: 5s\nrebuild_workers: 3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DOCAT_CONFIG", path)
	t.Setenv("LISTEN_ADDR", ":8000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoragePath != "/srv/docs" {
		t.Errorf("expected storage path from file, got %q", cfg.StoragePath)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("expected env to override file, got %q", cfg.ListenAddr)
	}
	if cfg.WatchDebounce != 5*time.Second {
		t.Errorf("expected 5s debounce, got %v", cfg.WatchDebounce)
	}
	if cfg.RebuildWorkers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.RebuildWorkers)
	}
}

func TestLoadRejectsUnknownStagingBackend(t *testing.T) {
	t.Setenv("DOCAT_CONFIG", "")
	t.Setenv("STAGING_BACKEND", "ftp")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown staging backend")
	}
}

func TestLoadRejectsSaltWithoutToken(t *testing.T) {
	t.Setenv("DOCAT_CONFIG", "")
	t.Setenv("DOCAT_GLOBAL_CLAIM_TOKEN", "")
	t.Setenv("DOCAT_GLOBAL_CLAIM_SALT", "pepper")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for salt without token")
	}
}
