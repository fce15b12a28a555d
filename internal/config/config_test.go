package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetinspect/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Cache.FreshnessWindow != 24*time.Hour {
		t.Fatalf("expected 24h freshness window, got %s", cfg.Cache.FreshnessWindow)
	}
	if cfg.Policy.MaxPhotosPerItem != 3 || !cfg.Policy.RequirePhotoForBad {
		t.Fatalf("unexpected policy defaults %+v", cfg.Policy)
	}
	if err := cfg.RequireRemote(); err == nil {
		t.Fatalf("expected missing remote url error")
	}
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
remote:
  url: https://fleet.example.com
cache:
  ttl:
    vehicles: 1h
policy:
  max_photos_per_item: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Remote.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout kept, got %s", cfg.Remote.Timeout)
	}
	if got := cfg.Cache.TTLFor("vehicles", time.Minute); got != time.Hour {
		t.Fatalf("expected override ttl 1h, got %s", got)
	}
	if got := cfg.Cache.TTLFor("template_12", time.Minute); got != 168*time.Hour {
		t.Fatalf("expected prefix ttl 168h, got %s", got)
	}
	if got := cfg.Cache.TTLFor("unknown", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback ttl, got %s", got)
	}
	if cfg.Policy.MaxPhotosPerItem != 5 {
		t.Fatalf("expected max photos override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad url":      "remote:\n  url: ftp://x\n",
		"zero photos":  "policy:\n  max_photos_per_item: 0\n",
		"negative ttl": "cache:\n  ttl:\n    vehicles: -1h\n",
		"bad level":    "log:\n  level: loud\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndGenerate(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault("http://localhost:8069")), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Remote.URL != "http://localhost:8069" {
		t.Fatalf("unexpected url %q", loaded.Remote.URL)
	}
}
