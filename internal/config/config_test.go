package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"string form", `"15m"`, 15 * time.Minute},
		{"nanoseconds", `300000000000`, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
				t.Fatalf("unmarshal %s: %v", tt.in, err)
			}
			if d.Std() != tt.want {
				t.Errorf("got %s, want %s", d.Std(), tt.want)
			}
		})
	}

	t.Run("round trip", func(t *testing.T) {
		out, err := json.Marshal(Duration(90 * time.Second))
		if err != nil {
			t.Fatal(err)
		}
		var back Duration
		if err := json.Unmarshal(out, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", out, err)
		}
		if back.Std() != 90*time.Second {
			t.Errorf("round trip gave %s", back.Std())
		}
	})
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"spam": {
			"keywords": ["custom term"],
			"patterns": [],
			"profanity": [],
			"caps_ratio": 0.5,
			"link_density": 0.3
		},
		"edit_window": "30m"
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Spam.Keywords) != 1 || cfg.Spam.Keywords[0] != "custom term" {
		t.Errorf("keywords = %v, want only the custom term", cfg.Spam.Keywords)
	}
	if cfg.EditWindow.Std() != 30*time.Minute {
		t.Errorf("edit window = %s, want 30m", cfg.EditWindow.Std())
	}
	// Untouched sections keep their defaults.
	if cfg.RateLimit.ShortCap != 5 {
		t.Errorf("short cap = %d, want default 5", cfg.RateLimit.ShortCap)
	}
	if cfg.Thread.MaxDepth != 3 {
		t.Errorf("max depth = %d, want default 3", cfg.Thread.MaxDepth)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Content.MinLength != 3 || cfg.Content.MaxLength != 2000 {
		t.Errorf("content bounds = %d..%d, want 3..2000", cfg.Content.MinLength, cfg.Content.MaxLength)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero min length", func(c *Config) { c.Content.MinLength = 0 }, false},
		{"max below min", func(c *Config) { c.Content.MaxLength = 2 }, false},
		{"zero short cap", func(c *Config) { c.RateLimit.ShortCap = 0 }, false},
		{"short window above long", func(c *Config) { c.RateLimit.ShortWindow = Duration(2 * time.Hour) }, false},
		{"caps ratio above one", func(c *Config) { c.Spam.CapsRatio = 1.5 }, false},
		{"negative depth", func(c *Config) { c.Thread.MaxDepth = -1 }, false},
		{"zero page size", func(c *Config) { c.Thread.TopLevelPageSize = 0 }, false},
		{"zero edit window", func(c *Config) { c.EditWindow = 0 }, false},
		{"zero depth allowed", func(c *Config) { c.Thread.MaxDepth = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	write := func(editWindow string) {
		t.Helper()
		raw := `{"edit_window": "` + editWindow + `"}`
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("15m")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if v := store.Current().Version; v != 1 {
		t.Fatalf("initial version = %d, want 1", v)
	}

	var notified *Config
	store.Subscribe(func(cfg *Config) { notified = cfg })

	write("45m")
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	cur := store.Current()
	if cur.EditWindow.Std() != 45*time.Minute {
		t.Errorf("edit window = %s, want 45m", cur.EditWindow.Std())
	}
	if cur.Version != 2 {
		t.Errorf("version = %d, want 2", cur.Version)
	}
	if notified != cur {
		t.Error("subscriber did not receive the new snapshot")
	}
}

func TestStoreReloadKeepsOldOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"edit_window": "15m"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	before := store.Current()

	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload to fail on bad JSON")
	}
	if store.Current() != before {
		t.Error("snapshot changed despite failed reload")
	}
}
