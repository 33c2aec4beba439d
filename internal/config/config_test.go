package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Election.StaleAfter() != 5*time.Second || cfg.Playback.SettleDelay() != 50*time.Millisecond {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Election, cfg.Playback)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty channel", func(c *Config) { c.Bus.Channel = " " }, "bus.channel"},
		{"unknown transport", func(c *Config) { c.Bus.Transport = "carrier-pigeon" }, "bus.transport"},
		{"websocket without relay", func(c *Config) { c.Bus.Transport = TransportWebSocket }, "bus.relay_url"},
		{"websocket with http relay", func(c *Config) {
			c.Bus.Transport = TransportWebSocket
			c.Bus.RelayURL = "http://127.0.0.1:8790/api/bus/ws"
		}, "scheme"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"stale not above interval", func(c *Config) { c.Election.StaleSec = 3 }, "election.stale_seconds"},
		{"bad output", func(c *Config) { c.Playback.Output = "tape" }, "playback.output"},
		{"no play attempts", func(c *Config) { c.Playback.PlayAttempts = 0 }, "playback.play_attempts"},
		{"catalog ftp", func(c *Config) { c.Catalog.BaseURL = "ftp://example.com" }, "catalog.base_url"},
		{"empty prefix", func(c *Config) { c.Catalog.MediaPrefix = "/" }, "catalog.media_prefix"},
		{"port range", func(c *Config) { c.P2P.ListenPort = 70000 }, "p2p.listen_port"},
		{"viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "localhost" }, "viewer.http_addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateAcceptsAlternatives(t *testing.T) {
	cfg := Default()
	cfg.Bus.Transport = TransportWebSocket
	cfg.Bus.RelayURL = "ws://127.0.0.1:8790/api/bus/ws"
	cfg.Storage.Backend = BackendMemory
	cfg.Storage.Dir = ""
	cfg.P2P.KeyFile = "" // unused without gossip
	cfg.Catalog.BaseURL = "https://catalog.example.com"
	cfg.Viewer.HTTPAddr = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "playsync.json")

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("Ensure = %v, created=%v", err, created)
	}
	cfg.Context.PlayerWindow = true
	cfg.Context.Label = "window"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second Ensure = %v, created=%v", err, created)
	}
	if !got.Context.PlayerWindow || got.Context.Label != "window" {
		t.Errorf("loaded %+v", got.Context)
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"context":{"player_window":true},"bus":{"transport":"hub"}}`)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Context.PlayerWindow || cfg.Bus.Transport != TransportHub {
		t.Errorf("fields not applied: %+v", cfg)
	}
	if cfg.Playback.HistoryCap != 50 || cfg.Election.IntervalSec != 3 {
		t.Errorf("defaults lost: %+v %+v", cfg.Playback, cfg.Election)
	}
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"bus":{"transport":"nope"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an invalid transport")
	}
	cfg, err := LoadPartial(path)
	if err != nil || cfg.Bus.Transport != "nope" {
		t.Fatalf("LoadPartial = %+v, %v", cfg.Bus, err)
	}
}
