package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/playsync/internal/proto"
	"github.com/petervdpas/playsync/internal/util"
)

// Bus transports.
const (
	TransportHub       = "hub"
	TransportGossip    = "gossip"
	TransportWebSocket = "websocket"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Audio outputs.
const (
	OutputVirtual = "virtual"
	OutputSpeaker = "speaker"
)

type Config struct {
	Context  Context  `json:"context"`
	Bus      Bus      `json:"bus"`
	Storage  Storage  `json:"storage"`
	Election Election `json:"election"`
	Playback Playback `json:"playback"`
	Catalog  Catalog  `json:"catalog"`
	P2P      P2P      `json:"p2p"`
	Viewer   Viewer   `json:"viewer"`
}

type Context struct {
	// Empty means a fresh id per process start.
	ID    string `json:"id"`
	Label string `json:"label"`

	// PlayerWindow marks the dedicated player context; it claims mastership
	// over ordinary contexts.
	PlayerWindow bool `json:"player_window"`
}

type Bus struct {
	Channel   string `json:"channel"`
	Transport string `json:"transport"`

	// Relay endpoint for the websocket transport, e.g. ws://127.0.0.1:8790/api/bus/ws
	RelayURL string `json:"relay_url"`

	LivenessSec int `json:"liveness_seconds"`
}

type Storage struct {
	Backend string `json:"backend"`
	Dir     string `json:"dir"` // relative to the context directory
}

type Election struct {
	IntervalSec int `json:"interval_seconds"`
	StaleSec    int `json:"stale_seconds"`
}

type Playback struct {
	Output         string `json:"output"`
	SettleMs       int    `json:"settle_ms"`
	NoiseWindowMs  int    `json:"noise_window_ms"`
	PauseTimeoutMs int    `json:"pause_timeout_ms"`
	PlayAttempts   int    `json:"play_attempts"`
	HistoryCap     int    `json:"history_cap"`
	SaveIntervalMs int    `json:"save_interval_ms"`
}

type Catalog struct {
	// Empty disables the catalog; track URLs fall back to the media prefix.
	BaseURL      string `json:"base_url"`
	MediaPrefix  string `json:"media_prefix"`
	DefaultCover string `json:"default_cover"`
	Token        string `json:"token"`
	CacheSize    int    `json:"cache_size"`
	TimeoutSec   int    `json:"timeout_seconds"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	KeyFile    string `json:"key_file"`
	LogLevel   string `json:"log_level"` // libp2p subsystems
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
	// LogLines is the size of the /api/logs ring.
	LogLines int `json:"log_lines"`
}

func Default() Config {
	return Config{
		Context: Context{
			Label: "player",
		},
		Bus: Bus{
			Channel:     proto.DefaultBusChannel,
			Transport:   TransportGossip,
			LivenessSec: 3,
		},
		Storage: Storage{
			Backend: BackendSQLite,
			Dir:     "data",
		},
		Election: Election{
			IntervalSec: 3,
			StaleSec:    5,
		},
		Playback: Playback{
			Output:         OutputSpeaker,
			SettleMs:       50,
			NoiseWindowMs:  100,
			PauseTimeoutMs: 1000,
			PlayAttempts:   2,
			HistoryCap:     50,
			SaveIntervalMs: 2000,
		},
		Catalog: Catalog{
			MediaPrefix: "media",
			CacheSize:   512,
			TimeoutSec:  5,
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
			KeyFile:    "data/identity.key",
			LogLevel:   "error",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
			LogLines: 1000,
		},
	}
}

func (c *Config) Validate() error {
	// Bus
	if strings.TrimSpace(c.Bus.Channel) == "" {
		return errors.New("bus.channel is required")
	}
	switch c.Bus.Transport {
	case TransportHub, TransportGossip:
	case TransportWebSocket:
		if err := validateRelayURL(c.Bus.RelayURL); err != nil {
			return fmt.Errorf("bus.relay_url: %w", err)
		}
	default:
		return fmt.Errorf("bus.transport must be %s, %s or %s", TransportHub, TransportGossip, TransportWebSocket)
	}
	if c.Bus.LivenessSec <= 0 {
		return errors.New("bus.liveness_seconds must be > 0")
	}

	// Storage
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return errors.New("storage.dir is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %s or %s", BackendSQLite, BackendMemory)
	}

	// Election
	if c.Election.IntervalSec <= 0 {
		return errors.New("election.interval_seconds must be > 0")
	}
	if c.Election.StaleSec <= c.Election.IntervalSec {
		return errors.New("election.stale_seconds must be > election.interval_seconds")
	}

	// Playback
	if c.Playback.Output != OutputVirtual && c.Playback.Output != OutputSpeaker {
		return fmt.Errorf("playback.output must be %s or %s", OutputVirtual, OutputSpeaker)
	}
	if c.Playback.SettleMs < 0 || c.Playback.NoiseWindowMs < 0 {
		return errors.New("playback.settle_ms and playback.noise_window_ms must be >= 0")
	}
	if c.Playback.PauseTimeoutMs <= 0 {
		return errors.New("playback.pause_timeout_ms must be > 0")
	}
	if c.Playback.PlayAttempts < 1 || c.Playback.PlayAttempts > 10 {
		return errors.New("playback.play_attempts must be 1..10")
	}
	if c.Playback.HistoryCap < 1 {
		return errors.New("playback.history_cap must be > 0")
	}
	if c.Playback.SaveIntervalMs <= 0 {
		return errors.New("playback.save_interval_ms must be > 0")
	}

	// Catalog
	if b := strings.TrimSpace(c.Catalog.BaseURL); b != "" {
		u, err := url.Parse(b)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("catalog.base_url must be an http(s) url")
		}
	}
	if strings.Trim(c.Catalog.MediaPrefix, "/ ") == "" {
		return errors.New("catalog.media_prefix is required")
	}
	if c.Catalog.CacheSize <= 0 {
		return errors.New("catalog.cache_size must be > 0")
	}
	if c.Catalog.TimeoutSec <= 0 {
		return errors.New("catalog.timeout_seconds must be > 0")
	}

	// P2P
	if c.Bus.Transport == TransportGossip {
		if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
			return errors.New("p2p.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.P2P.MdnsTag) == "" {
			return errors.New("p2p.mdns_tag is required")
		}
		if strings.TrimSpace(c.P2P.KeyFile) == "" {
			return errors.New("p2p.key_file is required")
		}
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.LogLines <= 0 {
		return errors.New("viewer.log_lines must be > 0")
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required for the websocket transport")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// Durations derived from the integer fields.

func (e Election) Interval() time.Duration   { return time.Duration(e.IntervalSec) * time.Second }
func (e Election) StaleAfter() time.Duration { return time.Duration(e.StaleSec) * time.Second }

func (p Playback) SettleDelay() time.Duration  { return time.Duration(p.SettleMs) * time.Millisecond }
func (p Playback) NoiseWindow() time.Duration  { return time.Duration(p.NoiseWindowMs) * time.Millisecond }
func (p Playback) PauseTimeout() time.Duration { return time.Duration(p.PauseTimeoutMs) * time.Millisecond }
func (p Playback) SaveInterval() time.Duration { return time.Duration(p.SaveIntervalMs) * time.Millisecond }

func (b Bus) Liveness() time.Duration    { return time.Duration(b.LivenessSec) * time.Second }
func (c Catalog) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
