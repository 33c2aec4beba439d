package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/playsync/internal/audio"
	"github.com/petervdpas/playsync/internal/bus"
	"github.com/petervdpas/playsync/internal/catalog"
	"github.com/petervdpas/playsync/internal/channel"
	"github.com/petervdpas/playsync/internal/config"
	"github.com/petervdpas/playsync/internal/election"
	"github.com/petervdpas/playsync/internal/p2p"
	"github.com/petervdpas/playsync/internal/player"
	"github.com/petervdpas/playsync/internal/queue"
	"github.com/petervdpas/playsync/internal/storage"
	"github.com/petervdpas/playsync/internal/util"
	"github.com/petervdpas/playsync/internal/viewer"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	// MediaDir, when set, is served by the viewer under the media prefix.
	MediaDir string
}

// Run starts one playback context and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBuf := viewer.NewLogBuffer(cfg.Viewer.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	id := cfg.Context.ID
	if id == "" {
		id = uuid.NewString()
	}
	logBanner(opt.Dir, opt.CfgPath, id, cfg)

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	// ── Shared storage
	kv, err := openStore(opt.Dir, cfg.Storage)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, func() { _ = kv.Close() })

	// ── Bus
	relay := bus.NewRelay()
	opener, node, err := openBus(ctx, opt.Dir, cfg)
	if err != nil {
		return err
	}
	if node != nil {
		cleanups = append(cleanups, func() { _ = node.Close() })
	}
	b, err := bus.New(ctx, cfg.Bus.Channel, id, opener, bus.Options{LivenessInterval: cfg.Bus.Liveness()})
	if err != nil {
		return fmt.Errorf("join bus %s: %w", cfg.Bus.Channel, err)
	}
	cleanups = append(cleanups, func() { _ = b.Close() })

	// ── Audio channel
	prim := newPrimitive(cfg.Playback)
	cleanups = append(cleanups, func() { _ = prim.Close() })
	reg := channel.New(channel.Options{
		SettleDelay:  cfg.Playback.SettleDelay(),
		NoiseWindow:  cfg.Playback.NoiseWindow(),
		PauseTimeout: cfg.Playback.PauseTimeout(),
		PlayAttempts: cfg.Playback.PlayAttempts,
	})
	reg.Register(id, prim, false)
	cleanups = append(cleanups, reg.Close)

	// ── Catalog
	cat, err := catalog.New(catalog.Options{
		BaseURL:      cfg.Catalog.BaseURL,
		MediaPrefix:  cfg.Catalog.MediaPrefix,
		DefaultCover: cfg.Catalog.DefaultCover,
		Token:        cfg.Catalog.Token,
		CacheSize:    cfg.Catalog.CacheSize,
		Timeout:      cfg.Catalog.Timeout(),
	})
	if err != nil {
		return err
	}

	// ── Election, queue, transport
	el := election.New(id, reg, kv, b, election.Options{
		Interval:     cfg.Election.Interval(),
		StaleAfter:   cfg.Election.StaleAfter(),
		PlayerWindow: cfg.Context.PlayerWindow,
	})
	cleanups = append(cleanups, el.Close)

	q := queue.New(queue.Options{
		HistoryCap: cfg.Playback.HistoryCap,
		Resolver:   cat.ResolveAudioURL,
	})
	pl := player.New(player.Options{
		ContextID:    id,
		Registry:     reg,
		Queue:        q,
		Bus:          b,
		Store:        kv,
		Elector:      el,
		SaveInterval: cfg.Playback.SaveInterval(),
	})
	pl.Start(ctx)
	cleanups = append(cleanups, pl.Close)

	if cfg.Context.PlayerWindow {
		el.OpenPlayerWindow(ctx)
	}
	el.Start(ctx)

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Player:      pl,
			Window:      el,
			Catalog:     cat,
			Relay:       relay,
			Node:        node,
			Logs:        logBuf,
			MediaDir:    opt.MediaDir,
			MediaPrefix: cfg.Catalog.MediaPrefix,
		}
		go func() {
			if err := viewer.Start(ctx, addr, v); err != nil {
				log.Printf("VIEWER: %v", err)
			}
		}()
		log.Printf("Player API: %s/api/player/state", url)
	}

	<-ctx.Done()
	log.Printf("PLAYER: %s shutting down", id)

	// Hand over before the deferred cleanups detach from the bus.
	stopCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if cfg.Context.PlayerWindow {
		el.ClosePlayerWindow(stopCtx)
	}
	el.Resign()
	return nil
}

// RunRelay serves only the websocket bus relay and the log buffer, for
// contexts in separate processes that share no pubsub mesh.
func RunRelay(ctx context.Context, addr string) error {
	logBuf := viewer.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	addr, url := NormalizeLocalViewer(addr)
	log.Printf("BUS: relay on %s/api/bus/ws?channel=<name>", wsURL(url))
	return viewer.Start(ctx, addr, viewer.Viewer{Relay: bus.NewRelay(), Logs: logBuf})
}

func openStore(dir string, sc config.Storage) (storage.KV, error) {
	if sc.Backend == config.BackendMemory {
		return storage.NewMemory(), nil
	}
	db, err := storage.Open(util.ResolvePath(dir, sc.Dir))
	if err != nil {
		return nil, err
	}
	log.Printf("STORE: %s", db.Path())
	return db, nil
}

// openBus picks the transport. The in-process hub only connects contexts
// that share this process, so a lone context runs without siblings.
func openBus(ctx context.Context, dir string, cfg config.Config) (bus.Opener, *p2p.Node, error) {
	switch cfg.Bus.Transport {
	case config.TransportWebSocket:
		return bus.WebSocketOpener(cfg.Bus.RelayURL), nil, nil
	case config.TransportGossip:
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: cfg.P2P.ListenPort,
			KeyFile:    util.ResolvePath(dir, cfg.P2P.KeyFile),
			MdnsTag:    cfg.P2P.MdnsTag,
			LogLevel:   cfg.P2P.LogLevel,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("p2p: %w", err)
		}
		return bus.GossipOpener(node.PubSub(), node.PeerID()), node, nil
	default:
		return bus.NewHub().Opener(), nil, nil
	}
}

func newPrimitive(pc config.Playback) audio.Primitive {
	if pc.Output == config.OutputSpeaker {
		sp, err := audio.NewSpeaker(&http.Client{Timeout: 30 * time.Second})
		if err == nil {
			return sp
		}
		log.Printf("PLAYER: speaker unavailable, using virtual output: %v", err)
	}
	return audio.NewVirtual(nil, nil)
}
