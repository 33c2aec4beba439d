// Package viewer serves the local HTTP API of a playback context: the
// transport controls, the state stream, the catalog proxy, the websocket bus
// relay and the log buffer.
package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/playsync/internal/catalog"
	"github.com/petervdpas/playsync/internal/p2p"
	"github.com/petervdpas/playsync/internal/player"
	"github.com/petervdpas/playsync/internal/viewer/routes"
)

type Viewer struct {
	Player  *player.Player
	Window  routes.Window
	Catalog *catalog.Client
	Relay   http.Handler
	Node    *p2p.Node
	Logs    *LogBuffer

	// MediaDir, when set, is served under /{MediaPrefix}/.
	MediaDir    string
	MediaPrefix string
}

// Handler builds the mux for v.
func (v Viewer) Handler() http.Handler {
	api := http.NewServeMux()
	deps := routes.Deps{
		Player:  v.Player,
		Window:  v.Window,
		Catalog: v.Catalog,
		Relay:   v.Relay,
		Node:    v.Node,

		MediaDir: v.MediaDir,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(api, deps)

	mux := http.NewServeMux()
	mux.Handle("/api/", noCache(api))
	if v.MediaDir != "" {
		prefix := "/" + strings.Trim(v.MediaPrefix, "/") + "/"
		if prefix == "//" {
			prefix = "/" + catalog.DefaultMediaPrefix + "/"
		}
		mux.Handle(prefix, http.StripPrefix(strings.TrimSuffix(prefix, "/"), mediaHandler(v.MediaDir)))
	}
	return mux
}

// Start serves v on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("VIEWER: listening on http://%s", ln.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
