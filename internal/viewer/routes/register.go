// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/playsync/internal/catalog"
	"github.com/petervdpas/playsync/internal/p2p"
	"github.com/petervdpas/playsync/internal/player"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Window opens and closes the dedicated player window role.
type Window interface {
	OpenPlayerWindow(ctx context.Context)
	ClosePlayerWindow(ctx context.Context)
	WindowOpen() bool
}

type Deps struct {
	Player  *player.Player
	Window  Window          // optional
	Catalog *catalog.Client // optional
	Relay   http.Handler    // optional websocket bus relay
	Node    *p2p.Node       // optional
	Logs    Logs

	MediaDir string // optional, enables /api/catalog/local
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)

	if d.Player != nil {
		RegisterPlayer(mux, d.Player, d.Window)
	}
	if d.Catalog != nil {
		RegisterCatalog(mux, d.Catalog)
	}
	if d.MediaDir != "" {
		registerLocalTracks(mux, d.MediaDir)
	}
	registerBusRoutes(mux, d)
}

// GET /api/logs, GET /api/logs/stream
func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	handleGet(mux, "/api/logs", d.Logs.ServeLogsJSON)
	handleGet(mux, "/api/logs/stream", d.Logs.ServeLogsSSE)
}
