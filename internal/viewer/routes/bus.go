package routes

import "net/http"

func registerBusRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/bus/ws?channel=<name>: websocket relay for contexts without a
	// shared pubsub mesh
	if d.Relay != nil {
		mux.Handle("/api/bus/ws", d.Relay)
	}

	if d.Node != nil {
		handleGet(mux, "/api/p2p/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Node.Status())
		})
	}
}
