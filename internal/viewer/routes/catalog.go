package routes

import (
	"log"
	"net/http"

	"github.com/petervdpas/playsync/internal/catalog"
	"github.com/petervdpas/playsync/internal/music"
)

func libraryKind(s string) (catalog.Kind, bool) {
	switch catalog.Kind(s) {
	case catalog.KindTrack, catalog.KindAlbum:
		return catalog.Kind(s), true
	}
	return "", false
}

// RegisterCatalog proxies the catalog and library services for the UI. The
// client already turns upstream failures into empty results.
func RegisterCatalog(mux *http.ServeMux, c *catalog.Client) {

	// GET /api/catalog/tracks?user=<id>&page=<n>
	handleGet(mux, "/api/catalog/tracks", func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"tracks": c.FetchUserTracks(r.Context(), user, queryInt(r, "page", 1))})
	})

	// GET /api/catalog/tracks/{id}
	mux.HandleFunc("GET /api/catalog/tracks/{id}", func(w http.ResponseWriter, r *http.Request) {
		t, ok := c.FetchTrack(r.Context(), r.PathValue("id"))
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, t)
	})

	// GET /api/catalog/cover?name=<stored name>
	handleGet(mux, "/api/catalog/cover", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"url": c.CoverURL(r.URL.Query().Get("name"))})
	})

	// GET /api/catalog/albums?user=<id>, POST /api/catalog/albums
	mux.HandleFunc("/api/catalog/albums", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			user := r.URL.Query().Get("user")
			if user == "" {
				http.Error(w, "missing user", http.StatusBadRequest)
				return
			}
			writeJSON(w, map[string]any{"albums": c.FetchAlbums(r.Context(), user)})
		case http.MethodPost:
			var a catalog.Album
			if decodeJSON(w, r, &a) != nil {
				return
			}
			if a.Title == "" {
				http.Error(w, "missing title", http.StatusBadRequest)
				return
			}
			created, ok := c.CreateAlbum(r.Context(), a)
			if !ok {
				http.Error(w, "catalog unavailable", http.StatusBadGateway)
				return
			}
			writeJSON(w, created)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// PUT, DELETE /api/catalog/albums/{id}
	mux.HandleFunc("/api/catalog/albums/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var ok bool
		switch r.Method {
		case http.MethodPut:
			var a catalog.Album
			if decodeJSON(w, r, &a) != nil {
				return
			}
			a.ID = id
			ok = c.UpdateAlbum(r.Context(), a)
		case http.MethodDelete:
			ok = c.DeleteAlbum(r.Context(), id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]bool{"ok": ok})
	})

	// GET, POST, DELETE /api/library/{kind}/{id}: kind is tracks or albums
	mux.HandleFunc("/api/library/{kind}/{id}", func(w http.ResponseWriter, r *http.Request) {
		kind, valid := libraryKind(r.PathValue("kind"))
		if !valid {
			http.Error(w, "unknown kind", http.StatusNotFound)
			return
		}
		id := r.PathValue("id")
		ctx := r.Context()
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]bool{"in_library": c.InLibrary(ctx, kind, id)})
		case http.MethodPost:
			writeJSON(w, map[string]bool{"ok": c.AddToLibrary(ctx, kind, id)})
		case http.MethodDelete:
			writeJSON(w, map[string]bool{"ok": c.RemoveFromLibrary(ctx, kind, id)})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// GET /api/catalog/local: tracks found in the served media directory
func registerLocalTracks(mux *http.ServeMux, dir string) {
	handleGet(mux, "/api/catalog/local", func(w http.ResponseWriter, r *http.Request) {
		tracks, err := catalog.ScanLocal(dir)
		if err != nil {
			log.Printf("CATALOG: scan %s: %v", dir, err)
			tracks = nil
		}
		if tracks == nil {
			tracks = []music.Track{}
		}
		writeJSON(w, map[string]any{"tracks": tracks})
	})
}
