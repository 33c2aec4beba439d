package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/petervdpas/playsync/internal/music"
	"github.com/petervdpas/playsync/internal/player"
)

type controlRequest struct {
	Action   string       `json:"action"`
	Track    *music.Track `json:"track,omitempty"`
	Index    int          `json:"index"`
	Volume   float64      `json:"volume"`
	Position float64      `json:"position"`
	Mode     string       `json:"mode,omitempty"`
}

type queueRequest struct {
	Action string        `json:"action"`
	Track  *music.Track  `json:"track,omitempty"`
	ID     string        `json:"id,omitempty"`
	From   int           `json:"from"`
	To     int           `json:"to"`
	Tracks []music.Track `json:"tracks,omitempty"`
}

// playerError maps transport errors onto HTTP statuses.
func playerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, player.ErrEmptyQueue):
		status = http.StatusConflict
	case errors.Is(err, player.ErrIndexOutOfRange), errors.Is(err, player.ErrInvalidRepeatMode):
		status = http.StatusBadRequest
	}
	http.Error(w, fmt.Sprintf("failed: %v", err), status)
}

// RegisterPlayer adds the transport API of one playback context.
func RegisterPlayer(mux *http.ServeMux, p *player.Player, win Window) {

	// GET /api/player/state: read model
	handleGet(mux, "/api/player/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, p.State())
	})

	// POST /api/player/control: transport actions; answers with the new state
	mux.HandleFunc("/api/player/control", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req controlRequest
		if decodeJSON(w, r, &req) != nil {
			return
		}

		ctx := r.Context()
		var err error
		switch req.Action {
		case "play":
			if req.Track == nil || req.Track.ID == "" {
				http.Error(w, "missing track", http.StatusBadRequest)
				return
			}
			err = p.PlayTrack(ctx, *req.Track)
		case "play-index":
			err = p.PlayTrackByIndex(ctx, req.Index)
		case "pause":
			err = p.Pause(ctx)
		case "toggle":
			err = p.TogglePlay(ctx)
		case "next":
			err = p.Next(ctx)
		case "prev":
			err = p.Prev(ctx)
		case "repeat":
			if req.Mode == "" {
				p.ToggleRepeat(ctx)
			} else {
				err = p.SetRepeat(ctx, player.RepeatMode(req.Mode))
			}
		case "shuffle":
			p.ToggleShuffle(ctx)
		case "volume":
			p.SetVolume(ctx, req.Volume)
		case "seek":
			err = p.SeekTo(ctx, req.Position)
		default:
			http.Error(w, "unknown action: "+req.Action, http.StatusBadRequest)
			return
		}
		if err != nil {
			playerError(w, err)
			return
		}
		writeJSON(w, p.State())
	})

	// POST /api/player/queue: add, remove, move, replace
	mux.HandleFunc("/api/player/queue", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req queueRequest
		if decodeJSON(w, r, &req) != nil {
			return
		}

		ctx := r.Context()
		switch req.Action {
		case "add":
			if req.Track == nil || req.Track.ID == "" {
				http.Error(w, "missing track", http.StatusBadRequest)
				return
			}
			if !p.AddToQueue(ctx, *req.Track) {
				http.Error(w, "already queued", http.StatusConflict)
				return
			}
		case "remove":
			if !p.RemoveFromQueue(ctx, req.ID) {
				http.Error(w, "not queued: "+req.ID, http.StatusNotFound)
				return
			}
		case "move":
			if err := p.MoveTrack(ctx, req.From, req.To); err != nil {
				playerError(w, err)
				return
			}
		case "replace":
			p.ReplaceQueue(ctx, req.Tracks)
		default:
			http.Error(w, "unknown action: "+req.Action, http.StatusBadRequest)
			return
		}
		writeJSON(w, p.State())
	})

	// POST /api/player/master: ask for mastership; the election settles it
	mux.HandleFunc("/api/player/master", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		p.BecomeMaster()
		writeJSON(w, map[string]string{"status": "requested"})
	})

	// POST /api/player/window: {"open": bool}
	if win != nil {
		mux.HandleFunc("/api/player/window", func(w http.ResponseWriter, r *http.Request) {
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			var req struct {
				Open bool `json:"open"`
			}
			if decodeJSON(w, r, &req) != nil {
				return
			}
			if req.Open {
				win.OpenPlayerWindow(r.Context())
			} else {
				win.ClosePlayerWindow(r.Context())
			}
			writeJSON(w, map[string]bool{"open": win.WindowOpen()})
		})
	}

	// GET /api/player/events: SSE of state snapshots
	handleGet(mux, "/api/player/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := p.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		writeStateEvent(w, p.State())
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-ch:
				if !ok {
					return
				}
				writeStateEvent(w, st)
				flusher.Flush()
			}
		}
	})
}

func writeStateEvent(w http.ResponseWriter, st player.State) {
	data, err := json.Marshal(st)
	if err != nil {
		log.Printf("PLAYER: marshal state: %v", err)
		return
	}
	fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
}
