package app

import (
	"log"
	"strings"

	"github.com/petervdpas/playsync/internal/config"
)

// NormalizeLocalViewer keeps the viewer bound to localhost and returns the
// listen addr and its base URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func wsURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

func logBanner(dir, cfgPath, id string, cfg config.Config) {
	role := "controller"
	if cfg.Context.PlayerWindow {
		role = "player window"
	}
	log.Println("────────────────────────────────────────")
	log.Println("Playback context")
	log.Printf(" Folder      : %s", dir)
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" Context id  : %s", id)
	if cfg.Context.Label != "" {
		log.Printf(" Label       : %s", cfg.Context.Label)
	}
	log.Printf(" Role        : %s", role)
	log.Printf(" Bus         : %s over %s", cfg.Bus.Channel, cfg.Bus.Transport)
	log.Println("────────────────────────────────────────")
}
