package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/playsync/internal/config"
)

// PromptInteractive walks through the settings a new context usually needs.
// An invalid result falls back to the defaults.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Playsync interactive setup")
	fmt.Fprintf(w, " Folder      : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Context.Label = askString(in, w, "Label", cfg.Context.Label)
	cfg.Context.PlayerWindow = askBool(in, w, "Dedicated player window", cfg.Context.PlayerWindow)
	cfg.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	cfg.Bus.Transport = askString(in, w, "Bus transport (gossip/websocket/hub)", cfg.Bus.Transport)
	switch cfg.Bus.Transport {
	case config.TransportWebSocket:
		cfg.Bus.RelayURL = askString(in, w, "Relay URL", cfg.Bus.RelayURL)
	case config.TransportGossip:
		cfg.P2P.ListenPort = askInt(in, w, "Listen port (0=random)", cfg.P2P.ListenPort)
		cfg.P2P.MdnsTag = askString(in, w, "mDNS tag", cfg.P2P.MdnsTag)
	}

	cfg.Catalog.BaseURL = askString(in, w, "Catalog base URL (empty=off)", cfg.Catalog.BaseURL)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
