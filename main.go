package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/playsync/internal/app"
	"github.com/petervdpas/playsync/internal/config"
)

const configName = "playsync.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	mediaDir = flag.String("media", "", "Serve local covers and audio from this directory")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("playsync v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "context":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: context command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: playsync context <directory>")
			os.Exit(1)
		}
		runContext(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: playsync init <directory>")
			os.Exit(1)
		}
		runInit(args[1])

	case "relay":
		addr := "127.0.0.1:8790"
		if len(args) >= 2 {
			addr = args[1]
		}
		ctx, cancel := signalContext()
		defer cancel()
		if err := app.RunRelay(ctx, addr); err != nil {
			log.Fatalf("Relay failed: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runContext(dirArg string) {
	absDir := mustDir(dirArg)

	cfgPath := filepath.Join(absDir, configName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	media := *mediaDir
	if media != "" {
		media, _ = filepath.Abs(media)
	}
	if err := app.Run(ctx, app.Options{
		Dir:      absDir,
		CfgPath:  cfgPath,
		Cfg:      cfg,
		MediaDir: media,
	}); err != nil {
		log.Fatalf("Context failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create %s: %v", absDir, err)
	}

	cfgPath := filepath.Join(absDir, configName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
	fmt.Printf("Start it with: playsync context %s\n", dirArg)
}

func mustDir(dirArg string) string {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s (run playsync init first)", absDir)
	}
	return absDir
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("playsync - one player across many contexts")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  playsync init <directory>      Create or edit a context config interactively")
	fmt.Println("  playsync context <directory>   Run a playback context")
	fmt.Println("  playsync relay [addr]          Run a standalone websocket bus relay")
	fmt.Println()
	fmt.Println("A context directory holds playsync.json plus its data folder.")
	fmt.Println("Contexts that point at the same data folder share one queue and session.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -media <dir>  Serve local covers and audio under the media prefix")
	fmt.Println("  -h            Show this help message")
	fmt.Println("  -version      Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  playsync init ./contexts/kitchen")
	fmt.Println("  playsync -media ./music context ./contexts/kitchen")
	fmt.Println("  playsync relay 127.0.0.1:8790")
}
