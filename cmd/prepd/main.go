// Package main is the entry point for the prepd server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/prepd/internal/buildinfo"
	"github.com/nugget/prepd/internal/config"
	"github.com/nugget/prepd/internal/eventid"
	"github.com/nugget/prepd/internal/monitor"
	"github.com/nugget/prepd/internal/mqttbridge"
	"github.com/nugget/prepd/internal/prep"
	"github.com/nugget/prepd/internal/subscribe"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file")
	port := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	// Handle subcommands
	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(*configPath, *port)
		case "version":
			info := buildinfo.Current()
			fmt.Println(buildinfo.String())
			fmt.Printf("  go:       %s\n", info.GoVersion)
			fmt.Printf("  platform: %s\n", info.Platform)
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	// Default: show help
	fmt.Println("prepd - Per-Resource Events Protocol server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the resource server")
	fmt.Println("  version  Print build information")
}

func runServe(configPath string, portOverride int) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if portOverride > 0 {
		cfg.Listen.Port = portOverride
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := subscribe.NewEngine(logger)
	ids := eventid.NewStore()
	middleware := prep.New(engine, ids, prep.Options{
		AcceptTypes:     cfg.Notifications.ContentTypes,
		DefaultDuration: time.Duration(cfg.Notifications.DurationSec) * time.Second,
		MaxDuration:     time.Duration(cfg.Notifications.DurationMaxSec) * time.Second,
		DisableQuirks:   cfg.Notifications.DisableQuirks,
		Logger:          logger,
	})

	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqttbridge.New(cfg.MQTT, engine, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/", newResource(bridge, logger))
	if cfg.Monitor.Enabled {
		monitor.New(engine, logger).RegisterRoutes(mux)
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler:     monitor.AccessLog(logger, middleware.Wrap(mux)),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: notification streams stay open for their
		// negotiated duration and manage their own deadlines.
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt bridge shutdown", "error", err)
			}
		}
	}()

	addr := cfg.Listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	logger.Info("listening", "address", addr, "port", cfg.Listen.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
