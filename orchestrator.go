package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/server"
)

// Orchestrator binary version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

// orchestratorMain is the true entry point. This function is required since
// defers created in the top-level scope of a main method aren't executed if
// os.Exit() is called.
func orchestratorMain() error {
	var err error
	// Start with a default Config with sane settings
	cfg := server.DefaultConfig()
	cfg.Remote.UserAgent = "MidnightGPU-Orchestrator/" + version
	// Pre-parse the command line to check for an alternative Config file
	cfg, err = server.ParseFlags(cfg)
	if err != nil {
		return err
	}
	// Load configuration file overwriting defaults with any specified options
	cfg, err = server.ReadConfigFile(cfg)
	if err != nil {
		return err
	}

	cfg, err = server.SetupConfig(cfg)
	if err != nil {
		return err
	}
	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	cfg, err = server.ParseFlags(cfg)
	if err != nil {
		return err
	}

	logLevel := zap.InfoLevel
	if cfg.DebugLog {
		logLevel = zap.DebugLevel
	}
	logger := logging.New(
		logLevel,
		filepath.Join(cfg.LogDir, "orchestrator.log"),
		cfg.JSONLog,
		logging.WithRotation(cfg.MaxLogFiles, cfg.MaxLogFileSize),
	)
	ctx := logging.NewContext(context.Background(), logger)

	defer func() {
		logger.Info("shutdown complete")
	}()

	logger.Sugar().Infof("version: %s, dir: %v, datadir: %v, workers: %d",
		version, cfg.Dir, cfg.DataDir, cfg.Miner.Workers)

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		logger.Sugar().Infof("starting HTTP profiling on port %v", cfg.Profile)
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			logger.Error("profiling server stopped", zap.Error(http.ListenAndServe(listenAddr, nil)))
		}()
	} else {
		// Disable go default unbounded memory profiler.
		runtime.MemProfileRate = 0
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv, err := server.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failure in server: %w", err)
	}

	if stats, err := srv.Stats(context.Background()); err == nil {
		logger.Info("session summary",
			zap.Int("session_accepted", stats.SessionAccepted),
			zap.Int("all_time_accepted", stats.AllTimeAccepted),
			zap.Duration("uptime", stats.Uptime),
		)
	}
	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := orchestratorMain(); err != nil {
		// If it's the flag utility error don't print it,
		// because it was already printed.
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
