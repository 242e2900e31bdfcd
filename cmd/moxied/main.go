// Package main implements the entry point for the moxied service.
// moxied bridges Moxie devices on an MQTT broker to LLM-backed chat
// sessions: it routes device events, tracks connections, and serves a
// websocket preview endpoint plus Prometheus metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/jbeghtol/openmoxie/config"
	"github.com/jbeghtol/openmoxie/server"
	"github.com/jbeghtol/openmoxie/store"
	"github.com/jbeghtol/openmoxie/volley"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "moxied"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	chatStore := store.NewMemoryStore()
	seedDefaultChat(chatStore)

	srv, err := server.New(cfg, server.Deps{Store: chatStore})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := seedGlobalCommands(srv); err != nil {
		return fmt.Errorf("register global commands: %w", err)
	}

	return runWithSignalHandling(srv, cliCfg)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting moxied (Moxie protocol and session service)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// loadConfig returns built-in defaults when no path was given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// seedDefaultChat installs the stock open-ended chat module so a fresh
// deployment answers remote chat requests before any external
// configuration arrives.
func seedDefaultChat(s *store.MemoryStore) {
	s.PutChatConfig(store.ChatConfig{
		Name:      "open-chat",
		ModuleID:  "OPENMOXIE_CHAT",
		ContentID: "default",
	})
}

// seedGlobalCommands registers the cross-module voice commands
// recognized regardless of which module is active.
func seedGlobalCommands(srv *server.Server) error {
	globals := srv.Globals()

	if err := globals.AddCommand(
		`\b(exit|quit|leave|stop) (the )?chat\b`,
		"OK.  Goodbye for now.|Sure.  Talk to you later.",
		&volley.Action{Action: volley.ActionExitModule},
	); err != nil {
		return err
	}

	return globals.AddCommand(
		`\bwhat can you do\b`,
		"I can chat about almost anything.  Just ask me a question.",
		nil,
	)
}

// runWithSignalHandling starts the server and blocks until a shutdown
// signal arrives.
func runWithSignalHandling(srv *server.Server, cliCfg *CLIConfig) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := srv.Start(signalCtx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	slog.Info("moxied started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("moxied shutdown complete")
	return nil
}
