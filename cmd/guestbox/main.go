// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

// Guestbox runs a translated Windows executable inside a sandboxed
// guest environment: it brings up the shared-memory, display, and
// audio servers, stages the binary translator, launches the guest
// under the syscall-trapping runner, and mirrors the guest's exit
// code.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"golang.org/x/term"

	"github.com/guestbox-project/guestbox/audio"
	"github.com/guestbox-project/guestbox/display"
	"github.com/guestbox-project/guestbox/environment"
	"github.com/guestbox-project/guestbox/launcher"
	"github.com/guestbox-project/guestbox/lib/process"
	"github.com/guestbox-project/guestbox/lib/version"
	"github.com/guestbox-project/guestbox/shm"
)

func main() {
	code, err := run()
	if err != nil {
		process.Fatal(err)
	}
	process.Exit(code)
}

func run() (int, error) {
	var (
		root         string
		profileName  string
		profilesFile string
		exe          string
		binds        []string
		envFile      string
		is64Bit      bool
		logLevel     string
		showVersion  bool
	)
	pflag.StringVar(&root, "root", "", "translated root directory (required)")
	pflag.StringVar(&profileName, "profile", "default", "launch profile name")
	pflag.StringVar(&profilesFile, "profiles-file", "", "extra profiles YAML, overlaid on the built-ins")
	pflag.StringVar(&exe, "exe", "", "guest executable path inside the root (required)")
	pflag.StringArrayVar(&binds, "bind", nil, "extra bind mount host:guest[:ro] (repeatable)")
	pflag.StringVar(&envFile, "env-file", "", "JSONC file with guest environment overrides")
	pflag.BoolVar(&is64Bit, "64bit", false, "launch the 64-bit translator backend")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("guestbox %s\n", version.Full())
		return 0, nil
	}
	if root == "" {
		return 0, fmt.Errorf("--root is required")
	}
	if exe == "" {
		return 0, fmt.Errorf("--exe is required")
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return 0, err
	}
	slog.SetDefault(logger)

	loader := launcher.NewProfileLoader()
	if err := loader.LoadDefaults(); err != nil {
		return 0, err
	}
	if profilesFile != "" {
		if err := loader.LoadFile(profilesFile); err != nil {
			return 0, err
		}
	}
	profile, err := loader.Resolve(profileName)
	if err != nil {
		return 0, err
	}

	envOverrides, err := loadEnvOverrides(envFile)
	if err != nil {
		return 0, err
	}

	socketDir := filepath.Join(root, ".guestbox")
	if err := os.MkdirAll(socketDir, 0o750); err != nil {
		return 0, fmt.Errorf("creating socket directory: %w", err)
	}
	sockets := launcher.Sockets{
		Display: filepath.Join(socketDir, "display.sock"),
		Shm:     filepath.Join(socketDir, "shm.sock"),
		Audio:   filepath.Join(socketDir, "audio.sock"),
	}

	shmService, err := shm.NewService(sockets.Shm, logger)
	if err != nil {
		return 0, err
	}
	displayServer, err := display.NewServer(sockets.Display, logger)
	if err != nil {
		return 0, err
	}
	displayServer.SetSharedMemory(shmService.Emulator())
	audioServer, err := audio.NewServer(sockets.Audio, nil, logger)
	if err != nil {
		return 0, err
	}
	guestLauncher, err := launcher.New(profile, root, sockets, logger)
	if err != nil {
		return 0, err
	}

	env := environment.New(logger)
	env.Register(shmService)
	env.Register(displayServer)
	env.Register(audioServer)
	env.Register(guestLauncher)

	logger.Info("starting guest environment",
		"version", version.Info(), "root", root, "profile", profileName)
	if err := env.Start(); err != nil {
		return 0, err
	}
	defer env.Stop()

	guest, err := guestLauncher.Launch(exe, binds, envOverrides, is64Bit)
	if err != nil {
		return 0, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		if err := guestLauncher.Stop(); err != nil {
			logger.Error("stopping guest", "error", err)
		}
	case <-guest.Done():
	}

	status, code := guest.Status()
	logger.Info("guest finished", "status", status.String(), "code", code)
	return code, nil
}

// newLogger builds the process logger: human-readable on a terminal,
// JSON when stderr goes to a pipe or file.
func newLogger(level string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	options := &slog.HandlerOptions{Level: logLevel}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
}

// loadEnvOverrides reads a JSONC map of guest environment overrides.
func loadEnvOverrides(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	overrides := make(map[string]string)
	if err := json.Unmarshal(jsonc.ToJSON(data), &overrides); err != nil {
		return nil, fmt.Errorf("parsing env file %s: %w", path, err)
	}
	return overrides, nil
}
