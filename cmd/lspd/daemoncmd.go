package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/daemon"
	"github.com/lspd/lspd/internal/discovery"
	"github.com/lspd/lspd/internal/registry"
)

// cmdDaemon implements the internal `lspd daemon` entry point that
// `connect` spawns: it resolves the server binary and blocks in
// daemon.Run until the mux shuts down.
func cmdDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	server := fs.String("server", "", "Registered server name")
	projectRoot := fs.String("projectRoot", "", "Project root")
	socketPath := fs.String("socket", "", "Unix socket path to listen on")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lspd daemon --server <name> --projectRoot <path> --socket <path>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *server == "" || *projectRoot == "" || *socketPath == "" {
		fs.Usage()
		return exitUsage
	}

	spec, err := registry.Bundled().Lookup(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: %v\n", err)
		return exitFailure
	}

	cfg, err := config.Load(os.Getenv("LSPD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: loading config: %v\n", err)
		return exitFailure
	}

	binaryPath, err := discovery.Resolve(spec, *projectRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: %v\n", err)
		return exitFailure
	}

	if cfg.DiagnosticsDebounce > 0 {
		spec.Diagnostics.Debounce = cfg.DiagnosticsDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	err = daemon.Run(ctx, daemon.Options{
		Spec:        spec,
		ProjectRoot: *projectRoot,
		BinaryPath:  binaryPath,
		SocketPath:  *socketPath,
		CacheDir:    cfg.CacheDir,
		IdleDelay:   cfg.IdleDelay,
		LogLevel:    cfg.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: daemon exited with error: %v\n", err)
		return exitFailure
	}
	return exitOK
}
