package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/daemonstore"
)

// cmdPrune implements `lspd prune`: removes state subdirectories for
// daemons whose process is dead and whose socket does not accept
// connections, matching spec §6's definition exactly (both
// conditions, not either).
func cmdPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lspd prune\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(os.Getenv("LSPD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: loading config: %v\n", err)
		return exitFailure
	}

	removed, err := prune(cfg.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: %v\n", err)
		return exitFailure
	}

	for _, dir := range removed {
		fmt.Println(dir)
	}
	return exitOK
}

func prune(cacheDir string) ([]string, error) {
	entries, err := daemonstore.List(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("listing daemons: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if e.PIDErr == nil && daemonstore.IsAlive(e.PID) {
			continue
		}
		if socketDialable(e) {
			continue
		}
		if err := os.RemoveAll(e.Dir); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Dir, err)
		}
		removed = append(removed, e.Dir)
	}
	return removed, nil
}

func socketDialable(e daemonstore.Entry) bool {
	if e.RecordErr != nil {
		return false
	}
	conn, err := net.DialTimeout("unix", e.Record.SocketPath, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
