package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/daemonstore"
)

// cmdKill implements `lspd kill <server> [--project <path>]` and
// `lspd kill --all`.
func cmdKill(args []string) int {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	project := fs.String("project", "", "Project root (defaults to the current directory)")
	all := fs.Bool("all", false, "Kill every known daemon")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lspd kill <server> [--project <path>] | lspd kill --all\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *all && fs.NArg() != 0 {
		fs.Usage()
		return exitUsage
	}
	if !*all && fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(os.Getenv("LSPD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: loading config: %v\n", err)
		return exitFailure
	}

	entries, err := daemonstore.List(cfg.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: listing daemons: %v\n", err)
		return exitFailure
	}

	var targetRoot string
	if !*all {
		root := *project
		if root == "" {
			cwd, err := os.Getwd()
			if err != nil {
				fmt.Fprintf(os.Stderr, "lspd: getwd: %v\n", err)
				return exitFailure
			}
			root = cwd
		}
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		targetRoot = root
	}

	server := ""
	if !*all {
		server = fs.Arg(0)
	}

	killed := 0
	failed := 0
	for _, e := range entries {
		if e.RecordErr != nil {
			continue
		}
		if !*all && (e.Record.Server != server || e.Record.ProjectRoot != targetRoot) {
			continue
		}
		if e.PIDErr != nil {
			continue
		}
		if err := syscall.Kill(e.PID, syscall.SIGTERM); err != nil {
			fmt.Fprintf(os.Stderr, "lspd: kill pid %d (%s): %v\n", e.PID, e.Record.Server, err)
			failed++
			continue
		}
		killed++
	}

	if !*all && killed == 0 {
		fmt.Fprintf(os.Stderr, "lspd: no daemon found for %s at %s\n", server, targetRoot)
		return exitFailure
	}
	if failed > 0 {
		return exitFailure
	}
	return exitOK
}
