// Package main is the entry point for lspd, the language-server
// multiplexing daemon's CLI.
package main

import (
	"fmt"
	"os"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitOK      = 0
	exitUsage   = 2
	exitFailure = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "-h", "-help", "--help", "help":
		usage()
		return exitOK
	case "-v", "-version", "--version", "version":
		fmt.Printf("lspd %s (%s)\n", version, commit)
		return exitOK
	case "connect":
		return cmdConnect(args[1:])
	case "ps":
		return cmdPS(args[1:])
	case "kill":
		return cmdKill(args[1:])
	case "prune":
		return cmdPrune(args[1:])
	case "supervisor":
		return cmdSupervisor(args[1:])
	case "daemon":
		return cmdDaemon(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "lspd: unknown command %q\n\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `lspd - shared language-server multiplexing daemon

Usage: lspd <command> [arguments]

Commands:
  connect <server> [--project <path>]   Proxy stdio to the server's daemon, starting it if absent
  ps [--json]                           List known daemons
  kill <server> [--project <path>]      Terminate a daemon
  kill --all                            Terminate every known daemon
  prune                                 Remove state for dead daemons
  supervisor [--schedule <cron-expr>]   Run prune on a recurring schedule until signaled
  daemon --server <name> --projectRoot <path> --socket <path>
                                         Internal entry point invoked by connect

Run "lspd <command> -h" for command-specific flags.
`)
}
