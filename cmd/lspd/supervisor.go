package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/lspd/lspd/internal/config"
)

// defaultPruneSchedule runs the sweep every 10 minutes: frequent enough
// that a crashed daemon's state directory doesn't linger for long,
// infrequent enough that it never competes with real traffic.
const defaultPruneSchedule = "*/10 * * * *"

// cmdSupervisor implements `lspd supervisor [--schedule <cron-expr>]`:
// an optional long-lived convenience process that periodically runs
// the same sweep as a one-shot `lspd prune`, for installations that
// would rather run one persistent process than rely on a user or a
// separate system timer invoking `prune`.
func cmdSupervisor(args []string) int {
	fs := flag.NewFlagSet("supervisor", flag.ContinueOnError)
	schedule := fs.String("schedule", defaultPruneSchedule, "Cron schedule for the prune sweep")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lspd supervisor [--schedule <cron-expr>]\n")
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

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		removed, err := prune(cfg.CacheDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lspd supervisor: prune sweep failed: %v\n", err)
			return
		}
		for _, dir := range removed {
			fmt.Printf("lspd supervisor: pruned %s\n", dir)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: invalid --schedule %q: %v\n", *schedule, err)
		return exitUsage
	}

	c.Start()
	defer c.Stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	return exitOK
}
