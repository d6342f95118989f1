package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/daemonstore"
)

// daemonStatus classifies a daemon entry the way spec §6 names them.
type daemonStatus string

const (
	statusListening daemonStatus = "listening" // pid alive, socket accepts connections
	statusRunning   daemonStatus = "running"   // pid alive, socket not (yet) dialable
	statusStale     daemonStatus = "stale"     // pid dead
)

type psRow struct {
	Server      string       `json:"server"`
	ProjectRoot string       `json:"projectRoot"`
	PID         int          `json:"pid"`
	Status      daemonStatus `json:"status"`
	SocketPath  string       `json:"socketPath"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	InstanceID  string       `json:"instanceId"`
}

// cmdPS implements `lspd ps [--json]`.
func cmdPS(args []string) int {
	fs := flag.NewFlagSet("ps", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Emit machine-readable JSON instead of a table")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lspd ps [--json]\n")
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

	rows, err := psRows(cfg.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: %v\n", err)
		return exitFailure
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			fmt.Fprintf(os.Stderr, "lspd: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tPROJECT\tPID\tSTATUS\tSOCKET")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.Server, r.ProjectRoot, r.PID, r.Status, r.SocketPath)
	}
	return boolToExit(w.Flush() == nil)
}

func psRows(cacheDir string) ([]psRow, error) {
	entries, err := daemonstore.List(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("listing daemons: %w", err)
	}

	rows := make([]psRow, 0, len(entries))
	for _, e := range entries {
		row := psRow{PID: e.PID}
		if e.RecordErr == nil {
			row.Server = e.Record.Server
			row.ProjectRoot = e.Record.ProjectRoot
			row.SocketPath = e.Record.SocketPath
			row.UpdatedAt = e.Record.UpdatedAt
			row.InstanceID = e.Record.InstanceID
		}
		row.Status = classify(e)
		rows = append(rows, row)
	}
	return rows, nil
}

func classify(e daemonstore.Entry) daemonStatus {
	if e.PIDErr != nil || !daemonstore.IsAlive(e.PID) {
		return statusStale
	}
	if e.RecordErr != nil {
		return statusRunning
	}
	conn, err := net.DialTimeout("unix", e.Record.SocketPath, 100*time.Millisecond)
	if err != nil {
		return statusRunning
	}
	conn.Close()
	return statusListening
}

func boolToExit(ok bool) int {
	if ok {
		return exitOK
	}
	return exitFailure
}
