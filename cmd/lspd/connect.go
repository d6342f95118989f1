package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/daemonstore"
	"github.com/lspd/lspd/internal/registry"
)

// cmdConnect implements `lspd connect <server> [--project <path>]`: it
// proxies the caller's stdin/stdout onto the per-(server, project)
// daemon's socket, spawning the daemon first if none is listening yet.
func cmdConnect(args []string) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	project := fs.String("project", "", "Project root (defaults to the current directory)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lspd connect <server> [--project <path>]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	serverName := fs.Arg(0)

	projectRoot := *project
	if projectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "lspd: getwd: %v\n", err)
			return exitFailure
		}
		projectRoot = cwd
	}
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: resolving project root: %v\n", err)
		return exitFailure
	}
	projectRoot = absRoot

	spec, err := registry.Bundled().Lookup(serverName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: %v\n", err)
		return exitFailure
	}

	cfg, err := config.Load(os.Getenv("LSPD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lspd: loading config: %v\n", err)
		return exitFailure
	}

	store := daemonstore.New(cfg.CacheDir, projectRoot, spec.Name)
	socketPath := store.SocketPath()

	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err != nil {
		if err := spawnDaemon(spec.Name, projectRoot, socketPath); err != nil {
			fmt.Fprintf(os.Stderr, "lspd: starting daemon: %v\n", err)
			return exitFailure
		}
		conn, err = waitForSocket(socketPath, cfg.SocketDialTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lspd: daemon did not become ready: %v\n", err)
			return exitFailure
		}
	}
	defer conn.Close()

	proxyStdio(conn)
	return exitOK
}

// spawnDaemon execs a detached `lspd daemon` subprocess that outlives
// this connect invocation; the daemon itself backgrounds the server
// child and exits on idle timeout, server exit, removal of its socket,
// or SIGINT/SIGTERM.
func spawnDaemon(server, projectRoot, socketPath string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own executable: %w", err)
	}

	cmd := exec.Command(self, "daemon",
		"--server", server,
		"--projectRoot", projectRoot,
		"--socket", socketPath,
	)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd.Start()
}

// waitForSocket polls until socketPath accepts a connection or timeout
// elapses, matching spec §6's "starting the daemon if absent."
func waitForSocket(socketPath string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for %s", socketPath)
		case <-ticker.C:
		}
	}
}

// proxyStdio copies bytes between the process's own stdio and conn
// until either direction hits EOF or an error.
func proxyStdio(conn net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(conn, os.Stdin)
		if c, ok := conn.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(os.Stdout, conn)
		done <- struct{}{}
	}()

	<-done
}
