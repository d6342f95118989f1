// Package daemon is the lifecycle glue described in spec §4.5: it
// spawns the server child, constructs the mux around its streams,
// accepts client connections on a local socket, and writes the
// metadata record the management CLI reads. Nothing in the mux core
// depends on any of this; the daemon is plumbing around it.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/lspd/lspd/internal/applog"
	"github.com/lspd/lspd/internal/daemonstore"
	"github.com/lspd/lspd/internal/mux"
	"github.com/lspd/lspd/internal/registry"
)

// Options configures one daemon instance, serving exactly one
// (project root, server) pair for its entire lifetime.
type Options struct {
	Spec        *registry.Spec
	ProjectRoot string
	BinaryPath  string
	SocketPath  string
	CacheDir    string
	IdleDelay   time.Duration

	// Logger, if set, is used as-is (tests pass one pointed at a
	// buffer). If nil, Run builds one itself pointed at the state
	// directory's log file once that directory exists, at LogLevel
	// ("info" if empty).
	Logger   *applog.Logger
	LogLevel string
}

// Run spawns the server child, starts accepting clients, and blocks
// until the mux shuts down (server exit, idle timeout, or ctx
// cancellation). The socket and its metadata subdirectory are removed
// on return.
func Run(ctx context.Context, opts Options) error {
	cmd := exec.Command(opts.BinaryPath, opts.Spec.Args...)
	cmd.Dir = opts.ProjectRoot

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("daemon: server stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("daemon: server stdout pipe: %w", err)
	}
	cmd.Stderr = nil // the server's stderr is not part of the protocol; nil sends it to the null device

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start %s: %w", opts.BinaryPath, err)
	}

	store := daemonstore.New(opts.CacheDir, opts.ProjectRoot, opts.Spec.Name)
	if err := store.Create(); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("daemon: create state directory: %w", err)
	}
	defer store.Remove()

	if opts.Logger == nil {
		opts.Logger = fileLogger(store.LogPath(), opts.LogLevel)
	}
	logger := opts.Logger.WithComponent("daemon")

	listener, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("daemon: listen on %s: %w", opts.SocketPath, err)
	}

	var closeOnce sync.Once
	closeListener := func() { closeOnce.Do(func() { listener.Close() }) }

	m := mux.New(mux.Config{
		Spec:         opts.Spec,
		ProjectRoot:  opts.ProjectRoot,
		ServerStdin:  stdin,
		ServerStdout: stdout,
		KillServer:   cmd.Process.Kill,
		OnExit: func(exitCode int, signal string) {
			if signal != "" {
				logger.Info("server exited via signal %s", signal)
			} else {
				logger.Info("server exited with code %d", exitCode)
			}
			closeListener()
		},
		IdleDelay: opts.IdleDelay,
		Logger:    opts.Logger,
	})

	go func() {
		waitErr := cmd.Wait()
		code, signal := exitStatus(waitErr)
		m.NotifyServerExit(code, signal)
	}()

	if _, err := store.WriteMetadata(opts.Spec.Name, opts.ProjectRoot); err != nil {
		logger.Warn("write metadata: %v", err)
	}

	watcher, err := watchSelf(opts.SocketPath, func() {
		closeListener()
		m.Shutdown()
	}, logger)
	if err != nil {
		logger.Warn("self-watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	go acceptLoop(listener, m, logger)

	return m.Run(ctx)
}

// fileLogger opens path for append, falling back to stderr if it
// can't be created (e.g. permissions); the daemon logs regardless of
// whether its own state directory is writable for logs specifically.
func fileLogger(path, level string) *applog.Logger {
	cfg := applog.Config{Level: applog.ParseLevel(level), Prefix: "lspd"}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		cfg.Output = os.Stderr
		return applog.New(cfg)
	}
	cfg.Output = f
	return applog.New(cfg)
}

func acceptLoop(ln net.Listener, m *mux.Mux, logger *applog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		connID := xid.New()
		logger.Debug("client %s connected from %s", connID, conn.RemoteAddr())
		m.AddClient(conn)
	}
}
