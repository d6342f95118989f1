// Package mux implements the request-id-translating relay between N
// editor clients and one long-lived language server child process. It
// owns the server's standard streams and the set of connected client
// sockets, and is the component spec §2 calls "the dominant share" of
// the system.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lspd/lspd/internal/applog"
	"github.com/lspd/lspd/internal/diagbridge"
	"github.com/lspd/lspd/internal/framer"
	"github.com/lspd/lspd/internal/registry"
	"github.com/tidwall/gjson"
)

// DefaultIdleDelay is used when Config.IdleDelay is zero.
const DefaultIdleDelay = 500 * time.Millisecond

// Config constructs a Mux around an already-spawned server child.
// Spawning, waiting for exit, and killing the process are the caller's
// responsibility (spec §1 treats process management as plumbing
// outside the core) — the mux only needs the streams, a kill hook, and
// an exit callback.
type Config struct {
	Spec        *registry.Spec
	ProjectRoot string

	ServerStdin  io.Writer
	ServerStdout io.Reader

	// KillServer terminates the child. Called on idle-shutdown expiry
	// and by Shutdown.
	KillServer func() error

	// OnExit is invoked exactly once: when NotifyServerExit is called
	// (the child died on its own), when the idle timer fires, or when
	// Shutdown is called, whichever comes first.
	OnExit func(exitCode int, signal string)

	// IdleDelay is how long the mux waits after the last client leaves
	// before killing the server. Zero means DefaultIdleDelay.
	IdleDelay time.Duration

	// HighWater is the buffered-byte congestion threshold for every
	// writer. Zero means a sane internal default.
	HighWater int

	Logger *applog.Logger
}

// Mux is the relay for one (project root, server) daemon instance.
type Mux struct {
	spec        *registry.Spec
	projectRoot string
	logger      *applog.Logger

	killServer func() error
	onExit     func(exitCode int, signal string)
	idleDelay  time.Duration
	highWater  int

	serverStdout io.Reader
	serverWriter *writer

	serverBoundGate *gate // blocks client reads when the server writer is congested
	clientBoundGate *gate // blocks the server read when any client writer is congested
	clientCongestion *clientWriterCongestion

	bridge *diagbridge.Bridge

	mu                  sync.Mutex
	dead                bool
	startedAt           time.Time
	clients             map[int64]*client
	order               []int64 // insertion order, for primary succession
	primaryID           int64
	nextClientID        int64
	nextServerFacingID  int64 // next positive id minted for server-bound traffic
	nextClientFacingID  int64 // next negative id minted for client-bound forwarding
	pendingClientOrigin map[int64]clientOrigin
	pendingServerOrigin map[int64]framer.ID
	pendingInternal     map[int64]string // id -> uri, bridge traffic only
	initState           initState
	idleEpoch           int64 // bumped whenever a client (re)connects, to invalidate stale idle timers

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Mux. It does not start reading the server's stdout
// until Run is called.
func New(cfg Config) *Mux {
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = defaultHighWater
	}
	if cfg.Logger == nil {
		cfg.Logger = applog.Null
	}

	m := &Mux{
		spec:                cfg.Spec,
		projectRoot:         cfg.ProjectRoot,
		logger:              cfg.Logger.WithComponent("mux"),
		killServer:          cfg.KillServer,
		onExit:              cfg.OnExit,
		idleDelay:           cfg.IdleDelay,
		highWater:           cfg.HighWater,
		serverStdout:        cfg.ServerStdout,
		startedAt:           time.Now(),
		clients:             make(map[int64]*client),
		pendingClientOrigin: make(map[int64]clientOrigin),
		pendingServerOrigin: make(map[int64]framer.ID),
		pendingInternal:     make(map[int64]string),
		done:                make(chan struct{}),
	}

	m.serverBoundGate = newGate()
	m.clientBoundGate = newGate()
	m.clientCongestion = newClientWriterCongestion(m.clientBoundGate)
	m.serverWriter = newWriter(cfg.ServerStdin, cfg.HighWater, m.serverBoundGate.setBlocked)

	if cfg.Spec != nil && cfg.Spec.Diagnostics.Mode == registry.Bridge {
		var builder diagbridge.RequestBuilder
		if cfg.Spec.Diagnostics.RequestBuilder != nil {
			builder = diagbridge.RequestBuilder(cfg.Spec.Diagnostics.RequestBuilder)
		}
		m.bridge = diagbridge.New(diagbridge.Config{
			Debounce:          cfg.Spec.Diagnostics.Debounce,
			AnyNonPullClients: m.anyNonPullClients,
			SendPull:          m.sendBridgeRequest,
			Publish:           m.publishDiagnostics,
			RequestBuilder:    builder,
		})
	}

	return m
}

// Run starts the server-stdout read loop and blocks until the mux
// shuts down (server exit or idle timeout) or ctx is canceled.
func (m *Mux) Run(ctx context.Context) error {
	go m.serverReadLoop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return nil
	}
}

// AddClient registers a newly accepted connection and starts its read
// loop. A mux that has already shut down closes conn immediately.
func (m *Mux) AddClient(conn Conn) {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		conn.Close()
		return
	}

	m.nextClientID++
	id := m.nextClientID
	c := &client{id: id, conn: conn}
	c.writer = newWriter(conn, m.highWater, func(congested bool) {
		m.clientCongestion.set(id, congested)
	})
	m.clients[id] = c
	m.order = append(m.order, id)
	m.idleEpoch++ // invalidate any idle-shutdown timer scheduled before this reconnect
	m.mu.Unlock()

	go m.clientReadLoop(c)
}

// Stats is a read-only snapshot of the mux's client count, pending-table
// sizes, init phase and uptime. Nothing in this module calls it; `lspd
// ps --json` reports only what the on-disk daemon records hold.
type Stats struct {
	ClientCount         int
	PendingClientOrigin int
	PendingInternal     int
	PendingServerOrigin int
	InitPhase           string
	Uptime              time.Duration
}

func (m *Mux) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := "not-started"
	switch m.initState.phase {
	case initInProgress:
		phase = "in-progress"
	case initDone:
		phase = "done"
	}

	return Stats{
		ClientCount:         len(m.clients),
		PendingClientOrigin: len(m.pendingClientOrigin),
		PendingInternal:     len(m.pendingInternal),
		PendingServerOrigin: len(m.pendingServerOrigin),
		InitPhase:           phase,
		Uptime:              time.Since(m.startedAt),
	}
}

// ---- read loops ----

func (m *Mux) clientReadLoop(c *client) {
	dec := framer.NewDecoder(c.conn)
	for {
		m.serverBoundGate.wait()

		msg, err := dec.Next()
		if err != nil {
			m.removeClient(c.id)
			return
		}
		m.handleClientMessage(c, msg)
	}
}

func (m *Mux) serverReadLoop() {
	dec := framer.NewDecoder(m.serverStdout)
	for {
		m.clientBoundGate.wait()

		msg, err := dec.Next()
		if err != nil {
			m.NotifyServerExit(-1, "")
			return
		}
		m.handleServerMessage(msg)
	}
}

// ---- lifecycle ----

func (m *Mux) removeClient(id int64) {
	m.mu.Lock()
	c, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.primaryID == id {
		if len(m.order) > 0 {
			m.primaryID = m.order[0]
		} else {
			m.primaryID = 0
		}
	}
	empty := len(m.clients) == 0
	epoch := m.idleEpoch
	m.mu.Unlock()

	c.writer.Close()
	c.conn.Close()
	m.clientCongestion.forget(id)

	if empty {
		m.scheduleIdleShutdown(epoch)
	}
}

// scheduleIdleShutdown arms a timer that kills the server once the
// client set has been empty for a full idle interval. epoch is the
// idleEpoch observed at the moment the set became empty; if a client
// reconnects before the timer fires, AddClient bumps idleEpoch and this
// timer no-ops instead of cutting the new idle period short.
func (m *Mux) scheduleIdleShutdown(epoch int64) {
	timer := time.NewTimer(m.idleDelay)
	go func() {
		<-timer.C
		m.mu.Lock()
		if len(m.clients) != 0 || m.dead || m.idleEpoch != epoch {
			m.mu.Unlock()
			return
		}
		m.dead = true
		m.mu.Unlock()
		m.closeOnce.Do(func() { close(m.done) })

		if m.killServer != nil {
			if err := m.killServer(); err != nil {
				m.logger.Warn("idle shutdown: kill server: %v", err)
			}
		}
		if m.onExit != nil {
			m.onExit(0, "idle-shutdown")
		}
	}()
}

// NotifyServerExit tears the mux down in response to the server child
// terminating on its own (detected by the caller via e.g. cmd.Wait).
// All clients are closed and onExit fires; safe to call more than
// once, only the first call has effect.
func (m *Mux) NotifyServerExit(exitCode int, signal string) {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return
	}
	m.dead = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = map[int64]*client{}
	m.order = nil
	m.primaryID = 0
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })

	for _, c := range clients {
		c.writer.Close()
		c.conn.Close()
	}
	if m.onExit != nil {
		m.onExit(exitCode, signal)
	}
}

// Shutdown forcibly tears the mux down regardless of client count,
// e.g. when the daemon's own socket disappears out from under it.
// Clients are closed, the server is killed, and onExit fires with a
// synthetic 0/"shutdown" pair. Safe to call more than once.
func (m *Mux) Shutdown() {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return
	}
	m.dead = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = map[int64]*client{}
	m.order = nil
	m.primaryID = 0
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })

	for _, c := range clients {
		c.writer.Close()
		c.conn.Close()
	}
	if m.killServer != nil {
		if err := m.killServer(); err != nil {
			m.logger.Warn("shutdown: kill server: %v", err)
		}
	}
	if m.onExit != nil {
		m.onExit(0, "shutdown")
	}
}

// ---- client -> server path ----

func (m *Mux) handleClientMessage(c *client, msg *framer.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Kind {
	case framer.KindNotification:
		m.handleClientNotificationLocked(c, msg)
	case framer.KindRequest:
		m.handleClientRequestLocked(c, msg)
	case framer.KindResponse:
		m.handleClientResponseLocked(msg)
	}
}

func (m *Mux) handleClientNotificationLocked(c *client, msg *framer.Message) {
	if msg.Method == "initialized" && c.id != m.primaryID {
		return
	}
	m.serverWriter.Enqueue(msg.Raw)

	if m.bridge == nil {
		return
	}
	switch msg.Method {
	case "textDocument/didOpen", "textDocument/didChange", "textDocument/didSave":
		if uri := msg.Path("params.textDocument.uri").String(); uri != "" {
			m.bridge.OnFileEvent(uri)
		}
	case "textDocument/didClose":
		if uri := msg.Path("params.textDocument.uri").String(); uri != "" {
			m.bridge.OnClose(uri)
		}
	}
}

func (m *Mux) handleClientRequestLocked(c *client, msg *framer.Message) {
	if msg.Method == "initialize" {
		if gjson.GetBytes(msg.Raw, "params.capabilities.textDocument.diagnostic").Exists() {
			c.pullCapable.Store(true)
		}
		m.handleInitializeLocked(c, msg)
		return
	}

	m.nextServerFacingID++
	id := m.nextServerFacingID
	m.pendingClientOrigin[id] = clientOrigin{clientID: c.id, origID: msg.ID}

	rewritten, err := framer.RewriteID(msg.Raw, framer.IntID(id))
	if err != nil {
		delete(m.pendingClientOrigin, id)
		m.logger.Warn("rewrite client request id: %v", err)
		return
	}
	m.serverWriter.Enqueue(rewritten)
}

func (m *Mux) handleInitializeLocked(c *client, msg *framer.Message) {
	switch m.initState.phase {
	case initDone:
		m.replyInitToLocked(c.id, msg.ID)

	case initInProgress:
		m.initState.deferred = append(m.initState.deferred, deferredInit{clientID: c.id, origID: msg.ID})

	case initNotStarted:
		m.initState.phase = initInProgress
		m.initState.initiator = c.id
		m.initState.initiatorOrigID = msg.ID
		if m.primaryID == 0 {
			m.primaryID = c.id
		}

		raw := []byte(msg.Raw)
		if m.spec != nil && m.spec.PrepareInitialize != nil {
			if transformed, err := m.spec.PrepareInitialize(raw); err != nil {
				m.logger.Warn("prepare-initialize hook failed, forwarding untransformed: %v", err)
			} else {
				raw = transformed
			}
		}

		m.nextServerFacingID++
		id := m.nextServerFacingID
		m.initState.pendingServerID = id

		rewritten, err := framer.RewriteID(raw, framer.IntID(id))
		if err != nil {
			m.logger.Error("rewrite initialize id: %v", err)
			return
		}
		m.serverWriter.Enqueue(rewritten)
	}
}

// replyInitToLocked delivers the cached initialize payload to a client
// under its own original identifier. Absent clients (already gone) are
// silently skipped.
func (m *Mux) replyInitToLocked(clientID int64, origID framer.ID) {
	c, ok := m.clients[clientID]
	if !ok || m.initState.cachedRaw == nil {
		return
	}
	payload, err := framer.RewriteID(m.initState.cachedRaw, origID)
	if err != nil {
		m.logger.Warn("rewrite cached initialize reply: %v", err)
		return
	}
	c.writer.Enqueue(payload)
}

func (m *Mux) handleInitializeResponseLocked(msg *framer.Message) {
	st := &m.initState
	st.cachedRaw = []byte(msg.Raw)
	st.phase = initDone

	deferred := st.deferred
	st.deferred = nil

	m.replyInitToLocked(st.initiator, st.initiatorOrigID)
	for _, d := range deferred {
		m.replyInitToLocked(d.clientID, d.origID)
	}

	if m.bridge != nil {
		m.bridge.NotifyInitDone()
	}
}

// handleClientResponseLocked handles a client's reply to a
// server-initiated request the mux previously forwarded.
func (m *Mux) handleClientResponseLocked(msg *framer.Message) {
	n, ok := msg.ID.IsInt()
	if !ok || n >= 0 {
		m.logger.Debug("dropping stray client response id %s", msg.ID)
		return
	}

	origID, ok := m.pendingServerOrigin[n]
	if !ok {
		m.logger.Debug("dropping stray client response id %s", msg.ID)
		return
	}
	delete(m.pendingServerOrigin, n)

	rewritten, err := framer.RewriteID(msg.Raw, origID)
	if err != nil {
		m.logger.Warn("rewrite client response id: %v", err)
		return
	}
	m.serverWriter.Enqueue(rewritten)
}

// ---- server -> client path ----

func (m *Mux) handleServerMessage(msg *framer.Message) {
	m.mu.Lock()
	switch msg.Kind {
	case framer.KindNotification:
		m.broadcastLocked(msg.Raw)
		m.mu.Unlock()
	case framer.KindRequest:
		m.handleServerRequestLocked(msg)
		m.mu.Unlock()
	case framer.KindResponse:
		// handleServerResponseLocked may report a bridge hit that must
		// be delivered to the bridge with m.mu released: the bridge
		// synchronously calls back into m.publishDiagnostics, which
		// itself needs m.mu, and the mutex is not reentrant.
		bridgeURI, isBridgeHit := m.handleServerResponseLocked(msg)
		m.mu.Unlock()
		if isBridgeHit && m.bridge != nil {
			m.bridge.HandleResponse(bridgeURI, msg.Raw)
		}
	default:
		m.mu.Unlock()
	}
}

func (m *Mux) broadcastLocked(raw json.RawMessage) {
	for _, c := range m.clients {
		c.writer.Enqueue(raw)
	}
}

// handleServerResponseLocked dispatches a server response while m.mu
// is held. It returns (uri, true) when the response hit the internal
// (bridge) pending table; the caller must deliver it to the bridge
// only after releasing m.mu, since the bridge calls back into
// m.publishDiagnostics synchronously.
func (m *Mux) handleServerResponseLocked(msg *framer.Message) (string, bool) {
	n, isInt := msg.ID.IsInt()

	if isInt && m.initState.phase == initInProgress && n == m.initState.pendingServerID {
		m.handleInitializeResponseLocked(msg)
		return "", false
	}

	if isInt {
		if uri, ok := m.pendingInternal[n]; ok {
			delete(m.pendingInternal, n)
			return uri, true
		}
		if origin, ok := m.pendingClientOrigin[n]; ok {
			delete(m.pendingClientOrigin, n)
			m.deliverToClientLocked(origin.clientID, origin.origID, msg.Raw)
			return "", false
		}
	}

	// Stray or non-integer identifier: best-effort broadcast.
	m.broadcastLocked(msg.Raw)
	return "", false
}

func (m *Mux) deliverToClientLocked(clientID int64, origID framer.ID, raw json.RawMessage) {
	c, ok := m.clients[clientID]
	if !ok {
		return
	}
	payload, err := framer.RewriteID(raw, origID)
	if err != nil {
		m.logger.Warn("rewrite server response id: %v", err)
		return
	}
	c.writer.Enqueue(payload)
}

func (m *Mux) handleServerRequestLocked(msg *framer.Message) {
	switch msg.Method {
	case "client/registerCapability", "client/unregisterCapability":
		m.serverWriter.Enqueue(framer.BuildResult(msg.ID, json.RawMessage("null")))
		return
	case "workspace/configuration":
		n := 0
		if items := msg.Path("params.items"); items.IsArray() {
			n = len(items.Array())
		}
		m.serverWriter.Enqueue(framer.BuildResult(msg.ID, nullArray(n)))
		return
	}

	primary, ok := m.clients[m.primaryID]
	if m.primaryID == 0 || !ok {
		m.logger.Warn("server request %q (id %s): no clients connected", msg.Method, msg.ID)
		m.serverWriter.Enqueue(framer.BuildError(msg.ID, noClientsConnectedCode, noClientsConnectedMessage))
		return
	}

	m.nextClientFacingID--
	negID := m.nextClientFacingID
	m.pendingServerOrigin[negID] = msg.ID

	rewritten, err := framer.RewriteID(msg.Raw, framer.IntID(negID))
	if err != nil {
		delete(m.pendingServerOrigin, negID)
		m.logger.Warn("rewrite server request id: %v", err)
		return
	}
	primary.writer.Enqueue(rewritten)
}

// ---- diagnostics bridge sinks ----

func (m *Mux) anyNonPullClients() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if !c.pullCapable.Load() {
			return true
		}
	}
	return false
}

func (m *Mux) sendBridgeRequest(uri, method string, params json.RawMessage) {
	m.mu.Lock()
	m.nextServerFacingID++
	id := m.nextServerFacingID
	m.pendingInternal[id] = uri
	m.mu.Unlock()

	m.serverWriter.Enqueue(framer.BuildRequest(framer.IntID(id), method, params))
}

func (m *Mux) publishDiagnostics(uri string, diagnostics json.RawMessage) {
	params := json.RawMessage(fmt.Sprintf(`{"uri":%s,"diagnostics":%s}`, jsonString(uri), string(diagnostics)))
	notif := framer.BuildNotification("textDocument/publishDiagnostics", params)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if !c.pullCapable.Load() {
			c.writer.Enqueue(notif)
		}
	}
}
