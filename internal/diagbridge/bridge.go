// Package diagbridge emulates push-style diagnostics for clients that
// do not advertise pull-diagnostic capability. It watches file events
// passing through the mux, debounces them per URI, pulls
// textDocument/diagnostic from the server, and republishes the result
// as a synthesized textDocument/publishDiagnostics notification.
package diagbridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultDebounce is used when a spec does not override it.
const DefaultDebounce = 150 * time.Millisecond

// SendPull is called when the bridge wants to issue a
// textDocument/diagnostic pull request for uri. The caller (the mux)
// is responsible for minting a server-facing identifier, recording it
// against uri in its internal-request table, and forwarding the
// request; the response eventually arrives back at HandleResponse.
type SendPull func(uri string, method string, params json.RawMessage)

// Publish is called with the diagnostics array to broadcast to every
// client that lacks pull-diagnostic capability.
type Publish func(uri string, diagnostics json.RawMessage)

// AnyNonPullClients reports whether at least one connected client
// lacks pull-diagnostic capability. When false, the bridge never
// issues a pull request.
type AnyNonPullClients func() bool

// RequestBuilder constructs the method and params of a pull request
// for uri.
type RequestBuilder func(uri string) (method string, params json.RawMessage)

// Config wires the bridge to its surrounding mux.
type Config struct {
	Debounce          time.Duration
	AnyNonPullClients AnyNonPullClients
	SendPull          SendPull
	Publish           Publish
	RequestBuilder    RequestBuilder
}

// Bridge is the stateful pull-to-push diagnostics helper described in
// spec §4.4. Safe for concurrent use.
type Bridge struct {
	debounce          time.Duration
	anyNonPullClients AnyNonPullClients
	sendPull          SendPull
	publish           Publish
	buildRequest      RequestBuilder

	mu             sync.Mutex
	initDone       bool
	pendingBefore  map[string]bool
	state          map[string]*uriState
}

type uriState struct {
	timer               *time.Timer
	inFlight            bool
	queuedWhileInFlight bool
	lastPublished       json.RawMessage
	hasCache            bool
}

// New constructs a Bridge from cfg, filling in defaults for zero fields.
func New(cfg Config) *Bridge {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RequestBuilder == nil {
		cfg.RequestBuilder = defaultRequestBuilder
	}
	return &Bridge{
		debounce:          cfg.Debounce,
		anyNonPullClients: cfg.AnyNonPullClients,
		sendPull:          cfg.SendPull,
		publish:           cfg.Publish,
		buildRequest:      cfg.RequestBuilder,
		pendingBefore:     make(map[string]bool),
		state:             make(map[string]*uriState),
	}
}

func defaultRequestBuilder(uri string) (string, json.RawMessage) {
	params := fmt.Sprintf(`{"textDocument":{"uri":%s},"identifier":null,"previousResultId":null}`, quoteJSON(uri))
	return "textDocument/diagnostic", json.RawMessage(params)
}

func quoteJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// OnFileEvent is called for didOpen/didChange/didSave on uri. Before
// initialization completes, events accumulate; once it completes they
// are scheduled immediately.
func (b *Bridge) OnFileEvent(uri string) {
	b.mu.Lock()
	if !b.initDone {
		b.pendingBefore[uri] = true
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.schedule(uri)
}

// OnClose clears all per-URI state for uri: cancels its debounce
// timer, drops cached diagnostics, forgets any pending-before-init
// marker, and clears the in-flight flag.
func (b *Bridge) OnClose(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pendingBefore, uri)
	if st, ok := b.state[uri]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(b.state, uri)
	}
}

// NotifyInitDone signals that the server's initialize response has
// been cached and all deferred initializers drained. Any URIs that
// queued events before this point are now scheduled.
func (b *Bridge) NotifyInitDone() {
	b.mu.Lock()
	b.initDone = true
	pending := b.pendingBefore
	b.pendingBefore = make(map[string]bool)
	b.mu.Unlock()

	for uri := range pending {
		b.schedule(uri)
	}
}

// schedule (re)starts uri's debounce timer, coalescing multiple events
// within the debounce window into a single pull request. If a request
// for uri is already in flight, the event is recorded to trigger one
// more pull once that response returns rather than issuing a second
// concurrent request.
func (b *Bridge) schedule(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateFor(uri)
	if st.inFlight {
		st.queuedWhileInFlight = true
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(b.debounce, func() { b.fire(uri) })
}

func (b *Bridge) stateFor(uri string) *uriState {
	st, ok := b.state[uri]
	if !ok {
		st = &uriState{}
		b.state[uri] = st
	}
	return st
}

// fire sends the pull request for uri, unless there are currently no
// non-pull clients to republish diagnostics to.
//
// anyNonPullClients is evaluated before b.mu is taken: it reaches back
// into the mux's own lock, and the mux's client-notification path
// acquires the locks in the opposite order (m.mu then b.mu), so holding
// b.mu across this call would AB-BA deadlock against a concurrent
// didOpen/didChange/didSave dispatch.
func (b *Bridge) fire(uri string) {
	skip := b.anyNonPullClients != nil && !b.anyNonPullClients()

	b.mu.Lock()
	st, ok := b.state[uri]
	if !ok {
		b.mu.Unlock()
		return
	}
	st.timer = nil

	if skip {
		b.mu.Unlock()
		return
	}

	st.inFlight = true
	method, params := b.buildRequest(uri)
	b.mu.Unlock()

	b.sendPull(uri, method, params)
}

// HandleResponse processes the server's reply to a bridge-initiated
// pull request for uri. raw is the full JSON-RPC response message.
func (b *Bridge) HandleResponse(uri string, raw json.RawMessage) {
	b.mu.Lock()
	st, ok := b.state[uri]
	if !ok {
		b.mu.Unlock()
		return
	}
	st.inFlight = false
	requeue := st.queuedWhileInFlight
	st.queuedWhileInFlight = false

	diagnostics := resultDiagnostics(raw, st)
	b.mu.Unlock()

	b.publish(uri, diagnostics)

	if requeue {
		b.schedule(uri)
	}
}

// resultDiagnostics implements the dispatch in spec §4.4: "full"
// publishes and caches result.items; "unchanged" replays the cache;
// anything else with an array-shaped result.items publishes it
// uncached; everything else publishes an empty array. Must be called
// with the bridge mutex held.
func resultDiagnostics(raw json.RawMessage, st *uriState) json.RawMessage {
	kind := gjson.GetBytes(raw, "result.kind").String()
	items := gjson.GetBytes(raw, "result.items")

	switch kind {
	case "full":
		diag := arrayOrEmpty(items)
		st.lastPublished = diag
		st.hasCache = true
		return diag
	case "unchanged":
		if st.hasCache {
			return st.lastPublished
		}
		return emptyArray
	default:
		if items.IsArray() {
			return json.RawMessage(items.Raw)
		}
		return emptyArray
	}
}

var emptyArray = json.RawMessage("[]")

func arrayOrEmpty(r gjson.Result) json.RawMessage {
	if r.IsArray() {
		return json.RawMessage(r.Raw)
	}
	return emptyArray
}
