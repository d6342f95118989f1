package mux

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lspd/lspd/internal/framer"
	"github.com/lspd/lspd/internal/registry"
	"github.com/tidwall/gjson"
)

// duplexPipe adapts a pair of unidirectional io.Pipes into a Conn.
type duplexPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *duplexPipe) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexPipe) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexPipe) Close() error {
	d.r.Close()
	return d.w.Close()
}

// newPipePair returns two ends of a duplex connection: whatever is
// written to one side's Write is readable from the other side's Read.
func newPipePair() (a, b *duplexPipe) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &duplexPipe{r: r1, w: w2}, &duplexPipe{r: r2, w: w1}
}

func send(t *testing.T, w io.Writer, raw string) {
	t.Helper()
	if err := framer.Encode(w, []byte(raw)); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func recv(t *testing.T, dec *framer.Decoder) *framer.Message {
	t.Helper()
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

// recvWithTimeout guards against a hung test when the mux drops a
// message it was expected to deliver.
func recvWithTimeout(t *testing.T, dec *framer.Decoder, d time.Duration) *framer.Message {
	t.Helper()
	type result struct {
		msg *framer.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := dec.Next()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("recv: %v", r.err)
		}
		return r.msg
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

type testHarness struct {
	m          *Mux
	serverDec  *framer.Decoder
	serverOut  io.Writer // write to give the mux a server response/notification/request
	serverIn   io.Reader
}

func newHarness(t *testing.T, spec *registry.Spec) *testHarness {
	t.Helper()

	stdinR, stdinW := io.Pipe()   // mux writes to stdinW; test reads from stdinR
	stdoutR, stdoutW := io.Pipe() // test writes to stdoutW; mux reads from stdoutR

	m := New(Config{
		Spec:         spec,
		ProjectRoot:  "/tmp/project",
		ServerStdin:  stdinW,
		ServerStdout: stdoutR,
		IdleDelay:    50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	return &testHarness{
		m:         m,
		serverDec: framer.NewDecoder(stdinR),
		serverOut: stdoutW,
		serverIn:  stdinR,
	}
}

func (h *testHarness) addClient(t *testing.T) (conn *duplexPipe, dec *framer.Decoder) {
	t.Helper()
	muxSide, testSide := newPipePair()
	h.m.AddClient(muxSide)
	return testSide, framer.NewDecoder(testSide)
}

func fakeSpec() *registry.Spec {
	return &registry.Spec{
		Name:        "fake",
		Diagnostics: registry.Diagnostics{Mode: registry.Passthrough},
	}
}

func bridgeSpec() *registry.Spec {
	return &registry.Spec{
		Name: "fake-bridge",
		Diagnostics: registry.Diagnostics{
			Mode:     registry.Bridge,
			Debounce: 30 * time.Millisecond,
		},
	}
}

// --- S1: init caching ---

func TestS1_InitCaching(t *testing.T) {
	h := newHarness(t, fakeSpec())

	a, aDec := h.addClient(t)
	send(t, a, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`)

	serverMsg := recvWithTimeout(t, h.serverDec, time.Second)
	if serverMsg.Method != "initialize" {
		t.Fatalf("server got method %q, want initialize", serverMsg.Method)
	}
	serverID, _ := serverMsg.ID.IsInt()

	send(t, h.serverOut, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"capabilities":{},"initCount":1}}`, serverID))

	aReply := recvWithTimeout(t, aDec, time.Second)
	if n, _ := aReply.ID.IsInt(); n != 1 {
		t.Fatalf("A's reply id = %v, want 1", aReply.ID)
	}
	if gjson.GetBytes(aReply.Raw, "result.initCount").Int() != 1 {
		t.Fatalf("A's reply missing initCount: %s", aReply.Raw)
	}

	b, bDec := h.addClient(t)
	send(t, b, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"capabilities":{}}}`)

	bReply := recvWithTimeout(t, bDec, time.Second)
	if n, _ := bReply.ID.IsInt(); n != 2 {
		t.Fatalf("B's reply id = %v, want 2", bReply.ID)
	}
	if gjson.GetBytes(bReply.Raw, "result.initCount").Int() != 1 {
		t.Fatalf("B's cached reply missing initCount: %s", bReply.Raw)
	}
}

// --- S4: server-initiated request forwarding ---

func TestS4_ServerInitiatedRequestForwarding(t *testing.T) {
	h := newHarness(t, fakeSpec())
	a, aDec := h.addClient(t)

	send(t, a, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`)
	initMsg := recvWithTimeout(t, h.serverDec, time.Second)
	sID, _ := initMsg.ID.IsInt()
	send(t, h.serverOut, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, sID))
	recvWithTimeout(t, aDec, time.Second) // drain A's init reply

	send(t, h.serverOut, `{"jsonrpc":"2.0","id":5,"method":"custom/ping","params":{"value":123}}`)

	clientMsg := recvWithTimeout(t, aDec, time.Second)
	if clientMsg.Method != "custom/ping" {
		t.Fatalf("client got method %q, want custom/ping", clientMsg.Method)
	}
	if gjson.GetBytes(clientMsg.Raw, "params.value").Int() != 123 {
		t.Fatalf("params not preserved: %s", clientMsg.Raw)
	}
	forwardedID, ok := clientMsg.ID.IsInt()
	if !ok || forwardedID >= 0 {
		t.Fatalf("forwarded id = %v, want a negative int", clientMsg.ID)
	}

	send(t, a, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"pong":true}}`, forwardedID))

	serverReply := recvWithTimeout(t, h.serverDec, time.Second)
	if n, _ := serverReply.ID.IsInt(); n != 5 {
		t.Fatalf("server reply id = %v, want 5", serverReply.ID)
	}
	if !gjson.GetBytes(serverReply.Raw, "result.pong").Bool() {
		t.Fatalf("server reply missing pong: %s", serverReply.Raw)
	}
}

// --- S5: workspace/configuration short-circuit ---

func TestS5_WorkspaceConfigurationShortCircuit(t *testing.T) {
	h := newHarness(t, fakeSpec())
	_, _ = h.addClient(t) // a bystander client that must see nothing

	send(t, h.serverOut, `{"jsonrpc":"2.0","id":7,"method":"workspace/configuration","params":{"items":[{},{},{}]}}`)

	reply := recvWithTimeout(t, h.serverDec, time.Second)
	if n, _ := reply.ID.IsInt(); n != 7 {
		t.Fatalf("reply id = %v, want 7", reply.ID)
	}
	result := gjson.GetBytes(reply.Raw, "result")
	if !result.IsArray() || len(result.Array()) != 3 {
		t.Fatalf("result = %s, want [null,null,null]", reply.Raw)
	}
	for _, v := range result.Array() {
		if v.Type != gjson.Null {
			t.Fatalf("expected all-null array, got %s", reply.Raw)
		}
	}
}

// --- S6: id collision immunity ---

func TestS6_IDCollisionImmunity(t *testing.T) {
	h := newHarness(t, fakeSpec())
	a, aDec := h.addClient(t)
	b, bDec := h.addClient(t)

	send(t, a, `{"jsonrpc":"2.0","id":42,"method":"textDocument/diagnostic","params":{"textDocument":{"uri":"file:///a"}}}`)
	send(t, b, `{"jsonrpc":"2.0","id":42,"method":"textDocument/diagnostic","params":{"textDocument":{"uri":"file:///b"}}}`)

	first := recvWithTimeout(t, h.serverDec, time.Second)
	second := recvWithTimeout(t, h.serverDec, time.Second)

	firstID, _ := first.ID.IsInt()
	secondID, _ := second.ID.IsInt()
	if firstID == secondID {
		t.Fatalf("server saw colliding ids: %d, %d", firstID, secondID)
	}

	uriOf := func(m *framer.Message) string { return m.Path("params.textDocument.uri").String() }
	respondTo := func(id int64, uri string) {
		send(t, h.serverOut, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"from":%q}}`, id, uri))
	}
	respondTo(secondID, uriOf(second))
	respondTo(firstID, uriOf(first))

	aReply := recvWithTimeout(t, aDec, time.Second)
	bReply := recvWithTimeout(t, bDec, time.Second)

	if n, _ := aReply.ID.IsInt(); n != 42 {
		t.Fatalf("A's reply id = %v, want 42", aReply.ID)
	}
	if n, _ := bReply.ID.IsInt(); n != 42 {
		t.Fatalf("B's reply id = %v, want 42", bReply.ID)
	}
	if gjson.GetBytes(aReply.Raw, "result.from").String() != "file:///a" {
		t.Fatalf("A got the wrong exchange: %s", aReply.Raw)
	}
	if gjson.GetBytes(bReply.Raw, "result.from").String() != "file:///b" {
		t.Fatalf("B got the wrong exchange: %s", bReply.Raw)
	}
}

// --- S2/S3: pull-to-push diagnostics bridge ---

func TestS2AndS3_PullToPushBridge(t *testing.T) {
	h := newHarness(t, bridgeSpec())

	a, aDec := h.addClient(t) // no pull-diagnostic capability
	b, bDec := h.addClient(t) // advertises pull-diagnostic capability

	send(t, a, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`)
	initMsg := recvWithTimeout(t, h.serverDec, time.Second)
	sID, _ := initMsg.ID.IsInt()
	send(t, h.serverOut, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, sID))
	recvWithTimeout(t, aDec, time.Second)

	send(t, b, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"capabilities":{"textDocument":{"diagnostic":{}}}}}`)
	recvWithTimeout(t, bDec, time.Second)

	send(t, a, `{"jsonrpc":"2.0","method":"textDocument/didOpen","params":{"textDocument":{"uri":"file:///x.ts"}}}`)
	recvWithTimeout(t, h.serverDec, time.Second) // forwarded didOpen notification
	send(t, a, `{"jsonrpc":"2.0","method":"textDocument/didSave","params":{"textDocument":{"uri":"file:///x.ts"}}}`)
	recvWithTimeout(t, h.serverDec, time.Second) // forwarded didSave notification

	pull := recvWithTimeout(t, h.serverDec, 500*time.Millisecond)
	if pull.Method != "textDocument/diagnostic" {
		t.Fatalf("expected a single coalesced pull request, got %q", pull.Method)
	}
	pullID, _ := pull.ID.IsInt()

	send(t, h.serverOut, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"kind":"full","items":[{"message":"from pull"}]}}`, pullID))

	published := recvWithTimeout(t, aDec, time.Second)
	if published.Method != "textDocument/publishDiagnostics" {
		t.Fatalf("A got method %q, want textDocument/publishDiagnostics", published.Method)
	}
	if gjson.GetBytes(published.Raw, "params.uri").String() != "file:///x.ts" {
		t.Fatalf("published for wrong uri: %s", published.Raw)
	}
	if gjson.GetBytes(published.Raw, "params.diagnostics.0.message").String() != "from pull" {
		t.Fatalf("unexpected diagnostics payload: %s", published.Raw)
	}

	// B advertised pull capability and must never receive a synthesized publish.
	select {
	case <-timeoutDecode(bDec, 150*time.Millisecond):
		t.Fatal("pull-capable client B unexpectedly received a message")
	case <-time.After(200 * time.Millisecond):
	}
}

func timeoutDecode(dec *framer.Decoder, d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		ch := make(chan struct{}, 1)
		go func() {
			dec.Next()
			ch <- struct{}{}
		}()
		select {
		case <-ch:
			close(done)
		case <-time.After(d):
		}
	}()
	return done
}

// --- Property 7: idle shutdown ---

func TestIdleShutdown_KillsAfterLastClientLeaves(t *testing.T) {
	killed := make(chan struct{})
	var exitCode int
	exited := make(chan struct{})

	stdinR, stdinW := io.Pipe()
	stdoutR, _ := io.Pipe()
	defer stdinR.Close()
	defer stdinW.Close()
	defer stdoutR.Close()

	m := New(Config{
		Spec:        fakeSpec(),
		ServerStdin: stdinW,
		ServerStdout: stdoutR,
		IdleDelay:   20 * time.Millisecond,
		KillServer: func() error {
			close(killed)
			return nil
		},
		OnExit: func(code int, signal string) {
			exitCode = code
			close(exited)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	muxSide, testSide := newPipePair()
	m.AddClient(muxSide)
	testSide.Close()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("idle shutdown did not fire")
	}
	select {
	case <-killed:
	default:
		t.Fatal("kill server was not called")
	}
	if exitCode != 0 {
		t.Fatalf("exitCode = %d, want 0", exitCode)
	}
}

// TestIdleShutdown_ReconnectDuringGraceExtendsDeadline guards against a
// stale timer from the first empty period killing the server before a
// full idle interval has elapsed since the *second* disconnect.
func TestIdleShutdown_ReconnectDuringGraceExtendsDeadline(t *testing.T) {
	var exited atomic.Bool
	exitedAt := make(chan time.Time, 1)

	stdinR, stdinW := io.Pipe()
	stdoutR, _ := io.Pipe()
	defer stdinR.Close()
	defer stdinW.Close()
	defer stdoutR.Close()

	const idleDelay = 150 * time.Millisecond

	m := New(Config{
		Spec:         fakeSpec(),
		ServerStdin:  stdinW,
		ServerStdout: stdoutR,
		IdleDelay:    idleDelay,
		KillServer:   func() error { return nil },
		OnExit: func(code int, signal string) {
			exited.Store(true)
			exitedAt <- time.Now()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	muxSide1, testSide1 := newPipePair()
	m.AddClient(muxSide1)
	testSide1.Close() // first empty period begins; timer1 armed for idleDelay out

	time.Sleep(idleDelay / 3)
	muxSide2, testSide2 := newPipePair()
	m.AddClient(muxSide2) // reconnect invalidates timer1
	time.Sleep(idleDelay / 3)
	secondDisconnect := time.Now()
	testSide2.Close() // second empty period begins; timer2 armed for idleDelay out

	if exited.Load() {
		t.Fatal("mux shut down before the reconnecting client even disconnected")
	}

	select {
	case firedAt := <-exitedAt:
		if elapsed := firedAt.Sub(secondDisconnect); elapsed < idleDelay {
			t.Fatalf("idle shutdown fired %v after the second disconnect, want >= %v", elapsed, idleDelay)
		}
	case <-time.After(time.Second):
		t.Fatal("idle shutdown did not fire")
	}
}

// --- Property 3/4: exactly one initialize reaches the server, byte-equivalent cache ---

func TestInitializeOnce_ConcurrentInitializers(t *testing.T) {
	h := newHarness(t, fakeSpec())

	clients := make([]*duplexPipe, 3)
	decs := make([]*framer.Decoder, 3)
	for i := range clients {
		clients[i], decs[i] = h.addClient(t)
	}

	for i, c := range clients {
		send(t, c, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"capabilities":{}}}`, i+1))
	}

	serverMsg := recvWithTimeout(t, h.serverDec, time.Second)
	sID, _ := serverMsg.ID.IsInt()
	send(t, h.serverOut, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, sID))

	for i, dec := range decs {
		reply := recvWithTimeout(t, dec, time.Second)
		if n, _ := reply.ID.IsInt(); n != int64(i+1) {
			t.Fatalf("client %d reply id = %v, want %d", i, reply.ID, i+1)
		}
		if !gjson.GetBytes(reply.Raw, "result.ok").Bool() {
			t.Fatalf("client %d missing cached result: %s", i, reply.Raw)
		}
	}

	// No further server traffic should arrive; confirm the pipe has
	// nothing else queued by racing a short read against a timeout.
	select {
	case <-timeoutDecode(h.serverDec, 100*time.Millisecond):
		t.Fatal("server received more than one message")
	case <-time.After(200 * time.Millisecond):
	}
}
