package mux

import "sync"

// gate is a broadcast-style pause point: reader loops call wait before
// each decode to honor the read-side backpressure pauses described in
// spec §5. setBlocked(true) is called from a writer's congestion
// callback; setBlocked(false) releases every waiter.
type gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	blocked bool
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) setBlocked(blocked bool) {
	g.mu.Lock()
	if g.blocked != blocked {
		g.blocked = blocked
		if !blocked {
			g.cond.Broadcast()
		}
	}
	g.mu.Unlock()
}

func (g *gate) wait() {
	g.mu.Lock()
	for g.blocked {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// clientWriterCongestion aggregates congestion across every client
// writer so the server's read loop can be paused while ANY client
// writer is behind, and released only once every one of them drains.
type clientWriterCongestion struct {
	mu      sync.Mutex
	gate    *gate
	stuck   map[int64]bool
}

func newClientWriterCongestion(g *gate) *clientWriterCongestion {
	return &clientWriterCongestion{gate: g, stuck: make(map[int64]bool)}
}

func (c *clientWriterCongestion) set(clientID int64, congested bool) {
	c.mu.Lock()
	if congested {
		c.stuck[clientID] = true
	} else {
		delete(c.stuck, clientID)
	}
	anyStuck := len(c.stuck) > 0
	c.mu.Unlock()
	c.gate.setBlocked(anyStuck)
}

func (c *clientWriterCongestion) forget(clientID int64) {
	c.set(clientID, false)
}
