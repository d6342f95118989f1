package mux

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/lspd/lspd/internal/framer"
)

// defaultHighWater is the buffered-byte threshold above which a writer
// reports congestion when none is configured.
const defaultHighWater = 1 << 20 // 1 MiB

// writer serializes writes to a single destination (a client socket or
// the server's standard input) without ever blocking the caller of
// Enqueue. Message bodies queue in an internal slice; a background
// goroutine drains them against dst, each prefixed with its
// Content-Length header via framer.Encode. dst may itself block — that blocking
// never propagates back to Enqueue. Congestion is reported through an
// optional callback so the mux can pause the opposing read side
// instead, per spec §5's "writing may enqueue without suspending."
type writer struct {
	dst io.Writer

	mu       sync.Mutex
	queue    [][]byte
	queued   int
	wake     chan struct{}
	closed   bool

	highWater int
	lowWater  int

	congested atomic.Bool
	onCongestionChange func(bool)
}

func newWriter(dst io.Writer, highWater int, onCongestionChange func(bool)) *writer {
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	w := &writer{
		dst:                dst,
		wake:               make(chan struct{}, 1),
		highWater:          highWater,
		lowWater:           highWater / 4,
		onCongestionChange: onCongestionChange,
	}
	go w.run()
	return w
}

// Enqueue appends frame to the write queue. It never blocks.
func (w *writer) Enqueue(frame []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, frame)
	w.queued += len(frame)
	nowCongested := w.queued > w.highWater
	w.mu.Unlock()

	if nowCongested && w.congested.CompareAndSwap(false, true) {
		w.notify(true)
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Congested reports whether the queue is currently above its high
// watermark.
func (w *writer) Congested() bool {
	return w.congested.Load()
}

// Close stops the drain goroutine. Already-queued frames are dropped;
// the destination is not closed by writer itself.
func (w *writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.queue = nil
	w.mu.Unlock()
	close(w.wake)
}

func (w *writer) notify(congested bool) {
	if w.onCongestionChange != nil {
		w.onCongestionChange(congested)
	}
}

func (w *writer) run() {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			if _, ok := <-w.wake; !ok {
				return
			}
			continue
		}
		frame := w.queue[0]
		w.queue = w.queue[1:]
		w.queued -= len(frame)
		remaining := w.queued
		w.mu.Unlock()

		_ = framer.Encode(w.dst, frame)

		if remaining <= w.lowWater && w.congested.CompareAndSwap(true, false) {
			w.notify(false)
		}
	}
}
