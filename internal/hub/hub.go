// Package hub implements the Broadcast Hub (spec.md §4.G): the single PTY
// output stream is fanned out to every attached, authenticated session,
// each encrypted under its own session key, with a bounded replay buffer
// so newly attached sessions see recent context.
package hub

import (
	"sync"

	"github.com/hjertefolger/root-operator-bridge/internal/crypto"
)

// ReplayBufferCap is the maximum size in bytes of the replay buffer kept
// per spec.md §3 ("Replay Buffer... ≤ 50 KiB").
const ReplayBufferCap = 50 * 1024

// deliverQueueDepth bounds how far a single recipient may lag before it is
// treated as a slow consumer and detached. Kept small: the Hub must never
// let one session's backpressure stall delivery to the others.
const deliverQueueDepth = 64

// Sink is the per-session delivery surface the Hub publishes into. A
// Session implements this by wrapping its own AEAD session key and
// WebSocket write path.
type Sink interface {
	// ID uniquely identifies the session for attach/detach bookkeeping.
	ID() string
	// Seal encrypts plaintext under this sink's own session key. Each
	// recipient uses a distinct IV per message, per spec.md §4.G.
	Seal(plaintext []byte) (*crypto.Sealed, error)
	// Deliver hands a sealed message to the session's outbound path. It
	// must not block; returning false means the session is unhealthy and
	// should be detached.
	Deliver(sealed *crypto.Sealed) bool
}

type attached struct {
	sink  Sink
	queue chan *crypto.Sealed
	done  chan struct{}
}

// Hub owns the set of attached sessions and the replay buffer. Exactly one
// Hub exists per running daemon.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*attached
	replay   []byte

	onDetach func(id string)
}

// New creates an empty Hub. onDetach, if non-nil, is invoked (outside any
// lock) whenever a session is detached, whether by explicit request or
// because it could not keep up.
func New(onDetach func(id string)) *Hub {
	return &Hub{
		sessions: make(map[string]*attached),
		onDetach: onDetach,
	}
}

// Attach adds sink to the set of recipients and immediately delivers the
// current replay buffer (if non-empty), encrypted under the sink's own
// session key. The replay snapshot is sealed and queued before sink becomes
// visible to Publish, so a live chunk published concurrently with Attach
// can never be enqueued ahead of the replay (spec.md §4.G, §8).
func (h *Hub) Attach(sink Sink) {
	a := &attached{
		sink:  sink,
		queue: make(chan *crypto.Sealed, deliverQueueDepth),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	replaySnapshot := append([]byte(nil), h.replay...)
	h.mu.Unlock()

	if len(replaySnapshot) > 0 {
		if sealed, err := sink.Seal(replaySnapshot); err == nil {
			// a.queue is freshly created and not yet reachable from
			// Publish, so a direct buffered send cannot block or race.
			a.queue <- sealed
		}
	}

	h.mu.Lock()
	h.sessions[sink.ID()] = a
	h.mu.Unlock()

	go h.pump(a)
}

// Detach removes sink's session from the set, without error if absent.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	a, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	close(a.done)
	if h.onDetach != nil {
		h.onDetach(id)
	}
}

// Publish appends post-sanitization PTY output to the replay buffer and
// delivers it to every attached session, encrypted per-recipient. Delivery
// order to any single session matches publish order; a slow or errored
// recipient is detached without affecting the others.
func (h *Hub) Publish(data []byte) {
	h.mu.Lock()
	h.replay = appendTruncated(h.replay, data, ReplayBufferCap)
	recipients := make([]*attached, 0, len(h.sessions))
	for _, a := range h.sessions {
		recipients = append(recipients, a)
	}
	h.mu.Unlock()

	for _, a := range recipients {
		sealed, err := a.sink.Seal(data)
		if err != nil {
			h.Detach(a.sink.ID())
			continue
		}
		if !h.enqueue(a, sealed) {
			h.Detach(a.sink.ID())
		}
	}
}

// enqueue performs a non-blocking send onto a's per-recipient queue so one
// stalled session can never block Publish for the others.
func (h *Hub) enqueue(a *attached, sealed *crypto.Sealed) bool {
	select {
	case a.queue <- sealed:
		return true
	default:
		return false
	}
}

// pump drains a session's queue in order and hands each message to its
// Sink.Deliver, detaching on the first delivery failure.
func (h *Hub) pump(a *attached) {
	for {
		select {
		case <-a.done:
			return
		case sealed := <-a.queue:
			if !a.sink.Deliver(sealed) {
				h.Detach(a.sink.ID())
				return
			}
		}
	}
}

// Count returns the number of currently attached sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ReplaySnapshot returns a copy of the current replay buffer, for tests and
// diagnostics.
func (h *Hub) ReplaySnapshot() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.replay...)
}

func appendTruncated(buf, data []byte, cap int) []byte {
	buf = append(buf, data...)
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	return buf
}
