// Package wsfront implements the WebSocket Front (spec.md §4.H): the HTTP
// listener's WebSocket upgrade path at "/", origin enforcement, frame size
// policing, and dispatch of decoded envelopes into a Session.
package wsfront

import (
	"context"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/hjertefolger/root-operator-bridge/internal/ratelimit"
	"github.com/hjertefolger/root-operator-bridge/internal/session"
)

// wsReadLimit is the largest message the library reads. Frames above
// MaxFrameBytes but within this limit are dropped by this package's own
// check and the connection stays open; a message above wsReadLimit makes
// the library close the connection with StatusMessageTooBig.
const wsReadLimit = ratelimit.MaxFrameBytes + 4096

// SessionFactory creates a new Session for one accepted connection and
// returns it already wired to a Conn backed by ws.
type SessionFactory func(id string, ws *websocket.Conn) *session.Session

// Front serves WebSocket upgrades at "/" and forwards each accepted
// connection's frames to a per-connection Session.
type Front struct {
	OriginPatterns []string
	Guard          *ratelimit.UpgradeGuard
	NewSession     SessionFactory
	Logger         *slog.Logger

	// OnRejected, if set, is invoked (outside any lock) whenever an
	// upgrade is rejected before a Session exists, with a short reason
	// ("origin" or "rate_limit"), for metrics/logging.
	OnRejected func(reason string)
	// OnConnect, if set, is invoked with a newly created Session before
	// its auth challenge is sent.
	OnConnect func(sess *session.Session)
	// OnClose, if set, is invoked once the Session's connection has
	// ended, for registry cleanup in the daemon orchestrator.
	OnClose func(id string)

	nextID func() string
}

// ServeHTTP implements http.Handler. Only "/" is handled here; other paths
// are expected to be routed to the Asset Server by the caller's mux.
func (f *Front) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: f.OriginPatterns,
	})
	if err != nil {
		// websocket.Accept already wrote the appropriate HTTP error
		// (403 on origin mismatch) before returning.
		if f.OnRejected != nil {
			f.OnRejected("origin")
		}
		return
	}
	ws.SetReadLimit(wsReadLimit)

	if !f.Guard.Allow() {
		ws.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
		if f.OnRejected != nil {
			f.OnRejected("rate_limit")
		}
		return
	}

	id := f.newID()
	sess := f.NewSession(id, ws)
	if f.OnConnect != nil {
		f.OnConnect(sess)
	}

	ctx := r.Context()
	defer func() {
		sess.Close(session.CloseNormal, "connection ended")
		if f.OnClose != nil {
			f.OnClose(id)
		}
	}()

	if err := sess.Start(); err != nil {
		return
	}

	f.readLoop(ctx, ws, sess)
}

func (f *Front) readLoop(ctx context.Context, ws *websocket.Conn, sess *session.Session) {
	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue // non-JSON frame: dropped silently
		}
		if len(data) > ratelimit.MaxFrameBytes {
			continue // oversize frame: dropped, connection stays open
		}
		if err := sess.HandleFrame(data); err != nil && f.Logger != nil {
			f.Logger.Debug("session frame error", "error", err)
		}
		if sess.State() == session.StateClosed {
			return
		}
	}
}

func (f *Front) newID() string {
	if f.nextID != nil {
		return f.nextID()
	}
	return newConnID()
}
