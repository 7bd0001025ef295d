// Package bridge wires the bridge daemon's components — the Key Store, Rate
// & Quota Guard, Broadcast Hub, PTY Supervisor, WebSocket Front, HTTP Asset
// Server, tunnel subprocess, Control Surface, and metrics — into a single
// start/stop lifecycle (spec.md §3, §5).
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"github.com/hjertefolger/root-operator-bridge/internal/assets"
	"github.com/hjertefolger/root-operator-bridge/internal/config"
	"github.com/hjertefolger/root-operator-bridge/internal/control"
	"github.com/hjertefolger/root-operator-bridge/internal/hub"
	"github.com/hjertefolger/root-operator-bridge/internal/identity"
	"github.com/hjertefolger/root-operator-bridge/internal/logging"
	"github.com/hjertefolger/root-operator-bridge/internal/metrics"
	"github.com/hjertefolger/root-operator-bridge/internal/ptysupervisor"
	"github.com/hjertefolger/root-operator-bridge/internal/ratelimit"
	"github.com/hjertefolger/root-operator-bridge/internal/sanitize"
	"github.com/hjertefolger/root-operator-bridge/internal/session"
	"github.com/hjertefolger/root-operator-bridge/internal/tunnel"
	"github.com/hjertefolger/root-operator-bridge/internal/wsfront"
)

// pendingEntry tracks one unknown identity awaiting an operator's approve()
// decision, alongside the Session it arrived on.
type pendingEntry struct {
	jwk         []byte
	connID      string
	requestedAt time.Time
	sess        *session.Session
}

// Daemon owns every piece of mutable state the bridge process holds: the
// one Key Store, one Rate & Quota Guard, one Broadcast Hub, at most one PTY,
// and the set of currently connected Sessions. Exactly one Daemon exists per
// running process (spec.md §3).
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	mx     *metrics.Metrics

	keyStore *identity.KeyStore
	guard    *ratelimit.UpgradeGuard
	hub      *hub.Hub
	front    *wsfront.Front
	assetsrv *assets.Server
	tun      *tunnel.Supervisor
	ctrl     *control.Server

	instanceID string

	httpServer *http.Server
	listener   net.Listener

	ptyOnce     sync.Once
	ptyStartErr error

	mu              sync.Mutex
	pty             *ptysupervisor.Supervisor
	lastFingerprint string
	sessions        map[string]*session.Session
	pending         map[string]pendingEntry // keyed by kid

	stopOnce sync.Once
}

// New builds a Daemon from cfg without starting any network listener or
// subprocess. It opens the Key Store and resolves the Asset Server root
// eagerly, since both are read-only-at-construction failures an operator
// should see immediately.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	ks, err := identity.Open(cfg.KeyStore.Path)
	if err != nil {
		return nil, fmt.Errorf("bridge: open key store: %w", err)
	}

	assetSrv, err := assets.New(cfg.Assets.Root)
	if err != nil {
		return nil, fmt.Errorf("bridge: asset server: %w", err)
	}

	instanceID, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("bridge: generate instance id: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		mx:         metrics.New(prometheus.NewRegistry()),
		keyStore:   ks,
		guard:      ratelimit.NewUpgradeGuard(),
		assetsrv:   assetSrv,
		instanceID: instanceID,
		sessions:   make(map[string]*session.Session),
		pending:    make(map[string]pendingEntry),
	}
	d.hub = hub.New(d.onHubDetach)

	d.front = &wsfront.Front{
		OriginPatterns: cfg.Origins.Patterns(cfg.Tunnel.QuickTunnelTLD),
		Guard:          d.guard,
		NewSession:     d.newSession,
		Logger:         logger,
		OnRejected:     d.onRejected,
		OnConnect:      d.onConnect,
		OnClose:        d.onClose,
	}

	if !cfg.Tunnel.Disabled {
		d.tun = tunnel.New(tunnel.Config{
			Binary:   cfg.Tunnel.Binary,
			LocalURL: cfg.Listener.LocalURL(),
			Token:    cfg.Tunnel.Token,
		}, d.onTunnelLive)
	}

	d.ctrl = control.NewServer(control.ServerConfig{
		SocketPath:   cfg.Control.SocketPath,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}, d)

	return d, nil
}

// Start binds the loopback listener, launches the Control Surface, and (if
// configured) the tunnel subprocess. It returns once the listener is bound;
// the tunnel's public URL and any streaming session arrive asynchronously.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Listener.Addr())
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", d.cfg.Listener.Addr(), err)
	}
	d.listener = ln

	d.httpServer = &http.Server{Handler: d}
	go func() {
		if err := d.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.logger.Error("http server exited", logging.KeyError, err)
		}
	}()

	if err := d.ctrl.Start(); err != nil {
		return fmt.Errorf("bridge: start control surface: %w", err)
	}

	if d.tun != nil {
		if err := d.tun.Start(ctx); err != nil {
			return fmt.Errorf("bridge: start tunnel: %w", err)
		}
		d.mx.RecordTunnelRestart()
	}

	d.logger.Info("bridge daemon started",
		logging.KeyAddress, d.cfg.Listener.Addr(),
		logging.KeyComponent, "bridge",
	)
	return nil
}

// ServeHTTP dispatches a WebSocket upgrade at "/" to the WebSocket Front and
// everything else to the Asset Server, since both share the single loopback
// listener (spec.md §4.H, §4.I).
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && isWebSocketUpgrade(r) {
		d.front.ServeHTTP(w, r)
		return
	}
	d.assetsrv.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// newSession is the wsfront.SessionFactory the daemon wires into its Front.
func (d *Daemon) newSession(id string, ws *websocket.Conn) *session.Session {
	return session.New(session.Options{
		ID:            id,
		Conn:          wsfront.NewWSConn(ws),
		KeyStore:      d.keyStore,
		Hub:           d.hub,
		PTYWriter:     (*daemonPTY)(d),
		OnFingerprint: d.onFingerprint,
		OnPending:     d.onPending,
		OnAuthFailure: d.onAuthFailure,
	})
}

func (d *Daemon) onAuthFailure(reason string) {
	d.mx.RecordAuthFailure(reason)
}

func (d *Daemon) onRejected(reason string) {
	d.mx.RecordUpgradeRejected(reason)
	if d.cfg.RateLimit.LogRejections {
		d.logger.Warn("upgrade rejected", logging.KeyReason, reason)
	}
}

func (d *Daemon) onConnect(sess *session.Session) {
	d.mu.Lock()
	d.sessions[sess.ID()] = sess
	d.mu.Unlock()
	d.mx.RecordUpgrade()
}

func (d *Daemon) onClose(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	for kid, p := range d.pending {
		if p.connID == id {
			delete(d.pending, kid)
		}
	}
	pendingCount := len(d.pending)
	d.mu.Unlock()
	d.mx.SetPendingApprovals(pendingCount)
}

func (d *Daemon) onFingerprint(sessionID, fingerprint string) {
	d.mu.Lock()
	d.lastFingerprint = fingerprint
	d.mu.Unlock()
	d.mx.RecordAuthSuccess()
	d.mx.SessionAttached()
	d.logger.Info("session streaming",
		logging.KeyConnID, sessionID,
		logging.KeyFingerprint, fingerprint,
	)
}

func (d *Daemon) onPending(pa session.PendingApproval) {
	d.mu.Lock()
	d.pending[pa.Kid] = pendingEntry{
		jwk:         pa.JWK,
		connID:      pa.Session.ID(),
		requestedAt: time.Now(),
		sess:        pa.Session,
	}
	pendingCount := len(d.pending)
	d.mu.Unlock()
	d.mx.SetPendingApprovals(pendingCount)
	d.logger.Info("identity pending approval",
		logging.KeyKid, pa.Kid,
		logging.KeyConnID, pa.Session.ID(),
	)
}

func (d *Daemon) onHubDetach(id string) {
	d.mx.SessionDetached("hub_detach")
}

func (d *Daemon) onTunnelLive(url string) {
	d.logger.Info("tunnel live", "url", url)
}

// Status implements control.Daemon.
func (d *Daemon) Status() control.StatusResponse {
	d.mu.Lock()
	fp := d.lastFingerprint
	pendingCount := len(d.pending)
	d.mu.Unlock()

	tunnelURL := ""
	if d.tun != nil {
		tunnelURL = d.tun.LiveURL()
	}

	return control.StatusResponse{
		TunnelURL:        tunnelURL,
		SessionsAttached: d.hub.Count(),
		LastFingerprint:  fp,
		PendingCount:     pendingCount,
		ReplayBufferSize: len(d.hub.ReplaySnapshot()),
	}
}

// Pending implements control.Daemon.
func (d *Daemon) Pending() []control.PendingIdentity {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]control.PendingIdentity, 0, len(d.pending))
	for kid, p := range d.pending {
		out = append(out, control.PendingIdentity{
			Kid:         kid,
			ConnID:      p.connID,
			RequestedAt: p.requestedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// Approve implements control.Daemon: it pins kid's identity in the Key
// Store and advances the waiting Session past authentication.
func (d *Daemon) Approve(kid string) error {
	d.mu.Lock()
	p, ok := d.pending[kid]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("bridge: no pending approval for kid %s", kid)
	}

	if err := p.sess.Approve(); err != nil {
		return fmt.Errorf("bridge: approve %s: %w", kid, err)
	}

	d.mu.Lock()
	delete(d.pending, kid)
	pendingCount := len(d.pending)
	d.mu.Unlock()
	d.mx.SetPendingApprovals(pendingCount)
	return nil
}

// Stop implements control.Daemon: it closes every attached session with
// close code 1001 ("Bridge stopped"), tears down the PTY and tunnel
// subprocess, and shuts down the HTTP listener and Control Surface. Safe to
// call more than once.
func (d *Daemon) Stop() error {
	var stopErr error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		sessions := make([]*session.Session, 0, len(d.sessions))
		for _, s := range d.sessions {
			sessions = append(sessions, s)
		}
		pty := d.pty
		d.mu.Unlock()

		for _, s := range sessions {
			s.Close(session.CloseGoingAway, "Bridge stopped")
		}

		if pty != nil {
			if err := pty.Close(); err != nil {
				d.logger.Warn("pty close error", logging.KeyError, err)
			}
		}

		if d.tun != nil {
			if err := d.tun.Stop(); err != nil {
				d.logger.Warn("tunnel stop error", logging.KeyError, err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if d.httpServer != nil {
			if err := d.httpServer.Shutdown(ctx); err != nil {
				stopErr = fmt.Errorf("bridge: shutdown http server: %w", err)
			}
		}

		if err := d.ctrl.Stop(); err != nil && stopErr == nil {
			stopErr = fmt.Errorf("bridge: stop control surface: %w", err)
		}

		d.logger.Info("bridge daemon stopped")
	})
	return stopErr
}

// ensurePTY lazily spawns the single PTY shell the first time any session
// needs to write to it, per spec.md §3's "the PTY exists iff at least one
// Connection has entered streaming since the last stop." It is never
// re-created within the same daemon lifetime; Stop tears it down for good.
func (d *Daemon) ensurePTY() error {
	d.ptyOnce.Do(func() {
		sup, err := ptysupervisor.Start(d.instanceID, d.cfg.PTY.ShellOverride)
		if err != nil {
			d.ptyStartErr = fmt.Errorf("bridge: start pty: %w", err)
			return
		}
		d.mu.Lock()
		d.pty = sup
		d.mu.Unlock()
		go d.pumpPTY(sup)
	})
	return d.ptyStartErr
}

// pumpPTY reads raw shell output, sanitizes it, and publishes it to the
// Broadcast Hub until the PTY is closed.
func (d *Daemon) pumpPTY(sup *ptysupervisor.Supervisor) {
	buf := make([]byte, 8192)
	for {
		n, err := sup.Read(buf)
		if n > 0 {
			clean := sanitize.Sanitize(buf[:n])
			d.hub.Publish(clean)
			d.mx.RecordPTYPublish(len(clean), len(d.hub.ReplaySnapshot()))
		}
		if err != nil {
			return
		}
	}
}

// daemonPTY adapts a Daemon to the io.Writer-plus-Resize surface a Session
// expects as its PTYWriter, lazily spawning the shared PTY on first use.
type daemonPTY Daemon

func (p *daemonPTY) Write(b []byte) (int, error) {
	d := (*Daemon)(p)
	if err := d.ensurePTY(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	pty := d.pty
	d.mu.Unlock()
	return pty.Write(b)
}

func (p *daemonPTY) Resize(cols, rows uint16) error {
	d := (*Daemon)(p)
	if err := d.ensurePTY(); err != nil {
		return err
	}
	d.mu.Lock()
	pty := d.pty
	d.mu.Unlock()
	return pty.Resize(cols, rows)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
