package wsfront

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/hjertefolger/root-operator-bridge/internal/hub"
	"github.com/hjertefolger/root-operator-bridge/internal/identity"
	"github.com/hjertefolger/root-operator-bridge/internal/ratelimit"
	"github.com/hjertefolger/root-operator-bridge/internal/session"
)

func newTestFront(t *testing.T) (*Front, *httptest.Server) {
	t.Helper()
	ks, err := identity.Open(filepath.Join(t.TempDir(), "keystore.jsonl"))
	if err != nil {
		t.Fatalf("Open keystore: %v", err)
	}
	h := hub.New(nil)

	front := &Front{
		OriginPatterns: []string{"127.0.0.1:*", "localhost:*"},
		Guard:          ratelimit.NewUpgradeGuard(),
		NewSession: func(id string, ws *websocket.Conn) *session.Session {
			return session.New(session.Options{
				ID:        id,
				Conn:      NewWSConn(ws),
				KeyStore:  ks,
				Hub:       h,
				PTYWriter: discardWriter{},
			})
		},
	}
	srv := httptest.NewServer(front)
	t.Cleanup(srv.Close)
	return front, srv
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestUpgradeAndReceiveChallenge(t *testing.T) {
	_, srv := newTestFront(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("message type = %v, want text", msgType)
	}
	if !strings.Contains(string(data), "auth_challenge") {
		t.Fatalf("first message = %q, want it to contain auth_challenge", data)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	_, srv := newTestFront(t)
	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRejectedOriginReturns403(t *testing.T) {
	_, srv := newTestFront(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for disallowed origin", resp.StatusCode)
	}
}

func TestRateLimitClosesExcessUpgrades(t *testing.T) {
	front, srv := newTestFront(t)
	front.Guard = ratelimit.NewUpgradeGuard()

	// Exhaust the window directly rather than opening 20 real sockets.
	for i := 0; i < ratelimit.MaxUpgradesPerWindow; i++ {
		if !front.Guard.Allow() {
			t.Fatalf("upgrade %d should have been allowed", i+1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed by the rate limiter")
	}
	closeErr := websocket.CloseStatus(err)
	if closeErr != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want StatusPolicyViolation", closeErr)
	}
}
