package bridge

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hjertefolger/root-operator-bridge/internal/config"
	"github.com/hjertefolger/root-operator-bridge/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	assetsRoot := filepath.Join(dir, "web")
	if err := os.MkdirAll(assetsRoot, 0700); err != nil {
		t.Fatalf("mkdir assets root: %v", err)
	}
	if err := os.WriteFile(filepath.Join(assetsRoot, "index.html"), []byte("<html></html>"), 0600); err != nil {
		t.Fatalf("write index.html: %v", err)
	}

	cfg := config.Default(dir)
	cfg.Listener.Port = 0 // let the OS choose a free port
	cfg.Tunnel.Disabled = true
	cfg.Assets.Root = assetsRoot
	cfg.KeyStore.Path = filepath.Join(dir, "keystore.jsonl")
	cfg.Control.SocketPath = filepath.Join(dir, "control.sock")
	return cfg
}

func TestNewOpensComponents(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.keyStore == nil || d.hub == nil || d.front == nil || d.assetsrv == nil {
		t.Fatal("New did not wire all components")
	}
	if d.tun != nil {
		t.Fatal("tunnel supervisor should be nil when Tunnel.Disabled is set")
	}
}

func TestStatusBeforeAnyConnection(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status := d.Status()
	if status.SessionsAttached != 0 {
		t.Errorf("sessions attached = %d, want 0", status.SessionsAttached)
	}
	if status.PendingCount != 0 {
		t.Errorf("pending count = %d, want 0", status.PendingCount)
	}
	if status.TunnelURL != "" {
		t.Errorf("tunnel url = %q, want empty (tunnel disabled)", status.TunnelURL)
	}
}

func TestApproveUnknownKidFails(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Approve("does-not-exist"); err == nil {
		t.Fatal("expected error approving a kid with no pending entry")
	}
}

func TestStartServesAssetsAndStops(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := d.listener.Addr().String()
	resp, err := http.Get("http://" + addr + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}

	if _, err := os.Stat(cfg.Control.SocketPath); !os.IsNotExist(err) {
		t.Error("control socket should be removed after Stop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get("http://" + addr + "/index.html"); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("listener still accepting connections after Stop")
}
