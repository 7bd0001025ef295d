package provisioning

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	key, err := GenerateMachineKey()
	if err != nil {
		t.Fatalf("GenerateMachineKey: %v", err)
	}
	return NewClient(srv.URL, "machine-1", key)
}

func TestRequestTunnelSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tunnel/request" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body tunnelRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.MachineID != "machine-1" {
			t.Errorf("machineId = %q, want machine-1", body.MachineID)
		}
		if body.Challenge != "abc123" {
			t.Errorf("challenge = %q, want abc123", body.Challenge)
		}
		if body.Signature == "" {
			t.Error("expected non-empty signature")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TunnelRequestResponse{
			Success:     true,
			TunnelToken: "tok-xyz",
			Subdomain:   "sunny-otter",
			Hostname:    "sunny-otter.trycloudflare.com",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.RequestTunnel("abc123")
	if err != nil {
		t.Fatalf("RequestTunnel: %v", err)
	}
	if resp.TunnelToken != "tok-xyz" {
		t.Errorf("tunnel token = %q, want tok-xyz", resp.TunnelToken)
	}
}

func TestRequestTunnelRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TunnelRequestResponse{Success: false})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.RequestTunnel("abc123"); err == nil {
		t.Fatal("expected error when worker reports success=false")
	}
}

func TestCustomizeSubdomainValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("worker should not be contacted for an invalid subdomain")
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	if _, err := c.CustomizeSubdomain("a", "chal"); err != ErrInvalidSubdomain {
		t.Errorf("expected ErrInvalidSubdomain for too-short subdomain, got %v", err)
	}
	if _, err := c.CustomizeSubdomain("UPPER-case", "chal"); err != ErrInvalidSubdomain {
		t.Errorf("expected ErrInvalidSubdomain for uppercase subdomain, got %v", err)
	}
	if _, err := c.CustomizeSubdomain("admin", "chal"); err != ErrReservedSubdomain {
		t.Errorf("expected ErrReservedSubdomain for 'admin', got %v", err)
	}
}

func TestCustomizeSubdomainSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tunnel/customize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body tunnelCustomizeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.NewSubdomain != "sunny-otter" {
			t.Errorf("newSubdomain = %q, want sunny-otter", body.NewSubdomain)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TunnelRequestResponse{
			Success:   true,
			Subdomain: "sunny-otter",
			Hostname:  "sunny-otter.trycloudflare.com",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.CustomizeSubdomain("sunny-otter", "chal")
	if err != nil {
		t.Fatalf("CustomizeSubdomain: %v", err)
	}
	if resp.Hostname != "sunny-otter.trycloudflare.com" {
		t.Errorf("hostname = %q", resp.Hostname)
	}
}
