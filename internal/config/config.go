// Package config provides configuration parsing and validation for the
// bridge daemon: the loopback listener, the tunnel subprocess, approved
// WebSocket origins, rate limit knobs, the PTY shell override, the asset
// server root, and the key store path (spec.md §6, SPEC_FULL.md's AMBIENT
// STACK).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete bridge daemon configuration.
type Config struct {
	Listener  ListenerConfig  `yaml:"listener"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Origins   OriginsConfig   `yaml:"origins"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	PTY       PTYConfig       `yaml:"pty"`
	Assets    AssetsConfig    `yaml:"assets"`
	KeyStore  KeyStoreConfig  `yaml:"key_store"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ListenerConfig is the loopback HTTP/WebSocket listener (spec.md §6:
// "HTTP/1.1 on loopback port 22000").
type ListenerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port string net.Listen expects.
func (l ListenerConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// LocalURL returns the loopback URL the tunnel subprocess is pointed at for
// quick-tunnel mode.
func (l ListenerConfig) LocalURL() string {
	return "http://" + l.Addr()
}

// TunnelConfig describes how to invoke the tunnel subprocess (spec.md §6).
type TunnelConfig struct {
	// Binary is the tunnel executable, e.g. "cloudflared".
	Binary string `yaml:"binary"`
	// Token requests a stable named tunnel; empty means an anonymous
	// quick tunnel via --url.
	Token string `yaml:"token"`
	// QuickTunnelTLD is the suffix used to recognize the provider's
	// wildcard quick-tunnel hostnames for origin matching, e.g.
	// "trycloudflare.com".
	QuickTunnelTLD string `yaml:"quick_tunnel_tld"`
	// Disabled skips spawning a tunnel subprocess entirely (e.g. for
	// local-only testing behind an operator's own reverse proxy).
	Disabled bool `yaml:"disabled"`
}

// OriginsConfig lists WebSocket origins approved beyond the built-in
// loopback and quick-tunnel-wildcard rules (spec.md §4.H).
type OriginsConfig struct {
	// CustomHost is an additional exact origin host an operator has
	// configured (e.g. a named tunnel's stable hostname).
	CustomHost string `yaml:"custom_host"`
}

// Patterns returns the full set of nhooyr.io/websocket OriginPatterns to
// accept, combining loopback, the quick-tunnel wildcard, and any
// operator-configured custom host.
func (o OriginsConfig) Patterns(quickTunnelTLD string) []string {
	patterns := []string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}
	if quickTunnelTLD != "" {
		patterns = append(patterns, "*."+quickTunnelTLD)
	}
	if o.CustomHost != "" {
		patterns = append(patterns, o.CustomHost)
	}
	return patterns
}

// RateLimitConfig carries the operator-tunable half of spec.md §4.D; the
// hard caps themselves (20/window, 3 attempts, 65536/4096 byte ceilings,
// resize clamps) are fixed by the protocol and live in internal/ratelimit,
// not here. This section only toggles whether rejected upgrades are
// logged; it does not expose or change the limit values.
type RateLimitConfig struct {
	LogRejections bool `yaml:"log_rejections"`
}

// PTYConfig allows overriding the shell the PTY Supervisor spawns; empty
// falls back to the daemon's built-in zsh/bash/sh search (spec.md §4.E).
type PTYConfig struct {
	ShellOverride string `yaml:"shell_override"`
}

// AssetsConfig pins the HTTP Asset Server's serving root (spec.md §4.I).
type AssetsConfig struct {
	Root string `yaml:"root"`
}

// KeyStoreConfig locates the TOFU identity store (spec.md §4.C).
type KeyStoreConfig struct {
	Path string `yaml:"path"`
}

// ControlConfig locates the Control Surface's Unix domain socket (spec.md
// §4.J / §6).
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// LoggingConfig selects the structured logger's level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration a fresh install starts from: loopback
// port 22000, a quick cloudflare tunnel, data files under the given
// directory, and text logging at info level.
func Default(dataDir string) *Config {
	return &Config{
		Listener: ListenerConfig{Host: "127.0.0.1", Port: 22000},
		Tunnel: TunnelConfig{
			Binary:         "cloudflared",
			QuickTunnelTLD: "trycloudflare.com",
		},
		Origins: OriginsConfig{},
		RateLimit: RateLimitConfig{
			LogRejections: true,
		},
		PTY: PTYConfig{},
		Assets: AssetsConfig{
			Root: dataDir + "/web",
		},
		KeyStore: KeyStoreConfig{
			Path: dataDir + "/keystore.jsonl",
		},
		Control: ControlConfig{
			SocketPath: dataDir + "/control.sock",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config layered over Default("./data").
func Parse(data []byte) (*Config, error) {
	cfg := Default("./data")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is internally consistent, per the
// teacher's "Validate returns wrapped errors" convention.
func (c *Config) Validate() error {
	if c.Listener.Port < 1 || c.Listener.Port > 65535 {
		return fmt.Errorf("listener: invalid port %d", c.Listener.Port)
	}
	if strings.TrimSpace(c.Listener.Host) == "" {
		return fmt.Errorf("listener: host must not be empty")
	}
	if !c.Tunnel.Disabled && strings.TrimSpace(c.Tunnel.Binary) == "" {
		return fmt.Errorf("tunnel: binary must not be empty unless tunnel.disabled is set")
	}
	if strings.TrimSpace(c.Assets.Root) == "" {
		return fmt.Errorf("assets: root must not be empty")
	}
	if strings.TrimSpace(c.KeyStore.Path) == "" {
		return fmt.Errorf("key_store: path must not be empty")
	}
	if strings.TrimSpace(c.Control.SocketPath) == "" {
		return fmt.Errorf("control: socket_path must not be empty")
	}
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging: invalid level %q", c.Logging.Level)
	}
	if !isValidLogFormat(c.Logging.Format) {
		return fmt.Errorf("logging: invalid format %q", c.Logging.Format)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String renders the configuration as YAML, for `bridged status`-style
// diagnostics, with TunnelConfig.Token redacted since it is the one secret
// this struct carries (the key store and any OS-keychain-held secrets live
// outside it).
func (c *Config) String() string {
	redacted := *c
	if redacted.Tunnel.Token != "" {
		redacted.Tunnel.Token = "<redacted>"
	}
	b, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Sprintf("<config: marshal error: %v>", err)
	}
	return string(b)
}
