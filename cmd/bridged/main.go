// Package main provides the CLI entry point for the bridge daemon.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hjertefolger/root-operator-bridge/internal/bridge"
	"github.com/hjertefolger/root-operator-bridge/internal/config"
	"github.com/hjertefolger/root-operator-bridge/internal/logging"
	"github.com/hjertefolger/root-operator-bridge/internal/provisioning"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "bridged",
		Short:   "Bridge daemon - remote terminal access over an authenticated, end-to-end encrypted channel",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(provisionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge daemon",
		Long:  "Start the bridge daemon: loopback listener, tunnel subprocess, and Control Surface.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			d, err := bridge.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create bridge daemon: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := d.Start(ctx); err != nil {
				return fmt.Errorf("failed to start bridge daemon: %w", err)
			}

			fmt.Printf("Bridge daemon listening on %s\n", cfg.Listener.Addr())
			fmt.Printf("Control Surface: %s\n", cfg.Control.SocketPath)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := d.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Bridge daemon stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func initCmd() *cobra.Command {
	var configPath string
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("refusing to overwrite existing config at %s", configPath)
			}

			cfg := config.Default(dataDir)
			if err := os.WriteFile(configPath, []byte(cfg.String()), 0600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Wrote default configuration to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to write the configuration file")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for the key store, assets, and control socket")
	return cmd
}

// provisionCmd requests (or re-customizes) a tunnel token from a
// provisioning worker, an external collaborator the bridge daemon itself
// never calls at runtime (spec.md §6 specifies the worker's API without
// requiring the daemon to consume it). This is the CLI-operated path an
// operator uses to obtain a named tunnel token out of band.
func provisionCmd() *cobra.Command {
	var baseURL, machineID, keyPath, challenge, subdomain string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Request or customize a named tunnel from a provisioning worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadOrCreateMachineKey(keyPath)
			if err != nil {
				return fmt.Errorf("failed to load machine key: %w", err)
			}

			client := provisioning.NewClient(baseURL, machineID, key)

			var resp *provisioning.TunnelRequestResponse
			if subdomain != "" {
				resp, err = client.CustomizeSubdomain(subdomain, challenge)
			} else {
				resp, err = client.RequestTunnel(challenge)
			}
			if err != nil {
				return fmt.Errorf("provisioning request failed: %w", err)
			}

			fmt.Printf("Tunnel token: %s\n", resp.TunnelToken)
			fmt.Printf("Subdomain:    %s\n", resp.Subdomain)
			fmt.Printf("Hostname:     %s\n", resp.Hostname)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "worker-url", "", "Base URL of the provisioning worker (required)")
	cmd.Flags().StringVar(&machineID, "machine-id", "", "This machine's identifier with the worker (required)")
	cmd.Flags().StringVar(&keyPath, "machine-key", "./data/machine.pem", "Path to this machine's ECDSA-P256 signing key, created if absent")
	cmd.Flags().StringVar(&challenge, "challenge", "", "Challenge string issued by the worker (required)")
	cmd.Flags().StringVar(&subdomain, "subdomain", "", "If set, customize the tunnel to this subdomain instead of requesting a fresh one")
	cmd.MarkFlagRequired("worker-url")
	cmd.MarkFlagRequired("machine-id")
	cmd.MarkFlagRequired("challenge")
	return cmd
}

// loadOrCreateMachineKey reads an ECDSA-P256 private key from an EC PEM
// file at path, generating and persisting a fresh one if none exists yet.
func loadOrCreateMachineKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("invalid PEM in %s", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := provisioning.GenerateMachineKey()
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default("./data"), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
