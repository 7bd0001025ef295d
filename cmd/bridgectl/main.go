// Package main provides bridgectl, a CLI for the bridge daemon's Control
// Surface: status, pending approvals, approve, and stop.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hjertefolger/root-operator-bridge/internal/control"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func main() {
	var socketPath string

	rootCmd := &cobra.Command{
		Use:   "bridgectl",
		Short: "Control a running bridge daemon over its local Control Surface",
	}
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Path to the Control Surface's Unix domain socket")

	rootCmd.AddCommand(statusCmd(&socketPath))
	rootCmd.AddCommand(pendingCmd(&socketPath))
	rootCmd.AddCommand(approveCmd(&socketPath))
	rootCmd.AddCommand(stopCmd(&socketPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the bridge daemon's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(*socketPath)
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			status, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query status: %w", err)
			}

			fmt.Println(headingStyle.Render("Bridge Status"))
			fmt.Printf("Tunnel URL:        %s\n", status.TunnelURL)
			fmt.Printf("Sessions attached: %d\n", status.SessionsAttached)
			fmt.Printf("Last fingerprint:  %s\n", status.LastFingerprint)
			pendingLine := fmt.Sprintf("%d", status.PendingCount)
			if status.PendingCount > 0 {
				pendingLine = warnStyle.Render(pendingLine)
			} else {
				pendingLine = okStyle.Render(pendingLine)
			}
			fmt.Printf("Pending approvals: %s\n", pendingLine)
			fmt.Printf("Replay buffer:     %s\n", humanize.Bytes(uint64(status.ReplayBufferSize)))
			return nil
		},
	}
}

func pendingCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List identities awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(*socketPath)
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			pending, err := c.Pending(ctx)
			if err != nil {
				return fmt.Errorf("failed to list pending identities: %w", err)
			}

			if len(pending.Pending) == 0 {
				fmt.Println("No identities awaiting approval.")
				return nil
			}

			for _, p := range pending.Pending {
				requested := p.RequestedAt
				if t, err := time.Parse(time.RFC3339, p.RequestedAt); err == nil {
					requested = humanize.Time(t)
				}
				fmt.Printf("%s  conn=%s  requested=%s\n", p.Kid, p.ConnID, requested)
			}
			return nil
		},
	}
}

func approveCmd(socketPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "approve <kid>",
		Short: "Approve a pending identity, pinning it under trust-on-first-use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid := args[0]

			if !yes {
				confirmed := false
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewConfirm().
							Title(fmt.Sprintf("Approve identity %s?", kid)).
							Description("This pins the identity permanently until the key store is edited by hand.").
							Affirmative("Approve").
							Negative("Cancel").
							Value(&confirmed),
					),
				)
				if err := form.Run(); err != nil {
					return fmt.Errorf("prompt failed: %w", err)
				}
				if !confirmed {
					fmt.Println("Not approved.")
					return nil
				}
			}

			c := control.NewClient(*socketPath)
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := c.Approve(ctx, kid); err != nil {
				return fmt.Errorf("failed to approve %s: %w", kid, err)
			}

			fmt.Printf("Approved %s.\n", kid)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func stopCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(*socketPath)
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := c.Stop(ctx); err != nil {
				return fmt.Errorf("failed to stop daemon: %w", err)
			}

			fmt.Println("Stop requested.")
			return nil
		},
	}
}
