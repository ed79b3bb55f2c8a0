package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dukahq/billing/internal/auth"
	"github.com/dukahq/billing/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "billingd",
	Short:   "Duka billing engine - subscription entitlement and billing for multi-tenant retail",
	Long:    `billingd decides per-branch write access, tracks subscription lifecycles, and computes multi-cycle pricing and proration for the Duka retail platform.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(context.Background(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the billing HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(context.Background(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("billingd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

// hashpwCmd hashes an admin password for seeding the admin_users table
// without the plaintext landing in shell history.
var hashpwCmd = &cobra.Command{
	Use:   "hashpw [password]",
	Short: "Hash an admin password with bcrypt",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			fmt.Fprint(os.Stderr, "Password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
		}

		if err := auth.ValidatePasswordComplexity(password); err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashpwCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
