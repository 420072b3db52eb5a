// Package cli defines the kioskctl commands: a terminal stand-in for the display and
// the remote, plus the admin operations.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/schoolkiosk/kiosk-relay-go/internal/client"
)

var (
	serverURL string
	verbose   bool
	version   = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "kioskctl",
	Short: "Command-line client for the kiosk relay",
	Long: `kioskctl talks to a kiosk relay server. It can act as a display
(issuing a PIN and rendering control updates), as a remote that pairs by PIN
and sends pages, or as an administrator.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("KIOSK_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Relay base URL (env KIOSK_SERVER)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log client activity to stderr")

	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(adminCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// commandContext falls back to Background when the command runs without a context.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
