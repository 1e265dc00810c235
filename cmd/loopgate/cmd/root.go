// Package cmd provides the CLI commands for LoopGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loopgate",
	Short: "LoopGate - local loopback SSE bridge",
	Long: `LoopGate is a local loopback bridge for JSON-RPC clients.

It listens on 127.0.0.1 only, negotiates a free port from a configured
range, and classifies each raw TCP connection by its first HTTP bytes:
WebSocket upgrade, SSE subscription, JSON-RPC POST, registration POST,
or CORS preflight.

Quick start:
  1. Optionally create a config file: loopgate.yaml
  2. Run: loopgate start

Configuration:
  Config is loaded from loopgate.yaml in the current directory,
  $HOME/.loopgate/, or /etc/loopgate/.

  Environment variables can override config values with the LOOPGATE_ prefix.
  Example: LOOPGATE_SERVER_PORT=42100

Commands:
  start       Start the bridge server
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./loopgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
