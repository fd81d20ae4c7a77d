// Command h2agent runs the DIDComm HTTP/2 transport: an inbound server that
// hands messages to plaintext sessions, and a one-shot outbound sender.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"example.com/didcommh2/v2/internal/config"
)

var configFilePath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "h2agent",
		Short:         "DIDComm agent transport over HTTP/2",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to the configuration file (TOML or JSON)")
	root.AddCommand(newServeCmd(), newSendCmd())
	return root
}

// loadConfig reads --config, or returns defaults when none was given.
func loadConfig() (*config.Config, error) {
	if configFilePath == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(configFilePath)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
