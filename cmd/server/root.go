package main

import (
	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserbase-stream/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "browserstream",
		Short:        "Multi-tenant headless browser streaming server",
		Long:         "browserstream runs a pool of headless browsers and streams each one to a WebSocket client, relaying the client's input back to the page.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	serveCmd := newServeCmd(load, &configPath)
	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(serveCmd, newWorkerCmd(load))

	return rootCmd
}
