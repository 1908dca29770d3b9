// Package vaultcli provides the command-line interface for vaultpull.
package vaultcli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-int/internal/logging"
)

// Version information - set by main package at startup.
var (
	Version   = "v0.1.0-dev"
	BuildTime = "dev"
)

var (
	cfgFile string
	logger  *logging.Logger

	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vaultpull",
		Short: "Fetch and decrypt a block-encrypted file from a signed manifest URL",
		Long: `vaultpull ` + Version + ` - Built: ` + BuildTime + `

Downloads a large file from an origin serving it in a block-encrypted
container format: fetches the signed manifest, pulls the cipher-stream in
bounded byte ranges over many concurrent connections, decrypts block by
block on worker threads, and streams plaintext to disk in order. Partially
completed downloads resume across invocations without redownloading
segments already fetched.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefault()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Settings file path (default: platform config dir)")
	rootCmd.Version = Version + " (" + BuildTime + ")"

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newClearCmd())
	rootCmd.AddCommand(newRetryCmd())

	return rootCmd
}

// Execute runs the CLI, wiring SIGINT/SIGTERM into a cancellable context so
// an in-flight fetch can wind down and leave a resumable Resume Store state
// instead of corrupting the sink.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// GetLogger returns the process-wide CLI logger, initializing a default one
// if called before Execute (e.g. from a test).
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return logger
}

// GetContext returns the signal-aware root context.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}
