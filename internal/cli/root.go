// Package cli implements the keel command-line interface.
//
// This package uses global variables to manage CLI state, which is the
// standard pattern for Cobra-based CLI applications. The globals are
// initialized in PersistentPreRunE.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level state
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelwallet/keel/internal/config"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

var (
	// Global flags
	homeDir   string
	chainFlag string

	// Global state initialized in PersistentPreRunE
	cfg *config.Config
	log *slog.Logger
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Wallet chain-interaction engine",
	Long: `Keel is the chain-interaction core of a wallet: a chain and endpoint
registry with failover, a retrying JSON-RPC engine, and a transaction
lifecycle engine that drives drafts through signing, broadcast, and
receipt tracking.

Example:
  keel chains list
  keel chains switch eip155:137
  keel tx submit --to 0x... --value 0xde0b6b3a7640000 --key-file key.hex
  keel tx status <id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initGlobals()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "keel home directory (default ~/.keel)")
	rootCmd.PersistentFlags().StringVar(&chainFlag, "chain", "", "target chain reference, e.g. eip155:1")
}

// Execute runs the root command, rendering structured errors.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(err)
	}
	return err
}

// ExitCode returns the appropriate exit code for an error.
func ExitCode(err error) int {
	return keelerr.ExitCode(err)
}

// initGlobals loads the configuration and builds the process logger.
func initGlobals() error {
	home := homeDir
	if home == "" {
		home = os.Getenv(config.EnvHome)
	}
	if home == "" {
		home = config.DefaultHome()
	}

	loaded, err := config.Load(config.Path(home))
	if err != nil {
		if !keelerr.Is(err, keelerr.ErrConfigNotFound) {
			return err
		}
		loaded = config.Defaults()
	}
	loaded.Home = home

	config.ApplyEnvironment(loaded)
	if homeDir != "" {
		loaded.Home = homeDir
	}
	if chainFlag != "" {
		loaded.ActiveChain = chainFlag
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	cfg = loaded
	log = config.NewLogger(cfg.Logging)
	return nil
}

// printError renders a structured error with its code and suggestion.
func printError(err error) {
	var ke *keelerr.KeelError
	if keelerr.As(err, &ke) {
		fmt.Fprintf(os.Stderr, "error[%s]: %s\n", ke.Code, err.Error())
		if ke.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", ke.Suggestion)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
