package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dvcrn/waystation-auth/internal/config"
	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no session is available.
	ExitCodeAuthRequired = 2
)

// Version can be set during build with -ldflags
var version = "dev"

// authRequiredError is returned when a command needs a signed-in session.
type authRequiredError struct{}

func (authRequiredError) Error() string {
	return "not signed in, run 'waystation login'"
}

// Global flags
var (
	flagListen       string
	flagDataDir      string
	flagControlToken string
	flagLogLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "waystation",
	Short: "Waystation session daemon",
	Long: `waystation keeps the Waystation sign-in session alive.

'waystation serve' runs the daemon that owns the session, refreshes it before
it expires and handles waystation:// deep links. The other commands talk to
the running daemon.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "waystation version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVar(&flagListen, "listen", "", "control API address (default from WAYSTATION_LISTEN_ADDR)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default ~/.waystation)")
	rootCmd.PersistentFlags().StringVar(&flagControlToken, "control-token", "", "control API token (default from WAYSTATION_CONTROL_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (default from WAYSTATION_LOG_LEVEL)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newOpenCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newStatusCmd())
}

// loadConfig reads the environment and applies the global flags.
func loadConfig() (config.Config, error) {
	if flagDataDir != "" {
		if err := os.Setenv("WAYSTATION_DATA_DIR", flagDataDir); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagControlToken != "" {
		cfg.ControlToken = flagControlToken
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

func exitCode(err error) int {
	var authRequired authRequiredError
	if errors.As(err, &authRequired) {
		return ExitCodeAuthRequired
	}
	return ExitCodeError
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := exitCode(err)
		if code == ExitCodeAuthRequired {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
}
