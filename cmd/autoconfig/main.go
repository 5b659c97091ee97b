// Command autoconfig discovers mail server settings for an address and
// inspects the configured delivery providers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/logger"
)

var (
	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "autoconfig",
	Short: "Mail server discovery and delivery provider tooling",
	Long: `Discover IMAP, POP3 and SMTP settings for an email address and inspect
the health of the configured outbound delivery providers.

Configuration is read from the environment (and .env when present).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			loaded.App.LogLevel = level
		}

		base, err := logger.New(loaded.App.Env, loaded.App.LogLevel)
		if err != nil {
			return fmt.Errorf("logger init: %w", err)
		}
		cfg = loaded
		log = base.With().Str("service", "autoconfig").Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
