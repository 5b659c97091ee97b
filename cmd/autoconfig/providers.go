package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/mailconnect/internal/dispatch"
	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/factory"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show the configured delivery providers and their health",
	Long: `Build every backend listed in PROVIDER_BACKENDS and print a health
snapshot. With --check each provider is verified first (connect and
authenticate, no message is sent).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		check, _ := cmd.Flags().GetBool("check")
		asJSON, _ := cmd.Flags().GetBool("json")

		backends, err := factory.Build(cfg.Providers, log)
		if err != nil {
			return err
		}
		d, err := dispatch.FromConfig(cfg.Dispatch, backends, log)
		if err != nil {
			return err
		}
		if check {
			d.Registry().CheckHealth(cmd.Context())
		}
		return renderSnapshots(cmd.OutOrStdout(), d.Registry().Snapshot(), asJSON)
	},
}

func init() {
	providersCmd.Flags().Bool("check", false, "Verify each provider before printing")
	providersCmd.Flags().Bool("json", false, "Print the snapshot as JSON")
	rootCmd.AddCommand(providersCmd)
}

func renderSnapshots(w io.Writer, snaps []models.ProviderSnapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	if len(snaps) == 0 {
		_, err := fmt.Fprintln(w, color.YellowString("No delivery providers configured (set PROVIDER_BACKENDS)."))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tNAME\tSTATUS\tDAILY\tHOURLY\tERROR RATE")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%.0f%%\n",
			s.Priority,
			s.ProviderID,
			s.DisplayName,
			statusColumn(s.Status),
			usage(s.DailySent, s.DailyLimit),
			usage(s.HourlySent, s.HourlyLimit),
			s.ErrorRate*100,
		)
	}
	return tw.Flush()
}

func usage(sent, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d", sent)
	}
	return fmt.Sprintf("%d/%d", sent, limit)
}

func statusColumn(s models.HealthStatus) string {
	switch s {
	case models.HealthHealthy:
		return color.GreenString(string(s))
	case models.HealthDegraded:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}
