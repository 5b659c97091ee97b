package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/mailconnect/internal/discovery"
	"github.com/example/mailconnect/internal/models"
)

var discoverCmd = &cobra.Command{
	Use:   "discover <email>",
	Short: "Discover mail server settings for an address",
	Long: `Run every discovery strategy for the address's domain and print the
ranked candidates.

Examples:
  # Ranked candidates only
  autoconfig discover alice@example.com

  # Probe the top candidates and re-rank by reachability
  autoconfig discover alice@example.com --test

  # Stop probing at the first reachable server, JSON output
  autoconfig discover alice@example.com --test --first-working --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		test, _ := cmd.Flags().GetBool("test")
		firstWorking, _ := cmd.Flags().GetBool("first-working")
		asJSON, _ := cmd.Flags().GetBool("json")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		orch, err := discovery.FromConfig(cfg.Discovery, cfg.Probe, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		var results []models.DiscoveryResult
		if test {
			results = orch.DiscoverAndTest(ctx, args[0], discovery.TestOptions{FirstWorking: firstWorking})
		} else {
			results = orch.Discover(ctx, args[0])
		}
		return renderResults(cmd.OutOrStdout(), results, asJSON)
	},
}

func init() {
	discoverCmd.Flags().Bool("test", false, "Probe the top candidates for connectivity")
	discoverCmd.Flags().Bool("first-working", false, "With --test, stop at the first reachable candidate")
	discoverCmd.Flags().Bool("json", false, "Print results as JSON")
	discoverCmd.Flags().Duration("timeout", 30*time.Second, "Overall deadline for discovery and probing")
	rootCmd.AddCommand(discoverCmd)
}

func renderResults(w io.Writer, results []models.DiscoveryResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		_, err := fmt.Fprintln(w, color.YellowString("No candidates found; enter the server settings manually."))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPROTOCOL\tHOST\tPORT\tTLS\tCONFIDENCE\tSOURCE\tTEST")
	for i, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%t\t%.2f\t%s\t%s\n",
			i+1,
			r.Candidate.Protocol,
			r.Candidate.Host,
			r.Candidate.Port,
			r.Candidate.IsSecure,
			r.Confidence,
			r.Source,
			testColumn(r.TestOutcome),
		)
	}
	return tw.Flush()
}

func testColumn(o *models.TestOutcome) string {
	switch {
	case o == nil:
		return "-"
	case o.Success:
		return color.GreenString("ok %dms", o.ResponseTimeMs)
	default:
		return color.RedString("failed")
	}
}
