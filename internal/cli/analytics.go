package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Pipeline statistics derived from the ledger",
	Long: `Stage dwell times, rework and escalation rates, decision outcome
distribution and weekly throughput, computed from the ledger.

--since accepts an RFC 3339 timestamp, a date (2024-06-01) or a Go duration
counted back from now (168h).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceFlag, _ := cmd.Flags().GetString("since")
		format, _ := cmd.Flags().GetString("format")
		since, err := analytics.ParseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			entries, err := e.ledger.All(ctx)
			if err != nil {
				return err
			}
			report := analytics.Compute(entries, since)
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		})
	},
}

func printReport(out io.Writer, r analytics.Report) {
	if r.Entries == 0 {
		fmt.Fprintln(out, "Ledger is empty.")
		return
	}
	newTable := func(title string, header table.Row) table.Writer {
		fmt.Fprintf(out, "\n%s\n", title)
		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(header)
		return tw
	}

	tw := newTable("Stage duration (minutes)", table.Row{"Stage", "Visits", "Avg", "P50", "P95"})
	for _, d := range r.StageDurations {
		tw.AppendRow(table.Row{d.Stage, d.Count, d.Avg, d.P50, d.P95})
	}
	tw.Render()

	tw = newTable("Rework", table.Row{"Stage", "Visits", "Reworks", "Escalations", "Rework %"})
	for _, s := range r.Rework {
		tw.AppendRow(table.Row{s.Stage, s.Visits, s.Reworks, s.Escalations, s.ReworkRate})
	}
	tw.Render()

	tw = newTable("Decision outcomes", table.Row{"Type", "Outcome", "Count", "Share %"})
	for _, o := range r.Outcomes {
		tw.AppendRow(table.Row{o.Type, o.Outcome, o.Count, o.Share})
	}
	tw.Render()

	tw = newTable("Weekly throughput", table.Row{"Week", "Created", "Completed", "Cancelled"})
	for _, t := range r.Throughput {
		tw.AppendRow(table.Row{t.Week, t.Created, t.Completed, t.Cancelled})
	}
	tw.Render()
}

func init() {
	analyticsCmd.Flags().String("since", "", "Only count activity after this time")
	analyticsCmd.Flags().String("format", "text", "Output format: text or json")
}
