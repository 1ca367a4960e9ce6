package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Export, import and inspect the ledger",
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every ledger entry as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("out")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			var w io.Writer = cmd.OutOrStdout()
			if path != "" && path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create %s: %w", path, err)
				}
				defer f.Close()
				w = f
			}
			n, err := e.ledger.Export(ctx, w)
			if err != nil {
				return err
			}
			if path != "" && path != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d entries to %s\n", n, path)
			}
			return nil
		})
	},
}

var ledgerImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Load an exported ledger into an empty backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("in")
		var r io.Reader = cmd.InOrStdin()
		if path != "" && path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()
			r = f
		}
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			n, err := e.ledger.Import(ctx, r)
			if err != nil {
				return err
			}
			items, err := e.items.Load(ctx)
			if err != nil {
				return fmt.Errorf("imported ledger does not replay: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries (%d work items)\n", n, items)
			return nil
		})
	},
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail [item-id]",
	Short: "Show the latest ledger entries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			var entries []ledger.Entry
			var err error
			if len(args) == 1 {
				w, ferr := e.items.Find(args[0])
				if ferr != nil {
					return ferr
				}
				entries, err = e.ledger.EntriesFor(ctx, w.ID)
			} else {
				entries, err = e.ledger.All(ctx)
			}
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			for _, en := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), formatEntry(en))
			}
			return nil
		})
	},
}

func formatEntry(e ledger.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%5d  %s  %-12s %-20s %-15s %s",
		e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.WorkItemID, e.Action, e.Stage, e.Actor)
	if e.Decision != nil {
		fmt.Fprintf(&b, "  %s", e.Decision.Summary())
		return b.String()
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := e.Details[k]; v != "" && k != "context" {
			fmt.Fprintf(&b, "  %s=%s", k, truncate(strings.ReplaceAll(v, "\n", " | "), 60))
		}
	}
	return b.String()
}

func init() {
	ledgerExportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")
	ledgerImportCmd.Flags().StringP("in", "i", "", "Input file (default stdin)")
	ledgerTailCmd.Flags().IntP("limit", "n", 20, "Number of entries to show (0 for all)")

	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerCmd.AddCommand(ledgerImportCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
}
