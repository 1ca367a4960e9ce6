package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/executor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of all open work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		format, _ := cmd.Flags().GetString("format")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			var infos []*executor.PipelineStatus
			for _, w := range e.items.List() {
				if !all && w.Status.Closed() {
					continue
				}
				st, err := e.executor.GetPipelineStatus(w.ID)
				if err != nil {
					return err
				}
				infos = append(infos, st)
			}

			if format == "json" {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No work items found.")
				return nil
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-12s %-10s %-15s %-5s %-5s %s\n", "ITEM", "STATUS", "STAGE", "ITER", "DONE", "TITLE")
			fmt.Fprintf(w, "%-12s %-10s %-15s %-5s %-5s %s\n",
				strings.Repeat("-", 12),
				strings.Repeat("-", 10),
				strings.Repeat("-", 15),
				strings.Repeat("-", 5),
				strings.Repeat("-", 5),
				strings.Repeat("-", 5))
			for _, st := range infos {
				stage := string(st.Stage)
				if st.CanAdvance {
					stage += "*"
				}
				fmt.Fprintf(w, "%-12s %-10s %-15s %-5s %-5s %s\n",
					st.WorkItemID, st.Status, stage,
					fmt.Sprintf("%d/%d", st.Iteration, st.MaxIterations),
					fmt.Sprintf("%.0f%%", st.Percent),
					truncate(st.Title, 40))
			}
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().Bool("all", false, "Include completed and cancelled items")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
