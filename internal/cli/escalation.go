package cli

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/escalation"
)

var escalationCmd = &cobra.Command{
	Use:     "escalation",
	Aliases: []string{"esc"},
	Short:   "Raise and resolve escalations",
}

var escalationListCmd = &cobra.Command{
	Use:   "list [item-id]",
	Short: "List escalations, optionally for one work item",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		openOnly, _ := cmd.Flags().GetBool("open")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			var recs []escalation.Record
			if len(args) == 1 {
				w, err := e.items.Find(args[0])
				if err != nil {
					return err
				}
				recs = e.escalations.ListFor(w.ID)
			} else {
				recs = e.escalations.List()
			}
			if openOnly {
				var open []escalation.Record
				for _, r := range recs {
					if r.Status.Open() {
						open = append(open, r)
					}
				}
				recs = open
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No escalations.")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Item", "Stage", "Reason", "Status", "Resolution", "Description"})
			for _, r := range recs {
				resolution := ""
				if r.Resolution != nil {
					resolution = string(r.Resolution.Action)
				}
				tw.AppendRow(table.Row{r.ID, r.WorkItemID, r.Stage, r.Reason, r.Status, resolution, truncate(r.Description, 50)})
			}
			tw.Render()
			return nil
		})
	},
}

var escalationCreateCmd = &cobra.Command{
	Use:   "create <item-id>",
	Short: "Escalate a work item to the executive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		desc, _ := cmd.Flags().GetString("description")
		requester, _ := cmd.Flags().GetString("requester")
		r, err := escalation.ParseReason(reason)
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			rec, err := e.escalations.Create(ctx, w.ID, r, desc, requester)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Opened %s for %s in %s\n", rec.ID, w.ID, rec.Stage)
			return nil
		})
	},
}

var escalationResolveCmd = &cobra.Command{
	Use:   "resolve <escalation-id>",
	Short: "Resolve an escalation",
	Long: `Resolve an escalation. With --script or --claude the executive producer
decides; otherwise --outcome (and optional risks and actions) is applied on
behalf of the configured executive actor.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		notes, _ := cmd.Flags().GetString("notes")
		risks, _ := cmd.Flags().GetStringArray("risk")
		actions, _ := cmd.Flags().GetStringArray("action")
		resolver, _ := cmd.Flags().GetString("resolver")

		p, err := loadProducers(cmd.Flags())
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), p, func(ctx context.Context, e *engine) error {
			esc, err := e.escalations.Get(args[0])
			if err != nil {
				return err
			}
			var rec escalation.Record
			if e.escalations.HasExecutive() && outcome == "" {
				rec, err = e.escalations.RequestExecutiveDecision(ctx, esc.ID)
			} else {
				o, perr := decision.ParseOutcome(outcome)
				if perr != nil {
					return perr
				}
				if resolver == "" {
					resolver = e.escalations.ExecutiveActor()
				}
				rec, err = e.escalations.Resolve(ctx, esc.ID, escalation.Verdict{
					Outcome:         o,
					Notes:           notes,
					AcceptedRisks:   risks,
					RequiredActions: actions,
				}, resolver)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s: %s (%s)\n", rec.ID, rec.Resolution.Outcome, rec.Resolution.Action)
			return nil
		})
	},
}

var escalationDismissCmd = &cobra.Command{
	Use:   "dismiss <escalation-id>",
	Short: "Close an escalation without a verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		notes, _ := cmd.Flags().GetString("notes")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			esc, err := e.escalations.Get(args[0])
			if err != nil {
				return err
			}
			rec, err := e.escalations.Dismiss(ctx, esc.ID, actor, notes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %s\n", rec.ID)
			return nil
		})
	},
}

func init() {
	escalationListCmd.Flags().Bool("open", false, "Only pending and reviewing escalations")
	escalationListCmd.Flags().Bool("json", false, "Output JSON")

	escalationCreateCmd.Flags().String("reason", string(escalation.ManualEscalation), "Escalation reason")
	escalationCreateCmd.Flags().String("description", "", "What the executive should decide")
	escalationCreateCmd.Flags().String("requester", "cli", "Requesting actor")

	escalationResolveCmd.Flags().String("outcome", "", "approved, approved_with_risks or rejected")
	escalationResolveCmd.Flags().String("notes", "", "Resolution notes")
	escalationResolveCmd.Flags().StringArray("risk", nil, "Accepted risk (repeatable)")
	escalationResolveCmd.Flags().StringArray("action", nil, "Required action; triggers a rework (repeatable)")
	escalationResolveCmd.Flags().String("resolver", "", "Resolving actor (default: configured executive)")
	addProducerFlags(escalationResolveCmd.Flags())

	escalationDismissCmd.Flags().String("actor", "cli", "Dismissing actor")
	escalationDismissCmd.Flags().String("notes", "", "Why the escalation is dismissed")

	escalationCmd.AddCommand(escalationListCmd)
	escalationCmd.AddCommand(escalationCreateCmd)
	escalationCmd.AddCommand(escalationResolveCmd)
	escalationCmd.AddCommand(escalationDismissCmd)
}
