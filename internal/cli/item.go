package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/transition"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

var errBlocked = errors.New("transition blocked")

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Create, inspect and move work items",
}

var itemCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a work item in intake",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		desc, _ := cmd.Flags().GetString("description")
		variant, _ := cmd.Flags().GetString("variant")
		actor, _ := cmd.Flags().GetString("actor")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			if variant == "" {
				variant = e.cfg.Governance.DefaultVariant
			}
			w, err := e.items.Create(ctx, workitem.CreateParams{Title: title, Description: desc, Variant: variant, Actor: actor})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s) in %s\n", w.ID, w.Variant, w.Stage)
			return nil
		})
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			var items []workitem.WorkItem
			for _, w := range e.items.List() {
				if status == "" || string(w.Status) == status {
					items = append(items, w)
				}
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No work items found.")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Title", "Variant", "Stage", "Status", "Iter"})
			for _, w := range items {
				tw.AppendRow(table.Row{w.ID, truncate(w.Title, 40), w.Variant, w.Stage, w.Status,
					fmt.Sprintf("%d/%d", w.Iteration, w.MaxIterations)})
			}
			tw.Render()
			return nil
		})
	},
}

var itemShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a work item with its artifacts and decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), w)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", w.ID, w.Title)
			if w.Description != "" {
				fmt.Fprintf(out, "  %s\n", w.Description)
			}
			fmt.Fprintf(out, "Variant:   %s\n", w.Variant)
			fmt.Fprintf(out, "Stage:     %s (%s)\n", w.Stage, w.Status)
			fmt.Fprintf(out, "Iteration: %d of %d\n", w.Iteration, w.MaxIterations)
			if len(w.AcceptedRisks) > 0 {
				fmt.Fprintf(out, "Accepted risks: %s\n", strings.Join(w.AcceptedRisks, "; "))
			}

			if len(w.Artifacts) > 0 {
				fmt.Fprintln(out, "\nArtifacts:")
				for _, name := range w.ArtifactNames() {
					fmt.Fprintf(out, "  %-16s %s\n", name, w.Artifacts[name])
				}
			}
			if len(w.Decisions) > 0 {
				fmt.Fprintln(out, "\nDecisions:")
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"Stage", "Iter", "Type", "Actor", "Domain", "Outcome", "Changes / Risks"})
				for _, d := range w.Decisions {
					notes := strings.Join(append(append([]string(nil), d.RequiredChanges...), d.Risks...), "; ")
					tw.AppendRow(table.Row{d.Stage, d.Iteration, d.Type, d.Actor, d.Domain, d.Outcome, truncate(notes, 50)})
				}
				tw.Render()
			}
			return nil
		})
	},
}

var itemStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show where a work item stands in its pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			st, err := e.executor.GetPipelineStatus(w.ID)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", st.WorkItemID, st.Title)
			fmt.Fprintf(out, "Status: %s  (%.0f%% complete, iteration %d/%d)\n\n", st.Status, st.Percent, st.Iteration, st.MaxIterations)
			for _, s := range st.Stages {
				marker := "  "
				switch s.State {
				case "done":
					marker = "✓ "
				case "current":
					marker = "→ "
				}
				fmt.Fprintf(out, "  %s%s\n", marker, s.Stage)
			}
			if st.CanAdvance {
				fmt.Fprintln(out, "\nReady to advance.")
			} else if len(st.Blockers) > 0 {
				fmt.Fprintln(out, "\nBlockers:")
				for _, b := range st.Blockers {
					fmt.Fprintf(out, "  - %s\n", b)
				}
			}
			for _, esc := range st.OpenEscalations {
				fmt.Fprintf(out, "\nOpen escalation %s (%s): %s\n", esc.ID, esc.Reason, esc.Description)
			}
			return nil
		})
	},
}

var itemArtifactCmd = &cobra.Command{
	Use:   "artifact <id>",
	Short: "Store an artifact for the current stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		file, _ := cmd.Flags().GetString("file")
		content, _ := cmd.Flags().GetString("content")
		actor, _ := cmd.Flags().GetString("actor")
		if (file == "") == (content == "") {
			return errors.New("exactly one of --file or --content is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read artifact: %w", err)
			}
			content = string(data)
		}
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			ref, err := e.artifacts.Put(ctx, w.ID, name, content)
			if err != nil {
				return err
			}
			if _, err := e.items.AddArtifact(ctx, w.ID, name, ref, actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s for %s: %s\n", name, w.ID, ref)
			return nil
		})
	},
}

var itemDecideCmd = &cobra.Command{
	Use:   "decide <id>",
	Short: "Record a review, approval or sign-off for the current stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		outcome, _ := cmd.Flags().GetString("outcome")
		actor, _ := cmd.Flags().GetString("actor")
		domain, _ := cmd.Flags().GetString("domain")
		notes, _ := cmd.Flags().GetString("notes")
		changes, _ := cmd.Flags().GetStringArray("change")
		risks, _ := cmd.Flags().GetStringArray("risk")
		reviewed, _ := cmd.Flags().GetStringSlice("reviewed")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			rec, err := decision.New(decision.Params{
				WorkItemID:        w.ID,
				Stage:             w.Stage,
				Iteration:         w.Iteration,
				Type:              decision.Type(typ),
				Outcome:           decision.Outcome(outcome),
				Actor:             actor,
				Domain:            domain,
				Notes:             notes,
				RequiredChanges:   changes,
				Risks:             risks,
				ArtifactsReviewed: reviewed,
			}, e.items.Catalog())
			if err != nil {
				return err
			}
			if _, err := e.items.AddDecision(ctx, w.ID, rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s\n", rec.Summary())
			return nil
		})
	},
}

var itemAdvanceCmd = &cobra.Command{
	Use:   "advance <id>",
	Short: "Move a work item to its next stage when the gate is satisfied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		actor, _ := cmd.Flags().GetString("actor")
		target, err := stageFlag(to)
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			if actor == "" {
				actor = e.cfg.Governance.Authority.Orchestrator
			}
			res, w, err := e.transitions.Execute(ctx, w.ID, target, actor)
			if err != nil {
				return err
			}
			return printTransition(cmd, res, w)
		})
	},
}

var itemRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Send a work item back to an earlier stage",
	Long: `Send a work item back to an earlier stage of its variant (the previous
stage unless --to is given). Only the orchestrator may roll back, and each
rollback uses one iteration from the item's budget.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		reason, _ := cmd.Flags().GetString("reason")
		approver, _ := cmd.Flags().GetString("approver")
		target, err := stageFlag(to)
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			res, err := e.transitions.Rollback(ctx, w.ID, target, reason, approver)
			if err != nil {
				return err
			}
			if res.NeedsEscalation {
				fmt.Fprintf(cmd.OutOrStdout(), "Iteration budget spent (%d/%d); escalate instead.\n",
					res.Item.Iteration, res.Item.MaxIterations)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled %s back from %s to %s (iteration %d)\n", w.ID, res.From, res.To, res.Item.Iteration)
			return nil
		})
	},
}

var itemReworkCmd = &cobra.Command{
	Use:   "rework <id>",
	Short: "Start a new iteration of the current stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		changes, _ := cmd.Flags().GetStringArray("change")
		actor, _ := cmd.Flags().GetString("actor")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			res, err := e.items.TriggerRework(ctx, w.ID, reason, changes, actor)
			if err != nil {
				return err
			}
			if res.NeedsEscalation {
				fmt.Fprintf(cmd.OutOrStdout(), "Iteration budget spent (%d/%d); escalate instead.\n",
					res.Item.Iteration, res.Item.MaxIterations)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s iteration %d\n", w.ID, res.Item.Stage, res.Iteration)
			return nil
		})
	},
}

var itemCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")
		return withEngine(cmd.Context(), producers{}, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			if _, err := e.items.Cancel(ctx, w.ID, reason, actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", w.ID)
			return nil
		})
	},
}

func stageFlag(s string) (*catalog.Stage, error) {
	if s == "" {
		return nil, nil
	}
	st, err := catalog.ParseStage(s)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func printTransition(cmd *cobra.Command, res transition.Result, w workitem.WorkItem) error {
	out := cmd.OutOrStdout()
	if res.Allowed {
		fmt.Fprintf(out, "%s: %s → %s\n", w.ID, res.From, res.To)
		return nil
	}
	fmt.Fprintf(out, "%s cannot leave %s:\n", w.ID, res.From)
	for _, b := range res.Blockers() {
		fmt.Fprintf(out, "  - %s\n", b)
	}
	return errBlocked
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	itemCreateCmd.Flags().String("title", "", "Work item title (required)")
	itemCreateCmd.Flags().String("description", "", "Work item description")
	itemCreateCmd.Flags().String("variant", "", "Pipeline variant (default from config)")
	itemCreateCmd.Flags().String("actor", "cli", "Actor recorded on the ledger")
	itemCreateCmd.MarkFlagRequired("title")

	itemListCmd.Flags().String("status", "", "Filter by status")
	itemListCmd.Flags().Bool("json", false, "Output JSON")
	itemShowCmd.Flags().Bool("json", false, "Output JSON")
	itemStatusCmd.Flags().String("format", "text", "Output format: text or json")

	itemArtifactCmd.Flags().String("name", "", "Artifact name (required)")
	itemArtifactCmd.Flags().String("file", "", "Read artifact content from file")
	itemArtifactCmd.Flags().String("content", "", "Artifact content")
	itemArtifactCmd.Flags().String("actor", "cli", "Actor recorded on the ledger")
	itemArtifactCmd.MarkFlagRequired("name")

	itemDecideCmd.Flags().String("type", "review", "Decision type: review, approval or signoff")
	itemDecideCmd.Flags().String("outcome", "", "approved, approved_with_risks, changes_required or rejected")
	itemDecideCmd.Flags().String("actor", "", "Deciding actor (required)")
	itemDecideCmd.Flags().String("domain", "", "Domain of the decision (required)")
	itemDecideCmd.Flags().String("notes", "", "Notes")
	itemDecideCmd.Flags().StringArray("change", nil, "Required change (repeatable)")
	itemDecideCmd.Flags().StringArray("risk", nil, "Identified risk (repeatable)")
	itemDecideCmd.Flags().StringSlice("reviewed", nil, "Artifacts reviewed")
	itemDecideCmd.MarkFlagRequired("outcome")
	itemDecideCmd.MarkFlagRequired("actor")
	itemDecideCmd.MarkFlagRequired("domain")

	itemAdvanceCmd.Flags().String("to", "", "Target stage (default: next stage)")
	itemAdvanceCmd.Flags().String("actor", "", "Actor recorded on the ledger (default: orchestrator)")

	itemRollbackCmd.Flags().String("to", "", "Target stage (default: previous stage)")
	itemRollbackCmd.Flags().String("reason", "", "Why the item is rolled back (required)")
	itemRollbackCmd.Flags().String("approver", "", "Approving actor; must be the orchestrator (required)")
	itemRollbackCmd.MarkFlagRequired("reason")
	itemRollbackCmd.MarkFlagRequired("approver")

	itemReworkCmd.Flags().String("reason", "", "Why the stage is reworked (required)")
	itemReworkCmd.Flags().StringArray("change", nil, "Required change (repeatable)")
	itemReworkCmd.Flags().String("actor", "cli", "Actor recorded on the ledger")
	itemReworkCmd.MarkFlagRequired("reason")

	itemCancelCmd.Flags().String("reason", "", "Why the item is cancelled")
	itemCancelCmd.Flags().String("actor", "cli", "Actor recorded on the ledger")

	itemCmd.AddCommand(itemCreateCmd)
	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemShowCmd)
	itemCmd.AddCommand(itemStatusCmd)
	itemCmd.AddCommand(itemArtifactCmd)
	itemCmd.AddCommand(itemDecideCmd)
	itemCmd.AddCommand(itemAdvanceCmd)
	itemCmd.AddCommand(itemRollbackCmd)
	itemCmd.AddCommand(itemReworkCmd)
	itemCmd.AddCommand(itemCancelCmd)
}
