package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/stagegate/internal/executor"
	"github.com/lucasnoah/stagegate/internal/producer/claude"
	"github.com/lucasnoah/stagegate/internal/producer/script"
)

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Drive a work item through its pipeline",
	Long: `Drive a work item through its pipeline: produce missing artifacts, solicit
reviews and approvals, escalate when the rules call for it, and advance
when the gate is satisfied.

Reviews, content and executive decisions come from a rules file (--script)
or from Claude (--claude, needs ANTHROPIC_API_KEY). Without --auto the run
stops after the first transition.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auto, _ := cmd.Flags().GetBool("auto")
		autoRework, _ := cmd.Flags().GetBool("auto-rework")
		actor, _ := cmd.Flags().GetString("actor")
		asJSON, _ := cmd.Flags().GetBool("json")

		p, err := loadProducers(cmd.Flags())
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), p, func(ctx context.Context, e *engine) error {
			w, err := e.items.Find(args[0])
			if err != nil {
				return err
			}
			if !asJSON {
				e.executor.SetProgress(cmd.OutOrStdout())
			}
			res, err := e.executor.Run(ctx, w.ID, executor.RunOpts{
				AutoAdvance: auto,
				AutoRework:  autoRework,
				Actor:       actor,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printRunResult(cmd, res)
			return nil
		})
	},
}

// addProducerFlags registers the flags read by loadProducers.
func addProducerFlags(fs *pflag.FlagSet) {
	fs.String("script", "", "Rules file answering reviews, content and executive decisions")
	fs.Bool("claude", false, "Ask Claude for reviews, content and executive decisions")
	fs.String("model", claude.DefaultModel, "Claude model for --claude")
	fs.String("prompts", "", "Prompt template override directory (default <data-dir>/prompts)")
	fs.String("author", "author", "Actor recorded on produced artifacts")
}

func loadProducers(fs *pflag.FlagSet) (producers, error) {
	scriptPath, _ := fs.GetString("script")
	useClaude, _ := fs.GetBool("claude")
	author, _ := fs.GetString("author")
	switch {
	case scriptPath != "" && useClaude:
		return producers{}, errors.New("--script and --claude are mutually exclusive")
	case scriptPath != "":
		sp, err := script.Load(scriptPath)
		if err != nil {
			return producers{}, err
		}
		return producers{review: sp, content: sp, executive: sp, author: author}, nil
	case useClaude:
		model, _ := fs.GetString("model")
		prompts, _ := fs.GetString("prompts")
		if prompts == "" {
			dir, err := dataDir()
			if err != nil {
				return producers{}, err
			}
			prompts = filepath.Join(dir, "prompts")
		}
		client, err := claude.NewClient("", model)
		if err != nil {
			return producers{}, err
		}
		cp := claude.New(client, claude.WithTemplateDir(prompts))
		return producers{review: cp, content: cp, executive: cp, author: author}, nil
	}
	return producers{}, nil
}

func printRunResult(cmd *cobra.Command, res *executor.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	for _, s := range res.Steps {
		line := fmt.Sprintf("  %-15s #%d  %s", s.Stage, s.Iteration, s.Action)
		if s.Next != "" {
			line += " → " + string(s.Next)
		}
		if s.Escalation != nil {
			line += fmt.Sprintf(" (%s: %s)", s.Escalation.ID, s.Escalation.Reason)
		}
		if s.Message != "" {
			line += "  " + s.Message
		}
		fmt.Fprintln(out, line)
	}
	switch {
	case res.Completed:
		fmt.Fprintf(out, "\n%s completed.\n", res.WorkItemID)
	default:
		fmt.Fprintf(out, "\n%s stopped in %s (%s).\n", res.WorkItemID, res.FinalStage, res.Status)
		for _, b := range res.Blockers {
			fmt.Fprintf(out, "  - %s\n", b)
		}
	}
}

func init() {
	runCmd.Flags().Bool("auto", false, "Keep advancing until the item completes or blocks")
	runCmd.Flags().Bool("auto-rework", false, "Rework automatically when reviewers request changes")
	runCmd.Flags().String("actor", "", "Actor recorded on transitions (default: orchestrator)")
	runCmd.Flags().Bool("json", false, "Output the run result as JSON")
	addProducerFlags(runCmd.Flags())
}
