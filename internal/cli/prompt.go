package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/prompt"
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage the prompt templates used with --claude",
}

var promptInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Copy the built-in templates into the prompts directory for editing",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := promptDir(cmd)
		if err != nil {
			return err
		}
		written, err := prompt.Install(dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			cmd.Printf("All templates already present in %s\n", dir)
			return nil
		}
		for _, name := range written {
			cmd.Printf("Wrote %s\n", filepath.Join(dir, name))
		}
		return nil
	},
}

var promptShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print the template in effect (override or built-in)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := promptDir(cmd)
		if err != nil {
			return err
		}
		t, err := prompt.Load(args[0], dir)
		if err != nil {
			return fmt.Errorf("%w (available: %v)", err, prompt.Names())
		}
		cmd.Print(t)
		return nil
	},
}

func promptDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir, nil
	}
	d, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "prompts"), nil
}

func init() {
	promptCmd.PersistentFlags().String("dir", "", "Templates directory (default <data-dir>/prompts)")
	promptCmd.AddCommand(promptInstallCmd)
	promptCmd.AddCommand(promptShowCmd)
}
