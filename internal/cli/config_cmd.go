package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/stagegate/internal/config"
	"github.com/lucasnoah/stagegate/internal/fileutil"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, validate and inspect the governance configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the built-in governance config to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			path = config.FileName
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := fileutil.WriteAtomic(path, config.DefaultYAML(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		cmd.Printf("Wrote %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the governance configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfigFlag(cmd)
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			if _, err := cfg.Catalog(); err != nil {
				return err
			}
			cmd.Printf("Configuration is valid (%s).\n", displayPath(path))
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfigFlag(cmd)
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

// loadConfigFlag prefers the subcommand's --file over the global --config.
func loadConfigFlag(cmd *cobra.Command) (*config.GovernanceConfig, string, error) {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	return loadGovernance()
}

func init() {
	configCmd.PersistentFlags().StringP("file", "f", "", "path to governance config file")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
