package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "stagegate",
	Short: "Governed stage-gate pipeline for work items",
	Long: `stagegate moves work items through a fixed sequence of stages. Each stage
has a gate: required artifacts, reviews, approvals and a sign-off. Every
change is recorded in an append-only ledger that can be replayed.

State lives in --data-dir (default ~/.stagegate). The ledger backend is SQLite
unless --backend selects file, postgres or memory. Every flag can also be set
through a STAGEGATE_ environment variable, e.g. STAGEGATE_BACKEND=file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("data-dir", "", "state directory (default ~/.stagegate)")
	pf.String("backend", "sqlite", "ledger backend: sqlite, file, postgres or memory")
	pf.String("dsn", "", "postgres connection string for --backend postgres")
	pf.StringP("config", "c", "", "governance config file (default: search ./governance.yaml, ~/.stagegate/governance.yaml)")
	pf.String("log-level", "warn", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	pf.Bool("telemetry", false, "export traces and metrics (see STAGEGATE_OTEL_*)")
	for _, name := range []string{"data-dir", "backend", "dsn", "config", "log-level", "log-format", "telemetry"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(itemCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(escalationCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}
