package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/stagegate/internal/db"
	"github.com/lucasnoah/stagegate/internal/pgstore"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Ledger database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ledger schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch backend := viper.GetString("backend"); backend {
		case "", "sqlite":
			d, err := openSQLite()
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Migrate(); err != nil {
				return err
			}
			cmd.Printf("Schema up to date: %s\n", d.Path())
		case "postgres":
			s, err := pgstore.Open(cmd.Context(), viper.GetString("dsn"))
			if err != nil {
				return err
			}
			s.Close()
			cmd.Println("Schema up to date.")
		default:
			cmd.Printf("Backend %s has no schema.\n", backend)
		}
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every ledger entry (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to reset without --yes")
		}
		switch backend := viper.GetString("backend"); backend {
		case "", "sqlite":
			d, err := openSQLite()
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Reset(); err != nil {
				return err
			}
			cmd.Printf("Reset %s\n", d.Path())
		case "postgres":
			s, err := pgstore.Open(cmd.Context(), viper.GetString("dsn"))
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Truncate(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Ledger truncated.")
		default:
			return fmt.Errorf("reset is not supported for backend %s", backend)
		}
		return nil
	},
}

func openSQLite() (*db.DB, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	return db.Open(filepath.Join(dir, "ledger.db"))
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
