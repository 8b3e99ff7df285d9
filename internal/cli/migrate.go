package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/autoforge/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		down, _ := cmd.Flags().GetInt("down")
		if down < 0 {
			return fmt.Errorf("--down must be positive")
		}
		steps := 0
		if down > 0 {
			steps = -down
		}
		if err := db.Migrate(cfg.Database.URL, steps); err != nil {
			return err
		}
		v, dirty, err := db.Version(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d", v)
		if dirty {
			fmt.Print(" (dirty)")
		}
		fmt.Println()
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int("down", 0, "roll back this many migrations instead of applying")
}
