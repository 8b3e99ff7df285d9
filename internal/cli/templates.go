package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/autoforge/internal/template"
	"github.com/sbenjam1n/autoforge/internal/validator"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect the template catalog",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every template version",
	RunE: func(cmd *cobra.Command, args []string) error {
		lib, err := openLibrary()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVERSION\tPARAMS\tTITLE")
		for _, s := range lib.List() {
			fmt.Fprintf(w, "%s\tv%d\t%d\t%s\n", s.ID, s.Version, len(s.Parameters), s.Title)
		}
		return w.Flush()
	},
}

var templatesCheckCmd = &cobra.Command{
	Use:   "check [dir]",
	Short: "Load a template directory and report schema errors",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			lib *template.Library
			err error
		)
		if len(args) == 1 {
			lib, err = template.Open(args[0], log)
		} else {
			lib, err = openLibrary()
		}
		if err != nil {
			fmt.Printf("FAIL %v\n", err)
			return err
		}
		if _, err := validator.New(lib, validator.Policy{
			TieBreak:      cfg.Resolution.TieBreak,
			DeniedDomains: cfg.Safety.DeniedDomains,
		}, log); err != nil {
			fmt.Printf("FAIL %v\n", err)
			return err
		}
		fmt.Printf("OK %d template versions\n", len(lib.List()))
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesCheckCmd)
}
