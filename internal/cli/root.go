package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbenjam1n/autoforge/internal/config"
	"github.com/sbenjam1n/autoforge/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logrus.Logger
	rootCmd = &cobra.Command{
		Use:   "autoforge",
		Short: "autoforge: template-driven smart-home automations from natural language",
		Long: `autoforge turns a user request into a hub automation in four recorded steps:

  autoforge plan --conversation c1 "turn off the living room light after 5 minutes"
  autoforge validate <plan-id>
  autoforge compile <plan-id>
  autoforge deploy <compiled-id>

Only planning calls the model. Validation, compilation and deployment are
deterministic and every step is kept in the lifecycle registry.

Run the HTTP API with:
  autoforge serve`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./autoforge.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(lifecycleCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(queueCmd)
}

func initConfig() {
	v := config.New(cfgFile)
	if err := v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding flags: %v\n", err)
		os.Exit(1)
	}
	var err error
	cfg, err = config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log, err = logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
}
