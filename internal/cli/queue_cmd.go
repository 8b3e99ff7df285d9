package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/autoforge/internal/deploy"
	"github.com/sbenjam1n/autoforge/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Reconcile queue management",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued and unacknowledged reconcile messages in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := connectRedis()
		if err != nil {
			return err
		}
		defer rdb.Close()

		length, pending, err := queue.New(rdb).Status(context.Background())
		if err != nil {
			return fmt.Errorf("queue status: %w", err)
		}
		fmt.Printf("Queue Status:\n")
		fmt.Printf("  %s: %d messages, %d unacknowledged\n", queue.StreamReconcile, length, pending)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [deployment-id]",
	Short: "Settle pending deployments",
	Long: `Settle pending deployments against the hub.

With a deployment id, reconcile that one deployment. With --sweep, settle every
deployment pending for longer than --older-than. Otherwise consume the
deploy_reconcile stream until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sweep, _ := cmd.Flags().GetBool("sweep")
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		name, _ := cmd.Flags().GetString("name")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		switch {
		case len(args) == 1:
			d, err := a.engine.Deployer.Reconcile(ctx, args[0])
			if err != nil {
				return err
			}
			return reportDeployment(d)
		case sweep:
			n, err := a.engine.Deployer.Sweep(ctx, olderThan)
			fmt.Printf("settled %d pending deployments\n", n)
			return err
		}

		if a.queue == nil {
			return fmt.Errorf("reconcile: redis.url is not set; use --sweep or name a deployment")
		}
		if name == "" {
			host, _ := os.Hostname()
			name = "reconcile-" + host
		}
		r := &deploy.Reconciler{
			Service: a.engine.Deployer,
			Queue:   a.queue,
			Name:    name,
			Log:     log.WithField("component", "reconciler"),
		}
		log.WithField("consumer", name).Info("reconciler started")
		return r.Run(ctx)
	},
}

func init() {
	reconcileCmd.Flags().Bool("sweep", false, "settle stale pending deployments and exit")
	reconcileCmd.Flags().Duration("older-than", 5*time.Minute, "minimum age of a pending deployment for --sweep")
	reconcileCmd.Flags().String("name", "", "consumer name within the reconcilers group")

	queueCmd.AddCommand(queueStatusCmd)
}
