package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/environment"
	"github.com/sbenjam1n/autoforge/internal/planner"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp builds the pipeline, runs fn and closes it again.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// printRejection renders a validation failure with its fixes.
func printRejection(err error) error {
	var rej *automation.Rejection
	if !errors.As(err, &rej) {
		return err
	}
	fmt.Printf("REJECTED %s\n", rej.Briefing())
	for _, d := range rej.Details {
		if d.Fix != "" {
			fmt.Printf("  Fix: %s\n", d.Fix)
		}
	}
	return err
}

var planCmd = &cobra.Command{
	Use:   "plan <text>",
	Short: "Ask the model to pick a template and fill its parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		turn, _ := cmd.Flags().GetString("turn")
		area, _ := cmd.Flags().GetString("area")
		candidates, _ := cmd.Flags().GetStringSlice("candidates")
		if conv == "" {
			return fmt.Errorf("--conversation is required")
		}
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.Plan(ctx, planner.Request{
				ConversationID: conv,
				TurnID:         turn,
				Text:           strings.Join(args, " "),
				Hints:          planner.Hints{Area: area},
				Candidates:     candidates,
			})
			if err != nil {
				return err
			}
			if res.Clarification != nil {
				fmt.Printf("CLARIFY (%s) %s\n", res.Clarification.Reason, res.Clarification.Question)
				return nil
			}
			return printJSON(res.Plan)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <plan-id>",
	Short: "Check a plan against the template and the current home state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		turn, _ := cmd.Flags().GetString("turn")
		return withApp(func(ctx context.Context, a *app) error {
			vp, err := a.engine.Validate(ctx, args[0], environment.Turn{ConversationID: conv, TurnID: turn})
			if err != nil {
				return printRejection(err)
			}
			return printJSON(vp)
		})
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile <plan-id>",
	Short: "Validate a plan and render its hub automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		turn, _ := cmd.Flags().GetString("turn")
		return withApp(func(ctx context.Context, a *app) error {
			art, err := a.engine.Compile(ctx, args[0], environment.Turn{ConversationID: conv, TurnID: turn})
			if err != nil {
				if art != nil {
					fmt.Printf("already compiled as %s\n", art.ID)
				}
				return printRejection(err)
			}
			fmt.Printf("# compiled_id: %s\n# content_hash: %s\n", art.ID, art.ContentHash)
			fmt.Print(art.CompiledOutput)
			return nil
		})
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <compiled-id>",
	Short: "Push a compiled automation to the hub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return withApp(func(ctx context.Context, a *app) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			d, err := a.engine.Deploy(ctx, args[0], target)
			if err != nil {
				return err
			}
			return reportDeployment(d)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <deployment-id> <compiled-id>",
	Short: "Put an earlier artifact of the same template back on the hub",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			d, err := a.engine.Rollback(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return reportDeployment(d)
		})
	},
}

func reportDeployment(d *automation.Deployment) error {
	if err := printJSON(d); err != nil {
		return err
	}
	if d.Status == automation.DeploymentFailed {
		return fmt.Errorf("deployment %s failed after %d attempts: %s", d.ID, d.Attempts, d.LastError)
	}
	return nil
}

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle <conversation-id>",
	Short: "Show plans, artifacts and deployments for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lineage, _ := cmd.Flags().GetString("lineage")
		return withApp(func(ctx context.Context, a *app) error {
			if lineage != "" {
				l, err := a.engine.Registry.Lineage(ctx, lineage)
				if err != nil {
					return err
				}
				return printJSON(l)
			}
			entries, err := a.engine.Registry.GetLifecycle(ctx, args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("(none)")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("plan %s  %s@v%d  %s\n", e.Plan.ID, e.Plan.TemplateID, e.Plan.TemplateVersion, e.Plan.Status)
				if e.Artifact != nil {
					fmt.Printf("  artifact %s  sha256:%s\n", e.Artifact.ID, e.Artifact.ContentHash)
				}
				for _, d := range e.Deployments {
					fmt.Printf("    deployment %s  %s  %s  %s\n", d.ID, d.TargetSystemID, d.Status, d.DeployedAt.Format(time.RFC3339))
				}
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{planCmd, validateCmd, compileCmd} {
		c.Flags().String("conversation", "", "conversation id")
		c.Flags().String("turn", "", "turn id; snapshots are cached per conversation turn")
	}
	planCmd.Flags().String("area", "", "area hint for the model")
	planCmd.Flags().StringSlice("candidates", nil, "restrict the model to these template ids")

	deployCmd.Flags().String("target", "", "target system id (default hub.target_id)")
	deployCmd.Flags().Duration("timeout", 0, "deploy deadline; on expiry the deployment stays pending (default deploy.timeout)")

	lifecycleCmd.Flags().String("lineage", "", "show the lineage of this deployment instead")
}
