package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"content-pipeline/internal/app"
	"content-pipeline/internal/models"
)

func newHeartbeatCmd(opts *rootOptions) *cobra.Command {
	var (
		outcome string
		errMsg  string
	)
	c := &cobra.Command{
		Use:   "heartbeat <kind>",
		Short: "Record a heartbeat for a job kind",
		Long: fmt.Sprintf(`Records one run of a job kind, for scripts that wrap themselves.
A kind that has never run is registered by its first heartbeat.
Known kinds: %v.`, models.AllKinds),
		Example: `  pipelinectl heartbeat dispatch --outcome started
  pipelinectl heartbeat dispatch --outcome failed --error "renderer timeout"`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			kind, err := models.ParseJobKind(args[0])
			if err != nil {
				return err
			}
			out, err := models.ParseRunOutcome(outcome)
			if err != nil {
				return err
			}
			if errMsg != "" && out != models.OutcomeFailed {
				return fmt.Errorf("--error only applies to --outcome %s", models.OutcomeFailed)
			}
			hb, err := a.Registry.Record(cmd.Context(), kind, out, errMsg, a.Config.DryRun)
			if err != nil {
				return err
			}
			cmd.Printf("%s heartbeat recorded (%s)\n", hb.JobKind, out)
			printHeartbeat(cmd, hb)
			return nil
		}),
	}
	c.Flags().StringVar(&outcome, "outcome", string(models.OutcomeSucceeded), "started, succeeded, failed or skipped")
	c.Flags().StringVar(&errMsg, "error", "", "failure message to record with --outcome failed")
	c.AddCommand(newHeartbeatShowCmd(opts), newHeartbeatClearCmd(opts))
	return c
}

func newHeartbeatShowCmd(opts *rootOptions) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "show <kind>",
		Short: "Show the heartbeat and recent runs of a job kind",
		Long:  "Exits 1 when the kind has never run.",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			kind, err := models.ParseJobKind(args[0])
			if err != nil {
				return err
			}
			hb, err := a.Registry.Get(cmd.Context(), kind)
			if err != nil {
				return err
			}
			runs, err := a.Registry.History(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			printHeartbeat(cmd, hb)
			cmd.Println("Recent runs:")
			for _, r := range runs {
				line := fmt.Sprintf("  %s  %-9s %s", r.Recorded.Format(time.RFC3339), r.Outcome, r.RunID)
				if r.DryRun {
					line += " (dry run)"
				}
				if r.Error != "" {
					line += "  " + r.Error
				}
				cmd.Println(line)
			}
			return nil
		}),
	}
	c.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return c
}

func newHeartbeatClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <kind>",
		Short: "Re-enable automatic recovery after an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			kind, err := models.ParseJobKind(args[0])
			if err != nil {
				return err
			}
			hb, err := a.Registry.Clear(cmd.Context(), kind)
			if err != nil {
				return err
			}
			cmd.Printf("%s cleared; automatic recovery enabled\n", hb.JobKind)
			return nil
		}),
	}
}

func printHeartbeat(cmd *cobra.Command, hb models.Heartbeat) {
	cmd.Printf("Kind:                 %s\n", hb.JobKind)
	cmd.Printf("Last run:             %s\n", hb.LastRunAt.Format(time.RFC3339))
	cmd.Printf("Last success:         %s\n", formatOptional(hb.LastSuccessAt))
	cmd.Printf("Consecutive failures: %d\n", hb.ConsecutiveFailures)
	cmd.Printf("Dry run:              %t\n", hb.DryRun)
	cmd.Printf("Recovery at:          %s\n", formatOptional(hb.RecoveryAt))
	cmd.Printf("Escalated at:         %s\n", formatOptional(hb.EscalatedAt))
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
