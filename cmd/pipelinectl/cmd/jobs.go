package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"content-pipeline/internal/app"
	"content-pipeline/internal/models"
	"content-pipeline/internal/queue"
)

func newDispatchNextCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch-next",
		Short: "Render and post the oldest eligible job",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			return a.RunKind(cmd.Context(), models.KindDispatch, func(ctx context.Context) error {
				out, err := a.Dispatcher.DispatchNext(ctx)
				switch {
				case out.Skipped != "" && out.JobID != "":
					cmd.Printf("skipped (%s): next job %s\n", out.Skipped, out.JobID)
				case out.Skipped != "":
					cmd.Printf("skipped: %s\n", out.Skipped)
				case out.JobID != "":
					cmd.Printf("job %s is %s\n", out.JobID, out.Status)
				}
				return err
			})
		}),
	}
}

func newReplenishCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replenish",
		Short: "Top the pending backlog up to the configured threshold",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			return a.RunKind(cmd.Context(), models.KindReplenish, a.Dispatcher.Replenish)
		}),
	}
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare posted jobs with the platform's reported count",
		Long:  `Records a discrepancy and alerts when the counts differ by more than verify.tolerance. Exits 1 on discrepancy. Never modifies the queue.`,
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			err := a.RunVerify(cmd.Context())
			if err == nil {
				cmd.Println("post counts agree")
			}
			return err
		}),
	}
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		id    string
		topic string
		ref   string
		delay time.Duration
	)
	c := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a pending job by hand",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			ctx := cmd.Context()
			job := models.Job{ID: id, Topic: topic, PayloadRef: ref}
			if delay > 0 {
				job.ScheduledFor = a.Queue.Now().Add(delay).UTC()
			}
			err := a.Queue.Do(ctx, func(s *queue.Session) error {
				var err error
				job, err = s.Enqueue(ctx, job)
				return err
			})
			if err != nil {
				return err
			}
			cmd.Printf("enqueued %s (eligible %s)\n", job.ID, job.ScheduledFor.Format(time.RFC3339))
			return nil
		}),
	}
	c.Flags().StringVar(&id, "id", "", "job id (default: random uuid)")
	c.Flags().StringVar(&topic, "topic", "", "content topic")
	c.Flags().StringVar(&ref, "payload-ref", "", "pre-rendered artifact reference")
	c.Flags().DurationVar(&delay, "delay", 0, "make the job eligible only after this delay")
	return c
}
