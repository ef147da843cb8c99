package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"content-pipeline/internal/api"
	"content-pipeline/internal/app"
	"content-pipeline/internal/models"
	"content-pipeline/internal/queue"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		jobID  string
		asJSON bool
	)
	c := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, heartbeats and recent discrepancies",
		Long:  `Print the last durable state of the queue without taking any lease. With --job, print one job and its audit trail.`,
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			out := cmd.OutOrStdout()
			if jobID != "" {
				job, err := a.Queue.Get(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				audit, err := a.Queue.Audit(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, api.JobDetail{Job: job, Audit: audit})
				}
				printJob(out, job, audit)
				return nil
			}

			st, err := api.Collect(cmd.Context(), a.Queue, a.Registry, a.Repo)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, st)
			}
			printStatus(out, st)
			return nil
		}),
	}
	c.Flags().StringVar(&jobID, "job", "", "show a single job with its audit trail")
	c.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return c
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Force a failed or abandoned job back to pending",
		Long:  `Operator override. The job becomes eligible immediately; an abandoned job also starts over with zero attempts.`,
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			ctx := cmd.Context()
			var job models.Job
			err := a.Queue.Do(ctx, func(s *queue.Session) error {
				var err error
				job, err = s.Retry(ctx, args[0])
				return err
			})
			if err != nil {
				return err
			}
			cmd.Printf("job %s is %s (attempts %d)\n", job.ID, job.Status, job.Attempts)
			return nil
		}),
	}
}

func printStatus(w io.Writer, st api.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tJOBS")
	for _, s := range models.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, st.Counts[s])
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "KIND\tLAST RUN\tLAST SUCCESS\tFAILURES\tSTATE")
	for _, hb := range st.Heartbeats {
		state := "ok"
		switch {
		case hb.Suspended():
			state = "escalated"
		case hb.RecoveryAt != nil:
			state = "recovering"
		}
		if hb.DryRun {
			state += " (dry run)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", hb.JobKind, ago(st.GeneratedAt, &hb.LastRunAt), ago(st.GeneratedAt, hb.LastSuccessAt), hb.ConsecutiveFailures, state)
	}
	tw.Flush()

	if len(st.Discrepancies) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Unresolved discrepancies:")
		for _, d := range st.Discrepancies {
			fmt.Fprintf(w, "  %s  %s internal=%d external=%d delta=%d\n",
				d.ObservedAt.Format(time.RFC3339), d.Platform, d.InternalCount, d.ExternalCount, d.Delta)
		}
	}
}

func printJob(w io.Writer, job models.Job, audit []models.AuditLog) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", job.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", job.Status)
	fmt.Fprintf(tw, "Topic:\t%s\n", job.Topic)
	fmt.Fprintf(tw, "Payload:\t%s\n", orDash(job.PayloadRef))
	fmt.Fprintf(tw, "Attempts:\t%d\n", job.Attempts)
	fmt.Fprintf(tw, "Created:\t%s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Scheduled:\t%s\n", job.ScheduledFor.Format(time.RFC3339))
	if job.ClaimedAt != nil {
		fmt.Fprintf(tw, "Claimed:\t%s by %s\n", job.ClaimedAt.Format(time.RFC3339), job.ClaimedBy)
	}
	if job.PostedAt != nil {
		fmt.Fprintf(tw, "Posted:\t%s\n", job.PostedAt.Format(time.RFC3339))
	}
	if job.LastError != nil {
		fmt.Fprintf(tw, "Last error:\t%s\n", job.LastError)
	}
	tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Audit:")
	for _, e := range audit {
		fmt.Fprintf(w, "  %s  %-28s %s\n", e.Recorded.Format(time.RFC3339), e.Event, e.Detail)
	}
}

func ago(now time.Time, t *time.Time) string {
	if t == nil {
		return "-"
	}
	return now.Sub(*t).Truncate(time.Second).String() + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
