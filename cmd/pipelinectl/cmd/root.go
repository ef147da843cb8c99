package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"content-pipeline/internal/app"
	"content-pipeline/internal/config"
	"content-pipeline/internal/lock"
	"content-pipeline/internal/logger"
	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
	"content-pipeline/internal/verifier"
)

// Exit codes. Illegal transitions use EX_SOFTWARE.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitCorruption = 2
	ExitIllegal    = 70
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, models.ErrIllegalTransition):
		return ExitIllegal
	case errors.Is(err, models.ErrDataCorruption):
		return ExitCorruption
	default:
		return ExitFailure
	}
}

// Execute runs the command line and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetOut(os.Stdout)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", describe(err))
	}
	return ExitCode(err)
}

func describe(err error) string {
	switch {
	case errors.Is(err, models.ErrIllegalTransition):
		return "FATAL " + err.Error()
	case errors.Is(err, lock.ErrBusy):
		return err.Error() + " (another process holds the lease; try again later)"
	case errors.Is(err, verifier.ErrDiscrepancy):
		return err.Error() + " (recorded; resolve manually)"
	}
	return err.Error()
}

type rootOptions struct {
	configPath string
	dryRun     bool
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operate the content pipeline job queue and watchdog",
		Long: `pipelinectl is the entry point for every scheduled job of the content pipeline
and for operators inspecting or repairing it.

Cron entries:
  pipelinectl replenish        top up the backlog from the planner
  pipelinectl dispatch-next    render and post the oldest eligible job
  pipelinectl verify           compare posted jobs with the platform's count
  pipelinectl watchdog         recover stale job kinds and stuck jobs

Operators:
  pipelinectl status [--job <id>]
  pipelinectl retry <job-id>
  pipelinectl heartbeat <kind> | pipelinectl heartbeat clear <kind>

Configuration comes from pipeline.yaml (or --config), a local .env file and
PIPELINE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./pipeline.yaml)")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "run without posting to the platform")

	root.AddCommand(
		newStatusCmd(opts),
		newRetryCmd(opts),
		newVerifyCmd(opts),
		newDispatchNextCmd(opts),
		newReplenishCmd(opts),
		newHeartbeatCmd(opts),
		newWatchdogCmd(opts),
		newEnqueueCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// withApp wraps a command body: it loads config, wires the app, closes it
// afterwards and pushes metrics when a pushgateway is configured.
func (o *rootOptions) withApp(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		if o.dryRun {
			cfg.DryRun = true
		}
		log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		a, err := app.New(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		err = fn(cmd, args, a)
		if errors.Is(err, models.ErrIllegalTransition) {
			a.Logger.Error("illegal transition; state machine invariant violated", "error", err)
		}
		job := strings.ReplaceAll(cmd.CommandPath(), " ", "_")
		if perr := telemetry.Push(context.WithoutCancel(cmd.Context()), cfg.Metrics.PushgatewayURL, job); perr != nil {
			a.Logger.Warn("push metrics", "error", perr)
		}
		return err
	}
}
