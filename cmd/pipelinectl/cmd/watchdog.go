package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"content-pipeline/internal/app"
	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
)

func newWatchdogCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Run one watchdog pass",
		Long:  `Checks each job kind for staleness and returns jobs held by a crashed process to pending.`,
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			rep, err := a.Watchdog.RunOnce(cmd.Context())
			for _, kind := range models.AllKinds {
				cmd.Printf("%-10s %s\n", kind, rep.Kinds[kind])
			}
			for _, id := range rep.Requeued {
				cmd.Printf("requeued stuck job %s\n", id)
			}
			for _, id := range rep.Stranded {
				cmd.Printf("stranded ready job %s (alert sent)\n", id)
			}
			return err
		}),
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the watchdog loop with the status API",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			cfg := a.Config
			g, ctx := errgroup.WithContext(cmd.Context())

			servers := []*http.Server{{Addr: ":" + cfg.HTTPPort, Handler: a.Server().Router()}}
			if cfg.Metrics.Addr != "" {
				servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: telemetry.Handler()})
			}
			for _, srv := range servers {
				g.Go(func() error {
					a.Logger.Info("listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				var errs []error
				for _, srv := range servers {
					errs = append(errs, srv.Shutdown(shutdownCtx))
				}
				return errors.Join(errs...)
			})
			g.Go(func() error {
				err := a.Watchdog.Loop(ctx, cfg.Watchdog.Cadence)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			return g.Wait()
		}),
	}
}
