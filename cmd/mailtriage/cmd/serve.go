package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/mailtriage/internal/api"
	"github.com/wesm/mailtriage/internal/config"
	"github.com/wesm/mailtriage/internal/gmail"
	"github.com/wesm/mailtriage/internal/scheduler"
	"github.com/wesm/mailtriage/internal/triage"
)

// Startup retry delays for serve when Google is unreachable.
const (
	startupRetryDelay    = 5 * time.Second
	startupRetryMaxDelay = 5 * time.Minute
)

var (
	serveFlags    passFlags
	serveInterval time.Duration
	serveSchedule string
	serveHealth   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run triage passes continuously",
	Long: `Run a pass immediately, then keep running passes until interrupted.

By default the worker sleeps [serve] interval_seconds (10 minutes) after
each pass. Set [serve] schedule or --schedule to a cron expression to run
on a fixed timetable instead; a pass still running when the next one is
due is not overlapped.

If Google cannot be reached at startup, the token refresh and profile
check are retried with a growing delay. Setup errors such as a missing
or revoked token still exit immediately.

When PORT or RENDER is set in the environment, or with --health, a
liveness server answers GET /health and GET / on the configured port.

Cron format: minute hour day-of-month month day-of-week
  Examples:
    */10 * * * *    = Every 10 minutes
    0 8-18 * * 1-5  = Hourly during weekday working hours
    @hourly         = Once an hour

Use Ctrl+C to stop gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	interval := cfg.Serve.Interval()
	if serveInterval > 0 {
		interval = serveInterval
	}
	schedule := cfg.Serve.Schedule
	if cmd.Flags().Changed("schedule") {
		schedule = serveSchedule
	}

	runner, err := waitForRunner(ctx, startupRetryDelay, func() (*triage.Runner, error) {
		return newRunner(ctx, cfg, serveFlags, cmd.OutOrStdout())
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	}

	sched := scheduler.New(func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		return err
	}, interval).WithLogger(logger)
	if err := sched.SetSchedule(schedule); err != nil {
		return err
	}
	return runWorker(ctx, sched, healthServer(cfg, serveHealth))
}

// waitForRunner calls build until it succeeds, fails with an error that
// retrying cannot fix, or ctx is done. The delay doubles after each
// retryable failure up to startupRetryMaxDelay.
func waitForRunner(ctx context.Context, delay time.Duration, build func() (*triage.Runner, error)) (*triage.Runner, error) {
	for {
		runner, err := build()
		if err == nil {
			return runner, nil
		}
		// A cancelled request surfaces as a *url.Error, which looks retryable.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryableStartup(err) {
			return nil, err
		}
		logger.Warn("startup check failed; retrying", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, startupRetryMaxDelay)
	}
}

// retryableStartup reports whether a startup failure is an outage
// rather than a setup problem. Missing credentials, rejected tokens and
// 4xx responses are fatal.
func retryableStartup(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, gmail.ErrRetriesExhausted) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// healthServer returns the liveness server when a deployment signal or
// --health asks for one, and nil otherwise.
func healthServer(c *config.Config, force bool) *api.Server {
	if !c.Server.Health && !force {
		return nil
	}
	return api.NewServer(c.Server.Port, logger)
}

// runWorker runs passes until ctx is cancelled. The health server is
// best-effort: if it cannot listen, passes keep running.
func runWorker(ctx context.Context, sched *scheduler.Scheduler, health *api.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if health != nil {
		g.Go(func() error {
			if err := health.Serve(gctx); err != nil {
				logger.Error("health server stopped", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	st := sched.Status()
	logger.Info("worker stopped", "passes", st.Passes, "failures", st.Failures, "skipped", st.Skipped)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func init() {
	serveFlags.register(serveCmd)
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "sleep between passes (default from config)")
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "", "cron expression; overrides the interval")
	serveCmd.Flags().BoolVar(&serveHealth, "health", false, "serve the liveness endpoint even without PORT/RENDER")
	rootCmd.AddCommand(serveCmd)
}
