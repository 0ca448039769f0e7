package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/appt-watcher/internal/booking"
	"github.com/example/appt-watcher/internal/config"
	"github.com/example/appt-watcher/internal/crypto"
	"github.com/example/appt-watcher/internal/db"
	"github.com/example/appt-watcher/internal/history"
	"github.com/example/appt-watcher/internal/locate"
	"github.com/example/appt-watcher/internal/logging"
	"github.com/example/appt-watcher/internal/migrate"
	"github.com/example/appt-watcher/internal/notify"
	"github.com/example/appt-watcher/internal/scheduler"
	"github.com/example/appt-watcher/internal/seen"
	"github.com/example/appt-watcher/internal/throttle"
	"github.com/example/appt-watcher/internal/usps"
	"github.com/example/appt-watcher/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll for open appointments and notify or book",
		Long: `Sweeps every facility within the radius for every date in the window,
one call at a time. Found slots are announced once; with --schedule the best
one is held and confirmed with the contact details given.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, time.Now())
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			w, repo, closeAll, err := buildWatcher(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeAll()

			if cfg.StatusAddr != "" {
				ws := &web.Server{Status: w, Log: log.Named("web")}
				if repo != nil {
					ws.Runs = repo
				}
				go func() {
					if err := web.Start(ctx, cfg.StatusAddr, ws.Routes(), log); err != nil {
						log.Error("status server", zap.Error(err))
					}
				}()
			}

			res, err := w.Run(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch res.Outcome {
			case scheduler.OutcomeBooked:
				fmt.Fprintf(out, "Booked %s, confirmation %s\n", res.Booked.Slot, res.Booked.Confirmation)
			case scheduler.OutcomeExhausted:
				fmt.Fprintf(out, "Sweep finished: %d new slot(s) found, %d booking attempt(s)\n", res.Found, res.Attempts)
			case scheduler.OutcomeCancelled:
				fmt.Fprintln(out, "Stopped.")
			}
			return nil
		},
	}
	config.Flags(cmd.Flags())
	return cmd
}

// buildWatcher wires the poll loop from cfg. Every outbound call shares one
// throttle.
func buildWatcher(ctx context.Context, cfg config.Config, log *zap.Logger) (*scheduler.Scheduler, *history.Repo, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*scheduler.Scheduler, *history.Repo, func(), error) {
		closeAll()
		return nil, nil, func() {}, err
	}

	client := usps.New(usps.Options{BaseURL: cfg.BaseURL, Logger: log.Named("usps")})
	th := throttle.New(throttle.Config{
		Interval:   cfg.Pacing.Interval,
		MaxBackoff: cfg.Pacing.MaxBackoff,
		Jitter:     cfg.Pacing.Jitter,
		PerMinute:  cfg.Pacing.PerMinute,
	}, throttle.WithLogger(log.Named("throttle")))

	var repo *history.Repo
	if cfg.DatabaseURL != "" {
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, d.Close)
		applied, err := migrate.Up(ctx, d)
		if err != nil {
			return fail(err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", zap.Strings("files", applied))
		}
		var sealer *crypto.Sealer
		if len(cfg.ContactKey) > 0 {
			if sealer, err = crypto.NewSealer(cfg.ContactKey); err != nil {
				return fail(err)
			}
		}
		repo = history.NewRepo(d, sealer, cfg.Contact)
	}

	var store seen.Store = seen.NewMemory()
	switch {
	case cfg.RedisAddr != "":
		rc, err := seen.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		ttl := time.Until(cfg.Criteria.End) + 48*time.Hour
		if ttl < 48*time.Hour {
			ttl = 48 * time.Hour
		}
		store = seen.NewRedis(rc, ttl)
	case repo != nil:
		store = repo
	}

	notifiers := notify.Multi{notify.Log{Logger: log.Named("notify")}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, notify.NewSigner(cfg.WebhookKey), log.Named("webhook")))
	}

	s := &scheduler.Scheduler{
		Criteria: cfg.Criteria,
		Resolver: &locate.Resolver{Locator: client, Throttle: th, Retries: cfg.Pacing.QueryRetries, Log: log.Named("locate")},
		Source:   client,
		Throttle: th,
		Notifier: notifiers,
		Seen:     store,
		Log:      log,
		Config: scheduler.Config{
			Schedule:           cfg.Policy.Schedule,
			FirstMatch:         cfg.Policy.FirstMatch,
			Repeat:             cfg.Policy.Repeat,
			SweepWait:          cfg.Pacing.SweepWait,
			QueryRetries:       cfg.Pacing.QueryRetries,
			MaxBookingAttempts: cfg.Policy.MaxBookingAttempts,
			Link:               usps.ScheduleURL,
		},
	}
	if repo != nil {
		s.Recorder = repo
	}
	if cfg.Policy.Schedule {
		s.Booking = &booking.Machine{
			Booker:      client,
			Throttle:    th,
			HoldRetries: cfg.Pacing.HoldRetries,
			Contact:     cfg.Contact,
			Party:       cfg.Criteria.Party,
			Log:         log.Named("booking"),
		}
	}
	return s, repo, closeAll, nil
}
