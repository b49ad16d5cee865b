package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webportal/mailqueue/pkg/api"
	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/telemetry"
	"github.com/webportal/mailqueue/pkg/version"
)

func NewServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the dispatch scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rt, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", getEnvBool("MAILQUEUE_MIGRATE", false), "Apply pending database migrations before starting")
	return cmd
}

func runServe(ctx context.Context, rt *runtimeState, migrate bool) error {
	cfg, err := rt.Config()
	if err != nil {
		return err
	}
	zl, err := rt.Logger()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()
	log.Infow("Starting mailqueue", "version", version.Version, "store", cfg.Database.Store)

	_, shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version.Version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRate:   cfg.Tracing.SamplingRate,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("Failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, zl, appOptions{migrate: migrate, withCache: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var status api.StatusProvider
	var scheduler *mail.Scheduler
	if cfg.Dispatcher.DisableScheduler {
		log.Infow("Dispatch scheduler disabled; cycles run only when triggered")
	} else {
		scheduler = mail.NewScheduler(a.dispatcher, cfg.SchedulerInterval(), log)
		scheduler.Start(ctx)
		status = scheduler
	}

	if cfg.Auth.JWTSigningKey == "" {
		log.Warnw("auth.jwtSigningKey is empty; admin endpoints will answer 503")
	}
	if cfg.Auth.DispatchSecret == "" {
		log.Warnw("auth.dispatchSecret is empty; the HTTP dispatch trigger is disabled")
	}

	server := api.NewServer(zl, cfg.Server, rt.debug, a.store)
	defer server.Close()
	admin := server.AdminHandlers(api.NewAdminAuth(cfg.Auth.JWTSigningKey, cfg.Auth.AdminRole, log))
	err = server.RegisterAll([]api.APIController{
		api.NewDispatchController(a.dispatcher, status, cfg.Auth.DispatchSecret, server.TriggerLimiter(), admin, log),
		api.NewQueueController(a.store, a.enqueuer, a.recent, admin, log),
		api.NewSettingsController(a.settings, admin, log),
	})
	if err != nil {
		return err
	}

	runErr := server.Run(ctx)

	if scheduler != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			log.Warnw("Scheduler did not stop cleanly", "error", err)
		}
	}
	log.Infow("mailqueue stopped")
	return runErr
}
