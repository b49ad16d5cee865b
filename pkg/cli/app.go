package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/cache"
	"github.com/webportal/mailqueue/pkg/config"
	"github.com/webportal/mailqueue/pkg/events"
	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/settings"
	"github.com/webportal/mailqueue/pkg/store/memory"
	"github.com/webportal/mailqueue/pkg/store/postgres"
)

// app holds the wired queue components shared by serve and dispatch.
type app struct {
	store      mail.Store
	enqueuer   *mail.Enqueuer
	settings   *settings.Provider
	dispatcher *mail.Dispatcher
	recent     *cache.RecentDeliveries
	publisher  *events.Publisher

	closers []func() error
	log     *zap.SugaredLogger
}

type appOptions struct {
	// migrate applies pending migrations before opening the pool.
	migrate bool
	// withCache connects Redis when configured.
	withCache bool
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts appOptions) (_ *app, err error) {
	log := logger.Sugar()
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var settingsStore settings.Store
	switch cfg.Database.Store {
	case config.StoreMemory:
		log.Warnw("Using the in-memory queue store; queued mail is lost on restart")
		a.store = memory.New()
		settingsStore = memory.NewSettingsStore()
	default:
		if opts.migrate {
			if err := postgres.Migrate(cfg.Database.URL, log); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.store = postgres.NewStore(pool)
		settingsStore = postgres.NewSettingsStore(pool)
	}

	dkim, err := mail.NewDKIMSigner(cfg.DKIMConfig())
	if err != nil {
		return nil, err
	}
	if dkim != nil {
		log.Infow("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", dkim.Selector())
	}
	transports := mail.NewTransportFactory(dkim)

	a.enqueuer = mail.NewEnqueuer(a.store, log)
	a.settings = settings.NewProvider(settingsStore, cfg.TransportDefaults(), transports, a.enqueuer, log)

	var hooks []mail.OutcomeHook
	if opts.withCache && cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cache.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.recent = cache.NewRecentDeliveries(client)
		hooks = append(hooks, a.recent)
	} else {
		a.recent = cache.NewRecentDeliveries(nil)
	}

	sink, err := buildSink(cfg.Events, logger)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		a.publisher = events.NewPublisher(sink, events.PublisherConfig{
			QueueSize:   cfg.Events.QueueSize,
			WorkerCount: cfg.Events.Workers,
		}, logger)
		a.closers = append(a.closers, a.publisher.Close)
		hooks = append(hooks, a.publisher)
	}

	a.dispatcher = mail.NewDispatcher(a.store, a.settings, transports, cfg.DispatcherConfig(), log,
		mail.WithOutcomeHooks(hooks...))
	return a, nil
}

// buildSink returns nil when no event output is configured.
func buildSink(cfg config.Events, logger *zap.Logger) (events.Sink, error) {
	var sinks []events.Sink
	if cfg.Log {
		sinks = append(sinks, events.NewLogSink(logger))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kcfg, err := kafkaSinkConfig(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		ks, err := events.NewKafkaSink(kcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create kafka event sink: %w", err)
		}
		sinks = append(sinks, ks)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return events.NewMultiSink(sinks, logger), nil
	}
}

func kafkaSinkConfig(k config.Kafka) (events.KafkaSinkConfig, error) {
	out := events.KafkaSinkConfig{
		Name:             "kafka",
		Brokers:          k.Brokers,
		Topic:            k.Topic,
		CompressionCodec: k.CompressionCodec,
	}
	if k.SASL != nil && k.SASL.Mechanism != "" {
		out.SASL = &events.KafkaSASLConfig{
			Mechanism: k.SASL.Mechanism,
			Username:  k.SASL.Username,
			Password:  k.SASL.Password,
		}
	}
	if k.TLS != nil && k.TLS.Enabled {
		tlsCfg := &events.KafkaTLSConfig{Enabled: true, InsecureSkipVerify: k.TLS.InsecureSkipVerify}
		var err error
		if tlsCfg.CACert, err = readOptional(k.TLS.CAFile); err != nil {
			return out, err
		}
		if tlsCfg.ClientCert, err = readOptional(k.TLS.CertFile); err != nil {
			return out, err
		}
		if tlsCfg.ClientKey, err = readOptional(k.TLS.KeyFile); err != nil {
			return out, err
		}
		out.TLS = tlsCfg
	}
	return out, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kafka tls file: %w", err)
	}
	return data, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.log.Warnw("Errors while closing resources", "error", err)
	}
}
