package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/assistant"
	"github.com/memohai/supportdesk/internal/channel"
	"github.com/memohai/supportdesk/internal/channel/adapters/facebook"
	"github.com/memohai/supportdesk/internal/channel/adapters/meta"
	"github.com/memohai/supportdesk/internal/channel/adapters/webwidget"
	"github.com/memohai/supportdesk/internal/channel/adapters/whatsapp"
	"github.com/memohai/supportdesk/internal/config"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/db"
	"github.com/memohai/supportdesk/internal/dedupe"
	"github.com/memohai/supportdesk/internal/delivery"
	"github.com/memohai/supportdesk/internal/dispatch"
	"github.com/memohai/supportdesk/internal/events"
	"github.com/memohai/supportdesk/internal/handlers"
	"github.com/memohai/supportdesk/internal/healthcheck"
	"github.com/memohai/supportdesk/internal/keylock"
	"github.com/memohai/supportdesk/internal/logger"
	"github.com/memohai/supportdesk/internal/outbound"
	"github.com/memohai/supportdesk/internal/presence"
	"github.com/memohai/supportdesk/internal/server"
	"github.com/memohai/supportdesk/internal/store"
	"github.com/memohai/supportdesk/internal/store/memory"
	"github.com/memohai/supportdesk/internal/store/postgres"
	"github.com/memohai/supportdesk/internal/version"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			keylock.New,
			provideStore,
			provideHub,
			provideDedupe,
			providePublisher,
			provideWidgetAdapter,
			provideChannelRegistry,
			provideTracker,
			provideDispatcher,
			provideEscalator,
			providePipeline,
			provideSweeper,
			provideRouter,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideChannelWebhookHandler),
			fx.Annotate(provideWidgetHandler, fx.ResultTags(`group:"server_handlers"`)),
			provideServerHandler(provideConversationsHandler),
			provideServerHandler(provideOperatorSocketHandler),
			provideServer,
		),
		fx.Invoke(
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store, conversations are lost on restart")
		return memory.New(), nil
	case config.StoreDriverPostgres, "":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.AutoMigrate {
		if err := db.MigrateUp(log, cfg.Postgres.DSN()); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return postgres.New(log, conn), nil
}

func provideHub(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *presence.Hub {
	hub := presence.NewHub(log, presence.Options{
		Lanes:      cfg.Presence.Lanes,
		LaneBuffer: cfg.Presence.LaneBuffer,
		ConnBuffer: cfg.Presence.ConnBuffer,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { hub.Start(); return nil },
		OnStop:  func(ctx context.Context) error { hub.Close(); return nil },
	})
	return hub
}

func provideDedupe(lc fx.Lifecycle, cfg config.Config) *dedupe.Cache {
	cache := dedupe.New(cfg.Dedupe.TTLDuration(), cfg.Dedupe.MaxSize)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { cache.Close(); return nil }})
	return cache
}

func providePublisher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (events.Publisher, error) {
	if cfg.Events.AMQPURL == "" {
		return events.Nop{}, nil
	}
	pub, err := events.NewAMQPPublisher(context.Background(), log, events.AMQPOptions{
		URL:      cfg.Events.AMQPURL,
		Exchange: cfg.Events.Exchange,
	})
	if err != nil {
		return nil, fmt.Errorf("events publisher: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return pub.Close() }})
	return pub, nil
}

func provideWidgetAdapter(log *slog.Logger) *webwidget.Adapter {
	return webwidget.NewAdapter(log, webwidget.NewSessions())
}

func metaConfig(cfg config.MetaChannelConfig) meta.Config {
	accounts := make([]meta.Account, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		accounts = append(accounts, meta.Account{
			TenantID:    t.TenantID,
			AccountID:   t.AccountID,
			AccessToken: t.AccessToken,
		})
	}
	return meta.Config{
		GraphURL:    cfg.GraphURL,
		AppSecret:   cfg.AppSecret,
		VerifyToken: cfg.VerifyToken,
		Accounts:    accounts,
	}
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, widget *webwidget.Adapter) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	var adapters []channel.Adapter
	if cfg.Channels.WebWidget.Enabled {
		adapters = append(adapters, widget)
	}
	if cfg.Channels.Facebook.Enabled {
		adapters = append(adapters, facebook.NewAdapter(log, metaConfig(cfg.Channels.Facebook)))
	}
	if cfg.Channels.WhatsApp.Enabled {
		adapters = append(adapters, whatsapp.NewAdapter(log, metaConfig(cfg.Channels.WhatsApp)))
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}
	if len(adapters) == 0 {
		log.Warn("no channels enabled")
	}
	return registry, nil
}

func provideTracker(log *slog.Logger, st store.Store, locks *keylock.Locker, hub *presence.Hub) *delivery.Tracker {
	return delivery.NewTracker(log, st, st, locks, hub)
}

func provideDispatcher(log *slog.Logger, registry *channel.Registry, st store.Store, tracker *delivery.Tracker) *outbound.Dispatcher {
	return outbound.NewDispatcher(log, registry, st, tracker)
}

func provideEscalator(log *slog.Logger, cfg config.Config, st store.Store, dispatcher *outbound.Dispatcher, hub *presence.Hub, publisher events.Publisher, locks *keylock.Locker) dispatch.Escalator {
	if cfg.Assistant.BaseURL == "" {
		log.Info("assistant disabled, new conversations wait for an operator")
		return nil
	}
	client := assistant.NewHTTPClient(log, cfg.Assistant.BaseURL, cfg.Assistant.APIKey, cfg.Assistant.Timeout())
	return assistant.NewEscalationHandler(log, client, st, dispatcher, hub, publisher, locks, cfg.Assistant.NoticeTemplate)
}

func providePipeline(log *slog.Logger, cfg config.Config, st store.Store, locks *keylock.Locker, publisher events.Publisher) *archive.Pipeline {
	if cfg.Archive.Secret == "" {
		log.Warn("archive.secret is empty, pseudonyms depend on the tenant salt only")
	}
	pseudo := archive.NewPseudonymizer(cfg.Archive.Secret, cfg.Archive.PseudonymLength)
	return archive.NewPipeline(log, st, st, pseudo, locks, publisher)
}

func provideSweeper(log *slog.Logger, cfg config.Config, router *dispatch.Router, st store.Store) *archive.Sweeper {
	return archive.NewSweeper(log, router, st, cfg.Archive.IdleAfterDuration())
}

func provideRouter(log *slog.Logger, st store.Store, locks *keylock.Locker, escalator dispatch.Escalator, dispatcher *outbound.Dispatcher, pipeline *archive.Pipeline, hub *presence.Hub, cache *dedupe.Cache) *dispatch.Router {
	return dispatch.NewRouter(log, dispatch.Deps{
		Resolver:   conversation.NewResolver(log, st, locks),
		Store:      st,
		Escalator:  escalator,
		Dispatcher: dispatcher,
		Archiver:   pipeline,
		Notifier:   hub,
		Dedupe:     cache,
		Locks:      locks,
	})
}

func provideChannelWebhookHandler(log *slog.Logger, registry *channel.Registry, router *dispatch.Router, tracker *delivery.Tracker) *handlers.ChannelWebhookHandler {
	return handlers.NewChannelWebhookHandler(log, registry, router, tracker)
}

// provideWidgetHandler yields a nil handler when the widget channel is off.
func provideWidgetHandler(log *slog.Logger, cfg config.Config, widget *webwidget.Adapter, router *dispatch.Router, tracker *delivery.Tracker) server.Handler {
	if !cfg.Channels.WebWidget.Enabled {
		return nil
	}
	return handlers.NewWidgetHandler(log, widget, router, tracker, cfg.Channels.WebWidget.AllowedOrigins)
}

func provideConversationsHandler(log *slog.Logger, router *dispatch.Router, pipeline *archive.Pipeline) *handlers.ConversationsHandler {
	return handlers.NewConversationsHandler(log, router, pipeline)
}

func provideOperatorSocketHandler(log *slog.Logger, cfg config.Config, hub *presence.Hub) *handlers.OperatorSocketHandler {
	return handlers.NewOperatorSocketHandler(log, hub, cfg.Auth.JWTSecret, cfg.Auth.ExpiresIn())
}

func provideHealthHandler(log *slog.Logger, st store.Store, registry *channel.Registry, publisher events.Publisher) *handlers.HealthHandler {
	var checkers []healthcheck.Checker
	if p, ok := st.(healthcheck.Pinger); ok {
		checkers = append(checkers, healthcheck.NewPingChecker("store", p))
	}
	if p, ok := publisher.(healthcheck.Pinger); ok {
		checkers = append(checkers, healthcheck.NewPingChecker("events", p))
	}
	checkers = append(checkers, healthcheck.Func(func(context.Context) healthcheck.CheckResult {
		types := registry.Types()
		if len(types) == 0 {
			return healthcheck.CheckResult{ID: "channels", Status: healthcheck.StatusWarn, Summary: "no channels enabled"}
		}
		return healthcheck.CheckResult{ID: "channels", Status: healthcheck.StatusOK, Summary: fmt.Sprint(types)}
	}))
	return handlers.NewHealthHandler(log, checkers...)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if params.Config.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...), nil
}

func startSweeper(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, sweeper *archive.Sweeper) {
	if cfg.Archive.SweepSchedule == "" {
		logger.Info("idle sweep disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return sweeper.Start(cfg.Archive.SweepSchedule) },
		OnStop:  func(ctx context.Context) error { sweeper.Stop(ctx); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting supportdesk %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
