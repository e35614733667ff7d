package main

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/wristclaw/wristclaw/internal/config"
	"github.com/wristclaw/wristclaw/internal/handlers"
	"github.com/wristclaw/wristclaw/internal/host"
	"github.com/wristclaw/wristclaw/internal/logger"
	"github.com/wristclaw/wristclaw/internal/plugin"
	"github.com/wristclaw/wristclaw/internal/server"
)

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideRuntime,
			providePlugin,
			provideStatusHandler,
			provideServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		fx.Invoke(registerLifecycle),
	)
	app.Run()
	return nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideRuntime(log *slog.Logger) host.Runtime {
	return host.NewConsoleRuntime(log)
}

func providePlugin(log *slog.Logger, cfg config.Config, runtime host.Runtime) *plugin.Plugin {
	return plugin.New(log, cfg, runtime)
}

func provideStatusHandler(log *slog.Logger, p *plugin.Plugin) *handlers.StatusHandler {
	return handlers.NewStatusHandler(log, p)
}

func provideServer(cfg config.Config, statusHandler *handlers.StatusHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, statusHandler)
}

func registerLifecycle(lc fx.Lifecycle, log *slog.Logger, p *plugin.Plugin, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Start(ctx); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("status server failed", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(stopCtx); err != nil {
				log.Warn("status server shutdown failed", slog.Any("error", err))
			}
			return p.Stop(stopCtx)
		},
	})
}
