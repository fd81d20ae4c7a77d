package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"example.com/didcommh2/v2/internal/config"
	"example.com/didcommh2/v2/internal/didcomm"
	"example.com/didcommh2/v2/internal/logger"
	"example.com/didcommh2/v2/internal/metrics"
	"example.com/didcommh2/v2/internal/mux"
	"example.com/didcommh2/v2/internal/router"
	"example.com/didcommh2/v2/internal/server"
)

const stopGrace = 5 * time.Second

// appModule wires the agent from a loaded configuration. Components are
// started in dependency order and stopped in reverse.
func appModule(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideMetrics,
			provideClient,
			provideProfile,
			didcomm.NewOutboundTransport,
			provideSessionFactory,
			provideRouter,
			provideServer,
		),
		fx.Invoke(registerLogger, registerMetricsEndpoint, registerClient, registerServer),
		fx.StopTimeout(cfg.Server.ShutdownTimeout()+stopGrace),
		fx.NopLogger,
	)
}

func provideLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.NewLogger(cfg.Logging)
}

func provideMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	return reg, metrics.New(reg)
}

func newClient(cfg *config.Config, lg *logger.Logger, m *metrics.Metrics) *mux.Client {
	o := cfg.Outbound
	dial, response := o.Timeouts()
	return mux.NewClient(mux.ClientConfig{
		TLSConfig:       &tls.Config{InsecureSkipVerify: *o.InsecureSkipVerify, MinVersion: tls.VersionTLS12},
		DialTimeout:     dial,
		ResponseTimeout: response,
		UserAgent:       *o.UserAgent,
	}, lg, m)
}

func provideClient(cfg *config.Config, lg *logger.Logger, m *metrics.Metrics) *mux.Client {
	return newClient(cfg, lg, m)
}

func provideProfile(cfg *config.Config) didcomm.Profile {
	return didcomm.MapProfile{
		didcomm.SettingNewMIMEType: *cfg.Profile.EmitNewDIDCommMIMEType,
		"label":                    cfg.Profile.Label,
	}
}

func provideSessionFactory(profile didcomm.Profile, out *didcomm.OutboundTransport, lg *logger.Logger) (didcomm.SessionFactory, error) {
	return didcomm.NewPlaintextSessionFactory(didcomm.PingHandler, profile, out, lg)
}

func provideRouter(sessions didcomm.SessionFactory, lg *logger.Logger) (*router.Router, error) {
	r := router.NewRouter(lg)
	if err := didcomm.NewInboundTransport(sessions, lg).Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func provideServer(cfg *config.Config, lg *logger.Logger, r *router.Router, m *metrics.Metrics) (*server.Server, error) {
	return server.NewServer(cfg, lg, r, m)
}

// registerLogger is appended first so log files close after every other hook.
// SIGHUP reopens file targets for external log rotation.
func registerLogger(lc fx.Lifecycle, lg *logger.Logger) {
	hup := make(chan os.Signal, 1)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-hup:
						if err := lg.ReopenLogFiles(); err != nil {
							lg.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
						}
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			signal.Stop(hup)
			close(done)
			lg.Info("Agent stopped")
			return lg.CloseLogFiles()
		},
	})
}

func registerMetricsEndpoint(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, lg *logger.Logger) {
	if !*cfg.Metrics.Enabled {
		return
	}
	routes := http.NewServeMux()
	routes.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: routes, ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			l, err := net.Listen("tcp", cfg.Metrics.Address)
			if err != nil {
				return err
			}
			lg.Info("Metrics endpoint listening", logger.LogFields{"address": l.Addr().String()})
			go func() {
				if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
					lg.Error("Metrics endpoint failed", logger.LogFields{"error": err.Error()})
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func registerClient(lc fx.Lifecycle, client *mux.Client) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			client.Shutdown()
			return nil
		},
	})
}

func registerServer(lc fx.Lifecycle, cfg *config.Config, srv *server.Server, lg *logger.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			lg.Info("Agent transport started", logger.LogFields{"tls": cfg.Server.TLSEnabled()})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
