// Command chatgate runs the HTTP/WebSocket bridge in front of a NATS-backed
// message-processing engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatgate/chatgate/auth"
	"github.com/chatgate/chatgate/bridge"
	"github.com/chatgate/chatgate/config"
	"github.com/chatgate/chatgate/httpbridge"
	"github.com/chatgate/chatgate/internal/logctx"
	"github.com/chatgate/chatgate/internal/metrics"
	"github.com/chatgate/chatgate/natsconsumer"
	"github.com/chatgate/chatgate/sessions"
	"github.com/chatgate/chatgate/sessions/redisstore"
	"github.com/chatgate/chatgate/sink"
	"github.com/chatgate/chatgate/wsbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authenticator, closeAuth, err := buildAuthenticator(cfg, log)
	if err != nil {
		return err
	}
	if closeAuth != nil {
		defer closeAuth()
	}

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}

	consumer, err := natsconsumer.Connect(natsconsumer.Config{
		URL:     cfg.NATSURL,
		Subject: cfg.NATSSubject,
		Name:    "chatgate",
	}, natsconsumer.WithLogger(log))
	if err != nil {
		return err
	}
	defer consumer.Close()

	met := metrics.New()
	adapter := bridge.New(consumer,
		bridge.WithLogger(log),
		bridge.WithRegistry(registry),
		bridge.WithMetrics(met),
		bridge.WithSweepInterval(cfg.SweepInterval),
		bridge.WithIdleTimeout(cfg.SessionIdleTimeout),
		bridge.WithStreamOptions(sink.WithQueueCapacity(cfg.StreamQueueCapacity)),
	)

	httpHandler, err := httpbridge.New(adapter,
		httpbridge.WithLogger(log),
		httpbridge.WithAuthenticator(authenticator),
		httpbridge.WithPrefix(cfg.PathPrefix),
		httpbridge.WithHeartbeatInterval(cfg.HeartbeatInterval),
		httpbridge.WithStreamTimeout(cfg.StreamTimeout),
	)
	if err != nil {
		return err
	}

	wsHandler, err := wsbridge.New(adapter,
		wsbridge.WithLogger(log),
		wsbridge.WithAuthenticator(authenticator),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", httpHandler)
	mux.Handle(fmt.Sprintf("GET %s/ws", strings.TrimRight(cfg.PathPrefix, "/")), wsHandler)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(met.Register(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics.listen", slog.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	go func() {
		if err := adapter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown.begin")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := adapter.Shutdown(shutdownCtx); err != nil {
		log.Warn("bridge.shutdown.fail", slog.String("err", err.Error()))
	}

	log.Info("shutdown.done")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: base})
}

// buildAuthenticator selects the auth mode: JWT, token file, static token,
// or none. The returned close func stops any background watcher.
func buildAuthenticator(cfg config.Config, log *slog.Logger) (auth.Authenticator, func() error, error) {
	switch {
	case cfg.JWTSecret != "":
		a, err := auth.NewJWT(auth.JWTConfig{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("auth.mode", slog.String("mode", "jwt"))
		return a, nil, nil
	case cfg.AuthTokenFile != "":
		tf, err := auth.NewTokenFile(cfg.AuthTokenFile, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("auth.mode", slog.String("mode", "token_file"))
		return tf, tf.Close, nil
	case cfg.AuthToken != "":
		log.Info("auth.mode", slog.String("mode", "static_token"))
		return auth.NewStaticToken(cfg.AuthToken), nil, nil
	default:
		log.Warn("auth.disabled")
		return nil, nil, nil
	}
}

func buildRegistry(cfg config.Config, log *slog.Logger) (sessions.Registry, error) {
	if cfg.RedisAddr != "" {
		log.Info("sessions.store", slog.String("store", "redis"), slog.String("addr", cfg.RedisAddr))
		return redisstore.New(redisstore.Config{
			RedisAddr: cfg.RedisAddr,
			Capacity:  cfg.MaxSessions,
		})
	}
	log.Info("sessions.store", slog.String("store", "memory"))
	return sessions.NewMemoryRegistry(cfg.MaxSessions, sessions.WithLogger(log)), nil
}
