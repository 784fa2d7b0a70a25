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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/porthole-live/porthole/internal/auth"
	"github.com/porthole-live/porthole/internal/broker"
	"github.com/porthole-live/porthole/internal/classifier"
	"github.com/porthole-live/porthole/internal/config"
	"github.com/porthole-live/porthole/internal/hub"
	"github.com/porthole-live/porthole/internal/logger"
	"github.com/porthole-live/porthole/internal/metrics"
	"github.com/porthole-live/porthole/internal/registry"
	"github.com/porthole-live/porthole/internal/server"
	"github.com/porthole-live/porthole/internal/watcher"
	"github.com/porthole-live/porthole/internal/wire"
)

// version is stamped by the build; "dev" for local runs.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting porthole",
		slog.String("version", version),
		slog.String("instance_id", logger.GetInstanceID()),
		slog.String("watch_root", cfg.WatchRoot),
		slog.String("port", cfg.Port))

	gin.SetMode(cfg.GinMode)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	authSvc := auth.NewService(cfg.EnrollmentTTL, cfg.CredentialTTL, log)
	reg := registry.New(log)
	cls := classifier.New(cfg.IdleThreshold, log)
	brk := broker.New(reg, cfg.HistoryBuffer, m, log)

	h := hub.New(hub.Options{
		Auth:             authSvc,
		Broker:           brk,
		Metrics:          m,
		Version:          version,
		AuthDeadline:     cfg.AuthDeadline,
		PingInterval:     cfg.PingInterval,
		IdleCutoff:       cfg.IdleCutoff,
		SlowClientCutoff: cfg.SlowClientCutoff,
		MailboxSize:      cfg.MailboxSize,
	}, log)

	// Cross-component wiring. Listeners are registered before anything
	// starts producing events.
	authSvc.OnRevoked(h.EvictKey)

	reg.OnDiscovered(func(desc registry.Descriptor) {
		h.BroadcastAll(wire.New(wire.TypeSessionNotification, wire.SessionNotificationPayload{
			Kind:         wire.NotificationDiscovered,
			SessionID:    desc.SessionID,
			ProjectLabel: desc.ProjectLabel,
		}))
	})
	reg.OnTerminated(func(sessionID string) {
		brk.SessionTerminated(sessionID, "log_removed")
		cls.Remove(sessionID)
		h.BroadcastAll(wire.New(wire.TypeSessionStatus, wire.SessionStatusPayload{
			SessionID: sessionID,
			Status:    string(registry.StatusTerminated),
		}))
	})
	cls.OnChange(func(sessionID string, state classifier.State, lastActivity time.Time) {
		if state == classifier.StateIdle {
			reg.SetStatus(sessionID, registry.StatusIdle)
		}
		brk.PublishState(sessionID, string(state), lastActivity)
	})

	watch := watcher.New(watcher.Options{
		Root:         cfg.WatchRoot,
		ForcePolling: cfg.ForcePolling,
		PollInterval: cfg.PollInterval,
		MailboxSize:  cfg.MailboxSize,
	}, reg, cls, brk, m, log)

	authHandler := auth.NewHandler(authSvc, cfg.PublicBaseURL, cfg.EnrollmentTTL, version, log)

	srv := server.New(server.Options{
		AuthService:    authSvc,
		AuthHandler:    authHandler,
		Registry:       reg,
		Classifier:     cls,
		Hub:            h,
		Watcher:        watch,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Version:        version,
		AllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watch.Run(ctx)
	}()

	// Periodic maintenance: expired auth entries and idle transitions.
	maint := cron.New()
	if _, err := maint.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		authSvc.Sweep()
		cls.Sweep()
	}); err != nil {
		log.Error("failed to schedule maintenance sweep", slog.String("error", err.Error()))
		os.Exit(1)
	}
	maint.Start()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", httpSrv.Addr))
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	stop()
	maint.Stop()

	// Drain: tell clients we are going away, then stop accepting.
	h.Shutdown(cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	<-watchDone
	log.Info("stopped")
}

func splitOrigins(s string) []string {
	if s == "" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
