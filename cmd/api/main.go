package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signaling-platform/internal/auth"
	"signaling-platform/internal/calls"
	"signaling-platform/internal/config"
	"signaling-platform/internal/httpapi"
	"signaling-platform/internal/presence"
	"signaling-platform/internal/signaling"
	"signaling-platform/internal/store"
	"signaling-platform/pkg/logger"
	"signaling-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "signaling-api")
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	kv := store.NewRedis(rdb)
	records := calls.NewRecordStore(kv, cfg.Call.RingTTL)
	locks := calls.NewPairLock(kv, cfg.Call.RingTTL)
	deadlines := calls.NewDeadlineManager(kv, calls.DeadlineConfig{
		RingTimeout:     cfg.Call.RingTimeout,
		MaxCallDuration: cfg.Call.MaxCallDuration,
	})
	registry := presence.NewRegistry(kv, cfg.Call.ReconnectGrace)

	// Timer-fired directives have no originating request to ride back on.
	// They go to the directive log, which the socket gateway tails as its
	// outbox; the push fallback inside each directive rides along.
	sink := signaling.SinkFunc(func(_ context.Context, ds []signaling.Directive) {
		for _, d := range ds {
			log.Info("directive",
				"target_user_id", d.TargetUserID,
				"event", d.Event,
				"has_push", d.Push != nil,
			)
		}
	})

	orchestrator := signaling.New(records, locks, deadlines, registry, sink, signaling.Options{
		Logger: log,
	})

	// Periodic sweep backstopping the store's native TTLs.
	go func() {
		t := time.NewTicker(cfg.Call.CleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-t.C:
				sweepCtx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
				removed, err := records.CleanupExpired(sweepCtx)
				cancel()
				if err != nil {
					log.Error("cleanup sweep failed", "err", err)
					continue
				}
				if removed > 0 {
					log.Info("cleanup sweep", "removed", removed)
				}
			}
		}
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Records:      records,
		Presence:     registry,
		Orchestrator: orchestrator,
	}
	registerRoutes(r, h, auth.RequireServiceToken(authManager), rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// In-process timers die with the process; store TTLs and the next
	// instance's sweep pick up where they left off.
	deadlines.ClearAll()
}
