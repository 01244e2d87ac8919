package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	wsignal "github.com/classpeer/presence/internal/adapters/signal"

	router "github.com/classpeer/presence/internal/adapters/http"
	"github.com/classpeer/presence/internal/app"
	"github.com/classpeer/presence/internal/auth"
	"github.com/classpeer/presence/internal/config"
	"github.com/classpeer/presence/internal/core"
	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var members store.Members
	if cfg.RedisAddr != "" {
		redis, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redis.Close()
		members = redis
	} else {
		log.Warn().Msg("no redis configured, using in-memory membership store")
		members = store.NewMemory()
	}

	var schedule auth.Schedule
	if cfg.ScheduleURL != "" {
		schedule = auth.NewHTTPSchedule(cfg.ScheduleURL)
	} else {
		log.Warn().Msg("no schedule service configured, allowing all session access")
		schedule = auth.ScheduleFunc(func(context.Context, domain.UserID, domain.SessionID) (bool, error) {
			return true, nil
		})
	}

	recorder := app.NewRecorder(nil, cfg.RecorderBuffer)
	defer recorder.Close()

	registry := app.NewRegistry()
	group := core.NewGroup()

	coordinator := &app.Coordinator{
		Registry:   registry,
		Group:      group,
		Members:    members,
		Oracle:     auth.NewOracle(schedule, members, cfg.SessionCapacity),
		Recorder:   recorder,
		Limiter:    app.NewJoinLimiter(cfg.JoinRateLimit, cfg.JoinRateWindow),
		AckTimeout: cfg.AckTimeout,
	}

	ctl := &wsignal.Controller{
		Coordinator: coordinator,
		Relay:       &app.Relay{Registry: registry, Group: group},
		Registry:    registry,
		Resolver:    auth.SessionResolver{},
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
	}

	r := router.SetupRouter(ctx, cfg, ctl, members)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("presence server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
