package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/trivia/go/internal/config"
	"github.com/mcdev12/trivia/go/internal/trivia/backend"
	"github.com/mcdev12/trivia/go/internal/trivia/display"
	"github.com/mcdev12/trivia/go/internal/trivia/gateway"
	"github.com/mcdev12/trivia/go/internal/trivia/recovery"
	"github.com/mcdev12/trivia/go/internal/trivia/settings"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	s, err := settings.Load(cfg.SettingsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	qs, err := backend.LoadQuestions(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load questions")
	}

	clock := clockwork.NewRealClock()
	backends, err := backend.Open(ctx, cfg, "trivia-display", clock)
	defer backends.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open backends")
	}

	rec, err := display.NewReconciler(cfg.GameID, backends.Store, backends.Bus, qs, s, display.WithClock(clock))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create display reconciler")
	}

	loop := recovery.NewLoop(clock, cfg.RecoveryInterval,
		recovery.Func("timer", rec.CheckTimer),
		recovery.Func("slides", rec.CheckSlides),
		recovery.Func("store", rec.CheckStore),
	)
	health := gateway.NewHealthChecker(backends.Store, backends.NATS, loop, 5*cfg.RecoveryInterval)

	gwCfg := gateway.DefaultConfig()
	gwCfg.RecoveryInterval = cfg.RecoveryInterval
	svc, err := gateway.NewService(gwCfg, gateway.Game{
		Reconciler: rec,
		Store:      backends.Store,
		Bus:        backends.Bus,
		Ledger:     backends.Ledger,
		Questions:  qs,
		Clock:      clock,
	}, health)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway service")
	}
	server := svc.Server(fmt.Sprintf(":%d", cfg.HTTPPort))

	log.Info().
		Str("game_id", cfg.GameID).
		Int("questions", qs.Len()).
		Str("addr", server.Addr).
		Msg("starting trivia display")

	g, gctx := errgroup.WithContext(ctx)
	for _, listen := range backends.Listeners() {
		g.Go(func() error { return listen(gctx) })
	}
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return svc.Start(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("trivia display stopped with error")
		backends.Close()
		os.Exit(1)
	}
	log.Info().Msg("trivia display shutdown complete")
}
