package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/trivia/go/internal/config"
	"github.com/mcdev12/trivia/go/internal/trivia/backend"
	"github.com/mcdev12/trivia/go/internal/trivia/player"
	"github.com/mcdev12/trivia/go/internal/trivia/recovery"
	"github.com/mcdev12/trivia/go/internal/trivia/settings"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// bot answers every question it sees once, after a random think time
type bot struct {
	client   *player.Client
	rng      *rand.Rand
	mu       sync.Mutex
	answered map[string]bool
}

func (b *bot) onChange(ctx context.Context, clock clockwork.Clock) func(player.View) {
	return func(v player.View) {
		if v.Question == nil || v.Locked || v.Submitted || len(v.Question.Options) == 0 {
			return
		}
		key := fmt.Sprintf("%s/%d", v.State.GameID, v.State.QuestionCounter)

		b.mu.Lock()
		if b.answered[key] {
			b.mu.Unlock()
			return
		}
		b.answered[key] = true
		choice := v.Question.Options[b.rng.Intn(len(v.Question.Options))]
		window := time.Duration(v.TimeLeft) * time.Second / 2
		think := time.Duration(b.rng.Int63n(int64(window) + 1))
		b.mu.Unlock()

		clock.AfterFunc(think, func() {
			err := b.client.SelectAnswer(ctx, choice)
			if err != nil && !errors.Is(err, player.ErrAnswerLocked) {
				log.Warn().Err(err).Str("player", b.client.Player()).Msg("answer failed")
				return
			}
			log.Debug().Str("player", b.client.Player()).Str("answer", choice).Str("question", key).Msg("answered")
		})
	}
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.StoreBackend == config.StoreMemory || cfg.BusBackend == config.BusLocal {
		log.Fatal().Msg("player swarm needs a shared store and bus; set STORE_BACKEND and BUS_BACKEND")
	}

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
	backends, err := backend.Open(ctx, cfg, "trivia-players", clock)
	defer backends.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open backends")
	}

	log.Info().
		Str("game_id", cfg.GameID).
		Int("players", cfg.Players).
		Msg("starting player swarm")

	g, gctx := errgroup.WithContext(ctx)
	for _, listen := range backends.Listeners() {
		g.Go(func() error { return listen(gctx) })
	}

	clients := make([]*player.Client, 0, cfg.Players)
	for i := 0; i < cfg.Players; i++ {
		name := fmt.Sprintf("bot-%02d", i+1)
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		c := player.NewClient(cfg.GameID, name, backends.Store, backends.Bus, backends.Ledger, qs, s,
			player.WithClock(clock), player.WithRand(rng))
		clients = append(clients, c)

		b := &bot{client: c, rng: rng, answered: make(map[string]bool)}
		c.OnChange(b.onChange(gctx, clock))

		loop := recovery.NewLoop(clock, cfg.RecoveryInterval, recovery.Func("display truth", c.Reconcile))
		g.Go(func() error { return c.Run(gctx) })
		g.Go(func() error { return loop.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("player swarm stopped with error")
	}
	logStandings(clients, backends)
}

func logStandings(clients []*player.Client, backends *backend.Backends) {
	if len(clients) == 0 {
		return
	}
	session := clients[0].View().State.GameID
	if session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	standings, err := backends.Ledger.Standings(ctx, session)
	if err != nil {
		log.Error().Err(err).Str("game_id", session).Msg("failed to load standings")
		return
	}
	for i, st := range standings {
		log.Info().
			Int("rank", i+1).
			Str("player", st.Player).
			Int("score", st.Score).
			Msg("final standing")
	}
}
