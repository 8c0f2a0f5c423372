package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/trivia/go/internal/trivia/bus"
	"github.com/mcdev12/trivia/go/internal/trivia/display"
	"github.com/mcdev12/trivia/go/internal/trivia/ledger"
	"github.com/mcdev12/trivia/go/internal/trivia/player"
	"github.com/mcdev12/trivia/go/internal/trivia/questions"
	"github.com/mcdev12/trivia/go/internal/trivia/recovery"
	"github.com/mcdev12/trivia/go/internal/trivia/store"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Game is everything the gateway needs to serve one game
type Game struct {
	Reconciler *display.Reconciler
	Store      store.Store
	Bus        bus.Bus
	Ledger     ledger.Ledger
	Questions  questions.Source
	// Clock drives the player clients created per connection. Real clock when nil.
	Clock clockwork.Clock
}

// Config holds configuration for the gateway
type Config struct {
	ConnectionConfig ConnectionConfig
	AllowedOrigins   []string
	// RecoveryInterval is how often each player connection checks itself
	// against the display truth
	RecoveryInterval time.Duration
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		AllowedOrigins:   []string{"*"},
		RecoveryInterval: recovery.DefaultInterval,
	}
}

// Service serves display and player screens over websockets and a small
// JSON API for reconnect catch-up.
type Service struct {
	config  Config
	game    Game
	manager *ConnectionManager
	health  *HealthChecker

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
}

// NewService creates the gateway and subscribes it to the game's bus
func NewService(config Config, game Game, health *HealthChecker) (*Service, error) {
	if game.Clock == nil {
		game.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		config:  config,
		game:    game,
		manager: NewConnectionManager(config.ConnectionConfig),
		health:  health,
		ctx:     ctx,
		cancel:  cancel,
	}

	unsubState, err := game.Bus.Subscribe(bus.TopicStateChanged, s.forwardState)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to state: %w", err)
	}
	unsubSettings, err := game.Bus.Subscribe(bus.TopicSettingsChanged, s.forwardSettings)
	if err != nil {
		unsubState()
		cancel()
		return nil, fmt.Errorf("subscribe to settings: %w", err)
	}
	s.unsubs = []func(){unsubState, unsubSettings}
	return s, nil
}

// Start runs the connection manager until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Str("game_id", s.gameID()).Msg("starting trivia gateway")
	s.manager.Start(ctx)
	return s.Stop()
}

// Stop detaches the gateway from the bus and ends every player client
func (s *Service) Stop() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.cancel()
	log.Info().Msg("trivia gateway stopped")
	return nil
}

// Handler returns the routed HTTP handler with CORS and h2c applied
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(r), &http2.Server{})
}

// Server returns an HTTP server for the gateway on addr
func (s *Service) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// RegisterRoutes registers the websocket and JSON routes
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/ws/display", s.handleDisplayConnection)
	r.Get("/ws/player", s.handlePlayerConnection)
	r.Get("/api/games/{id}/state", s.handleState)
	r.Get("/api/games/{id}/standings", s.handleStandings)
	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
}

// Stats returns connection statistics
func (s *Service) Stats() Stats {
	return s.manager.GetConnectionStats()
}

func (s *Service) gameID() string {
	return s.game.Reconciler.GameID()
}

func (s *Service) forwardState(_ context.Context, ev bus.Event) {
	sc, ok := ev.(bus.StateChanged)
	if !ok {
		return
	}
	msg, err := NewMessage(s.gameID(), MessageState, sc.Snapshot)
	if err != nil {
		log.Error().Err(err).Msg("failed to build state message")
		return
	}
	s.manager.Broadcast(s.gameID(), KindDisplay, msg)
}

func (s *Service) forwardSettings(_ context.Context, ev bus.Event) {
	sc, ok := ev.(bus.SettingsChanged)
	if !ok {
		return
	}
	msg, err := NewMessage(s.gameID(), MessageSettings, sc.Settings)
	if err != nil {
		log.Error().Err(err).Msg("failed to build settings message")
		return
	}
	s.manager.Broadcast(s.gameID(), "", msg)
}

// checkGame rejects requests for a game this gateway does not serve
func (s *Service) checkGame(w http.ResponseWriter, gameID string) bool {
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "game_id is required")
		return false
	}
	if gameID != s.gameID() {
		writeError(w, http.StatusNotFound, "unknown game")
		return false
	}
	return true
}

func (s *Service) handleDisplayConnection(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("game_id")
	if !s.checkGame(w, gameID) {
		return
	}

	conn, err := s.manager.Upgrade(w, r, gameID, KindDisplay, "", s.handleDisplayAction)
	if err != nil {
		log.Error().Err(err).Str("game_id", gameID).Msg("failed to upgrade display connection")
		return
	}
	conn.Serve(nil)

	if msg, err := NewMessage(gameID, MessageState, s.game.Reconciler.Snapshot()); err == nil {
		s.manager.SendTo(conn, msg)
	}
	if msg, err := NewMessage(gameID, MessageSettings, s.game.Reconciler.Settings()); err == nil {
		s.manager.SendTo(conn, msg)
	}
}

func (s *Service) handleDisplayAction(conn *Connection, data []byte) {
	action, err := ParseAction(data)
	if err != nil {
		s.manager.SendTo(conn, errorMessage(conn.GameID, err))
		return
	}

	ctx := s.ctx
	rec := s.game.Reconciler
	switch action.Type {
	case ActionStart:
		err = rec.Start(ctx)
	case ActionAdvance:
		err = rec.Advance(ctx)
	case ActionForceAnswer:
		err = rec.ForceAnswer(ctx)
	case ActionPause:
		err = rec.Pause(ctx)
	case ActionResume:
		err = rec.Resume(ctx)
	case ActionReset:
		err = rec.Reset(ctx)
	case ActionSettings:
		if action.Settings == nil {
			err = errors.New("settings payload is required")
			break
		}
		err = rec.UpdateSettings(ctx, *action.Settings)
	default:
		err = fmt.Errorf("unknown display action %q", action.Type)
	}

	if err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Str("action", string(action.Type)).Msg("display action failed")
		s.manager.SendTo(conn, errorMessage(conn.GameID, err))
		return
	}
	log.Info().Str("connection_id", conn.ID).Str("action", string(action.Type)).Msg("display action applied")
}

func (s *Service) handlePlayerConnection(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("game_id")
	if !s.checkGame(w, gameID) {
		return
	}
	name := r.URL.Query().Get("player")
	if name == "" {
		writeError(w, http.StatusBadRequest, "player is required")
		return
	}

	client := player.NewClient(gameID, name, s.game.Store, s.game.Bus, s.game.Ledger, s.game.Questions,
		s.game.Reconciler.Settings(), player.WithClock(s.game.Clock))

	conn, err := s.manager.Upgrade(w, r, gameID, KindPlayer, name, func(conn *Connection, data []byte) {
		s.handlePlayerAction(conn, client, data)
	})
	if err != nil {
		log.Error().Err(err).Str("player", name).Msg("failed to upgrade player connection")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	removeListener := client.OnChange(func(v player.View) {
		msg, err := NewMessage(gameID, MessageView, v)
		if err != nil {
			log.Error().Err(err).Str("player", name).Msg("failed to build view message")
			return
		}
		s.manager.SendTo(conn, msg)
	})
	conn.Serve(func() {
		removeListener()
		cancel()
	})

	go func() {
		if err := client.Run(ctx); err != nil {
			log.Error().Err(err).Str("player", name).Msg("player client stopped")
		}
	}()
	loop := recovery.NewLoop(s.game.Clock, s.config.RecoveryInterval, recovery.Func("display truth", client.Reconcile))
	go loop.Run(ctx)

	if msg, err := NewMessage(gameID, MessageView, client.View()); err == nil {
		s.manager.SendTo(conn, msg)
	}
}

func (s *Service) handlePlayerAction(conn *Connection, client *player.Client, data []byte) {
	action, err := ParseAction(data)
	if err != nil {
		s.manager.SendTo(conn, errorMessage(conn.GameID, err))
		return
	}

	ctx := s.ctx
	switch action.Type {
	case ActionSelectAnswer:
		err = client.SelectAnswer(ctx, action.Answer)
	case ActionForceSync:
		err = client.ForceSync(ctx)
	case ActionEmergencyReset:
		err = client.EmergencyReset(ctx)
	default:
		err = fmt.Errorf("unknown player action %q", action.Type)
	}
	if err != nil {
		log.Debug().Err(err).Str("player", conn.Player).Str("action", string(action.Type)).Msg("player action rejected")
		s.manager.SendTo(conn, errorMessage(conn.GameID, err))
	}
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.checkGame(w, chi.URLParam(r, "id")) {
		return
	}
	writeJSON(w, http.StatusOK, s.game.Reconciler.Snapshot())
}

func (s *Service) handleStandings(w http.ResponseWriter, r *http.Request) {
	if !s.checkGame(w, chi.URLParam(r, "id")) {
		return
	}
	session := s.game.Reconciler.Snapshot().GameID
	standings, err := s.game.Ledger.Standings(r.Context(), session)
	if err != nil {
		log.Error().Err(err).Str("game_id", session).Msg("failed to load standings")
		writeError(w, http.StatusInternalServerError, "failed to load standings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"game_id":   session,
		"standings": standings,
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	s.health.ServeHTTP(w, r)
}

func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "trivia-gateway",
		"game_id":     s.gameID(),
		"connections": s.Stats(),
	})
}
