package player

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/trivia/go/internal/trivia/bus"
	"github.com/mcdev12/trivia/go/internal/trivia/ledger"
	"github.com/mcdev12/trivia/go/internal/trivia/questions"
	"github.com/mcdev12/trivia/go/internal/trivia/settings"
	"github.com/mcdev12/trivia/go/internal/trivia/state"
	"github.com/mcdev12/trivia/go/internal/trivia/store"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAnswerLocked is returned when an answer can no longer be chosen
	ErrAnswerLocked = errors.New("answer locked")
	// ErrSubmitFailed is surfaced when an answer could not be saved after a retry
	ErrSubmitFailed = errors.New("answer not saved, check your connection")
)

const (
	basePoints      = 100
	pointsPerSecond = 10

	syncSeries          = "sync"
	defaultTickInterval = 250 * time.Millisecond
)

// PendingScore is computed when an answer is chosen and credited only once
// the game reaches the answer phase.
type PendingScore struct {
	Points    int
	IsCorrect bool
}

// ScoreFor returns the pending score for an answer given with timeLeft seconds remaining
func ScoreFor(correct bool, timeLeft int) PendingScore {
	if !correct {
		return PendingScore{}
	}
	return PendingScore{Points: basePoints + timeLeft*pointsPerSecond, IsCorrect: true}
}

// Client is one player's view of a game. It listens to the bus and polls
// the store, runs every incoming snapshot through the acceptance policy and
// keeps the player's answer and score consistent with the accepted state.
type Client struct {
	gameID    string
	player    string
	clientID  string
	clock     clockwork.Clock
	store     store.Store
	bus       bus.Bus
	ledger    ledger.Ledger
	questions questions.Source
	repeater  *bus.Repeater

	tickInterval time.Duration

	mu            sync.Mutex
	settings      settings.Settings
	rng           *rand.Rand
	acceptor      *Acceptor
	current       state.Snapshot
	hasState      bool
	localTimeLeft int
	lastCountdown time.Time
	lastAccepted  time.Time
	nextSync      time.Time
	disconnected  bool

	selected     string
	selectedLeft int // countdown when the answer was chosen
	submitted    bool
	submitting   bool
	revealed     bool
	correct      *bool
	timeUp       bool
	pending      *PendingScore
	submitErr    error
	score        int
	scored       map[string]bool
	listeners    map[int]func(View)
	nextListener int
}

// Option configures a Client
type Option func(*Client)

// WithClock replaces the real clock
func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithRand sets the source used to jitter periodic sync requests
func WithRand(r *rand.Rand) Option {
	return func(cl *Client) { cl.rng = r }
}

// WithClientID fixes the client id instead of generating one
func WithClientID(id string) Option {
	return func(cl *Client) { cl.clientID = id }
}

// WithTickInterval sets how often Run evaluates the local timers
func WithTickInterval(d time.Duration) Option {
	return func(cl *Client) { cl.tickInterval = d }
}

// NewClient creates a client for player in game gameID
func NewClient(gameID, player string, st store.Store, b bus.Bus, l ledger.Ledger, qs questions.Source, s settings.Settings, opts ...Option) *Client {
	c := &Client{
		gameID:       gameID,
		player:       player,
		clientID:     uuid.NewString(),
		clock:        clockwork.NewRealClock(),
		store:        st,
		bus:          b,
		ledger:       l,
		questions:    qs,
		settings:     s,
		tickInterval: defaultTickInterval,
		acceptor:     NewAcceptor(s.FailedSyncThreshold),
		scored:       make(map[string]bool),
		listeners:    make(map[int]func(View)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(c.clock.Now().UnixNano()))
	}
	c.repeater = bus.NewRepeater(c.clock, b)

	now := c.clock.Now()
	c.lastAccepted = now
	c.nextSync = now.Add(c.syncIntervalLocked())
	return c
}

// ClientID identifies this client in sync requests and diagnostics
func (c *Client) ClientID() string {
	return c.clientID
}

// Player is the player's name
func (c *Client) Player() string {
	return c.player
}

// Attach subscribes the client to state and settings events and to store
// changes of the game state key. The returned func detaches it.
func (c *Client) Attach(ctx context.Context) (func(), error) {
	var cleanups []func()
	detach := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	unsubState, err := c.bus.Subscribe(bus.TopicStateChanged, func(ctx context.Context, ev bus.Event) {
		if sc, ok := ev.(bus.StateChanged); ok {
			c.Apply(ctx, sc.Snapshot, "bus")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to state: %w", err)
	}
	cleanups = append(cleanups, unsubState)

	unsubSettings, err := c.bus.Subscribe(bus.TopicSettingsChanged, func(_ context.Context, ev bus.Event) {
		if sc, ok := ev.(bus.SettingsChanged); ok {
			c.UpdateSettings(sc.Settings)
		}
	})
	if err != nil {
		detach()
		return nil, fmt.Errorf("subscribe to settings: %w", err)
	}
	cleanups = append(cleanups, unsubSettings)

	cancelWatch, err := c.store.Watch(ctx, state.KeyGameState, func(_ string, value []byte) {
		if value == nil {
			return
		}
		c.applyRaw(context.Background(), value, "watch")
	})
	if err != nil {
		detach()
		return nil, fmt.Errorf("watch game state: %w", err)
	}
	cleanups = append(cleanups, cancelWatch, c.repeater.Stop)

	return detach, nil
}

// Run attaches the client, asks for the current state and keeps the local
// timers and store polling going until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	detach, err := c.Attach(ctx)
	if err != nil {
		return err
	}
	defer detach()

	c.RequestSync(ctx, "mount")
	if err := c.Poll(ctx); err != nil {
		log.Warn().Err(err).Str("player", c.player).Msg("initial poll failed")
	}

	ticker := c.clock.NewTicker(c.tickInterval)
	defer ticker.Stop()
	poll := c.clock.NewTicker(c.Settings().PollInterval)
	defer poll.Stop()

	log.Info().
		Str("game_id", c.gameID).
		Str("player", c.player).
		Str("client_id", c.clientID).
		Msg("player client started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("player", c.player).Msg("player client shutting down")
			return nil
		case <-ticker.Chan():
			c.Tick(ctx)
		case <-poll.Chan():
			if err := c.Poll(ctx); err != nil {
				log.Warn().Err(err).Str("player", c.player).Msg("poll failed")
			}
		}
	}
}

// Poll reads the game state key and offers it to the acceptance policy.
// A missing key asks the display for a sync instead.
func (c *Client) Poll(ctx context.Context) error {
	data, err := c.store.Get(ctx, state.KeyGameState)
	if errors.Is(err, store.ErrNotFound) {
		c.RequestSync(ctx, "no game state")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read game state: %w", err)
	}
	c.applyRaw(ctx, data, "poll")
	return nil
}

func (c *Client) applyRaw(ctx context.Context, data []byte, source string) Decision {
	s, err := state.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("player", c.player).Str("source", source).Msg("discarding malformed snapshot")
		return Malformed
	}
	return c.Apply(ctx, s, source)
}

// Apply offers a snapshot to the acceptance policy and, when accepted,
// adopts it and runs the phase entry effects.
func (c *Client) Apply(ctx context.Context, s state.Snapshot, source string) Decision {
	if err := s.Validate(); err != nil {
		log.Warn().Err(err).Str("player", c.player).Str("source", source).Msg("discarding malformed snapshot")
		return Malformed
	}

	c.mu.Lock()
	d := c.acceptor.Offer(s)
	if d != Accepted {
		failures := c.acceptor.Failures()
		c.mu.Unlock()
		log.Debug().
			Str("player", c.player).
			Str("source", source).
			Int64("timestamp", s.Timestamp).
			Int("failed_sync_attempts", failures).
			Msg("rejected stale snapshot")
		return d
	}
	fx := c.adoptLocked(s)
	c.mu.Unlock()

	log.Debug().
		Str("player", c.player).
		Str("source", source).
		Str("phase", s.Phase.String()).
		Int("question_counter", s.QuestionCounter).
		Int64("timestamp", s.Timestamp).
		Msg("accepted snapshot")

	c.run(ctx, fx)
	return Accepted
}

// effects collects work decided under the lock and carried out after it
type effects struct {
	score       *ledger.ScoreRecord
	submit      *ledger.Record
	restore     *ledger.Record
	requestSync string
	fixed       *bus.StateFixed
	notify      bool
}

func (c *Client) run(ctx context.Context, fx effects) {
	if fx.score != nil {
		if err := c.ledger.RecordScore(ctx, *fx.score); err != nil {
			log.Error().Err(err).Str("player", c.player).Int("question_counter", fx.score.QuestionCounter).Msg("failed to write score record")
		}
	}
	if fx.restore != nil {
		c.restoreAnswer(ctx, *fx.restore)
	}
	if fx.submit != nil {
		c.submit(ctx, *fx.submit, true)
	}
	if fx.fixed != nil {
		if err := c.bus.Publish(ctx, *fx.fixed); err != nil {
			log.Error().Err(err).Str("player", c.player).Msg("failed to publish state fixed event")
		}
	}
	if fx.requestSync != "" {
		c.RequestSync(ctx, fx.requestSync)
	}
	if fx.notify {
		c.notify()
	}
}

// adoptLocked replaces the local state with s and applies the phase entry rules
func (c *Client) adoptLocked(s state.Snapshot) effects {
	fx := effects{notify: true}
	prev, had := c.current, c.hasState
	now := c.clock.Now()

	c.current = s
	c.hasState = true
	c.lastAccepted = now
	c.disconnected = false
	// a redundant repeat carries the countdown as it was first published
	if !had || !prev.SameContent(s) {
		c.localTimeLeft = s.TimeLeft
		c.lastCountdown = now
	}

	if had && prev.GameID != s.GameID {
		// the display started a new session
		c.score = 0
		c.scored = make(map[string]bool)
		c.clearAnswerLocked()
	}

	entered := !had || prev.Phase != s.Phase || prev.QuestionCounter != s.QuestionCounter || prev.GameID != s.GameID
	if !entered {
		return fx
	}

	switch s.Phase {
	case state.PhaseQuestion:
		c.clearAnswerLocked()
		fx.restore = &ledger.Record{GameID: s.GameID, Player: c.player, QuestionCounter: s.QuestionCounter}

	case state.PhaseAnswer:
		c.revealed = true
		if c.selected != "" && !c.submitted && !c.submitting {
			rec := c.recordLocked(c.selected)
			fx.submit = &rec
		}
		key := scoredKey(s)
		switch {
		case c.pending != nil && c.pending.IsCorrect && !c.scored[key]:
			c.score += c.pending.Points
			c.scored[key] = true
			fx.score = &ledger.ScoreRecord{
				Player:          c.player,
				GameID:          s.GameID,
				QuestionCounter: s.QuestionCounter,
				Points:          c.pending.Points,
				Correct:         true,
				Timestamp:       now.UnixMilli(),
			}
			c.correct = boolPtr(true)
			log.Info().
				Str("player", c.player).
				Int("question_counter", s.QuestionCounter).
				Int("points", c.pending.Points).
				Int("score", c.score).
				Msg("credited pending score")
		case c.scored[key]:
			c.correct = boolPtr(true)
		case c.selected != "":
			c.correct = boolPtr(false)
		}
		c.pending = nil

	case state.PhaseIntermission, state.PhaseLeaderboard, state.PhaseJoin:
		c.clearAnswerLocked()
	}
	return fx
}

func (c *Client) clearAnswerLocked() {
	c.selected = ""
	c.selectedLeft = 0
	c.submitted = false
	c.submitting = false
	c.revealed = false
	c.correct = nil
	c.timeUp = false
	c.pending = nil
	c.submitErr = nil
}

func scoredKey(s state.Snapshot) string {
	return s.GameID + "/" + strconv.Itoa(s.QuestionCounter)
}

func (c *Client) recordLocked(answer string) ledger.Record {
	return ledger.Record{
		Player:          c.player,
		GameID:          c.current.GameID,
		Answer:          answer,
		QuestionIndex:   c.current.QuestionIndex,
		QuestionCounter: c.current.QuestionCounter,
		TimeLeft:        c.selectedLeft,
		Timestamp:       c.clock.Now().UnixMilli(),
	}
}

// restoreAnswer brings back an answer saved before a reload or resync
func (c *Client) restoreAnswer(ctx context.Context, key ledger.Record) {
	rec, err := c.ledger.Get(ctx, key.GameID, key.Player, key.QuestionCounter)
	if errors.Is(err, ledger.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("player", c.player).Msg("failed to look up previous answer")
		return
	}

	c.mu.Lock()
	if c.current.GameID != rec.GameID || c.current.QuestionCounter != rec.QuestionCounter || c.selected != "" {
		c.mu.Unlock()
		return
	}
	c.selected = rec.Answer
	c.selectedLeft = rec.TimeLeft
	c.submitted = true
	q, ok := c.questions.At(rec.QuestionIndex)
	ps := ScoreFor(ok && q.IsCorrect(rec.Answer), rec.TimeLeft)
	c.pending = &ps
	c.mu.Unlock()
	c.notify()
}

// SelectAnswer chooses an answer for the current question and submits it
func (c *Client) SelectAnswer(ctx context.Context, answer string) error {
	c.mu.Lock()
	if !c.hasState || c.current.Phase != state.PhaseQuestion || c.current.Paused || c.timeUp {
		c.mu.Unlock()
		return ErrAnswerLocked
	}
	if c.submitted || c.submitting {
		c.mu.Unlock()
		return fmt.Errorf("%w: answer already submitted", ErrAnswerLocked)
	}

	q, ok := c.questions.At(c.current.QuestionIndex)
	ps := ScoreFor(ok && q.IsCorrect(answer), c.localTimeLeft)
	c.selected = answer
	c.selectedLeft = c.localTimeLeft
	c.pending = &ps
	c.submitErr = nil
	rec := c.recordLocked(answer)
	c.mu.Unlock()

	log.Debug().
		Str("player", c.player).
		Int("question_counter", rec.QuestionCounter).
		Int("pending_points", ps.Points).
		Msg("answer selected")

	c.submit(ctx, rec, true)
	c.notify()
	return nil
}

// submit writes rec to the ledger. On failure it retries once after the
// configured delay; a second failure is surfaced in the view.
func (c *Client) submit(ctx context.Context, rec ledger.Record, retry bool) {
	c.mu.Lock()
	c.submitting = true
	c.mu.Unlock()

	_, err := c.ledger.Submit(ctx, rec)

	c.mu.Lock()
	stillCurrent := c.current.GameID == rec.GameID && c.current.QuestionCounter == rec.QuestionCounter
	if err == nil {
		c.submitting = false
		if stillCurrent {
			c.submitted = true
			c.submitErr = nil
		}
		c.mu.Unlock()

		if pubErr := c.bus.Publish(ctx, bus.AnswerSubmitted{
			Player:          rec.Player,
			GameID:          rec.GameID,
			Answer:          rec.Answer,
			QuestionIndex:   rec.QuestionIndex,
			QuestionCounter: rec.QuestionCounter,
			Timestamp:       rec.Timestamp,
		}); pubErr != nil {
			log.Warn().Err(pubErr).Str("player", c.player).Msg("failed to announce answer")
		}
		c.notify()
		return
	}

	if !retry || !stillCurrent {
		c.submitting = false
		if stillCurrent {
			c.submitErr = ErrSubmitFailed
		}
		c.mu.Unlock()
		log.Error().Err(err).Str("player", c.player).Int("question_counter", rec.QuestionCounter).Msg("answer submission failed")
		c.notify()
		return
	}
	delay := c.settings.SubmitRetryDelay
	c.mu.Unlock()

	log.Warn().Err(err).Str("player", c.player).Dur("retry_in", delay).Msg("answer submission failed, retrying")
	c.clock.AfterFunc(delay, func() {
		c.submit(context.Background(), rec, false)
	})
}

// Tick advances the local countdown, auto-submits a selected answer when
// time runs out, and emits sync requests on the jittered schedule or when
// the client has heard nothing for the disconnect threshold.
func (c *Client) Tick(ctx context.Context) {
	var fx effects

	c.mu.Lock()
	now := c.clock.Now()

	if c.hasState && c.current.Phase == state.PhaseQuestion && !c.current.Paused && c.localTimeLeft > 0 {
		for now.Sub(c.lastCountdown) >= time.Second && c.localTimeLeft > 0 {
			c.localTimeLeft--
			c.lastCountdown = c.lastCountdown.Add(time.Second)
			fx.notify = true
		}
		if c.localTimeLeft == 0 {
			c.timeUp = true
			if c.selected != "" && !c.submitted && !c.submitting {
				rec := c.recordLocked(c.selected)
				fx.submit = &rec
			}
		}
	}

	if !c.disconnected && now.Sub(c.lastAccepted) > c.settings.DisconnectThreshold {
		c.disconnected = true
		fx.notify = true
		fx.requestSync = "disconnected"
		c.nextSync = now.Add(c.syncIntervalLocked())
		log.Warn().
			Str("player", c.player).
			Dur("silent_for", now.Sub(c.lastAccepted)).
			Msg("no state accepted within disconnect threshold")
	} else if !now.Before(c.nextSync) {
		fx.requestSync = "periodic"
		c.nextSync = now.Add(c.syncIntervalLocked())
	}
	c.mu.Unlock()

	c.run(ctx, fx)
}

// syncIntervalLocked is the sync request interval with jitter applied
func (c *Client) syncIntervalLocked() time.Duration {
	d := c.settings.SyncRequestInterval
	if j := c.settings.SyncRequestJitter; j > 0 {
		d += time.Duration(c.rng.Int63n(int64(2*j)+1)) - j
	}
	return d
}

// RequestSync asks the display to re-publish its state. The request is
// repeated like the display's own publishes.
func (c *Client) RequestSync(ctx context.Context, reason string) {
	s := c.Settings()
	req := bus.SyncRequested{ClientID: c.clientID, Player: c.player, Reason: reason}
	err := c.repeater.PublishWithRedundancy(ctx, syncSeries, s.RedundantPublishes, s.RedundantSpacing, func(int) bus.Event {
		return req
	})
	if err != nil {
		log.Warn().Err(err).Str("player", c.player).Str("reason", reason).Msg("sync request failed")
		return
	}
	log.Debug().Str("player", c.player).Str("reason", reason).Msg("requested sync")
}

// ForceSync is the manual resync trigger exposed to the UI
func (c *Client) ForceSync(ctx context.Context) error {
	c.RequestSync(ctx, "manual")
	return c.Poll(ctx)
}

// EmergencyReset drops all local state, including the acceptance watermark,
// restores the cumulative score from the ledger and asks for a fresh sync.
func (c *Client) EmergencyReset(ctx context.Context) error {
	c.mu.Lock()
	session := c.gameID
	if c.hasState {
		session = c.current.GameID
	}
	c.acceptor.Reset()
	c.current = state.Snapshot{}
	c.hasState = false
	c.localTimeLeft = 0
	c.disconnected = false
	c.lastAccepted = c.clock.Now()
	c.clearAnswerLocked()
	c.score = 0
	c.scored = make(map[string]bool)
	c.mu.Unlock()

	log.Warn().Str("player", c.player).Str("client_id", c.clientID).Msg("emergency reset")

	standings, err := c.ledger.Standings(ctx, session)
	if err != nil {
		log.Error().Err(err).Str("player", c.player).Msg("failed to restore score after reset")
	}
	for _, st := range standings {
		if st.Player == c.player {
			c.mu.Lock()
			c.score = st.Score
			c.mu.Unlock()
		}
	}

	c.notify()
	return c.ForceSync(ctx)
}

// Reconcile is the player side recovery check. A client showing
// Intermission while display truth says Question adopts the truth
// outright; a missing truth or game state turns into a sync request.
func (c *Client) Reconcile(ctx context.Context) error {
	data, err := c.store.Get(ctx, state.KeyDisplayTruth)
	if errors.Is(err, store.ErrNotFound) {
		c.RequestSync(ctx, "no display truth")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read display truth: %w", err)
	}
	truth, err := state.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("player", c.player).Msg("discarding malformed display truth")
		return nil
	}

	c.mu.Lock()
	if !c.hasState {
		c.mu.Unlock()
		c.Apply(ctx, truth, "recovery")
		return nil
	}
	local := c.current
	if local.Phase != state.PhaseIntermission || truth.Phase != state.PhaseQuestion {
		c.mu.Unlock()
		return nil
	}

	c.acceptor.Force(truth)
	fx := c.adoptLocked(truth)
	fx.fixed = &bus.StateFixed{
		ClientID:        c.clientID,
		Player:          c.player,
		From:            local.Phase,
		To:              truth.Phase,
		QuestionCounter: truth.QuestionCounter,
		Reason:          "stuck in intermission",
	}
	c.mu.Unlock()

	log.Info().
		Str("player", c.player).
		Str("from", local.Phase.String()).
		Str("phase", truth.Phase.String()).
		Int("question_counter", truth.QuestionCounter).
		Msg("adopted display truth")

	c.run(ctx, fx)
	return nil
}

// UpdateSettings applies settings published by the display
func (c *Client) UpdateSettings(s settings.Settings) {
	if err := s.Validate(); err != nil {
		log.Warn().Err(err).Str("player", c.player).Msg("ignoring invalid settings")
		return
	}
	c.mu.Lock()
	c.settings = s
	c.acceptor.SetThreshold(s.FailedSyncThreshold)
	c.mu.Unlock()
}

// Settings returns the settings the client currently runs with
func (c *Client) Settings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func boolPtr(b bool) *bool {
	return &b
}
