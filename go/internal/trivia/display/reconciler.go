package display

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/trivia/go/internal/trivia/bus"
	"github.com/mcdev12/trivia/go/internal/trivia/questions"
	"github.com/mcdev12/trivia/go/internal/trivia/settings"
	"github.com/mcdev12/trivia/go/internal/trivia/state"
	"github.com/mcdev12/trivia/go/internal/trivia/store"
	"github.com/rs/zerolog/log"
)

const (
	// repeater keys
	stateSeries    = "state"
	settingsSeries = "settings"

	defaultTickInterval = 250 * time.Millisecond
)

// transition flags
const (
	transitionFlags = state.FlagDefinitiveTruth | state.FlagGuaranteedDelivery
	watchdogFlags   = state.FlagDefinitiveTruth
)

// Reconciler owns the authoritative game state machine for one game. Every
// change it makes is stamped, written to the shared store under both
// well-known keys and published on the bus.
type Reconciler struct {
	gameID    string
	clock     clockwork.Clock
	store     store.Store
	bus       bus.Bus
	repeater  *bus.Repeater
	stamper   *state.Stamper
	questions questions.Source

	tickInterval time.Duration
	syncCh       chan bus.SyncRequested

	// opMu serializes operations so publishes leave in stamp order
	opMu           sync.Mutex
	phaseEnteredAt time.Time
	lastTick       time.Time
	lastTimeChange time.Time
	slideChangedAt time.Time
	pausedAt       time.Time
	lastSyncReply  time.Time

	// mu guards the fields read from outside operations
	mu       sync.RWMutex
	current  state.Snapshot
	settings settings.Settings
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock replaces the real clock
func WithClock(c clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithTickInterval sets how often Run evaluates timers
func WithTickInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.tickInterval = d }
}

// NewReconciler creates a reconciler positioned at Join
func NewReconciler(gameID string, st store.Store, b bus.Bus, qs questions.Source, s settings.Settings, opts ...Option) (*Reconciler, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if qs == nil || qs.Len() == 0 {
		return nil, errors.New("reconciler needs at least one question")
	}

	r := &Reconciler{
		gameID:       gameID,
		clock:        clockwork.NewRealClock(),
		store:        st,
		bus:          b,
		questions:    qs,
		settings:     s,
		tickInterval: defaultTickInterval,
		syncCh:       make(chan bus.SyncRequested, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stamper = state.NewStamper(r.clock)
	r.repeater = bus.NewRepeater(r.clock, b)

	now := r.clock.Now()
	r.current = state.Snapshot{GameID: gameID, Phase: state.PhaseJoin, QuestionCounter: 1, Timestamp: r.stamper.Next()}
	r.phaseEnteredAt = now
	return r, nil
}

// Snapshot returns the last published snapshot
func (r *Reconciler) Snapshot() state.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Settings returns the active settings
func (r *Reconciler) Settings() settings.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// GameID is the room this reconciler drives
func (r *Reconciler) GameID() string {
	return r.gameID
}

// CurrentQuestion resolves the question the current snapshot points at
func (r *Reconciler) CurrentQuestion() (questions.Question, bool) {
	return r.questions.At(r.Snapshot().QuestionIndex)
}

// Run publishes the current state and drives timers until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Restore(ctx); err != nil {
		log.Warn().Err(err).Str("game_id", r.gameID).Msg("could not restore display truth, starting fresh")
	}

	unsub, err := r.bus.Subscribe(bus.TopicSyncRequested, func(_ context.Context, ev bus.Event) {
		req, ok := ev.(bus.SyncRequested)
		if !ok {
			return
		}
		// Coalesced; the requester repeats anyway.
		select {
		case r.syncCh <- req:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to sync requests: %w", err)
	}
	defer unsub()
	defer r.repeater.Stop()

	if err := r.Republish(ctx, "startup"); err != nil {
		log.Error().Err(err).Str("game_id", r.gameID).Msg("initial publish failed")
	}

	ticker := r.clock.NewTicker(r.tickInterval)
	defer ticker.Stop()

	log.Info().
		Str("game_id", r.gameID).
		Dur("tick_interval", r.tickInterval).
		Msg("display reconciler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("game_id", r.gameID).Msg("display reconciler shutting down")
			return nil
		case <-ticker.Chan():
			if err := r.Tick(ctx); err != nil {
				log.Error().Err(err).Str("game_id", r.gameID).Msg("tick failed")
			}
		case req := <-r.syncCh:
			if _, err := r.HandleSyncRequest(ctx, req); err != nil {
				log.Error().Err(err).Str("client_id", req.ClientID).Msg("sync reply failed")
			}
		}
	}
}

// Restore adopts the display truth left in the store by a previous run
func (r *Reconciler) Restore(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	data, err := r.store.Get(ctx, state.KeyDisplayTruth)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read display truth: %w", err)
	}
	snap, err := state.Decode(data)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	r.stamper.Observe(snap.Timestamp)
	r.enterPhase(snap, now)
	r.setCurrent(snap)

	log.Info().
		Str("game_id", r.gameID).
		Str("phase", snap.Phase.String()).
		Int("question_counter", snap.QuestionCounter).
		Int64("timestamp", snap.Timestamp).
		Msg("restored display truth")
	return nil
}

// Start moves the game from Join to the first question
func (r *Reconciler) Start(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.startLocked(ctx, "start")
}

// Advance moves the game to its next phase as the host would by hand
func (r *Reconciler) Advance(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.advanceLocked(ctx, "manual advance")
}

// ForceAnswer ends the current question early
func (r *Reconciler) ForceAnswer(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.toAnswerLocked(ctx, "forced")
}

// Pause suspends the question countdown and slide rotation
func (r *Reconciler) Pause(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	cur := r.Snapshot()
	if cur.Paused {
		return nil
	}
	r.pausedAt = r.clock.Now()
	cur.Paused = true
	return r.publishLocked(ctx, cur, transitionFlags, "pause")
}

// Resume continues a paused game where it stopped
func (r *Reconciler) Resume(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	cur := r.Snapshot()
	if !cur.Paused {
		return nil
	}
	now := r.clock.Now()
	paused := now.Sub(r.pausedAt)
	r.phaseEnteredAt = r.phaseEnteredAt.Add(paused)
	r.slideChangedAt = r.slideChangedAt.Add(paused)
	r.lastTick = now
	r.lastTimeChange = now

	cur.Paused = false
	return r.publishLocked(ctx, cur, transitionFlags, "resume")
}

// Reset clears the shared state and restarts at Join under a fresh session id
func (r *Reconciler) Reset(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.repeater.Cancel(stateSeries)
	var errs []error
	for _, key := range []string{state.KeyGameState, state.KeyDisplayTruth} {
		if err := r.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", key, err))
		}
	}

	next := state.Snapshot{
		GameID:          r.gameID + "-" + uuid.New().String()[:8],
		Phase:           state.PhaseJoin,
		QuestionCounter: 1,
	}
	r.enterPhase(next, r.clock.Now())

	log.Warn().Str("game_id", r.gameID).Str("session", next.GameID).Msg("game reset")
	errs = append(errs, r.publishLocked(ctx, next, state.FlagsAll, "reset"))
	return errors.Join(errs...)
}

// UpdateSettings replaces the settings and propagates them to every client
func (r *Reconciler) UpdateSettings(ctx context.Context, s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()

	log.Info().Str("game_id", r.gameID).Msg("settings updated")
	return r.repeater.PublishWithRedundancy(ctx, settingsSeries, s.RedundantPublishes, s.RedundantSpacing, func(int) bus.Event {
		return bus.SettingsChanged{Settings: s}
	})
}

// Republish re-sends the current snapshot as display truth
func (r *Reconciler) Republish(ctx context.Context, reason string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.publishLocked(ctx, r.Snapshot(), transitionFlags, reason)
}

// HandleSyncRequest answers a player's sync request by re-publishing the
// current snapshot with every priority flag set. Requests arriving within
// the sync cooldown of the previous reply are folded into it.
func (r *Reconciler) HandleSyncRequest(ctx context.Context, req bus.SyncRequested) (bool, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	now := r.clock.Now()
	if !r.lastSyncReply.IsZero() && now.Sub(r.lastSyncReply) < r.Settings().SyncCooldown {
		log.Debug().Str("client_id", req.ClientID).Msg("sync request within cooldown")
		return false, nil
	}
	r.lastSyncReply = now

	log.Debug().
		Str("client_id", req.ClientID).
		Str("player", req.Player).
		Str("reason", req.Reason).
		Msg("answering sync request")
	return true, r.publishLocked(ctx, r.Snapshot(), state.FlagsAll, "sync reply")
}

// Tick evaluates every time-driven rule once: the question countdown,
// slide rotation and the auto-progress timeouts.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	cur := r.Snapshot()
	if cur.Paused {
		return nil
	}
	now := r.clock.Now()
	s := r.Settings()
	inPhase := now.Sub(r.phaseEnteredAt)

	switch cur.Phase {
	case state.PhaseJoin:
		if s.AutoProgress && s.JoinDuration > 0 && inPhase >= s.JoinDuration {
			return r.startLocked(ctx, "auto start")
		}

	case state.PhaseQuestion:
		if cur.TimeLeft == 0 {
			return r.toAnswerLocked(ctx, "time up")
		}
		if now.Sub(r.lastTick) < time.Second {
			return nil
		}
		next := cur
		for now.Sub(r.lastTick) >= time.Second && next.TimeLeft > 0 {
			next.TimeLeft--
			r.lastTick = r.lastTick.Add(time.Second)
		}
		r.lastTimeChange = now
		if next.TimeLeft == 0 {
			r.setCurrent(next)
			return r.toAnswerLocked(ctx, "time up")
		}
		return r.publishLocked(ctx, next, 0, "tick")

	case state.PhaseAnswer:
		if s.AutoProgress && inPhase >= s.AnswerDuration {
			return r.advanceLocked(ctx, "auto advance")
		}

	case state.PhaseIntermission:
		if s.SlideCount == 0 {
			if inPhase >= s.IntermissionDuration {
				return r.nextQuestionLocked(ctx, "intermission over")
			}
			return nil
		}
		if now.Sub(r.slideChangedAt) >= s.SlideRotationTime {
			return r.rotateSlideLocked(ctx, "rotation")
		}

	case state.PhaseLeaderboard:
		if s.AutoProgress && inPhase >= s.LeaderboardDuration {
			return r.nextQuestionLocked(ctx, "auto advance")
		}
	}
	return nil
}

// CheckTimer is the countdown watchdog: when the question timer has not
// moved for longer than the grace window it is decremented and published
// as definitive truth.
func (r *Reconciler) CheckTimer(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	cur := r.Snapshot()
	if cur.Phase != state.PhaseQuestion || cur.Paused || cur.TimeLeft == 0 {
		return nil
	}
	now := r.clock.Now()
	stalled := now.Sub(r.lastTimeChange)
	if stalled <= r.Settings().WatchdogGrace {
		return nil
	}

	log.Warn().
		Str("game_id", r.gameID).
		Int("time_left", cur.TimeLeft).
		Dur("stalled", stalled).
		Msg("question timer stalled, forcing decrement")

	next := cur
	next.TimeLeft--
	r.lastTick = now
	r.lastTimeChange = now
	if next.TimeLeft == 0 {
		r.setCurrent(next)
		return r.toAnswerLocked(ctx, "watchdog")
	}
	return r.publishLocked(ctx, next, watchdogFlags, "watchdog")
}

// CheckSlides bumps the intermission slide when rotation has fallen well
// behind its period.
func (r *Reconciler) CheckSlides(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	cur := r.Snapshot()
	s := r.Settings()
	if cur.Phase != state.PhaseIntermission || cur.Paused || s.SlideCount == 0 {
		return nil
	}
	behind := r.clock.Now().Sub(r.slideChangedAt)
	if behind < s.SlideRotationTime*3/2 {
		return nil
	}

	log.Warn().
		Str("game_id", r.gameID).
		Int("slide", cur.Slide()).
		Dur("behind", behind).
		Msg("slide rotation stalled, forcing advance")
	return r.rotateSlideLocked(ctx, "slide recovery")
}

// CheckStore rewrites the shared state when the gameState key has vanished
func (r *Reconciler) CheckStore(ctx context.Context) error {
	if _, err := r.store.Get(ctx, state.KeyGameState); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read game state: %w", err)
	}

	log.Warn().Str("game_id", r.gameID).Msg("game state missing from store, republishing")
	return r.Republish(ctx, "store recovery")
}

func (r *Reconciler) startLocked(ctx context.Context, reason string) error {
	next := r.Snapshot()
	next.Phase = state.PhaseQuestion
	next.QuestionIndex = 0
	next.QuestionCounter = 1
	next.TimeLeft = r.Settings().QuestionSeconds()
	next.SlideIndex = nil
	return r.transitionLocked(ctx, next, transitionFlags, reason)
}

func (r *Reconciler) advanceLocked(ctx context.Context, reason string) error {
	cur := r.Snapshot()
	switch cur.Phase {
	case state.PhaseJoin:
		return r.startLocked(ctx, reason)
	case state.PhaseQuestion:
		return r.toAnswerLocked(ctx, reason)
	case state.PhaseAnswer:
		return r.afterAnswerLocked(ctx, reason)
	default:
		return r.nextQuestionLocked(ctx, reason)
	}
}

func (r *Reconciler) toAnswerLocked(ctx context.Context, reason string) error {
	cur := r.Snapshot()
	next := cur
	next.Phase = state.PhaseAnswer
	next.TimeLeft = 0
	return r.transitionLocked(ctx, next, transitionFlags, reason)
}

// afterAnswerLocked picks Intermission, Leaderboard or the next question
// from the counter of the question just answered.
func (r *Reconciler) afterAnswerLocked(ctx context.Context, reason string) error {
	cur := r.Snapshot()
	s := r.Settings()

	switch {
	case s.IntermissionFrequency > 0 && cur.QuestionCounter%s.IntermissionFrequency == 0:
		next := cur
		next.Phase = state.PhaseIntermission
		if s.SlideCount > 0 {
			next.SlideIndex = state.IntPtr(0)
		}
		return r.transitionLocked(ctx, next, transitionFlags, reason)
	case s.LeaderboardFrequency > 0 && cur.QuestionCounter%s.LeaderboardFrequency == 0:
		next := cur
		next.Phase = state.PhaseLeaderboard
		return r.transitionLocked(ctx, next, transitionFlags, reason)
	default:
		return r.nextQuestionLocked(ctx, reason)
	}
}

func (r *Reconciler) nextQuestionLocked(ctx context.Context, reason string) error {
	cur := r.Snapshot()
	next := cur
	next.Phase = state.PhaseQuestion
	next.QuestionIndex = (cur.QuestionIndex + 1) % r.questions.Len()
	next.QuestionCounter = cur.QuestionCounter + 1
	next.TimeLeft = r.Settings().QuestionSeconds()
	next.SlideIndex = nil

	flags := transitionFlags
	if cur.Phase == state.PhaseIntermission {
		flags |= state.FlagOverrideIntermission
	}
	return r.transitionLocked(ctx, next, flags, reason)
}

func (r *Reconciler) rotateSlideLocked(ctx context.Context, reason string) error {
	cur := r.Snapshot()
	slide := cur.Slide() + 1
	if slide >= r.Settings().SlideCount {
		return r.nextQuestionLocked(ctx, "slides finished")
	}
	next := cur
	next.SlideIndex = state.IntPtr(slide)
	r.slideChangedAt = r.clock.Now()
	return r.publishLocked(ctx, next, transitionFlags, reason)
}

func (r *Reconciler) transitionLocked(ctx context.Context, next state.Snapshot, flags state.Flags, reason string) error {
	cur := r.Snapshot()
	if err := state.CheckTransition(cur.Phase, next.Phase); err != nil {
		return err
	}
	r.enterPhase(next, r.clock.Now())

	log.Info().
		Str("game_id", r.gameID).
		Str("from", cur.Phase.String()).
		Str("phase", next.Phase.String()).
		Int("question_index", next.QuestionIndex).
		Int("question_counter", next.QuestionCounter).
		Str("reason", reason).
		Msg("phase transition")
	return r.publishLocked(ctx, next, flags, reason)
}

// enterPhase resets the timer bookkeeping for a snapshot's phase
func (r *Reconciler) enterPhase(next state.Snapshot, now time.Time) {
	r.phaseEnteredAt = now
	r.lastTick = now
	r.lastTimeChange = now
	r.slideChangedAt = now
	if next.Paused {
		r.pausedAt = now
	}
}

func (r *Reconciler) setCurrent(s state.Snapshot) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

// publishLocked stamps snap, writes it under both keys and publishes it.
// Definitive publishes reserve stamps for their redundant repeats and
// replace any repeats still pending from the previous publish.
func (r *Reconciler) publishLocked(ctx context.Context, snap state.Snapshot, flags state.Flags, reason string) error {
	s := r.Settings()
	repeats := 0
	if flags != 0 {
		repeats = s.RedundantPublishes
	}

	first := r.stamper.Reserve(repeats)
	snap.Timestamp = first
	snap.Flags = flags
	r.setCurrent(snap)

	var errs []error
	if err := r.persist(ctx, snap); err != nil {
		errs = append(errs, err)
	}

	build := func(attempt int) bus.Event {
		out := snap
		out.Timestamp = first + int64(attempt)
		return bus.StateChanged{Snapshot: out}
	}
	var err error
	if repeats > 0 {
		err = r.repeater.PublishWithRedundancy(ctx, stateSeries, repeats, s.RedundantSpacing, build)
	} else {
		err = r.bus.Publish(ctx, build(0))
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("publish state: %w", err))
	}

	log.Debug().
		Str("game_id", r.gameID).
		Str("phase", snap.Phase.String()).
		Int("time_left", snap.TimeLeft).
		Int64("timestamp", snap.Timestamp).
		Str("priority", snap.Priority().String()).
		Str("reason", reason).
		Msg("published snapshot")
	return errors.Join(errs...)
}

// persist writes the snapshot and its display-truth twin
func (r *Reconciler) persist(ctx context.Context, snap state.Snapshot) error {
	data, err := state.Encode(snap)
	if err != nil {
		return err
	}
	truth, err := state.Encode(snap.WithFlags(state.FlagDefinitiveTruth))
	if err != nil {
		return err
	}

	var errs []error
	if err := r.store.Set(ctx, state.KeyGameState, data); err != nil {
		errs = append(errs, fmt.Errorf("write %s: %w", state.KeyGameState, err))
	}
	if err := r.store.Set(ctx, state.KeyDisplayTruth, truth); err != nil {
		errs = append(errs, fmt.Errorf("write %s: %w", state.KeyDisplayTruth, err))
	}
	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Str("game_id", r.gameID).Msg("failed to persist snapshot")
		return err
	}
	return nil
}
