package player

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/trivia/go/internal/trivia/bus"
	"github.com/mcdev12/trivia/go/internal/trivia/display"
	"github.com/mcdev12/trivia/go/internal/trivia/ledger"
	"github.com/mcdev12/trivia/go/internal/trivia/questions"
	"github.com/mcdev12/trivia/go/internal/trivia/recovery"
	"github.com/mcdev12/trivia/go/internal/trivia/settings"
	"github.com/mcdev12/trivia/go/internal/trivia/state"
	"github.com/mcdev12/trivia/go/internal/trivia/store"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	clock  *clockwork.FakeClock
	store  *store.MemoryStore
	bus    *bus.LocalBus
	ledger ledger.Ledger
	syncs  *syncRequests
	cfg    settings.Settings
}

type syncRequests struct {
	mu      sync.Mutex
	reasons []string
}

func (s *syncRequests) handle(_ context.Context, ev bus.Event) {
	if req, ok := ev.(bus.SyncRequested); ok {
		s.mu.Lock()
		s.reasons = append(s.reasons, req.Reason)
		s.mu.Unlock()
	}
}

func (s *syncRequests) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reasons...)
}

func newFixture(t *testing.T, mutate func(*settings.Settings)) *fixture {
	t.Helper()
	cfg := settings.Default()
	cfg.RedundantPublishes = 0
	cfg.AutoProgress = false
	if mutate != nil {
		mutate(&cfg)
	}

	st := store.NewMemoryStore()
	b := bus.NewLocalBus()
	syncs := &syncRequests{}
	if _, err := b.Subscribe(bus.TopicSyncRequested, syncs.handle); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		clock:  clockwork.NewFakeClockAt(epoch),
		store:  st,
		bus:    b,
		ledger: ledger.NewStoreLedger(st),
		syncs:  syncs,
		cfg:    cfg,
	}
}

func (f *fixture) client(t *testing.T, name string, l ledger.Ledger) *Client {
	t.Helper()
	if l == nil {
		l = f.ledger
	}
	return NewClient("g1", name, f.store, f.bus, l, questions.Sample(), f.cfg,
		WithClock(f.clock),
		WithRand(rand.New(rand.NewSource(1))),
		WithClientID("client-"+name),
	)
}

func (f *fixture) display(t *testing.T) *display.Reconciler {
	t.Helper()
	r, err := display.NewReconciler("g1", f.store, f.bus, questions.Sample(), f.cfg, display.WithClock(f.clock))
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func question(index, counter, timeLeft int, ts int64, flags state.Flags) state.Snapshot {
	return state.Snapshot{
		GameID:          "g1",
		Phase:           state.PhaseQuestion,
		QuestionIndex:   index,
		QuestionCounter: counter,
		TimeLeft:        timeLeft,
		Timestamp:       ts,
		Flags:           flags,
	}
}

func answer(index, counter int, ts int64, flags state.Flags) state.Snapshot {
	s := question(index, counter, 0, ts, flags)
	s.Phase = state.PhaseAnswer
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMonotonicAcceptance(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	phases := []state.Phase{state.PhaseJoin, state.PhaseQuestion, state.PhaseAnswer, state.PhaseIntermission, state.PhaseLeaderboard}

	for iter := 0; iter < 200; iter++ {
		f := newFixture(t, nil)
		c := f.client(t, "ann", nil)

		n := 1 + rng.Intn(10)
		stamps := rng.Perm(n * 10)[:n]
		var sent []state.Snapshot
		for i := 0; i < n; i++ {
			s := question(rng.Intn(4), 1+rng.Intn(5), rng.Intn(21), int64(1000+stamps[i]), 0)
			s.Phase = phases[rng.Intn(len(phases))]
			if rng.Intn(3) == 0 {
				s.Flags = state.FlagDefinitiveTruth
			}
			sent = append(sent, s)
			c.Apply(ctx, s, "test")
		}

		var want *state.Snapshot
		for i := range sent {
			s := sent[i]
			if want == nil || s.Key().After(want.Key()) {
				want = &s
			}
		}
		got := c.View().State
		if diff := cmp.Diff(*want, got); diff != "" {
			t.Fatalf("iteration %d: final state mismatch (-want +got):\n%s", iter, diff)
		}
	}
}

func TestStaleSnapshotRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	const ts = 1_700_000_000_000
	if d := c.Apply(ctx, question(0, 1, 12, ts, 0), "test"); d != Accepted {
		t.Fatalf("first snapshot = %v, want accepted", d)
	}
	if d := c.Apply(ctx, question(0, 1, 18, ts-1000, 0), "test"); d != Rejected {
		t.Fatalf("stale snapshot = %v, want rejected", d)
	}
	v := c.View()
	if v.State.Timestamp != ts || v.TimeLeft != 12 {
		t.Fatalf("state = %+v timeLeft %d, want the T snapshot with 12s", v.State, v.TimeLeft)
	}
	if v.FailedSyncs != 1 {
		t.Fatalf("failed syncs = %d, want 1", v.FailedSyncs)
	}
}

func TestMalformedSnapshotIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 20, 100, 0), "test")
	bad := question(1, 0, 20, 200, state.FlagDefinitiveTruth)
	if d := c.Apply(ctx, bad, "test"); d != Malformed {
		t.Fatalf("decision = %v, want malformed", d)
	}
	if got := c.View(); got.State.Timestamp != 100 || got.FailedSyncs != 0 {
		t.Fatalf("view = %+v, want untouched state and no failures", got)
	}
}

func TestSelectAnswerOnlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)
	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")

	if err := c.SelectAnswer(ctx, "Paris"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}
	first, err := f.ledger.Get(ctx, "g1", "ann", 1)
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}

	f.clock.Advance(2 * time.Second)
	if err := c.SelectAnswer(ctx, "Berlin"); !errors.Is(err, ErrAnswerLocked) {
		t.Fatalf("second SelectAnswer err = %v, want ErrAnswerLocked", err)
	}
	again, err := f.ledger.Get(ctx, "g1", "ann", 1)
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("ledger record changed (-first +again):\n%s", diff)
	}

	v := c.View()
	if v.Selected != "Paris" || !v.Submitted || !v.Locked {
		t.Fatalf("view = %+v, want Paris submitted and locked", v)
	}
	if v.PendingPoints != 300 {
		t.Fatalf("pending points = %d, want 300", v.PendingPoints)
	}
}

func TestSelectAnswerOutsideQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	if err := c.SelectAnswer(ctx, "Paris"); !errors.Is(err, ErrAnswerLocked) {
		t.Fatalf("without state err = %v, want ErrAnswerLocked", err)
	}
	c.Apply(ctx, answer(0, 1, 100, state.FlagDefinitiveTruth), "test")
	if err := c.SelectAnswer(ctx, "Paris"); !errors.Is(err, ErrAnswerLocked) {
		t.Fatalf("in answer phase err = %v, want ErrAnswerLocked", err)
	}

	paused := question(0, 2, 10, 200, state.FlagDefinitiveTruth)
	paused.Paused = true
	c.Apply(ctx, paused, "test")
	if err := c.SelectAnswer(ctx, "Paris"); !errors.Is(err, ErrAnswerLocked) {
		t.Fatalf("while paused err = %v, want ErrAnswerLocked", err)
	}
}

func TestScoreCreditedOncePerQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	f.clock.Advance(5 * time.Second)
	c.Tick(ctx)
	if err := c.SelectAnswer(ctx, "Paris"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}

	for i := int64(0); i < 5; i++ {
		c.Apply(ctx, answer(0, 1, 200+i, state.FlagsAll), "test")
	}
	// duplicates with the same stamp are rejected outright
	c.Apply(ctx, answer(0, 1, 204, state.FlagsAll), "test")

	v := c.View()
	if v.Score != 250 {
		t.Fatalf("score = %d, want 250", v.Score)
	}
	if v.Correct == nil || !*v.Correct || !v.Revealed {
		t.Fatalf("view = %+v, want revealed and correct", v)
	}

	standings, err := f.ledger.Standings(ctx, "g1")
	if err != nil {
		t.Fatalf("Standings: %v", err)
	}
	want := []ledger.Standing{{Player: "ann", Score: 250, Correct: 1}}
	if diff := cmp.Diff(want, standings); diff != "" {
		t.Fatalf("standings mismatch (-want +got):\n%s", diff)
	}
}

func TestWrongAnswerScoresNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	if err := c.SelectAnswer(ctx, "Berlin"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}
	c.Apply(ctx, answer(0, 1, 200, state.FlagDefinitiveTruth), "test")

	v := c.View()
	if v.Score != 0 || v.Correct == nil || *v.Correct {
		t.Fatalf("view = %+v, want zero score marked incorrect", v)
	}
	if v.Question == nil || v.Question.CorrectAnswer != "Paris" {
		t.Fatalf("question = %+v, want revealed answer Paris", v.Question)
	}
}

func TestViewHidesAnswerUntilReveal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	v := c.View()
	if v.Question == nil {
		t.Fatal("question missing from view")
	}
	if v.Question.CorrectAnswer != "" {
		t.Fatalf("correct answer leaked before reveal: %q", v.Question.CorrectAnswer)
	}
}

func TestLocalCountdownLocksAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 3, 100, state.FlagDefinitiveTruth), "test")
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		c.Tick(ctx)
	}

	v := c.View()
	if v.TimeLeft != 0 || !v.Locked {
		t.Fatalf("view = %+v, want 0s and locked", v)
	}
	if err := c.SelectAnswer(ctx, "Paris"); !errors.Is(err, ErrAnswerLocked) {
		t.Fatalf("SelectAnswer after time up err = %v, want ErrAnswerLocked", err)
	}
}

func TestRepeatDoesNotRewindCountdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	f.clock.Advance(2 * time.Second)
	c.Tick(ctx)
	c.Apply(ctx, question(0, 1, 20, 101, state.FlagDefinitiveTruth), "test")

	if got := c.View().TimeLeft; got != 18 {
		t.Fatalf("timeLeft = %d, want 18", got)
	}
}

func TestRestoresSubmittedAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.ledger.Submit(ctx, ledger.Record{Player: "ann", GameID: "g1", Answer: "Paris", QuestionCounter: 1, Timestamp: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	c := f.client(t, "ann", nil)
	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")

	v := c.View()
	if v.Selected != "Paris" || !v.Submitted {
		t.Fatalf("view = %+v, want restored submitted answer", v)
	}
	if err := c.SelectAnswer(ctx, "Berlin"); !errors.Is(err, ErrAnswerLocked) {
		t.Fatalf("SelectAnswer err = %v, want ErrAnswerLocked", err)
	}
}

func TestRestoredAnswerKeepsPointsFromSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.client(t, "ann", nil)

	first.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	f.clock.Advance(5 * time.Second)
	first.Tick(ctx)
	if err := first.SelectAnswer(ctx, "Paris"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}
	waitFor(t, func() bool { return first.View().Submitted })

	// the page reloads ten seconds later
	reloaded := f.client(t, "ann", nil)
	reloaded.Apply(ctx, question(0, 1, 5, 300, state.FlagDefinitiveTruth), "test")
	v := reloaded.View()
	if v.Selected != "Paris" || v.PendingPoints != 250 {
		t.Fatalf("view = %+v, want Paris restored with 250 pending points", v)
	}

	reloaded.Apply(ctx, answer(0, 1, 400, state.FlagDefinitiveTruth), "test")
	if got := reloaded.View().Score; got != 250 {
		t.Fatalf("score = %d, want 250", got)
	}
}

type flakyLedger struct {
	ledger.Ledger
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLedger) Submit(ctx context.Context, rec ledger.Record) (bool, error) {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return false, errors.New("connection reset")
	}
	return l.Ledger.Submit(ctx, rec)
}

func TestSubmitRetriesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	flaky := &flakyLedger{Ledger: f.ledger, failures: 1}
	c := f.client(t, "ann", flaky)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	if err := c.SelectAnswer(ctx, "Paris"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}
	if c.View().Submitted {
		t.Fatal("answer marked submitted after a failed write")
	}

	f.clock.Advance(f.cfg.SubmitRetryDelay)
	waitFor(t, func() bool { return c.View().Submitted })

	if v := c.View(); v.Error != "" {
		t.Fatalf("error = %q, want none after successful retry", v.Error)
	}
	if _, err := f.ledger.Get(ctx, "g1", "ann", 1); err != nil {
		t.Fatalf("ledger Get after retry: %v", err)
	}
}

func TestSubmitFailureSurfaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	flaky := &flakyLedger{Ledger: f.ledger, failures: 2}
	c := f.client(t, "ann", flaky)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	if err := c.SelectAnswer(ctx, "Paris"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}
	f.clock.Advance(f.cfg.SubmitRetryDelay)
	waitFor(t, func() bool { return c.View().Error != "" })

	if got := c.View().Error; got != ErrSubmitFailed.Error() {
		t.Fatalf("error = %q, want %q", got, ErrSubmitFailed.Error())
	}
}

func TestDisconnectTriggersSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *settings.Settings) {
		s.SyncRequestInterval = time.Minute
		s.SyncRequestJitter = 0
	})
	c := f.client(t, "ann", nil)
	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")

	f.clock.Advance(10 * time.Second)
	c.Tick(ctx)
	if !c.View().Connected {
		t.Fatal("client disconnected before threshold")
	}

	f.clock.Advance(6 * time.Second)
	c.Tick(ctx)
	if c.View().Connected {
		t.Fatal("client still connected after threshold")
	}
	if diff := cmp.Diff([]string{"disconnected"}, f.syncs.all()); diff != "" {
		t.Fatalf("sync requests mismatch (-want +got):\n%s", diff)
	}

	c.Apply(ctx, question(0, 1, 4, 200, state.FlagsAll), "test")
	if !c.View().Connected {
		t.Fatal("client not reconnected after accepting a snapshot")
	}
}

func TestPeriodicSyncRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *settings.Settings) {
		s.SyncRequestInterval = 10 * time.Second
		s.SyncRequestJitter = 0
		s.DisconnectThreshold = time.Hour
	})
	c := f.client(t, "ann", nil)

	for i := 0; i < 25; i++ {
		f.clock.Advance(time.Second)
		c.Tick(ctx)
	}
	if diff := cmp.Diff([]string{"periodic", "periodic"}, f.syncs.all()); diff != "" {
		t.Fatalf("sync requests mismatch (-want +got):\n%s", diff)
	}
}

func TestPollWithoutStateRequestsSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	if err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if diff := cmp.Diff([]string{"no game state"}, f.syncs.all()); diff != "" {
		t.Fatalf("sync requests mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileAdoptsDisplayTruth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	var fixed []bus.StateFixed
	if _, err := f.bus.Subscribe(bus.TopicStateFixed, func(_ context.Context, ev bus.Event) {
		fixed = append(fixed, ev.(bus.StateFixed))
	}); err != nil {
		t.Fatal(err)
	}

	stuck := question(0, 5, 0, 2000, state.FlagDefinitiveTruth)
	stuck.Phase = state.PhaseIntermission
	c.Apply(ctx, stuck, "test")

	truth := question(1, 6, 14, 1500, state.FlagDefinitiveTruth)
	data, err := state.Encode(truth)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Set(ctx, state.KeyDisplayTruth, data); err != nil {
		t.Fatal(err)
	}

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	v := c.View()
	if v.State.Phase != state.PhaseQuestion || v.State.QuestionIndex != 1 || v.TimeLeft != 14 {
		t.Fatalf("view = %+v, want question 1 with 14s", v)
	}
	want := []bus.StateFixed{{
		ClientID:        "client-ann",
		Player:          "ann",
		From:            state.PhaseIntermission,
		To:              state.PhaseQuestion,
		QuestionCounter: 6,
		Reason:          "stuck in intermission",
	}}
	if diff := cmp.Diff(want, fixed); diff != "" {
		t.Fatalf("state fixed events mismatch (-want +got):\n%s", diff)
	}

	// a normal snapshot older than the adopted truth stays rejected
	if d := c.Apply(ctx, question(1, 6, 13, 1600, 0), "test"); d != Rejected {
		t.Fatalf("normal snapshot after recovery = %v, want rejected", d)
	}
}

func TestRecoveryLoopUnsticksIntermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	stuck := question(2, 3, 0, 900, state.FlagsAll)
	stuck.Phase = state.PhaseIntermission
	c.Apply(ctx, stuck, "test")

	truth := question(3, 4, 17, 800, state.FlagDefinitiveTruth)
	data, _ := state.Encode(truth)
	_ = f.store.Set(ctx, state.KeyDisplayTruth, data)

	loop := recovery.NewLoop(f.clock, 2*time.Second, recovery.Func("display truth", c.Reconcile))
	loop.RunOnce(ctx)

	v := c.View()
	if v.State.Phase != state.PhaseQuestion || v.State.QuestionIndex != 3 || v.TimeLeft != 17 {
		t.Fatalf("view after one recovery tick = %+v, want question 3 with 17s", v)
	}
	if st := loop.Stats(); st.Failures != 0 {
		t.Fatalf("recovery stats = %+v, want no failures", st)
	}
}

func TestReconcileWithoutTruthRequestsSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff([]string{"no display truth"}, f.syncs.all()); diff != "" {
		t.Fatalf("sync requests mismatch (-want +got):\n%s", diff)
	}
}

func TestEmergencyResetRestoresScore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	if err := c.SelectAnswer(ctx, "Paris"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}
	c.Apply(ctx, answer(0, 1, 200, state.FlagDefinitiveTruth), "test")
	if got := c.View().Score; got != 300 {
		t.Fatalf("score = %d, want 300", got)
	}

	if err := c.EmergencyReset(ctx); err != nil {
		t.Fatalf("EmergencyReset: %v", err)
	}
	v := c.View()
	if v.HasState || v.Score != 300 {
		t.Fatalf("view = %+v, want no state and restored score 300", v)
	}
	if diff := cmp.Diff([]string{"manual", "no game state"}, f.syncs.all()); diff != "" {
		t.Fatalf("sync requests mismatch (-want +got):\n%s", diff)
	}

	// the watermark is gone, so an older snapshot is accepted again
	if d := c.Apply(ctx, question(1, 2, 20, 50, 0), "test"); d != Accepted {
		t.Fatalf("snapshot after reset = %v, want accepted", d)
	}
}

func TestNewSessionClearsScore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	_ = c.SelectAnswer(ctx, "Paris")
	c.Apply(ctx, answer(0, 1, 200, state.FlagDefinitiveTruth), "test")

	next := state.Snapshot{GameID: "g1-abcd1234", Phase: state.PhaseJoin, QuestionCounter: 1, Timestamp: 300, Flags: state.FlagsAll}
	c.Apply(ctx, next, "test")
	if v := c.View(); v.Score != 0 || v.Selected != "" {
		t.Fatalf("view = %+v, want a clean slate for the new session", v)
	}
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	c := f.client(t, "ann", nil)

	var phases []state.Phase
	remove := c.OnChange(func(v View) { phases = append(phases, v.State.Phase) })
	c.Apply(ctx, question(0, 1, 20, 100, state.FlagDefinitiveTruth), "test")
	c.Apply(ctx, answer(0, 1, 200, state.FlagDefinitiveTruth), "test")
	remove()
	c.Apply(ctx, answer(0, 1, 300, state.FlagDefinitiveTruth), "test")

	want := []state.Phase{state.PhaseQuestion, state.PhaseAnswer}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Fatalf("notified phases mismatch (-want +got):\n%s", diff)
	}
}

func TestHappyPathWithDisplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, nil)
	r := f.display(t)
	c := f.client(t, "ann", nil)
	detach, err := c.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer detach()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if v := c.View(); v.State.Phase != state.PhaseQuestion || v.TimeLeft != 20 {
		t.Fatalf("client after start = %+v, want question with 20s", v.State)
	}

	for i := 0; i < 20; i++ {
		f.clock.Advance(time.Second)
		if err := r.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		c.Tick(ctx)
	}
	if v := c.View(); v.State.Phase != state.PhaseAnswer || v.TimeLeft != 0 {
		t.Fatalf("client after countdown = %+v, want answer with 0s", v.State)
	}

	if err := r.Advance(ctx); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	v := c.View()
	if v.State.Phase != state.PhaseQuestion || v.State.QuestionIndex != 1 || v.State.QuestionCounter != 2 {
		t.Fatalf("client after advance = %+v, want question 1 counter 2", v.State)
	}
	if v.Selected != "" {
		t.Fatalf("selected = %q, want none", v.Selected)
	}
}

func TestLateJoinerConverges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, nil)
	r := f.display(t)

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Advance(ctx); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := r.Advance(ctx); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	for i := 0; i < 8; i++ {
		f.clock.Advance(time.Second)
		if err := r.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	if _, err := f.bus.Subscribe(bus.TopicSyncRequested, func(ctx context.Context, ev bus.Event) {
		if _, err := r.HandleSyncRequest(ctx, ev.(bus.SyncRequested)); err != nil {
			t.Errorf("HandleSyncRequest: %v", err)
		}
	}); err != nil {
		t.Fatal(err)
	}

	c := f.client(t, "late", nil)
	detach, err := c.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer detach()
	c.RequestSync(ctx, "mount")

	want := r.Snapshot()
	got := c.View().State
	if got.Phase == state.PhaseJoin || !got.SameContent(want) {
		t.Fatalf("late joiner state = %+v, want %+v", got, want)
	}
	if got.QuestionCounter != 2 || got.TimeLeft != 12 {
		t.Fatalf("late joiner at counter %d with %ds, want counter 2 with 12s", got.QuestionCounter, got.TimeLeft)
	}
}

func TestCorrectAnswerScoredOnceWithRepeats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, func(s *settings.Settings) {
		s.RedundantPublishes = 4
		s.DisconnectThreshold = time.Hour
		s.SyncRequestInterval = time.Hour
	})
	r := f.display(t)
	c := f.client(t, "ann", nil)
	detach, err := c.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer detach()

	var mu sync.Mutex
	answers := 0
	if _, err := f.bus.Subscribe(bus.TopicStateChanged, func(_ context.Context, ev bus.Event) {
		if ev.(bus.StateChanged).Snapshot.Phase == state.PhaseAnswer {
			mu.Lock()
			answers++
			mu.Unlock()
		}
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tick := func() {
		f.clock.Advance(time.Second)
		if err := r.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		c.Tick(ctx)
	}
	for i := 0; i < 5; i++ {
		tick()
	}
	if got := c.View().TimeLeft; got != 15 {
		t.Fatalf("client timeLeft = %d, want 15", got)
	}
	if err := c.SelectAnswer(ctx, "Paris"); err != nil {
		t.Fatalf("SelectAnswer: %v", err)
	}
	if got := c.View().PendingPoints; got != 250 {
		t.Fatalf("pending points = %d, want 250", got)
	}

	for i := 0; i < 15; i++ {
		tick()
	}
	if got := r.Snapshot().Phase; got != state.PhaseAnswer {
		t.Fatalf("display phase = %v, want answer", got)
	}

	// let the redundant repeats go out
	f.clock.Advance(2 * time.Second)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return answers == 5
	})

	if got := c.View().Score; got != 250 {
		t.Fatalf("score = %d, want 250", got)
	}
	standings, err := f.ledger.Standings(ctx, "g1")
	if err != nil {
		t.Fatalf("Standings: %v", err)
	}
	if len(standings) != 1 || standings[0].Score != 250 {
		t.Fatalf("standings = %+v, want ann with 250", standings)
	}
}
