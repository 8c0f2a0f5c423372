package player

import (
	"github.com/mcdev12/trivia/go/internal/trivia/questions"
	"github.com/mcdev12/trivia/go/internal/trivia/state"
)

// QuestionView is a question as shown to a player. CorrectAnswer stays
// empty until the answer phase.
type QuestionView struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	Category      string   `json:"category,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
	CorrectAnswer string   `json:"correctAnswer,omitempty"`
}

// View is everything a player screen renders
type View struct {
	Player        string         `json:"player"`
	Connected     bool           `json:"connected"`
	HasState      bool           `json:"hasState"`
	State         state.Snapshot `json:"state"`
	Question      *QuestionView  `json:"question,omitempty"`
	TimeLeft      int            `json:"timeLeft"`
	Selected      string         `json:"selected,omitempty"`
	Submitted     bool           `json:"submitted"`
	Locked        bool           `json:"locked"`
	Revealed      bool           `json:"revealed"`
	Correct       *bool          `json:"correct,omitempty"`
	PendingPoints int            `json:"pendingPoints"`
	Score         int            `json:"score"`
	FailedSyncs   int            `json:"failedSyncs"`
	Error         string         `json:"error,omitempty"`
}

// View returns the current player view
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Client) viewLocked() View {
	v := View{
		Player:      c.player,
		Connected:   !c.disconnected,
		HasState:    c.hasState,
		State:       c.current,
		TimeLeft:    c.localTimeLeft,
		Selected:    c.selected,
		Submitted:   c.submitted,
		Revealed:    c.revealed,
		Correct:     c.correct,
		Score:       c.score,
		FailedSyncs: c.acceptor.Failures(),
	}
	if c.submitErr != nil {
		v.Error = c.submitErr.Error()
	}
	if c.pending != nil {
		v.PendingPoints = c.pending.Points
	}
	if !c.hasState {
		return v
	}

	v.Locked = c.current.Phase != state.PhaseQuestion || c.current.Paused || c.timeUp || c.submitted || c.submitting
	if c.current.Phase == state.PhaseQuestion || c.current.Phase == state.PhaseAnswer {
		if q, ok := c.questions.At(c.current.QuestionIndex); ok {
			v.Question = questionView(q, c.revealed)
		}
	}
	return v
}

func questionView(q questions.Question, revealed bool) *QuestionView {
	qv := &QuestionView{
		ID:         q.ID,
		Text:       q.Text,
		Options:    append([]string(nil), q.Options...),
		Category:   q.Category,
		Difficulty: q.Difficulty,
	}
	if revealed {
		qv.CorrectAnswer = q.CorrectAnswer
	}
	return qv
}

// OnChange registers fn to receive the view after every change.
// The returned func removes it.
func (c *Client) OnChange(fn func(View)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) notify() {
	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	v := c.viewLocked()
	fns := make([]func(View), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
