package questions

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultDifficulty is applied to imported questions that do not name one
const DefaultDifficulty = "medium"

// Question is one entry of the question sequence
type Question struct {
	ID            string   `yaml:"id" json:"id"`
	Text          string   `yaml:"text" json:"text"`
	Options       []string `yaml:"options" json:"options"`
	CorrectAnswer string   `yaml:"correctAnswer" json:"correctAnswer"`
	Category      string   `yaml:"category" json:"category"`
	Difficulty    string   `yaml:"difficulty" json:"difficulty"`
}

// Source supplies questions by stable index
type Source interface {
	Len() int
	At(index int) (Question, bool)
}

// Static is an in-memory ordered question sequence
type Static []Question

func (s Static) Len() int { return len(s) }

func (s Static) At(index int) (Question, bool) {
	if index < 0 || index >= len(s) {
		return Question{}, false
	}
	return s[index], true
}

// IsCorrect reports whether answer matches the question's correct answer
func (q Question) IsCorrect(answer string) bool {
	return answer != "" && answer == q.CorrectAnswer
}

type file struct {
	Questions []Question `yaml:"questions"`
}

// Load reads a YAML question file
func Load(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and normalizes a YAML question document
func Parse(data []byte) (Static, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	if len(f.Questions) == 0 {
		return nil, errors.New("question file has no questions")
	}

	out := make(Static, 0, len(f.Questions))
	for i, q := range f.Questions {
		if q.Text == "" {
			return nil, fmt.Errorf("question %d: missing text", i)
		}
		if len(q.Options) < 2 {
			return nil, fmt.Errorf("question %d: need at least two options", i)
		}
		if !slices.Contains(q.Options, q.CorrectAnswer) {
			return nil, fmt.Errorf("question %d: correct answer %q is not an option", i, q.CorrectAnswer)
		}
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		if q.Difficulty == "" {
			q.Difficulty = DefaultDifficulty
		}
		out = append(out, q)
	}
	return out, nil
}

// Sample is a small built-in sequence used when no question file is configured
func Sample() Static {
	return Static{
		{ID: "q1", Text: "What is the capital of France?", Options: []string{"Berlin", "Paris", "Rome", "Madrid"}, CorrectAnswer: "Paris", Category: "geography", Difficulty: "easy"},
		{ID: "q2", Text: "How many planets are in the solar system?", Options: []string{"7", "8", "9", "10"}, CorrectAnswer: "8", Category: "science", Difficulty: DefaultDifficulty},
		{ID: "q3", Text: "Who wrote Hamlet?", Options: []string{"Marlowe", "Jonson", "Shakespeare", "Kyd"}, CorrectAnswer: "Shakespeare", Category: "literature", Difficulty: DefaultDifficulty},
		{ID: "q4", Text: "What is the chemical symbol for gold?", Options: []string{"Ag", "Au", "Gd", "Go"}, CorrectAnswer: "Au", Category: "science", Difficulty: "hard"},
	}
}
