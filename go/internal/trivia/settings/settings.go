package settings

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the game configuration consumed by the display state machine
// and by every player client.
type Settings struct {
	QuestionDuration      time.Duration `yaml:"questionDuration" json:"questionDuration"`
	IntermissionDuration  time.Duration `yaml:"intermissionDuration" json:"intermissionDuration"`
	IntermissionFrequency int           `yaml:"intermissionFrequency" json:"intermissionFrequency"`
	LeaderboardFrequency  int           `yaml:"leaderboardFrequency" json:"leaderboardFrequency"`
	SlideRotationTime     time.Duration `yaml:"slideRotationTime" json:"slideRotationTime"`
	SlideCount            int           `yaml:"slideCount" json:"slideCount"`
	AutoProgress          bool          `yaml:"autoProgress" json:"autoProgress"`

	AnswerDuration      time.Duration `yaml:"answerDuration" json:"answerDuration"`
	LeaderboardDuration time.Duration `yaml:"leaderboardDuration" json:"leaderboardDuration"`
	JoinDuration        time.Duration `yaml:"joinDuration" json:"joinDuration"`

	// Sync protocol tuning
	SyncRequestInterval time.Duration `yaml:"syncRequestInterval" json:"syncRequestInterval"`
	SyncRequestJitter   time.Duration `yaml:"syncRequestJitter" json:"syncRequestJitter"`
	DisconnectThreshold time.Duration `yaml:"disconnectThreshold" json:"disconnectThreshold"`
	WatchdogGrace       time.Duration `yaml:"watchdogGrace" json:"watchdogGrace"`
	FailedSyncThreshold int           `yaml:"failedSyncThreshold" json:"failedSyncThreshold"`
	RedundantPublishes  int           `yaml:"redundantPublishes" json:"redundantPublishes"`
	RedundantSpacing    time.Duration `yaml:"redundantSpacing" json:"redundantSpacing"`
	SyncCooldown        time.Duration `yaml:"syncCooldown" json:"syncCooldown"`
	SubmitRetryDelay    time.Duration `yaml:"submitRetryDelay" json:"submitRetryDelay"`
	PollInterval        time.Duration `yaml:"pollInterval" json:"pollInterval"`
}

// Default returns the settings used when no file overrides them
func Default() Settings {
	return Settings{
		QuestionDuration:      20 * time.Second,
		IntermissionDuration:  30 * time.Second,
		IntermissionFrequency: 5,
		LeaderboardFrequency:  3,
		SlideRotationTime:     6 * time.Second,
		SlideCount:            5,
		AutoProgress:          true,

		AnswerDuration:      5 * time.Second,
		LeaderboardDuration: 10 * time.Second,
		JoinDuration:        30 * time.Second,

		SyncRequestInterval: 10 * time.Second,
		SyncRequestJitter:   3 * time.Second,
		DisconnectThreshold: 15 * time.Second,
		WatchdogGrace:       5 * time.Second,
		FailedSyncThreshold: 10,
		RedundantPublishes:  4,
		RedundantSpacing:    250 * time.Millisecond,
		SyncCooldown:        250 * time.Millisecond,
		SubmitRetryDelay:    750 * time.Millisecond,
		PollInterval:        time.Second,
	}
}

// QuestionSeconds is the countdown a new question starts with
func (s Settings) QuestionSeconds() int {
	return int(s.QuestionDuration / time.Second)
}

// Validate checks that the settings can drive a game
func (s Settings) Validate() error {
	var errs []error
	if s.QuestionDuration < time.Second {
		errs = append(errs, fmt.Errorf("questionDuration must be at least 1s, got %s", s.QuestionDuration))
	}
	if s.IntermissionFrequency < 0 {
		errs = append(errs, errors.New("intermissionFrequency must not be negative"))
	}
	if s.LeaderboardFrequency < 0 {
		errs = append(errs, errors.New("leaderboardFrequency must not be negative"))
	}
	if s.SlideCount < 0 {
		errs = append(errs, errors.New("slideCount must not be negative"))
	}
	if s.SlideCount > 0 && s.SlideRotationTime <= 0 {
		errs = append(errs, errors.New("slideRotationTime must be positive when slides are configured"))
	}
	if s.SlideCount == 0 && s.IntermissionFrequency > 0 && s.IntermissionDuration <= 0 {
		errs = append(errs, errors.New("intermissionDuration must be positive when there are no slides"))
	}
	if s.FailedSyncThreshold < 1 {
		errs = append(errs, errors.New("failedSyncThreshold must be at least 1"))
	}
	if s.RedundantPublishes < 0 || s.RedundantPublishes > 10 {
		errs = append(errs, fmt.Errorf("redundantPublishes must be between 0 and 10, got %d", s.RedundantPublishes))
	}
	if s.PollInterval <= 0 || s.SyncRequestInterval <= 0 || s.DisconnectThreshold <= 0 || s.WatchdogGrace <= 0 {
		errs = append(errs, errors.New("pollInterval, syncRequestInterval, disconnectThreshold and watchdogGrace must be positive"))
	}
	return errors.Join(errs...)
}

// Load reads a YAML settings file and merges it over the defaults.
// An empty path returns the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return s, nil
}
