package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if got := Default().QuestionSeconds(); got != 20 {
		t.Fatalf("QuestionSeconds = %d, want 20", got)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := "questionDuration: 15s\nintermissionFrequency: 0\nautoProgress: false\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.QuestionDuration != 15*time.Second {
		t.Fatalf("QuestionDuration = %s, want 15s", s.QuestionDuration)
	}
	if s.IntermissionFrequency != 0 {
		t.Fatalf("IntermissionFrequency = %d, want 0", s.IntermissionFrequency)
	}
	if s.AutoProgress {
		t.Fatal("AutoProgress = true, want false")
	}
	if s.LeaderboardFrequency != Default().LeaderboardFrequency {
		t.Fatalf("LeaderboardFrequency = %d, want default %d", s.LeaderboardFrequency, Default().LeaderboardFrequency)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("questionDuration: 100ms\nslideCount: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted invalid settings")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if s != Default() {
		t.Fatal("Load(\"\") did not return defaults")
	}
}
