package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "gameState"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store err = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "gameState", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "gameState")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("Get = %s, want {\"a\":1}", got)
	}

	// Mutating the returned slice must not leak into the store.
	got[0] = 'x'
	again, _ := s.Get(ctx, "gameState")
	if string(again) != `{"a":1}` {
		t.Fatalf("stored value was mutated through Get result: %s", again)
	}

	if err := s.Delete(ctx, "gameState"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "gameState"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreWatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type change struct {
		Key     string
		Value   string
		Deleted bool
	}
	var changes []change
	cancel, err := s.Watch(ctx, "gameState", func(key string, value []byte) {
		changes = append(changes, change{Key: key, Value: string(value), Deleted: value == nil})
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	_ = s.Set(ctx, "other", []byte(`1`))
	_ = s.Set(ctx, "gameState", []byte(`2`))
	_ = s.Delete(ctx, "gameState")
	_ = s.Delete(ctx, "gameState") // already gone, no event
	cancel()
	_ = s.Set(ctx, "gameState", []byte(`3`))

	want := []change{
		{Key: "gameState", Value: "2"},
		{Key: "gameState", Deleted: true},
	}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Fatalf("watch events mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryStoreWatchStopsWithContext(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	s := NewMemoryStore()

	if _, err := s.Watch(ctx, "k", func(string, []byte) {}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancelCtx()

	// The unregister happens on a goroutine; poll the watcher table.
	for i := 0; i < 1000; i++ {
		s.mu.RLock()
		n := len(s.watchers)
		s.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("watcher still registered after context cancel")
}

func TestPrefixedKeys(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	g1 := WithPrefix(inner, "g1")
	g2 := WithPrefix(inner, "g2")

	player := KeyPart("Ann: the \"best\"")
	_ = g1.Set(ctx, JoinKey("answers", player, "1"), []byte(`1`))
	_ = g1.Set(ctx, JoinKey("answers", player, "2"), []byte(`2`))
	_ = g2.Set(ctx, JoinKey("answers", player, "1"), []byte(`3`))

	keys, err := g1.Keys(ctx, "answers.")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"answers." + player + ".1", "answers." + player + ".2"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	raw, err := inner.Get(ctx, "g2.answers."+player+".1")
	if err != nil || string(raw) != "3" {
		t.Fatalf("inner key = %s, %v; want 3", raw, err)
	}

	var seen string
	cancel, _ := g1.Watch(ctx, "gameState", func(key string, _ []byte) { seen = key })
	defer cancel()
	_ = g1.Set(ctx, "gameState", []byte(`{}`))
	if seen != "gameState" {
		t.Fatalf("watch key = %q, want unprefixed gameState", seen)
	}
}

func TestKeyPartRoundTrip(t *testing.T) {
	for _, name := range []string{"alice", "Bob Smith", "züri.player:1", ""} {
		enc := KeyPart(name)
		for _, c := range enc {
			if c == '.' || c == ':' || c == ' ' {
				t.Fatalf("KeyPart(%q) = %q contains separator", name, enc)
			}
		}
		dec, err := DecodeKeyPart(enc)
		if err != nil {
			t.Fatalf("DecodeKeyPart(%q): %v", enc, err)
		}
		if dec != name {
			t.Fatalf("round trip = %q, want %q", dec, name)
		}
	}
}
