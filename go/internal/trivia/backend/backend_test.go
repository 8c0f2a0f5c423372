package backend

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/trivia/go/internal/config"
	"github.com/mcdev12/trivia/go/internal/trivia/bus"
	"github.com/mcdev12/trivia/go/internal/trivia/ledger"
	"github.com/mcdev12/trivia/go/internal/trivia/store"
)

func TestOpenInProcess(t *testing.T) {
	cfg := &config.Config{
		GameID:        "g1",
		StoreBackend:  config.StoreMemory,
		BusBackend:    config.BusLocal,
		LedgerBackend: config.LedgerStore,
	}
	b, err := Open(context.Background(), cfg, "test", clockwork.NewFakeClock())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if _, ok := b.Store.(*store.MemoryStore); !ok {
		t.Fatalf("store = %T, want *store.MemoryStore", b.Store)
	}
	if _, ok := b.Bus.(*bus.LocalBus); !ok {
		t.Fatalf("bus = %T, want *bus.LocalBus", b.Bus)
	}
	if _, ok := b.Ledger.(*ledger.StoreLedger); !ok {
		t.Fatalf("ledger = %T, want *ledger.StoreLedger", b.Ledger)
	}
	if b.NATS != nil {
		t.Fatal("NATS connection opened without a NATS backend")
	}
	if n := len(b.Listeners()); n != 0 {
		t.Fatalf("listeners = %d, want 0", n)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := &config.Config{
		StoreBackend:  "redis",
		BusBackend:    config.BusLocal,
		LedgerBackend: config.LedgerStore,
	}
	b, err := Open(context.Background(), cfg, "test", clockwork.NewFakeClock())
	defer b.Close()
	if err == nil {
		t.Fatal("Open accepted an unknown store backend")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := &config.Config{
		StoreBackend:  config.StoreMemory,
		BusBackend:    config.BusLocal,
		LedgerBackend: config.LedgerStore,
	}
	b, err := Open(context.Background(), cfg, "test", clockwork.NewFakeClock())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b.Close()
	b.Close()

	if err := b.Bus.Publish(context.Background(), bus.SyncRequested{ClientID: "c1"}); err == nil {
		t.Fatal("publish on a closed bus succeeded")
	}
}
