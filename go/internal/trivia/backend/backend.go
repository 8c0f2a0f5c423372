// Package backend opens the store, bus and ledger selected by configuration.
package backend

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/mcdev12/trivia/go/internal/config"
	"github.com/mcdev12/trivia/go/internal/natsconn"
	"github.com/mcdev12/trivia/go/internal/trivia/bus"
	"github.com/mcdev12/trivia/go/internal/trivia/ledger"
	"github.com/mcdev12/trivia/go/internal/trivia/questions"
	"github.com/mcdev12/trivia/go/internal/trivia/store"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Backends are the shared dependencies of one game
type Backends struct {
	Store  store.Store
	Bus    bus.Bus
	Ledger ledger.Ledger
	// NATS is the connection shared by the NATS store and bus, nil when
	// neither is configured.
	NATS *nats.Conn

	listeners []func(ctx context.Context) error
	closers   []func()
}

// Open connects every backend named in cfg. Close must be called even when
// Open fails halfway; it releases whatever was opened.
func Open(ctx context.Context, cfg *config.Config, name string, clock clockwork.Clock) (*Backends, error) {
	b := &Backends{}

	if cfg.UsesNATS() {
		natsCfg := natsconn.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = name
		nc, err := natsconn.Connect(natsCfg)
		if err != nil {
			return b, err
		}
		b.NATS = nc
		b.closers = append(b.closers, nc.Close)
		log.Info().Str("url", cfg.NATSURL).Msg("connected to NATS")
	}

	var (
		sqlDB *sql.DB
		pool  *pgxpool.Pool
	)
	if cfg.StoreBackend == config.StorePostgres {
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return b, err
		}
		sqlDB = db
		b.closers = append(b.closers, func() { db.Close() })
	}
	if cfg.LedgerBackend == config.LedgerPostgres {
		p, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return b, fmt.Errorf("create pgx pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return b, fmt.Errorf("ping pgx pool: %w", err)
		}
		pool = p
		b.closers = append(b.closers, p.Close)
	}

	switch cfg.StoreBackend {
	case config.StoreMemory:
		b.Store = store.NewMemoryStore()
	case config.StoreNATS:
		kvCfg := store.DefaultNATSConfig()
		kvCfg.Bucket = cfg.NATSBucket
		st, err := store.NewNATSStore(ctx, b.NATS, kvCfg)
		if err != nil {
			return b, err
		}
		b.Store = st
	case config.StorePostgres:
		pgCfg := store.DefaultPostgresConfig()
		pgCfg.DatabaseURL = cfg.Database.DSN()
		st := store.NewPostgresStore(sqlDB, pgCfg)
		b.Store = st
		b.listeners = append(b.listeners, st.Listen)
	default:
		return b, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	switch cfg.BusBackend {
	case config.BusLocal:
		lb := bus.NewLocalBus()
		b.Bus = lb
		b.closers = append(b.closers, func() { lb.Close() })
	case config.BusNATS:
		nb := bus.NewNATSBus(b.NATS, cfg.NATSSubjectPrefix, cfg.GameID, clock)
		b.Bus = nb
		b.closers = append(b.closers, func() { nb.Close() })
	default:
		return b, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}

	switch cfg.LedgerBackend {
	case config.LedgerStore:
		b.Ledger = ledger.NewStoreLedger(b.Store)
	case config.LedgerPostgres:
		b.Ledger = ledger.NewPostgresLedger(pool)
	default:
		return b, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	log.Info().
		Str("store", cfg.StoreBackend).
		Str("bus", cfg.BusBackend).
		Str("ledger", cfg.LedgerBackend).
		Msg("backends ready")
	return b, nil
}

// Listeners are the background loops the backends need, such as the
// Postgres LISTEN loop that feeds store watchers.
func (b *Backends) Listeners() []func(ctx context.Context) error {
	return b.listeners
}

// Close releases backends in reverse order of opening
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func openDatabase(cfg config.Database) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Msg("connected to database")
	return db, nil
}

// LoadQuestions returns the question sequence named by cfg: QUESTIONS_URL
// wins over QUESTIONS_FILE, and the built-in sample is used when neither is set.
func LoadQuestions(ctx context.Context, cfg *config.Config) (questions.Static, error) {
	switch {
	case cfg.QuestionsURL != "":
		r := questions.NewRemote(cfg.QuestionsURL)
		if cfg.QuestionsKey != "" {
			r.SetHeader("Authorization", "Bearer "+cfg.QuestionsKey)
		}
		qs, err := r.Fetch(ctx, "")
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.QuestionsURL).Int("questions", qs.Len()).Msg("loaded remote questions")
		return qs, nil
	case cfg.QuestionsFile != "":
		return questions.Load(cfg.QuestionsFile)
	default:
		log.Warn().Msg("no question source configured, using the sample questions")
		return questions.Sample(), nil
	}
}
