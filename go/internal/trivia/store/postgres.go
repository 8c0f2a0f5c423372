package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mcdev12/trivia/go/internal/sqlutil"
	statedb "github.com/mcdev12/trivia/go/internal/trivia/store/db"
	"github.com/rs/zerolog/log"
)

// PostgresConfig configures the Postgres backed store and its change listener
type PostgresConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often watched keys are re-read in case a notification was missed
	PingInterval     time.Duration
}

// DefaultPostgresConfig returns default Postgres store settings
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		NotifyChannel:    "trivia_state_changes",
		FallbackInterval: 5 * time.Second,
		PingInterval:     90 * time.Second,
	}
}

// PostgresStore keeps values in the trivia_state table. Values must be JSON
// documents since the column is jsonb. Every write issues a NOTIFY carrying
// the key inside the same transaction, and Listen turns notifications into
// watcher callbacks.
type PostgresStore struct {
	db      *sql.DB
	queries *statedb.Queries
	cfg     PostgresConfig

	mu       sync.Mutex
	watchers map[string]map[int]WatchFunc
	lastSeen map[string][]byte
	nextID   int
}

// NewPostgresStore creates a store on an open database handle
func NewPostgresStore(dbConn *sql.DB, cfg PostgresConfig) *PostgresStore {
	return &PostgresStore{
		db:       dbConn,
		queries:  statedb.New(dbConn),
		cfg:      cfg,
		watchers: make(map[string]map[int]WatchFunc),
		lastSeen: make(map[string][]byte),
	}
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.queries.GetState(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	if !value.Valid {
		return nil, ErrNotFound
	}
	return sqlutil.FromNullRawMessage(value), nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	err := sqlutil.Run(ctx, s.db, s.queries.WithTx, func(q *statedb.Queries) error {
		if err := q.UpsertState(ctx, statedb.UpsertStateParams{
			Key:   key,
			Value: sqlutil.ToNullRawMessage(value),
		}); err != nil {
			return err
		}
		return q.NotifyState(ctx, statedb.NotifyStateParams{Channel: s.cfg.NotifyChannel, Payload: key})
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	err := sqlutil.Run(ctx, s.db, s.queries.WithTx, func(q *statedb.Queries) error {
		n, err := q.DeleteState(ctx, key)
		if err != nil || n == 0 {
			return err
		}
		return q.NotifyState(ctx, statedb.NotifyStateParams{Channel: s.cfg.NotifyChannel, Payload: key})
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.queries.ListStateKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Watch registers fn for key. Callbacks only fire while Listen is running.
func (s *PostgresStore) Watch(ctx context.Context, key string, fn WatchFunc) (func(), error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]WatchFunc)
	}
	s.watchers[key][id] = fn
	s.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			s.mu.Lock()
			delete(s.watchers[key], id)
			if len(s.watchers[key]) == 0 {
				delete(s.watchers, key)
				delete(s.lastSeen, key)
			}
			s.mu.Unlock()
		})
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-stop:
			}
		}()
	}
	return cancel, nil
}

// Listen runs the LISTEN loop until ctx is done
func (s *PostgresStore) Listen(ctx context.Context) error {
	l := pq.NewListener(
		s.cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("state listener event")
			}
		},
	)
	defer l.Close()

	if err := l.Listen(s.cfg.NotifyChannel); err != nil {
		return fmt.Errorf("listen on %q: %w", s.cfg.NotifyChannel, err)
	}

	log.Info().
		Str("channel", s.cfg.NotifyChannel).
		Dur("ping_interval", s.cfg.PingInterval).
		Dur("fallback_interval", s.cfg.FallbackInterval).
		Msg("state listener started")

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	fallbackTicker := time.NewTicker(s.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("state listener shutting down")
			return nil
		case note := <-l.Notify:
			if note == nil {
				// connection was re-established, notifications may have been lost
				s.refreshWatched(ctx)
				continue
			}
			s.refresh(ctx, note.Extra, true)
		case <-fallbackTicker.C:
			s.refreshWatched(ctx)
		case <-pingTicker.C:
			if err := l.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping state listener")
			}
		}
	}
}

func (s *PostgresStore) refreshWatched(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.watchers))
	for k := range s.watchers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.refresh(ctx, k, false)
	}
}

// refresh re-reads key and notifies its watchers if the value changed. The
// first read of a key only records a baseline unless notified is set.
func (s *PostgresStore) refresh(ctx context.Context, key string, notified bool) {
	s.mu.Lock()
	_, watched := s.watchers[key]
	s.mu.Unlock()
	if !watched {
		return
	}

	value, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).Str("key", key).Msg("failed to re-read watched key")
		return
	}

	s.mu.Lock()
	prev, seen := s.lastSeen[key]
	s.lastSeen[key] = value
	if (seen && bytes.Equal(prev, value)) || (!seen && !notified) {
		s.mu.Unlock()
		return
	}
	fns := make([]WatchFunc, 0, len(s.watchers[key]))
	for _, fn := range s.watchers[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(key, value)
	}
}
