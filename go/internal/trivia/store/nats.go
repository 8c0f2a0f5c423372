package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the JetStream key/value bucket
type NATSConfig struct {
	Bucket  string
	TTL     time.Duration // Sessions are expected to vanish; values expire after TTL
	History uint8
	Storage jetstream.StorageType
}

// DefaultNATSConfig returns default bucket configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Bucket:  "trivia_state",
		TTL:     12 * time.Hour,
		History: 1,
		Storage: jetstream.MemoryStorage,
	}
}

// NATSStore is a Store backed by a JetStream key/value bucket
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSConfig
}

// NewNATSStore creates or updates the bucket on an existing connection
func NewNATSStore(ctx context.Context, nc *nats.Conn, cfg NATSConfig) (*NATSStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Trivia game state snapshots, answers and scores",
		History:     cfg.History,
		TTL:         cfg.TTL,
		Storage:     cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure key value bucket %q: %w", cfg.Bucket, err)
	}

	log.Info().
		Str("bucket", cfg.Bucket).
		Dur("ttl", cfg.TTL).
		Msg("using JetStream key value bucket")

	return &NATSStore{kv: kv, config: cfg}, nil
}

func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return entry.Value(), nil
}

func (s *NATSStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *NATSStore) Watch(ctx context.Context, key string, fn WatchFunc) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := s.kv.Watch(watchCtx, key, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %q: %w", key, err)
	}

	go func() {
		defer func() {
			if err := watcher.Stop(); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("stop key watcher")
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					fn(entry.Key(), nil)
				default:
					fn(entry.Key(), entry.Value())
				}
			}
		}
	}()

	return cancel, nil
}
