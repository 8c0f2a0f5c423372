package store

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when a key has never been written or was deleted
var ErrNotFound = errors.New("key not found")

// WatchFunc is invoked after a watched key changes. value is nil when the key was deleted.
type WatchFunc func(key string, value []byte)

// Store is the shared key/value medium every display and player context can see.
// Writes are whole values; there are no partial patches and no transactions
// across keys. Ordering between writers is resolved by the snapshot
// timestamps, not by the store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Watch subscribes fn to changes of key until the returned cancel func is
	// called or ctx is done.
	Watch(ctx context.Context, key string, fn WatchFunc) (cancel func(), err error)
}

// KeyPart encodes an arbitrary string (player names) so it is safe inside a
// dotted key on every backend.
func KeyPart(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// DecodeKeyPart reverses KeyPart
func DecodeKeyPart(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JoinKey joins key segments with dots.
func JoinKey(parts ...string) string {
	return strings.Join(parts, ".")
}

// Prefixed scopes every key of an underlying store under a namespace,
// so several games can share one bucket or table.
type Prefixed struct {
	inner  Store
	prefix string
}

// WithPrefix wraps s so all keys are stored as "<prefix>.<key>"
func WithPrefix(s Store, prefix string) *Prefixed {
	return &Prefixed{inner: s, prefix: prefix + "."}
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Set(ctx context.Context, key string, value []byte) error {
	return p.inner.Set(ctx, p.prefix+key, value)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *Prefixed) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.Keys(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, p.prefix))
	}
	return out, nil
}

func (p *Prefixed) Watch(ctx context.Context, key string, fn WatchFunc) (func(), error) {
	return p.inner.Watch(ctx, p.prefix+key, func(k string, v []byte) {
		fn(strings.TrimPrefix(k, p.prefix), v)
	})
}
