// Package redis provides a Redis-backed checkpoint store. Checkpoints are
// stored as JSON under a per-session key with an optional TTL so abandoned
// sessions expire on their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maverde73/cortex-flow-sub000/checkpoint"
	"github.com/maverde73/cortex-flow-sub000/workflow/state"
)

const defaultKeyPrefix = "cortexflow:checkpoint:"

// Commands is the subset of the go-redis client the store uses. *redis.Client
// and *redis.ClusterClient both satisfy it.
type Commands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store persists checkpoints in Redis.
type Store struct {
	rdb    Commands
	prefix string
	ttl    time.Duration
}

var _ checkpoint.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires checkpoints after the given duration. Zero keeps them
// forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New returns a store backed by the given Redis client.
func New(rdb Commands, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, st *state.State) error {
	if st.SessionID == "" {
		return errors.New("session id is required")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(st.SessionID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (*state.State, error) {
	payload, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var st state.State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &st, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}
