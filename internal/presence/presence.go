// Package presence records which relay node holds which provider session.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for unknown clients.
var ErrNotFound = errors.New("presence record not found")

// Record describes one client with an active session.
type Record struct {
	ClientID     string
	SessionID    string
	CustomerID   string
	CustomerName string
	Node         string
	UpdatedAt    time.Time
}

// Store persists presence records.
type Store interface {
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, clientID string) error
	Get(ctx context.Context, clientID string) (Record, error)
}

// RedisStore keeps one hash per client with a TTL.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(clientID string) string { return s.prefix + clientID }

func (s *RedisStore) Put(ctx context.Context, r Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	key := s.key(r.ClientID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"client_id", r.ClientID,
			"session_id", r.SessionID,
			"customer_id", r.CustomerID,
			"customer_name", r.CustomerName,
			"node", r.Node,
			"updated_at", r.UpdatedAt.UnixMilli(),
		)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence put %s: %w", r.ClientID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, clientID string) error {
	if err := s.rdb.Del(ctx, s.key(clientID)).Err(); err != nil {
		return fmt.Errorf("presence delete %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, clientID string) (Record, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(clientID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("presence get %s: %w", clientID, err)
	}
	if len(m) == 0 {
		return Record{}, ErrNotFound
	}
	ms, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return Record{
		ClientID:     m["client_id"],
		SessionID:    m["session_id"],
		CustomerID:   m["customer_id"],
		CustomerName: m["customer_name"],
		Node:         m["node"],
		UpdatedAt:    time.UnixMilli(ms),
	}, nil
}

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, r Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.records[r.ClientID] = r
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	delete(s.records, clientID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, clientID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[clientID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
