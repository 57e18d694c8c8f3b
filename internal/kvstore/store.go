package kvstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/metrics"
)

// Store is a client for a replicated key-value cluster with a local
// in-process fallback. Reads are distributed round-robin across nodes;
// any operation that cannot reach the cluster degrades to the fallback
// map with equivalent TTL semantics instead of failing the caller.
type Store struct {
	clients  []*redis.Client
	rr       uint32
	timeout  time.Duration
	fb       *fallback
	degraded atomic.Bool
}

// NodeHealth reports reachability of a single cluster node.
type NodeHealth struct {
	Addr    string `json:"addr"`
	Healthy bool   `json:"healthy"`
}

// New builds a Store from the configured node addresses. With no nodes the
// store runs purely on the local fallback, which keeps single-process
// deployments working without a cluster.
func New(nodes []string, password string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	s := &Store{
		timeout: timeout,
		fb:      newFallback(),
	}
	for _, addr := range nodes {
		s.clients = append(s.clients, redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}))
	}
	if len(s.clients) == 0 {
		s.degraded.Store(true)
		metrics.SetStoreDegraded(true)
	}
	return s
}

// next picks the next client round-robin for read distribution.
func (s *Store) next() *redis.Client {
	n := atomic.AddUint32(&s.rr, 1)
	return s.clients[int(n)%len(s.clients)]
}

func (s *Store) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		metrics.SetStoreDegraded(true)
		logger.WithFields(map[string]interface{}{"error": err.Error()}).
			Warn("key-value store unreachable, using local fallback")
	}
}

func (s *Store) markHealthy() {
	if s.degraded.CompareAndSwap(true, false) {
		metrics.SetStoreDegraded(false)
		logger.Log().Info("key-value store reachable again")
	}
}

// Degraded reports whether the store is currently running on the fallback.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if len(s.clients) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		val, err := s.next().Get(cctx, key).Result()
		if err == nil {
			s.markHealthy()
			return val, true
		}
		if err == redis.Nil {
			s.markHealthy()
			return "", false
		}
		s.markDegraded(err)
	}
	return s.fb.get(key)
}

// Set stores a value with an optional TTL (ttl<=0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if len(s.clients) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.next().Set(cctx, key, value, ttl).Err(); err != nil {
			s.markDegraded(err)
		} else {
			s.markHealthy()
			return
		}
	}
	s.fb.set(key, value, ttl)
}

// Incr atomically increments a counter, applying ttl when the key is created.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) int64 {
	if len(s.clients) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		c := s.next()
		n, err := c.Incr(cctx, key).Result()
		if err == nil {
			if n == 1 && ttl > 0 {
				_ = c.Expire(cctx, key, ttl).Err()
			}
			s.markHealthy()
			return n
		}
		s.markDegraded(err)
	}
	return s.fb.incr(key, ttl)
}

// Expire updates the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) {
	if len(s.clients) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.next().Expire(cctx, key, ttl).Err(); err != nil {
			s.markDegraded(err)
		} else {
			s.markHealthy()
			return
		}
	}
	s.fb.expire(key, ttl)
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if len(s.clients) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.next().Del(cctx, keys...).Err(); err != nil {
			s.markDegraded(err)
		} else {
			s.markHealthy()
			return
		}
	}
	s.fb.delete(keys...)
}

// MGet returns values for keys; missing keys map to absent entries.
func (s *Store) MGet(ctx context.Context, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out
	}
	if len(s.clients) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		vals, err := s.next().MGet(cctx, keys...).Result()
		if err == nil {
			s.markHealthy()
			for i, v := range vals {
				if sv, ok := v.(string); ok {
					out[keys[i]] = sv
				}
			}
			return out
		}
		s.markDegraded(err)
	}
	for _, k := range keys {
		if v, ok := s.fb.get(k); ok {
			out[k] = v
		}
	}
	return out
}

// MSet stores multiple values with a shared TTL.
func (s *Store) MSet(ctx context.Context, pairs map[string]string, ttl time.Duration) {
	if len(pairs) == 0 {
		return
	}
	if len(s.clients) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		c := s.next()
		pipe := c.Pipeline()
		for k, v := range pairs {
			pipe.Set(cctx, k, v, ttl)
		}
		if _, err := pipe.Exec(cctx); err != nil {
			s.markDegraded(err)
		} else {
			s.markHealthy()
			return
		}
	}
	for k, v := range pairs {
		s.fb.set(k, v, ttl)
	}
}

// ClusterHealth pings every node and reports per-node reachability.
func (s *Store) ClusterHealth(ctx context.Context) []NodeHealth {
	out := make([]NodeHealth, 0, len(s.clients))
	for _, c := range s.clients {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := c.Ping(cctx).Err()
		cancel()
		out = append(out, NodeHealth{Addr: c.Options().Addr, Healthy: err == nil})
	}
	return out
}

// Close releases all node connections.
func (s *Store) Close() error {
	var firstErr error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
