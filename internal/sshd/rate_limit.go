package sshd

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleAge = 5 * time.Minute // evict idle buckets

	// rateLimiterShards controls how many independent shards the rate limiter
	// uses.  Each shard has its own mutex, which drastically reduces lock
	// contention under concurrent connections from distinct addresses.
	rateLimiterShards = 16
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter implements a sharded per-key token-bucket rate limiter.
// Keys are mapped to one of [rateLimiterShards] independent shards via FNV
// hashing so that concurrent allow() calls on different keys rarely contend
// on the same mutex.
type rateLimiter struct {
	limit  rate.Limit
	burst  int
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	rl := &rateLimiter{limit: rate.Limit(perSecond), burst: burst}
	for i := range rl.shards {
		rl.shards[i].entries = make(map[string]*limiterEntry)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

func (rl *rateLimiter) allow(key string) bool {
	return rl.allowAt(key, time.Now())
}

func (rl *rateLimiter) allowAt(key string, now time.Time) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rl.limit, rl.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// cleanup evicts idle rate-limit buckets across all shards.
// Called periodically by the janitor so that the hot allow() path is never
// burdened with map iteration.
func (rl *rateLimiter) cleanup() {
	now := time.Now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.entries {
			if now.Sub(v.lastSeen) > limiterIdleAge {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func (rl *rateLimiter) size() int {
	n := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
