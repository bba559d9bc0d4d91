package facilitator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records authorization nonces that have been verified or
// settled. Keys are scoped by payer and asset by the caller. A holder names
// the signed authorization that owns a claim, so the request that verified
// a nonce can go on to settle it while every other request is refused.
type NonceStore interface {
	// Used reports whether key is reserved or settled.
	Used(ctx context.Context, key string) (bool, error)
	// Reserve marks key as verified by holder for ttl, or forever when ttl
	// is zero. It returns false if key is already reserved or settled,
	// whoever holds it.
	Reserve(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Claim marks key as settled by holder. It succeeds when key is free or
	// reserved by the same holder, and returns false otherwise.
	Claim(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release undoes a Reserve or Claim after a settlement that did not
	// happen.
	Release(ctx context.Context, key string) error
}

const (
	reservedPrefix = "reserved:"
	settledPrefix  = "settled:"
)

// NonceKey scopes a nonce to its network, asset, and payer.
func NonceKey(network, asset, from, nonce string) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s", network, asset, from, nonce))
}

type memoryClaim struct {
	state  string
	expiry time.Time
}

// MemoryNonceStore keeps claims in process memory. Expired claims are
// dropped lazily.
type MemoryNonceStore struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	now    func() time.Time
}

// NewMemoryNonceStore returns an empty store for a single facilitator
// process.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		claims: make(map[string]memoryClaim),
		now:    time.Now,
	}
}

// Used implements NonceStore.
func (s *MemoryNonceStore) Used(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(key)
	return ok, nil
}

// Reserve implements NonceStore.
func (s *MemoryNonceStore) Reserve(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.setLocked(key, reservedPrefix+holder, ttl)
	return true, nil
}

// Claim implements NonceStore.
func (s *MemoryNonceStore) Claim(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.liveLocked(key); ok && state != reservedPrefix+holder {
		return false, nil
	}
	s.setLocked(key, settledPrefix+holder, ttl)
	return true, nil
}

// Release implements NonceStore.
func (s *MemoryNonceStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

func (s *MemoryNonceStore) setLocked(key, state string, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.claims[key] = memoryClaim{state: state, expiry: exp}
}

func (s *MemoryNonceStore) liveLocked(key string) (string, bool) {
	c, ok := s.claims[key]
	if !ok {
		return "", false
	}
	if !c.expiry.IsZero() && !s.now().Before(c.expiry) {
		delete(s.claims, key)
		return "", false
	}
	return c.state, true
}

// claimScript settles a key that is free or reserved by the same holder.
// KEYS[1] is the nonce key; ARGV holds the reserved state, the settled
// state, and the ttl in milliseconds (0 keeps it forever).
var claimScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// RedisNonceStore shares claims between facilitator replicas.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore stores claims under prefix in client.
func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "x402:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

// Used implements NonceStore.
func (s *RedisNonceStore) Used(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Reserve implements NonceStore with SETNX.
func (s *RedisNonceStore) Reserve(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, reservedPrefix+holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Claim implements NonceStore with a compare-and-set script.
func (s *RedisNonceStore) Claim(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	n, err := claimScript.Run(ctx, s.client, []string{s.prefix + key},
		reservedPrefix+holder, settledPrefix+holder, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return n == 1, nil
}

// Release implements NonceStore.
func (s *RedisNonceStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
