package facilitator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceKey(t *testing.T) {
	key := NonceKey("base-sepolia", "0xABC", "0xDEF", "0x01")
	assert.Equal(t, "base-sepolia:0xabc:0xdef:0x01", key)
}

func TestMemoryNonceStore(t *testing.T) {
	ctx := context.Background()
	now := testNow
	store := NewMemoryNonceStore()
	store.now = func() time.Time { return now }

	used, err := store.Used(ctx, "k")
	require.NoError(t, err)
	assert.False(t, used)

	ok, err := store.Claim(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a settled key cannot be claimed again")

	now = now.Add(time.Minute)
	used, err = store.Used(ctx, "k")
	require.NoError(t, err)
	assert.False(t, used, "claim expires with its ttl")

	ok, err = store.Claim(ctx, "forever", "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	now = now.Add(24 * 365 * time.Hour)
	used, _ = store.Used(ctx, "forever")
	assert.True(t, used)

	require.NoError(t, store.Release(ctx, "forever"))
	used, _ = store.Used(ctx, "forever")
	assert.False(t, used)
}

func testReservations(t *testing.T, store NonceStore) {
	t.Helper()
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "r", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "r", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a reservation is not shared, even with its holder")

	ok, err = store.Claim(ctx, "r", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "another holder cannot settle a reserved key")

	ok, err = store.Claim(ctx, "r", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "r", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a settled key cannot be claimed again")

	ok, err = store.Reserve(ctx, "r", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryNonceStoreReservations(t *testing.T) {
	testReservations(t, NewMemoryNonceStore())
}

func TestRedisNonceStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisNonceStore(client, "")

	ok, err := store.Claim(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("x402:nonce:k"))

	ok, err = store.Claim(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	used, err := store.Used(ctx, "k")
	require.NoError(t, err)
	assert.True(t, used)

	mr.FastForward(2 * time.Minute)
	used, err = store.Used(ctx, "k")
	require.NoError(t, err)
	assert.False(t, used)

	ok, err = store.Claim(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, store.Release(ctx, "k"))
	used, err = store.Used(ctx, "k")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestRedisNonceStoreReservations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	testReservations(t, NewRedisNonceStore(client, ""))
	assert.Positive(t, mr.TTL("x402:nonce:r"))
}

func TestRedisNonceStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	store := NewRedisNonceStore(client, "test:")
	_, err := store.Claim(context.Background(), "k", "a", time.Minute)
	assert.Error(t, err)
}

func TestLocalWithRedisRejectsReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Two facilitators sharing one store behave like replicas.
	store := NewRedisNonceStore(client, "")
	a := New(WithClock(fixedClock(testNow)), WithNonceStore(store))
	b := New(WithClock(fixedClock(testNow)), WithNonceStore(store))

	req := testRequirements()
	payload := signedPayload(t, req)

	first, err := a.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := b.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, "invalid_exact_evm_nonce_already_used", second.ErrorReason)

	verify, err := b.Verify(context.Background(), signedPayload(t, req), req)
	require.NoError(t, err)
	require.True(t, verify.IsValid, verify.InvalidReason)
}
