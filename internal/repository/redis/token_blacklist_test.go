package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
)

func newTestBlacklist(t *testing.T) (*TokenBlacklist, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := client.NewRedisClientFromAddr(server.Addr())
	t.Cleanup(func() {
		_ = redisClient.Close()
		server.Close()
	})

	return NewTokenBlacklist(redisClient), server
}

func TestTokenBlacklist_RevokeAndCheck(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)
	ctx := context.Background()

	revoked, err := blacklist.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	added, err := blacklist.Revoke(ctx, "jti-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, added)

	revoked, err = blacklist.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestTokenBlacklist_SecondRevokeNotAdded(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)
	ctx := context.Background()

	added, err := blacklist.Revoke(ctx, "jti-1", time.Hour)
	require.NoError(t, err)
	require.True(t, added)

	added, err = blacklist.Revoke(ctx, "jti-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestTokenBlacklist_ExpiredTokenNotAdded(t *testing.T) {
	blacklist, _ := newTestBlacklist(t)

	// Nothing to blacklist once the token's own lifetime is over.
	added, err := blacklist.Revoke(context.Background(), "jti-1", -time.Minute)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestTokenBlacklist_EntryExpiresWithToken(t *testing.T) {
	blacklist, server := newTestBlacklist(t)
	ctx := context.Background()

	added, err := blacklist.Revoke(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	require.True(t, added)

	server.FastForward(2 * time.Minute)

	revoked, err := blacklist.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
