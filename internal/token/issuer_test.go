package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/models"
	redisrepo "identity-service/internal/repository/redis"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := client.NewRedisClientFromAddr(server.Addr())
	t.Cleanup(func() {
		_ = redisClient.Close()
		server.Close()
	})

	issuer, err := NewIssuer(config.TokenConfig{
		SigningKey: "test-signing-key",
		Issuer:     "identity-service",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, redisrepo.NewTokenBlacklist(redisClient))
	require.NoError(t, err)

	return issuer
}

func testAccount() *models.Account {
	return &models.Account{
		AccountID: "acct-1",
		Username:  "alice",
	}
}

func TestNewIssuer_RejectsBadConfig(t *testing.T) {
	_, err := NewIssuer(config.TokenConfig{
		Issuer:     "identity-service",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}, nil)
	assert.Error(t, err)

	_, err = NewIssuer(config.TokenConfig{
		SigningKey: "key",
		AccessTTL:  time.Hour,
		RefreshTTL: time.Minute,
	}, nil)
	assert.Error(t, err)
}

func TestIssuer_IssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.Issue(ctx, testAccount())
	require.NoError(t, err)
	require.NotEmpty(t, pair.Refresh)
	require.NotEmpty(t, pair.Access)
	assert.NotEqual(t, pair.Refresh, pair.Access)

	claims, err := issuer.VerifyRefresh(ctx, pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, typeRefresh, claims.TokenType)
}

func TestIssuer_AccessTokenRejectedAsRefresh(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.Issue(ctx, testAccount())
	require.NoError(t, err)

	_, err = issuer.VerifyRefresh(ctx, pair.Access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Revoke(ctx, pair.Access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RevokeIsPermanent(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.Issue(ctx, testAccount())
	require.NoError(t, err)

	claims, err := issuer.Revoke(ctx, pair.Refresh)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)

	_, err = issuer.VerifyRefresh(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Revoking again is indistinguishable from a bad token.
	_, err = issuer.Revoke(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// A revoked refresh token never mints new access tokens.
	_, err = issuer.Renew(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_Renew(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.Issue(ctx, testAccount())
	require.NoError(t, err)

	access, err := issuer.Renew(ctx, pair.Refresh)
	require.NoError(t, err)
	require.NotEmpty(t, access)

	claims, err := issuer.parse(access, typeAccess)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.Subject)
	assert.Equal(t, "alice", claims.Username)
}

func TestIssuer_ExpiredRefreshRejected(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.Issue(ctx, testAccount())
	require.NoError(t, err)

	issuer.now = func() time.Time {
		return time.Now().Add(8 * 24 * time.Hour)
	}

	_, err = issuer.VerifyRefresh(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = issuer.Revoke(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_GarbageTokenRejected(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	_, err := issuer.VerifyRefresh(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Revoke(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_WrongKeyRejected(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	other, err := NewIssuer(config.TokenConfig{
		SigningKey: "a-different-key",
		Issuer:     "identity-service",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, nil)
	require.NoError(t, err)

	pair, err := other.Issue(ctx, testAccount())
	require.NoError(t, err)

	_, err = issuer.VerifyRefresh(ctx, pair.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
