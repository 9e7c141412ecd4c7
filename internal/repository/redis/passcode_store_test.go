package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
	"identity-service/internal/config"
)

func newTestPasscodeStore(t *testing.T) (*PasscodeStore, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)

	redisClient := client.NewRedisClientFromAddr(server.Addr())
	t.Cleanup(func() {
		_ = redisClient.Close()
		server.Close()
	})

	store := NewPasscodeStore(redisClient, config.PasscodeConfig{
		Digits:    6,
		TTL:       10 * time.Minute,
		Retention: 24 * time.Hour,
	})
	return store, server
}

func TestPasscodeStore_IssueAndVerify(t *testing.T) {
	store, _ := newTestPasscodeStore(t)
	ctx := context.Background()

	code, err := store.Issue(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}

	result, err := store.Verify(ctx, "acct-1", code)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, result)
}

func TestPasscodeStore_VerifyUnknownAccount(t *testing.T) {
	store, _ := newTestPasscodeStore(t)

	result, err := store.Verify(context.Background(), "acct-missing", "123456")
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, result)
}

func TestPasscodeStore_Mismatch(t *testing.T) {
	store, _ := newTestPasscodeStore(t)
	ctx := context.Background()

	code, err := store.Issue(ctx, "acct-1")
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}

	result, err := store.Verify(ctx, "acct-1", wrong)
	require.NoError(t, err)
	assert.Equal(t, VerifyMismatch, result)

	// A mismatch must not consume the record.
	result, err = store.Verify(ctx, "acct-1", code)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, result)
}

func TestPasscodeStore_SingleUse(t *testing.T) {
	store, _ := newTestPasscodeStore(t)
	ctx := context.Background()

	code, err := store.Issue(ctx, "acct-1")
	require.NoError(t, err)

	result, err := store.Verify(ctx, "acct-1", code)
	require.NoError(t, err)
	require.Equal(t, VerifyOK, result)

	// The same code submitted again finds nothing.
	result, err = store.Verify(ctx, "acct-1", code)
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, result)
}

func TestPasscodeStore_ReissueInvalidatesOldCode(t *testing.T) {
	store, _ := newTestPasscodeStore(t)
	ctx := context.Background()

	first, err := store.Issue(ctx, "acct-1")
	require.NoError(t, err)

	var second string
	// Reissue until the codes differ; collisions are possible but rare.
	for i := 0; i < 20; i++ {
		second, err = store.Issue(ctx, "acct-1")
		require.NoError(t, err)
		if second != first {
			break
		}
	}
	require.NotEqual(t, first, second)

	result, err := store.Verify(ctx, "acct-1", first)
	require.NoError(t, err)
	assert.Equal(t, VerifyMismatch, result)

	result, err = store.Verify(ctx, "acct-1", second)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, result)
}

func TestPasscodeStore_ExpiredBeforeMismatch(t *testing.T) {
	store, _ := newTestPasscodeStore(t)
	ctx := context.Background()

	code, err := store.Issue(ctx, "acct-1")
	require.NoError(t, err)

	store.now = func() time.Time {
		return time.Now().Add(11 * time.Minute)
	}

	// Expiry wins even when the submitted code is wrong, and certainly
	// when it is right.
	result, err := store.Verify(ctx, "acct-1", "999999")
	require.NoError(t, err)
	assert.Equal(t, VerifyExpired, result)

	result, err = store.Verify(ctx, "acct-1", code)
	require.NoError(t, err)
	assert.Equal(t, VerifyExpired, result)
}

func TestPasscodeStore_ExpiredCodeStaysQueryable(t *testing.T) {
	store, server := newTestPasscodeStore(t)
	ctx := context.Background()

	code, err := store.Issue(ctx, "acct-1")
	require.NoError(t, err)

	// Past the code TTL but inside the retention window the key is still
	// present, so the answer is expired rather than not-found.
	server.FastForward(11 * time.Minute)
	store.now = func() time.Time {
		return time.Now().Add(11 * time.Minute)
	}

	result, err := store.Verify(ctx, "acct-1", code)
	require.NoError(t, err)
	assert.Equal(t, VerifyExpired, result)

	// Past retention the record is gone entirely.
	server.FastForward(24 * time.Hour)
	result, err = store.Verify(ctx, "acct-1", code)
	require.NoError(t, err)
	assert.Equal(t, VerifyNotFound, result)
}
