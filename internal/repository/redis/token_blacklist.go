package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const revokedTokenPrefix = "revoked_token:"

// TokenBlacklist records revoked refresh-token ids until their natural
// expiry, after which Redis drops the key on its own.
type TokenBlacklist struct {
	client *client.RedisClient
}

func NewTokenBlacklist(redisClient *client.RedisClient) *TokenBlacklist {
	return &TokenBlacklist{client: redisClient}
}

// Revoke marks the token id unusable for the remainder of its lifetime.
// Returns false when the id was already revoked.
func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, remaining time.Duration) (bool, error) {
	if remaining <= 0 {
		// Token already expired; nothing to track.
		return false, nil
	}

	key := revokedTokenPrefix + tokenID
	added, err := b.client.SetNX(ctx, key, "revoked", remaining)
	if err != nil {
		util.Error("failed to blacklist token",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return false, fmt.Errorf("failed to blacklist token: %w", err)
	}

	if added {
		util.Debug("refresh token revoked",
			zap.String("token_id", tokenID),
			zap.Duration("remaining", remaining))
	}

	return added, nil
}

// IsRevoked reports whether the token id has been blacklisted.
func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	exists, err := b.client.Exists(ctx, revokedTokenPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return exists, nil
}
