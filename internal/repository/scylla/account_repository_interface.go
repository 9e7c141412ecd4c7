package scylla

import (
	"context"
	"time"

	"identity-service/internal/models"
)

// AccountRepository is the persistence contract for accounts. The service
// layer only depends on this interface; tests use an in-memory fake.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	DeleteAccount(ctx context.Context, account *models.Account) error
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	UpdateActivation(ctx context.Context, account *models.Account, active bool) error
	UpdatePasswordHash(ctx context.Context, account *models.Account, passwordHash string) error
	UpdateLastLogin(ctx context.Context, account *models.Account, at time.Time) error
	HealthCheck(ctx context.Context) error
}
