package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/util"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already registered")
)

// accountRepository persists accounts across three tables:
//
//	accounts              partitioned by (account_bucket), rows by account_id
//	accounts_by_username  full row keyed by username, claimed with LWT
//	email_to_account      email -> username mapping, claimed with LWT
//
// The two LWT claims make "check uniqueness, then write" atomic under
// concurrent registrations.
type accountRepository struct {
	client *ScyllaClient
}

func NewAccountRepository(client *ScyllaClient) AccountRepository {
	return &accountRepository{client: client}
}

const (
	insertByUsernameCQL = `INSERT INTO accounts_by_username
		(username, account_bucket, account_id, email, password_hash, is_active, created_at, updated_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	insertEmailClaimCQL = `INSERT INTO email_to_account (email, username)
		VALUES (?, ?) IF NOT EXISTS`

	insertAccountCQL = `INSERT INTO accounts
		(account_bucket, account_id, username, email, password_hash, is_active, created_at, updated_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectByUsernameCQL = `SELECT username, account_bucket, account_id, email, password_hash, is_active, created_at, updated_at, last_login_at
		FROM accounts_by_username WHERE username = ?`

	selectEmailClaimCQL = `SELECT username FROM email_to_account WHERE email = ?`
)

// CreateAccount claims the username and email with lightweight
// transactions, then writes the main row. A lost username race returns
// ErrUsernameTaken; a lost email race rolls the username claim back and
// returns ErrEmailTaken.
func (r *accountRepository) CreateAccount(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	applied, err := r.client.Session.Query(insertByUsernameCQL,
		account.Username, account.AccountBucket, account.AccountID, account.Email,
		account.PasswordHash, account.IsActive, account.CreatedAt, account.UpdatedAt,
		account.LastLoginAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim username: %w", err)
	}
	if !applied {
		return ErrUsernameTaken
	}

	applied, err = r.client.Session.Query(insertEmailClaimCQL,
		account.Email, account.Username,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		// Roll the username claim back so a retry can succeed.
		if delErr := r.client.Session.Query(
			`DELETE FROM accounts_by_username WHERE username = ?`, account.Username,
		).WithContext(ctx).Exec(); delErr != nil {
			util.Error("failed to roll back username claim",
				zap.String("username", account.Username),
				zap.Error(delErr))
		}
		if err != nil {
			return fmt.Errorf("failed to claim email: %w", err)
		}
		return ErrEmailTaken
	}

	if err := r.client.Session.Query(insertAccountCQL,
		account.AccountBucket, account.AccountID, account.Username, account.Email,
		account.PasswordHash, account.IsActive, account.CreatedAt, account.UpdatedAt,
		account.LastLoginAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("account created",
		zap.String("account_id", account.AccountID),
		zap.String("username", account.Username),
		zap.Int("account_bucket", account.AccountBucket))

	return nil
}

// DeleteAccount removes the account and both claims. Used to compensate a
// registration whose notification dispatch failed.
func (r *accountRepository) DeleteAccount(ctx context.Context, account *models.Account) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM accounts WHERE account_bucket = ? AND account_id = ?`,
		account.AccountBucket, account.AccountID)
	batch.Query(`DELETE FROM accounts_by_username WHERE username = ?`, account.Username)
	batch.Query(`DELETE FROM email_to_account WHERE email = ?`, account.Email)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	util.Info("account deleted",
		zap.String("account_id", account.AccountID),
		zap.String("username", account.Username))

	return nil
}

func (r *accountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	account := &models.Account{}

	err := r.client.Session.Query(selectByUsernameCQL, username).WithContext(ctx).Scan(
		&account.Username, &account.AccountBucket, &account.AccountID, &account.Email,
		&account.PasswordHash, &account.IsActive, &account.CreatedAt, &account.UpdatedAt,
		&account.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by username: %w", err)
	}

	return account, nil
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var username string

	err := r.client.Session.Query(selectEmailClaimCQL, email).WithContext(ctx).Scan(&username)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}

	return r.GetByUsername(ctx, username)
}

func (r *accountRepository) UpdateActivation(ctx context.Context, account *models.Account, active bool) error {
	now := time.Now().UTC()
	if err := r.updateBoth(ctx, account,
		`SET is_active = ?, updated_at = ?`, active, now); err != nil {
		return fmt.Errorf("failed to update activation: %w", err)
	}
	account.IsActive = active
	account.UpdatedAt = now

	util.Info("account activation updated",
		zap.String("account_id", account.AccountID),
		zap.Bool("is_active", active))

	return nil
}

func (r *accountRepository) UpdatePasswordHash(ctx context.Context, account *models.Account, passwordHash string) error {
	now := time.Now().UTC()
	if err := r.updateBoth(ctx, account,
		`SET password_hash = ?, updated_at = ?`, passwordHash, now); err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = now

	util.Info("account password updated",
		zap.String("account_id", account.AccountID))

	return nil
}

func (r *accountRepository) UpdateLastLogin(ctx context.Context, account *models.Account, at time.Time) error {
	if err := r.updateBoth(ctx, account,
		`SET last_login_at = ?, updated_at = ?`, at, at); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	account.LastLoginAt = &at
	account.UpdatedAt = at
	return nil
}

// updateBoth applies the same SET clause to the main table and the
// by-username table in one logged batch.
func (r *accountRepository) updateBoth(ctx context.Context, account *models.Account, setClause string, args ...interface{}) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	mainArgs := append(append([]interface{}{}, args...), account.AccountBucket, account.AccountID)
	batch.Query(`UPDATE accounts `+setClause+` WHERE account_bucket = ? AND account_id = ?`, mainArgs...)

	usernameArgs := append(append([]interface{}{}, args...), account.Username)
	batch.Query(`UPDATE accounts_by_username `+setClause+` WHERE username = ?`, usernameArgs...)

	return r.client.Session.ExecuteBatch(batch)
}

func (r *accountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
