package models

import "time"

// Account is a user account. PasswordHash is an encoded argon2id hash and
// never leaves the service.
type Account struct {
	AccountBucket int        `db:"account_bucket" json:"-"`
	AccountID     string     `db:"account_id" json:"account_id"`
	Username      string     `db:"username" json:"username"`
	Email         string     `db:"email" json:"email"`
	PasswordHash  string     `db:"password_hash" json:"-"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	LastLoginAt   *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}

// PublicProfile is the account subset safe to return from login responses.
type PublicProfile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Profile returns the public view of the account.
func (a *Account) Profile() PublicProfile {
	return PublicProfile{Username: a.Username, Email: a.Email}
}
