package models

import "time"

// Security event types recorded by the audit trail.
const (
	EventAccountRegistered = "account_registered"
	EventAccountVerified   = "account_verified"
	EventVerifyFailed      = "verify_failed"
	EventLoginSucceeded    = "login_succeeded"
	EventLoginFailed       = "login_failed"
	EventResetRequested    = "reset_requested"
	EventPasswordReset     = "password_reset"
	EventFederatedLogin    = "federated_login"
	EventLogout            = "logout"
)

// SecurityEvent is one row in the ClickHouse audit trail.
type SecurityEvent struct {
	EventBucket int       `db:"event_bucket"`
	AccountID   string    `db:"account_id"`
	EventType   string    `db:"event_type"`
	EventTime   time.Time `db:"event_time"`
	IPAddress   string    `db:"ip_address"`
	Detail      string    `db:"detail"`
}
