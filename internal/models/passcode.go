package models

import "time"

// Passcode is a single-use numeric code bound to one account. An account
// has at most one live passcode; issuing a new one replaces the old.
type Passcode struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the passcode is past its expiry at the given
// instant. Expiry is evaluated lazily; expired records stay in place
// until replaced or consumed.
func (p *Passcode) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
