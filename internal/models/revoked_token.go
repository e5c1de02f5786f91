package models

import "time"

// RevokedToken stores the SHA-256 digest of a bearer token invalidated
// before its natural expiry.
type RevokedToken struct {
	Digest    string    `json:"digest" gorm:"primaryKey"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
}
