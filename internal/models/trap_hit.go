package models

import "time"

// TrapHit records a request to a decoy path.
type TrapHit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Origin    string    `json:"origin" gorm:"index"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	UserAgent string    `json:"user_agent"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CapturedCredential is a credential pair submitted to the decoy admin form.
type CapturedCredential struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Origin    string    `json:"origin" gorm:"index"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	UserAgent string    `json:"user_agent"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}
