package models

import (
	"time"
)

// SecurityDecision stores a block decision taken by the rate limiter, abuse
// detector, trap collector or an admin so it can be audited later.
type SecurityDecision struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Source    string    `json:"source"` // e.g., ratelimit, abuse, trap, auth, manual
	Action    string    `json:"action"` // block_temporary, block_permanent, unblock, allow
	Origin    string    `json:"origin" gorm:"index"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
