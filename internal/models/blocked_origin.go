package models

import "time"

// Block kinds.
const (
	BlockKindTemporary = "temporary"
	BlockKindPermanent = "permanent"
)

// BlockedOrigin is the persisted form of a block entry so that blocks
// survive a restart. Temporary rows carry ExpiresAt; permanent rows do not.
type BlockedOrigin struct {
	Origin     string     `json:"origin" gorm:"primaryKey"`
	Kind       string     `json:"kind" gorm:"index"`
	Reason     string     `json:"reason" gorm:"type:text"`
	BlockCount int        `json:"block_count" gorm:"default:0"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Permanent reports whether the row is a permanent block.
func (b *BlockedOrigin) Permanent() bool {
	return b.Kind == BlockKindPermanent
}

// AllowedOrigin is an origin exempt from every check.
type AllowedOrigin struct {
	Origin    string    `json:"origin" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
}
