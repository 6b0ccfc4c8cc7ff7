package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	LedgerTypeGrant   = "grant"
	LedgerTypeConsume = "consume"
)

// CreditLedgerEntry is an immutable record of a single credit movement.
// IdempotencyKey is unique; a second insert with the same key fails.
type CreditLedgerEntry struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	UserID         string            `gorm:"type:varchar(191);not null;index" json:"user_id"`
	SubscriptionID uint              `gorm:"not null;index" json:"subscription_id"`
	Amount         int               `gorm:"not null" json:"amount"`
	Type           string            `gorm:"type:varchar(20);not null" json:"type"`
	Reason         string            `gorm:"type:varchar(100);not null;default:''" json:"reason"`
	IdempotencyKey string            `gorm:"type:varchar(255);not null;uniqueIndex" json:"idempotency_key"`
	Meta           datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt      time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}
