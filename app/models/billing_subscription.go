package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusExpired    = "expired"
	BillingStatusUnpaid     = "unpaid"
)

// BillingSubscription mirrors a Polar subscription and carries the credit
// state for its owner. Rows are never hard-deleted.
type BillingSubscription struct {
	ID                    uint              `gorm:"primaryKey" json:"id"`
	UserID                string            `gorm:"type:varchar(191);not null;index" json:"user_id"`
	PolarCustomerID       string            `gorm:"type:varchar(191);not null;default:''" json:"polar_customer_id"`
	PolarSubscriptionID   string            `gorm:"type:varchar(191);not null;index" json:"polar_subscription_id"`
	ProductID             *string           `gorm:"type:varchar(191);default:null" json:"product_id,omitempty"`
	PriceID               *string           `gorm:"type:varchar(191);default:null" json:"price_id,omitempty"`
	PlanCode              *string           `gorm:"type:varchar(100);default:null" json:"plan_code,omitempty"`
	Status                string            `gorm:"type:varchar(32);not null;index" json:"status"`
	CurrentPeriodEnd      *time.Time        `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	TrialEndsAt           *time.Time        `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	CancelAt              *time.Time        `gorm:"type:timestamp;default:null" json:"cancel_at,omitempty"`
	CanceledAt            *time.Time        `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	Seat                  *int              `gorm:"default:null" json:"seat,omitempty"`
	Metadata              datatypes.JSONMap `json:"metadata,omitempty"`
	CreditsGrantPerPeriod int               `gorm:"not null" json:"credits_grant_per_period"`
	CreditsRollOverLimit  int               `gorm:"not null" json:"credits_roll_over_limit"`
	CreditsBalance        int               `gorm:"not null" json:"credits_balance"`
	LastGrantCursor       *string           `gorm:"type:varchar(255);default:null" json:"last_grant_cursor,omitempty"`
	CreatedAt             time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActiveAt reports whether the row grants feature access at t: status
// "active" and a period end that is unset or after t.
func (s *BillingSubscription) IsActiveAt(t time.Time) bool {
	if s == nil || strings.ToLower(strings.TrimSpace(s.Status)) != BillingStatusActive {
		return false
	}
	return s.CurrentPeriodEnd == nil || s.CurrentPeriodEnd.After(t)
}
