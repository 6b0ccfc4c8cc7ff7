package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// User is the account record the billing engine resolves webhook customers
// against. IDs are issued by the product's auth layer.
type User struct {
	ID        string    `gorm:"primaryKey;type:varchar(191)" json:"id" validate:"required,max=191"`
	Name      string    `gorm:"type:varchar(150)" json:"name" validate:"max=150"`
	Email     string    `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
