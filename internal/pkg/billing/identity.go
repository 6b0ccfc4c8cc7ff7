package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

// UserLookup finds local users by email.
type UserLookup interface {
	FindUserIDByEmail(ctx context.Context, email string) (string, error)
}

// IdentityResolver ties webhook customers to local user ids.
type IdentityResolver struct {
	users UserLookup
}

// NewIdentityResolver creates a resolver backed by users.
func NewIdentityResolver(users UserLookup) *IdentityResolver {
	return &IdentityResolver{users: users}
}

// Resolve returns the user id in priority order: subscription
// metadata.userId, order metadata.userId, then an email lookup. It never
// guesses; no match is ErrNoIdentity.
func (r *IdentityResolver) Resolve(ctx context.Context, sub *SubscriptionProjection, order *OrderProjection) (string, error) {
	if sub != nil {
		if id := metadataUserID(sub.Metadata); id != "" {
			return id, nil
		}
	}
	if order != nil {
		if id := metadataUserID(order.Metadata); id != "" {
			return id, nil
		}
	}

	email := sub.CustomerEmail()
	if email == "" {
		email = order.CustomerEmail()
	}
	if strings.TrimSpace(email) == "" {
		return "", fmt.Errorf("%w: no metadata.userId and no customer email", ErrNoIdentity)
	}
	if r.users == nil {
		return "", fmt.Errorf("%w: no user store", ErrNoIdentity)
	}

	userID, err := r.users.FindUserIDByEmail(ctx, email)
	if err != nil {
		log.Warnf("[Billing] user lookup by email failed: %v", err)
		return "", fmt.Errorf("%w: lookup failed", ErrNoIdentity)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user for customer email", ErrNoIdentity)
	}
	return userID, nil
}

func metadataUserID(meta map[string]interface{}) string {
	if v, ok := meta["userId"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
