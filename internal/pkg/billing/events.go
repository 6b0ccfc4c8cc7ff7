package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// maxIdempotencyKeyLen matches the ledger and grant cursor column width.
const maxIdempotencyKeyLen = 255

var (
	createdEventTypes = map[string]struct{}{
		"subscription.created": {},
		"subscription.active":  {},
	}
	renewalEventTypes = map[string]struct{}{
		"order.paid":           {},
		"order.created":        {},
		"subscription.renewed": {},
		"invoice.paid":         {},
	}
)

const billingReasonCycle = "subscription_cycle"

// IsCreatedEvent reports whether eventType announces a new subscription.
func IsCreatedEvent(eventType string) bool {
	_, ok := createdEventTypes[strings.ToLower(strings.TrimSpace(eventType))]
	return ok
}

// IsRenewalEvent reports whether the event marks a paid renewal period.
func IsRenewalEvent(eventType string, order *OrderProjection) bool {
	if _, ok := renewalEventTypes[strings.ToLower(strings.TrimSpace(eventType))]; ok {
		return true
	}
	return order != nil && strings.EqualFold(order.BillingReason, billingReasonCycle)
}

func isOrderEvent(eventType string) bool {
	t := strings.ToLower(strings.TrimSpace(eventType))
	return strings.HasPrefix(t, "order.") || strings.HasPrefix(t, "invoice.")
}

// ProjectEvent extracts the subscription and order views of an event. An
// order event only yields a subscription when it embeds one; the order's own
// id and status are not a subscription's.
func ProjectEvent(eventType string, data map[string]interface{}) (*SubscriptionProjection, *OrderProjection) {
	order := ExtractOrder(data)
	if isOrderEvent(eventType) {
		if _, nested := data["subscription"].(map[string]interface{}); !nested {
			return nil, order
		}
	}
	return ExtractSubscription(data), order
}

// GrantIdempotencyKey is stable across redeliveries of one event and
// distinct across renewal periods. Keys longer than the column width are
// replaced by a digest of the full key.
func GrantIdempotencyKey(polarSubscriptionID string, periodEnd *time.Time, eventID string) string {
	end := "none"
	if periodEnd != nil {
		end = fmt.Sprintf("%d", periodEnd.UnixMilli())
	}
	key := fmt.Sprintf("polar:%s:%s:%s", polarSubscriptionID, end, eventID)
	if len(key) <= maxIdempotencyKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "polar:sha256:" + hex.EncodeToString(sum[:])
}
