package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event names on the billing event bus.
const (
	EventWebhookReceived       = "billing.webhook.received"
	EventSubscriptionSynced    = "billing.subscription.synced"
	EventCreditsGranted        = "billing.credits.granted"
	EventSubscriptionPreExpiry = "billing.subscription.pre_expiry"
)

// Grant skip and error reasons reported in GrantResult.
const (
	ReasonDuplicateLedger     = "duplicate-ledger"
	ReasonCursorMatch         = "cursor-match"
	ReasonNotEntitled         = "not-entitled"
	ReasonZeroGrant           = "zero-grant"
	ReasonPeriodicGrant       = "periodic-grant"
	ReasonForceGrant          = "force-grant"
	ReasonUsage               = "usage"
	ErrorSubscriptionNotFound = "subscription-not-found"
	ErrorInsufficientCredits  = "insufficient-credits"
)

// WebhookEnvelope is the minimal shape every Polar webhook must carry.
type WebhookEnvelope struct {
	ID   string                 `json:"id,omitempty"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// WebhookReceived is the payload published for every accepted webhook.
type WebhookReceived struct {
	ID   string        `json:"id"`
	Data ReceivedEvent `json:"data"`
}

// ReceivedEvent carries the provider event type and its raw data object.
type ReceivedEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// DecodeWebhookEnvelope parses body and checks it has a string type and an
// object data. Anything else is ErrUnsupportedEvent.
func DecodeWebhookEnvelope(body []byte) (*WebhookEnvelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
	}

	env := &WebhookEnvelope{}
	if err := json.Unmarshal(raw["type"], &env.Type); err != nil || strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrUnsupportedEvent)
	}
	if err := json.Unmarshal(raw["data"], &env.Data); err != nil || env.Data == nil {
		return nil, fmt.Errorf("%w: data must be an object", ErrUnsupportedEvent)
	}
	if idRaw, ok := raw["id"]; ok {
		var id interface{}
		if err := json.Unmarshal(idRaw, &id); err == nil {
			switch v := id.(type) {
			case string:
				env.ID = strings.TrimSpace(v)
			case float64:
				env.ID = fmt.Sprintf("%.0f", v)
			}
		}
	}
	return env, nil
}

// UpsertInput is the normalized subscription state written by UpsertFromPolar.
// Nil credit fields mean "not supplied" and fall back to existing values.
type UpsertInput struct {
	UserID                string `validate:"required,max=191"`
	PolarCustomerID       string `validate:"max=191"`
	PolarSubscriptionID   string `validate:"required,max=191"`
	ProductID             *string
	PriceID               *string
	PlanCode              *string
	Status                string `validate:"required,max=32"`
	CurrentPeriodEnd      *time.Time
	TrialEndsAt           *time.Time
	CancelAt              *time.Time
	CanceledAt            *time.Time
	Seat                  *int
	Metadata              map[string]interface{}
	CreditsGrantPerPeriod *int `validate:"omitempty,gte=0"`
	CreditsRollOverLimit  *int `validate:"omitempty,gte=0"`
}

// GrantRequest asks the ledger to credit a subscription once per IdempotencyKey.
type GrantRequest struct {
	SubscriptionID uint   `json:"subscription_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Amount         *int   `json:"amount,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ForceGrant     bool   `json:"force_grant,omitempty"`
}

// GrantResult reports the outcome of a grant. A missing subscription is a
// result with OK=false, not an error.
type GrantResult struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
	Granted int    `json:"granted,omitempty"`
	Balance int    `json:"balance"`
}

// ConsumeRequest debits credits from a user's entitled subscription.
type ConsumeRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	Amount         int    `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	Reason         string `json:"reason,omitempty" validate:"max=100"`
}

// ConsumeResult reports the outcome of a debit.
type ConsumeResult struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
	Balance int    `json:"balance"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
