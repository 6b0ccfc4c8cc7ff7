package billing

import (
	"math"
	"strings"
	"time"
)

// Customer is the customer object embedded in Polar payloads.
type Customer struct {
	ID    string
	Email string
}

// Price is one entry of a subscription's prices list.
type Price struct {
	ID                string
	RecurringInterval string
}

// Product is the product object embedded in a subscription.
type Product struct {
	ID   string
	Name string
}

// SubscriptionProjection is the subscription view of a webhook payload.
// Only ID and Status are guaranteed.
type SubscriptionProjection struct {
	ID               string
	Status           string
	CurrentPeriodEnd *time.Time
	TrialEndsAt      *time.Time
	CancelAt         *time.Time
	CanceledAt       *time.Time
	Customer         *Customer
	CustomerID       string
	Seat             *int
	PlanCode         *string
	Metadata         map[string]interface{}
	Prices           []Price
	Product          *Product
	ProductID        string
}

// OrderProjection is the order view of a webhook payload.
type OrderProjection struct {
	ID             string
	BillingReason  string
	SubscriptionID string
	Customer       *Customer
	CustomerID     string
	Metadata       map[string]interface{}
}

// ExtractSubscription reads data.subscription, or data itself, and returns
// nil unless it has string id and status fields.
func ExtractSubscription(data map[string]interface{}) *SubscriptionProjection {
	if data == nil {
		return nil
	}
	sub := data
	if nested, ok := data["subscription"].(map[string]interface{}); ok {
		sub = nested
	}

	id, ok := sub["id"].(string)
	if !ok {
		return nil
	}
	status, ok := sub["status"].(string)
	if !ok {
		return nil
	}

	p := &SubscriptionProjection{
		ID:               id,
		Status:           status,
		CurrentPeriodEnd: timeField(sub, "current_period_end"),
		TrialEndsAt:      timeField(sub, "trial_ends_at", "triel_ends_at"),
		CancelAt:         timeField(sub, "cancel_at"),
		CanceledAt:       timeField(sub, "canceled_at"),
		Customer:         customerField(sub),
		CustomerID:       stringField(sub, "customer_id"),
		Metadata:         mapField(sub, "metadata"),
		ProductID:        stringField(sub, "product_id"),
	}
	if seat, ok := sub["seat"].(float64); ok && !math.IsNaN(seat) {
		n := int(seat)
		p.Seat = &n
	}
	if code, ok := sub["plan_code"].(string); ok {
		p.PlanCode = &code
	}
	if prices, ok := sub["prices"].([]interface{}); ok {
		for _, raw := range prices {
			if m, ok := raw.(map[string]interface{}); ok {
				p.Prices = append(p.Prices, Price{
					ID:                stringField(m, "id"),
					RecurringInterval: stringField(m, "recurring_interval"),
				})
			}
		}
	}
	if prod, ok := sub["product"].(map[string]interface{}); ok {
		p.Product = &Product{ID: stringField(prod, "id"), Name: stringField(prod, "name")}
	}
	return p
}

// ExtractOrder returns nil unless data carries a string id.
func ExtractOrder(data map[string]interface{}) *OrderProjection {
	if data == nil {
		return nil
	}
	id, ok := data["id"].(string)
	if !ok {
		return nil
	}
	return &OrderProjection{
		ID:             id,
		BillingReason:  stringField(data, "billing_reason"),
		SubscriptionID: stringField(data, "subsription_id", "subscription_id"),
		Customer:       customerField(data),
		CustomerID:     stringField(data, "customer_id"),
		Metadata:       mapField(data, "metadata"),
	}
}

// CustomerEmail returns the customer email of the projection, if any.
func (p *SubscriptionProjection) CustomerEmail() string {
	if p == nil || p.Customer == nil {
		return ""
	}
	return p.Customer.Email
}

// CustomerEmail returns the customer email of the projection, if any.
func (o *OrderProjection) CustomerEmail() string {
	if o == nil || o.Customer == nil {
		return ""
	}
	return o.Customer.Email
}

// UpsertInputFromProjection maps a subscription projection onto the store's
// write shape for userID.
func UpsertInputFromProjection(userID string, p *SubscriptionProjection) UpsertInput {
	in := UpsertInput{
		UserID:              userID,
		PolarSubscriptionID: p.ID,
		Status:              p.Status,
		CurrentPeriodEnd:    p.CurrentPeriodEnd,
		TrialEndsAt:         p.TrialEndsAt,
		CancelAt:            p.CancelAt,
		CanceledAt:          p.CanceledAt,
		Seat:                p.Seat,
		PlanCode:            p.PlanCode,
		Metadata:            p.Metadata,
	}

	in.PolarCustomerID = p.CustomerID
	if in.PolarCustomerID == "" && p.Customer != nil {
		in.PolarCustomerID = p.Customer.ID
	}

	productID := p.ProductID
	if productID == "" && p.Product != nil {
		productID = p.Product.ID
	}
	if productID != "" {
		in.ProductID = &productID
	}
	if len(p.Prices) > 0 && p.Prices[0].ID != "" {
		priceID := p.Prices[0].ID
		in.PriceID = &priceID
	}
	return in
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func customerField(m map[string]interface{}) *Customer {
	c, ok := m["customer"].(map[string]interface{})
	if !ok {
		return nil
	}
	return &Customer{ID: stringField(c, "id"), Email: stringField(c, "email")}
}

// timeField accepts RFC3339 strings and epoch-millisecond numbers.
func timeField(m map[string]interface{}, keys ...string) *time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				t = t.UTC()
				return &t
			}
		case float64:
			t := time.UnixMilli(int64(v)).UTC()
			return &t
		}
	}
	return nil
}
