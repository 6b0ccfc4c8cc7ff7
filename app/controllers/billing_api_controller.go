package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/billing"
)

// SubscriptionResponse is the API view of a billing subscription.
// Timestamps are epoch milliseconds.
type SubscriptionResponse struct {
	ID                    uint                   `json:"id"`
	UserID                string                 `json:"userId"`
	PolarCustomerID       string                 `json:"polarCustomerId"`
	PolarSubscriptionID   string                 `json:"polarSubscriptionId"`
	ProductID             *string                `json:"productId"`
	PriceID               *string                `json:"priceId"`
	PlanCode              *string                `json:"planCode"`
	Status                string                 `json:"status"`
	CurrentPeriodEnd      *int64                 `json:"currentPeriodEnd"`
	TrialEndsAt           *int64                 `json:"trialEndsAt"`
	CancelAt              *int64                 `json:"cancelAt"`
	CanceledAt            *int64                 `json:"canceledAt"`
	Seat                  *int                   `json:"seat"`
	Metadata              map[string]interface{} `json:"metadata"`
	CreditsBalance        int                    `json:"creditsBalance"`
	CreditsGrantPerPeriod int                    `json:"creditsGrantPerPeriod"`
	CreditsRollOverLimit  int                    `json:"creditsRollOverLimit"`
	LastGrantCursor       *string                `json:"lastGrantCursor"`
}

// LedgerEntryResponse is the API view of a ledger entry.
type LedgerEntryResponse struct {
	ID             uint                   `json:"id"`
	SubscriptionID uint                   `json:"subscriptionId"`
	Amount         int                    `json:"amount"`
	Type           string                 `json:"type"`
	Reason         string                 `json:"reason"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Meta           map[string]interface{} `json:"meta"`
	CreatedAt      int64                  `json:"createdAt"`
}

func toSubscriptionResponse(s *models.BillingSubscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                    s.ID,
		UserID:                s.UserID,
		PolarCustomerID:       s.PolarCustomerID,
		PolarSubscriptionID:   s.PolarSubscriptionID,
		ProductID:             s.ProductID,
		PriceID:               s.PriceID,
		PlanCode:              s.PlanCode,
		Status:                s.Status,
		CurrentPeriodEnd:      epochMillisPtr(s.CurrentPeriodEnd),
		TrialEndsAt:           epochMillisPtr(s.TrialEndsAt),
		CancelAt:              epochMillisPtr(s.CancelAt),
		CanceledAt:            epochMillisPtr(s.CanceledAt),
		Seat:                  s.Seat,
		Metadata:              s.Metadata,
		CreditsBalance:        s.CreditsBalance,
		CreditsGrantPerPeriod: s.CreditsGrantPerPeriod,
		CreditsRollOverLimit:  s.CreditsRollOverLimit,
		LastGrantCursor:       s.LastGrantCursor,
	}
}

// BillingAPIController serves subscription, entitlement and credit reads.
type BillingAPIController struct {
	svc *billing.Service
}

// NewBillingAPIController creates the read API controller.
func NewBillingAPIController(svc *billing.Service) *BillingAPIController {
	return &BillingAPIController{svc: svc}
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func internalError(c *fiber.Ctx, op string, err error) error {
	log.Errorf("[Billing] %s failed: %v", op, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
}

// HandleGetByPolarID returns the subscription for a provider subscription id.
func (ac *BillingAPIController) HandleGetByPolarID(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	sub, err := ac.svc.GetByPolarID(ctx, c.Params("polarSubscriptionId"))
	if err != nil {
		return internalError(c, "get by polar id", err)
	}
	if sub == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
	}
	return c.JSON(toSubscriptionResponse(sub))
}

// HandleGetSubscriptionForUser returns the user's first subscription.
func (ac *BillingAPIController) HandleGetSubscriptionForUser(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	sub, err := ac.svc.GetSubscriptionForUser(ctx, c.Params("userId"))
	if err != nil {
		return internalError(c, "get subscription for user", err)
	}
	if sub == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
	}
	return c.JSON(toSubscriptionResponse(sub))
}

// HandleGetAllForUser lists every subscription row of the user.
func (ac *BillingAPIController) HandleGetAllForUser(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	subs, err := ac.svc.GetAllForUser(ctx, c.Params("userId"))
	if err != nil {
		return internalError(c, "get all for user", err)
	}
	out := make([]SubscriptionResponse, 0, len(subs))
	for i := range subs {
		out = append(out, toSubscriptionResponse(&subs[i]))
	}
	return c.JSON(fiber.Map{"subscriptions": out})
}

// HandleEntitlement reports whether the user has an active subscription.
func (ac *BillingAPIController) HandleEntitlement(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	userID := c.Params("userId")
	ok, err := ac.svc.HasEntitlement(ctx, userID)
	if err != nil {
		return internalError(c, "has entitlement", err)
	}
	return c.JSON(fiber.Map{"userId": userID, "entitled": ok})
}

// HandleCredits returns the user's credit balance.
func (ac *BillingAPIController) HandleCredits(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	userID := c.Params("userId")
	balance, err := ac.svc.GetCreditBalance(ctx, userID)
	if err != nil {
		return internalError(c, "get credit balance", err)
	}
	return c.JSON(fiber.Map{"userId": userID, "balance": balance})
}

// HandleLedger lists the user's newest ledger entries.
func (ac *BillingAPIController) HandleLedger(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	entries, err := ac.svc.ListLedger(ctx, c.Params("userId"), queryInt(c, "limit", 0))
	if err != nil {
		return internalError(c, "list ledger", err)
	}
	out := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryResponse{
			ID:             e.ID,
			SubscriptionID: e.SubscriptionID,
			Amount:         e.Amount,
			Type:           e.Type,
			Reason:         e.Reason,
			IdempotencyKey: e.IdempotencyKey,
			Meta:           e.Meta,
			CreatedAt:      e.CreatedAt.UnixMilli(),
		})
	}
	return c.JSON(fiber.Map{"entries": out})
}

type consumeRequest struct {
	Amount         int    `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

// HandleConsume debits credits for a metered call.
func (ac *BillingAPIController) HandleConsume(c *fiber.Ctx) error {
	var req consumeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	if key := strings.TrimSpace(c.Get("Idempotency-Key")); req.IdempotencyKey == "" && key != "" {
		req.IdempotencyKey = key
	}

	ctx, cancel := requestContext()
	defer cancel()

	res, err := ac.svc.ConsumeCredits(ctx, billing.ConsumeRequest{
		UserID:         c.Params("userId"),
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidInput) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
		}
		return internalError(c, "consume credits", err)
	}

	switch res.Error {
	case billing.ErrorSubscriptionNotFound:
		return c.Status(fiber.StatusNotFound).JSON(res)
	case billing.ErrorInsufficientCredits:
		return c.Status(fiber.StatusPaymentRequired).JSON(res)
	}
	return c.JSON(res)
}

type grantRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Amount         *int   `json:"amount"`
	Reason         string `json:"reason"`
	ForceGrant     bool   `json:"force_grant"`
}

// HandleAdminGrant credits a subscription by row id. Operators use it for
// goodwill credits and force grants.
func (ac *BillingAPIController) HandleAdminGrant(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_subscription_id"})
	}
	var req grantRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	ctx, cancel := requestContext()
	defer cancel()

	res, err := ac.svc.GrantCreditsIfNeeded(ctx, billing.GrantRequest{
		SubscriptionID: uint(id),
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		Reason:         req.Reason,
		ForceGrant:     req.ForceGrant,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidInput) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
		}
		return internalError(c, "grant credits", err)
	}
	if !res.OK {
		return c.Status(fiber.StatusNotFound).JSON(res)
	}
	return c.JSON(res)
}
