package controllers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/billing"
	"github.com/ManuelReschke/Vision/internal/pkg/env"
	"github.com/ManuelReschke/Vision/internal/pkg/eventbus"
	"github.com/ManuelReschke/Vision/internal/pkg/metrics"
)

// BillingController receives provider webhooks and hands them to the event bus.
type BillingController struct {
	svc *billing.Service
	bus eventbus.Publisher
	now func() time.Time
}

// NewBillingController creates the webhook controller.
func NewBillingController(svc *billing.Service, bus eventbus.Publisher) *BillingController {
	return &BillingController{svc: svc, bus: bus, now: time.Now}
}

// HandlePolarWebhook verifies a Polar delivery and publishes it exactly once
// as billing.webhook.received. Processing happens asynchronously.
func (bc *BillingController) HandlePolarWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	secret := env.GetEnv("POLAR_WEBHOOK_SECRET", "")
	if strings.TrimSpace(secret) == "" {
		log.Error("[Billing] POLAR_WEBHOOK_SECRET is not configured")
		return bc.reject(c, fiber.StatusInternalServerError, "misconfigured")
	}

	headers := billing.WebhookHeaders{
		ID:        c.Get(billing.HeaderWebhookID),
		Timestamp: c.Get(billing.HeaderWebhookTimestamp),
		Signature: c.Get(billing.HeaderWebhookSignature),
	}
	if err := billing.VerifyWebhookSignature(rawBody, headers, secret, bc.now()); err != nil {
		if errors.Is(err, billing.ErrMisconfigured) {
			return bc.reject(c, fiber.StatusInternalServerError, "misconfigured")
		}
		log.Warnf("[Billing] Rejected webhook %q: %v", headers.ID, err)
		return bc.reject(c, fiber.StatusForbidden, "invalid_signature")
	}

	envelope, err := billing.DecodeWebhookEnvelope(rawBody)
	if err != nil {
		log.Warnf("[Billing] Unsupported webhook %q: %v", headers.ID, err)
		return bc.reject(c, fiber.StatusBadRequest, "unsupported_event")
	}

	eventID := firstNonEmpty(envelope.ID, strings.TrimSpace(headers.ID))
	if eventID == "" {
		eventID = fmt.Sprintf("ts:%d", bc.now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, _, err := bc.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderPolar,
		ProviderEventID: eventID,
		EventType:       envelope.Type,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		log.Warnf("[Billing] Failed to record webhook %s: %v", eventID, err)
	} else if !created {
		log.Infof("[Billing] Redelivery of webhook %s (%s)", eventID, envelope.Type)
	}

	err = bc.bus.Publish(ctx, billing.EventWebhookReceived, billing.WebhookReceived{
		ID:   eventID,
		Data: billing.ReceivedEvent{Type: envelope.Type, Data: envelope.Data},
	})
	if err != nil {
		log.Errorf("[Billing] Failed to publish webhook %s: %v", eventID, err)
		return bc.reject(c, fiber.StatusInternalServerError, "publish_failed")
	}

	metrics.WebhooksTotal.WithLabelValues("ok").Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func (bc *BillingController) reject(c *fiber.Ctx, status int, code string) error {
	metrics.WebhooksTotal.WithLabelValues(code).Inc()
	return c.Status(status).JSON(fiber.Map{"error": code})
}
