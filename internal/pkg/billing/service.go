package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/metrics"
)

var validate = validator.New()

// Service owns subscription state, the credit ledger and entitlement reads.
type Service struct {
	repo   Repository
	policy Policy
	now    func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, policy Policy, opts ...Option) *Service {
	s := &Service{repo: repo, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle and the
// environment policy.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), PolicyFromEnv())
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Repository exposes the underlying store, e.g. for identity lookups.
func (s *Service) Repository() Repository {
	return s.repo
}

// UpsertFromPolar writes incoming subscription state and returns the id of
// the row it landed on. Credit balance and grant cursor are never taken
// from the input.
func (s *Service) UpsertFromPolar(ctx context.Context, in UpsertInput) (uint, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.PolarSubscriptionID = strings.TrimSpace(in.PolarSubscriptionID)
	if err := validate.Struct(in); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var id uint
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		byPolar, err := tx.FindSubscriptionByPolarID(ctx, in.PolarSubscriptionID)
		if err != nil {
			return err
		}
		byUser, err := tx.FindSubscriptionByUserID(ctx, in.UserID)
		if err != nil {
			return err
		}

		plan := ResolveUpsertTarget(byPolar, byUser, in, s.policy)
		if plan.Divergent {
			metrics.DivergenceTotal.Inc()
			log.Warnf("[Billing] Subscription divergence for polar=%s user=%s: byPolar=%s byUser=%s, writing %s",
				in.PolarSubscriptionID, in.UserID, rowRef(byPolar), rowRef(byUser), plan.Action)
		}

		if plan.Action == UpsertInsert {
			sub := &models.BillingSubscription{CreditsBalance: 0}
			applyUpsertInput(sub, in, plan)
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
			id = sub.ID
			log.Infof("[Billing] Created subscription %d for user %s (polar=%s)", sub.ID, in.UserID, in.PolarSubscriptionID)
			return nil
		}

		if err := tx.UpdateSubscriptionFields(ctx, plan.TargetID, upsertFields(in, plan)); err != nil {
			return err
		}
		id = plan.TargetID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func rowRef(sub *models.BillingSubscription) string {
	if sub == nil {
		return "none"
	}
	return fmt.Sprintf("%d(user=%s)", sub.ID, sub.UserID)
}

func applyUpsertInput(sub *models.BillingSubscription, in UpsertInput, plan UpsertPlan) {
	sub.UserID = in.UserID
	sub.PolarCustomerID = in.PolarCustomerID
	sub.PolarSubscriptionID = in.PolarSubscriptionID
	sub.ProductID = in.ProductID
	sub.PriceID = in.PriceID
	sub.PlanCode = in.PlanCode
	sub.Status = in.Status
	sub.CurrentPeriodEnd = in.CurrentPeriodEnd
	sub.TrialEndsAt = in.TrialEndsAt
	sub.CancelAt = in.CancelAt
	sub.CanceledAt = in.CanceledAt
	sub.Seat = in.Seat
	sub.Metadata = datatypes.JSONMap(in.Metadata)
	sub.CreditsGrantPerPeriod = plan.GrantPerPeriod
	sub.CreditsRollOverLimit = plan.RollOverLimit
}

// upsertFields mirrors the incoming projection onto an existing row. Absent
// optional fields are cleared.
func upsertFields(in UpsertInput, plan UpsertPlan) map[string]interface{} {
	return map[string]interface{}{
		"user_id":                  in.UserID,
		"polar_customer_id":        in.PolarCustomerID,
		"polar_subscription_id":    in.PolarSubscriptionID,
		"product_id":               in.ProductID,
		"price_id":                 in.PriceID,
		"plan_code":                in.PlanCode,
		"status":                   in.Status,
		"current_period_end":       in.CurrentPeriodEnd,
		"trial_ends_at":            in.TrialEndsAt,
		"cancel_at":                in.CancelAt,
		"canceled_at":              in.CanceledAt,
		"seat":                     in.Seat,
		"metadata":                 datatypes.JSONMap(in.Metadata),
		"credits_grant_per_period": plan.GrantPerPeriod,
		"credits_roll_over_limit":  plan.RollOverLimit,
	}
}

// GetByPolarID returns the first row with the provider subscription id, or nil.
func (s *Service) GetByPolarID(ctx context.Context, polarSubscriptionID string) (*models.BillingSubscription, error) {
	return s.repo.FindSubscriptionByPolarID(ctx, strings.TrimSpace(polarSubscriptionID))
}

// GetSubscriptionForUser returns the user's first row, or nil.
func (s *Service) GetSubscriptionForUser(ctx context.Context, userID string) (*models.BillingSubscription, error) {
	return s.repo.FindSubscriptionByUserID(ctx, strings.TrimSpace(userID))
}

// GetAllForUser returns every row owned by the user.
func (s *Service) GetAllForUser(ctx context.Context, userID string) ([]models.BillingSubscription, error) {
	return s.repo.ListSubscriptionsByUser(ctx, strings.TrimSpace(userID))
}

// HasEntitlement reports whether any of the user's rows is active with a
// period end that is unset or still ahead.
func (s *Service) HasEntitlement(ctx context.Context, userID string) (bool, error) {
	subs, err := s.repo.ListSubscriptionsByUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return false, err
	}
	now := s.now()
	for i := range subs {
		if subs[i].IsActiveAt(now) {
			return true, nil
		}
	}
	return false, nil
}

// GetCreditBalance returns the balance of the user's first entitled row, or
// the baseline allotment when there is none.
func (s *Service) GetCreditBalance(ctx context.Context, userID string) (int, error) {
	sub, err := s.repo.FindSubscriptionByUserAndStatus(ctx, strings.TrimSpace(userID), s.entitledStatusList(), false)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return s.policy.BaselineCredits, nil
	}
	return sub.CreditsBalance, nil
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
		Deliveries:      1,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed stores the outcome of the run that handled an event.
func (s *Service) MarkWebhookProcessed(ctx context.Context, providerEventID, outcome string, processingErr error) error {
	if strings.TrimSpace(providerEventID) == "" {
		return errors.New("provider_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, models.BillingProviderPolar, providerEventID, outcome, errMsg)
}

func (s *Service) entitledStatusList() []string {
	out := make([]string, 0, len(s.policy.EntitledStatuses))
	for status := range s.policy.EntitledStatuses {
		out = append(out, status)
	}
	sort.Strings(out)
	return out
}
