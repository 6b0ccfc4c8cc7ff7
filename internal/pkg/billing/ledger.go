package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/metrics"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 200
)

// errLedgerRace aborts a grant transaction whose ledger insert lost a race
// on the idempotency key.
var errLedgerRace = errors.New("ledger idempotency key already used")

// GrantCreditsIfNeeded credits a subscription at most once per idempotency
// key. The balance update and ledger insert share one transaction with the
// subscription row locked.
func (s *Service) GrantCreditsIfNeeded(ctx context.Context, req GrantRequest) (GrantResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || req.SubscriptionID == 0 {
		return GrantResult{}, fmt.Errorf("%w: subscription id and idempotency key are required", ErrInvalidInput)
	}

	var result GrantResult
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		dup, err := tx.FindLedgerEntryByKey(ctx, key)
		if err != nil {
			return err
		}
		if dup != nil {
			result = GrantResult{OK: true, Skipped: true, Reason: ReasonDuplicateLedger}
			return nil
		}

		sub, err := tx.FindSubscriptionByID(ctx, req.SubscriptionID, true)
		if err != nil {
			return err
		}
		if sub == nil {
			result = GrantResult{OK: false, Error: ErrorSubscriptionNotFound}
			return nil
		}

		if !req.ForceGrant {
			if sub.LastGrantCursor != nil && *sub.LastGrantCursor == key {
				result = GrantResult{OK: true, Skipped: true, Reason: ReasonCursorMatch, Balance: sub.CreditsBalance}
				return nil
			}
			if !s.policy.IsEntitledStatus(sub.Status) {
				result = GrantResult{OK: true, Skipped: true, Reason: ReasonNotEntitled, Balance: sub.CreditsBalance}
				return nil
			}
		}

		grant := sub.CreditsGrantPerPeriod
		switch {
		case req.ForceGrant:
			grant = s.policy.ForcedGrantAmount
		case req.Amount != nil:
			grant = *req.Amount
		}
		if grant <= 0 {
			result = GrantResult{OK: true, Skipped: true, Reason: ReasonZeroGrant, Balance: sub.CreditsBalance}
			return nil
		}

		prev := sub.CreditsBalance
		next := prev + grant
		if next > sub.CreditsRollOverLimit {
			next = sub.CreditsRollOverLimit
		}

		if err := tx.UpdateSubscriptionCredits(ctx, sub.ID, next, &key); err != nil {
			return err
		}

		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = ReasonPeriodicGrant
			if req.ForceGrant {
				reason = ReasonForceGrant
			}
		}
		entry := &models.CreditLedgerEntry{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Amount:         grant,
			Type:           models.LedgerTypeGrant,
			Reason:         reason,
			IdempotencyKey: key,
			Meta: datatypes.JSONMap{
				"forced": req.ForceGrant,
				"prev":   prev,
				"next":   next,
			},
		}
		if err := tx.CreateLedgerEntry(ctx, entry); err != nil {
			if isDuplicateKey(err) {
				return errLedgerRace
			}
			return err
		}

		result = GrantResult{OK: true, Granted: grant, Balance: next}
		return nil
	})
	if errors.Is(err, errLedgerRace) {
		result, err = GrantResult{OK: true, Skipped: true, Reason: ReasonDuplicateLedger}, nil
	}
	if err != nil {
		metrics.GrantsTotal.WithLabelValues("error").Inc()
		return GrantResult{}, err
	}

	switch {
	case !result.OK:
		metrics.GrantsTotal.WithLabelValues(result.Error).Inc()
	case result.Skipped:
		metrics.GrantsTotal.WithLabelValues(result.Reason).Inc()
	default:
		metrics.GrantsTotal.WithLabelValues("granted").Inc()
		metrics.CreditsGrantedTotal.Add(float64(result.Granted))
		log.Infof("[Billing] Granted %d credits to subscription %d (balance=%d, key=%s)", result.Granted, req.SubscriptionID, result.Balance, key)
	}
	return result, nil
}

// ConsumeCredits debits the user's entitled subscription at most once per
// idempotency key. The balance never goes negative.
func (s *Service) ConsumeCredits(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := validate.Struct(req); err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var result ConsumeResult
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.FindSubscriptionByUserAndStatus(ctx, req.UserID, s.entitledStatusList(), true)
		if err != nil {
			return err
		}

		dup, err := tx.FindLedgerEntryByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if dup != nil {
			result = ConsumeResult{OK: true, Skipped: true, Reason: ReasonDuplicateLedger}
			if sub != nil {
				result.Balance = sub.CreditsBalance
			}
			return nil
		}

		if sub == nil {
			result = ConsumeResult{OK: false, Error: ErrorSubscriptionNotFound}
			return nil
		}
		if sub.CreditsBalance < req.Amount {
			result = ConsumeResult{OK: false, Error: ErrorInsufficientCredits, Balance: sub.CreditsBalance}
			return nil
		}

		prev := sub.CreditsBalance
		next := prev - req.Amount
		if err := tx.UpdateSubscriptionCredits(ctx, sub.ID, next, nil); err != nil {
			return err
		}

		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = ReasonUsage
		}
		entry := &models.CreditLedgerEntry{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Amount:         -req.Amount,
			Type:           models.LedgerTypeConsume,
			Reason:         reason,
			IdempotencyKey: req.IdempotencyKey,
			Meta:           datatypes.JSONMap{"prev": prev, "next": next},
		}
		if err := tx.CreateLedgerEntry(ctx, entry); err != nil {
			if isDuplicateKey(err) {
				return errLedgerRace
			}
			return err
		}
		result = ConsumeResult{OK: true, Balance: next}
		return nil
	})
	if errors.Is(err, errLedgerRace) {
		return ConsumeResult{OK: true, Skipped: true, Reason: ReasonDuplicateLedger}, nil
	}
	if err != nil {
		return ConsumeResult{}, err
	}
	if result.OK && !result.Skipped {
		metrics.CreditsConsumedTotal.Add(float64(req.Amount))
	}
	return result, nil
}

// AppliedGrant rebuilds the result of a grant that was already committed
// under key. It returns nil when no grant entry exists for the key.
func (s *Service) AppliedGrant(ctx context.Context, key string) (*GrantResult, error) {
	entry, err := s.repo.FindLedgerEntryByKey(ctx, strings.TrimSpace(key))
	if err != nil || entry == nil || entry.Type != models.LedgerTypeGrant {
		return nil, err
	}
	balance, _ := metaInt(entry.Meta, "next")
	return &GrantResult{OK: true, Granted: entry.Amount, Balance: balance}, nil
}

// metaInt reads a numeric ledger meta value. Values read back from the
// database decode as json.Number.
func metaInt(meta datatypes.JSONMap, key string) (int, bool) {
	switch v := meta[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// ListLedger returns the user's most recent ledger entries, newest first.
func (s *Service) ListLedger(ctx context.Context, userID string, limit int) ([]models.CreditLedgerEntry, error) {
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	if limit > maxLedgerLimit {
		limit = maxLedgerLimit
	}
	return s.repo.ListLedgerByUser(ctx, strings.TrimSpace(userID), limit)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
