package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/billing"
)

// Steps in execution order.
const (
	StepResolveIdentity    = "resolve_identity"
	StepUpsertSubscription = "upsert_subscription"
	StepDecideGrant        = "decide_grant"
	StepGrant              = "grant"
	StepEmitCreditsGranted = "emit_credits_granted"
	StepEmitSynced         = "emit_synced"
	StepSleep              = "sleep_until_pre_expiry"
	StepCheckEntitlement   = "check_entitlement"
	StepEmitPreExpiry      = "emit_pre_expiry"
	StepDone               = "done"
)

// Run outcomes recorded on the run and the webhook inbox.
const (
	OutcomeSynced           = "synced"
	OutcomeGranted          = "granted"
	OutcomeNoGrant          = "no_grant"
	OutcomeNoProjection     = "no_projection"
	OutcomeNoSubscriptionID = "no_subscription_id"
	OutcomeNoIdentity       = "no_identity"
	OutcomeInvalidPayload   = "invalid_payload"
	OutcomeHalted           = "halted"
	OutcomeFailed           = "failed"
)

// runState is the checkpointed output of completed steps.
type runState struct {
	UserID              string               `json:"userId,omitempty"`
	PolarSubscriptionID string               `json:"polarSubscriptionId,omitempty"`
	SubscriptionID      uint                 `json:"subscriptionId,omitempty"`
	Status              string               `json:"status,omitempty"`
	CurrentPeriodEnd    *time.Time           `json:"currentPeriodEnd,omitempty"`
	GrantKey            string               `json:"grantKey,omitempty"`
	Grant               *billing.GrantResult `json:"grant,omitempty"`
	StillEntitled       bool                 `json:"stillEntitled,omitempty"`
}

type runContext struct {
	run   *models.BillingWorkflowRun
	state runState
	event billing.ReceivedEvent
}

type stepFunc func(ctx context.Context, rc *runContext) (string, error)

func newRunContext(run *models.BillingWorkflowRun) (*runContext, error) {
	rc := &runContext{run: run}
	if len(run.State) > 0 {
		if err := json.Unmarshal(run.State, &rc.state); err != nil {
			return nil, fmt.Errorf("run %s has corrupt state: %w", run.RunID, err)
		}
	}
	if len(run.Payload) > 0 {
		if err := json.Unmarshal(run.Payload, &rc.event); err != nil {
			return nil, fmt.Errorf("run %s has corrupt payload: %w", run.RunID, err)
		}
	}
	return rc, nil
}

func (rc *runContext) projections() (*billing.SubscriptionProjection, *billing.OrderProjection) {
	return billing.ProjectEvent(rc.event.Type, rc.event.Data)
}

func subscriptionLockKey(polarSubscriptionID string) string {
	return "billing:polar:" + polarSubscriptionID
}

func epochMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func (e *Engine) resolveIdentity(ctx context.Context, rc *runContext) (string, error) {
	sub, order := rc.projections()
	if sub == nil && order == nil {
		return "", fmt.Errorf("%w: event %s", billing.ErrNoProjection, rc.event.Type)
	}

	polarID := ""
	if sub != nil {
		polarID = sub.ID
	} else {
		polarID = order.SubscriptionID
	}
	if polarID == "" {
		return "", fmt.Errorf("%w: event %s", billing.ErrNoSubscriptionID, rc.event.Type)
	}

	userID, err := e.resolver.Resolve(ctx, sub, order)
	if err != nil {
		return "", err
	}
	rc.state.UserID = userID
	rc.state.PolarSubscriptionID = polarID
	return StepUpsertSubscription, nil
}

func (e *Engine) upsertSubscription(ctx context.Context, rc *runContext) (string, error) {
	release, err := e.locker.Acquire(ctx, subscriptionLockKey(rc.state.PolarSubscriptionID), lockTTL)
	if err != nil {
		return "", err
	}
	defer release()

	sub, _ := rc.projections()
	if sub != nil {
		id, err := e.svc.UpsertFromPolar(ctx, billing.UpsertInputFromProjection(rc.state.UserID, sub))
		if err != nil {
			return "", err
		}
		rc.state.SubscriptionID = id
		rc.state.Status = sub.Status
		rc.state.CurrentPeriodEnd = sub.CurrentPeriodEnd
		return StepDecideGrant, nil
	}

	// Order without an embedded subscription: work on the stored row.
	row, err := e.svc.GetByPolarID(ctx, rc.state.PolarSubscriptionID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", fmt.Errorf("%w: order references unknown subscription %s", billing.ErrNoProjection, rc.state.PolarSubscriptionID)
	}
	rc.state.SubscriptionID = row.ID
	rc.state.Status = row.Status
	rc.state.CurrentPeriodEnd = row.CurrentPeriodEnd
	return StepDecideGrant, nil
}

func (e *Engine) decideGrant(ctx context.Context, rc *runContext) (string, error) {
	_, order := rc.projections()
	shouldGrant := true
	if e.svc.Policy().GrantMode == billing.GrantModeLifecycle {
		shouldGrant = billing.IsCreatedEvent(rc.event.Type) || billing.IsRenewalEvent(rc.event.Type, order)
	}
	if !shouldGrant {
		rc.run.Outcome = OutcomeNoGrant
		log.Debugf("[Workflow] Run %s: %s does not grant under %s policy", rc.run.RunID, rc.event.Type, billing.GrantModeLifecycle)
		return StepEmitSynced, nil
	}
	rc.state.GrantKey = billing.GrantIdempotencyKey(rc.state.PolarSubscriptionID, rc.state.CurrentPeriodEnd, rc.run.EventID)
	return StepGrant, nil
}

func (e *Engine) grant(ctx context.Context, rc *runContext) (string, error) {
	release, err := e.locker.Acquire(ctx, subscriptionLockKey(rc.state.PolarSubscriptionID), lockTTL)
	if err != nil {
		return "", err
	}
	defer release()

	res, err := e.svc.GrantCreditsIfNeeded(ctx, billing.GrantRequest{
		SubscriptionID: rc.state.SubscriptionID,
		IdempotencyKey: rc.state.GrantKey,
	})
	if err != nil {
		return "", err
	}
	if res.Skipped && res.Reason == billing.ReasonDuplicateLedger {
		// The key embeds this run's event id, so an existing entry is this
		// run's grant whose checkpoint was lost.
		applied, err := e.svc.AppliedGrant(ctx, rc.state.GrantKey)
		if err != nil {
			return "", err
		}
		if applied != nil {
			log.Infof("[Workflow] Run %s: grant %s already applied, re-emitting", rc.run.RunID, rc.state.GrantKey)
			res = *applied
		}
	}
	rc.state.Grant = &res

	switch {
	case !res.OK:
		rc.run.Outcome = res.Error
		return StepEmitSynced, nil
	case res.Skipped:
		rc.run.Outcome = res.Reason
		return StepEmitSynced, nil
	}
	rc.run.Outcome = OutcomeGranted
	return StepEmitCreditsGranted, nil
}

func (e *Engine) emitCreditsGranted(ctx context.Context, rc *runContext) (string, error) {
	err := e.bus.Publish(ctx, billing.EventCreditsGranted, CreditsGranted{
		UserID:    rc.state.UserID,
		Amount:    rc.state.Grant.Granted,
		Balance:   rc.state.Grant.Balance,
		PeriodEnd: epochMillis(rc.state.CurrentPeriodEnd),
	})
	if err != nil {
		return "", err
	}
	return StepEmitSynced, nil
}

func (e *Engine) emitSynced(ctx context.Context, rc *runContext) (string, error) {
	err := e.bus.Publish(ctx, billing.EventSubscriptionSynced, SubscriptionSynced{
		UserID:              rc.state.UserID,
		PolarSubscriptionID: rc.state.PolarSubscriptionID,
		Status:              rc.state.Status,
		CurrentPeriodEnd:    epochMillis(rc.state.CurrentPeriodEnd),
	})
	if err != nil {
		return "", err
	}
	return StepSleep, nil
}

func (e *Engine) sleepUntilPreExpiry(ctx context.Context, rc *runContext) (string, error) {
	end := rc.state.CurrentPeriodEnd
	now := e.now()
	if end == nil || !end.After(now) {
		return StepDone, nil
	}
	wake := e.svc.Policy().WakeAt(now, *end).UTC()
	rc.run.WakeAt = &wake
	return StepCheckEntitlement, errSuspend
}

func (e *Engine) checkEntitlement(ctx context.Context, rc *runContext) (string, error) {
	ok, err := e.svc.HasEntitlement(ctx, rc.state.UserID)
	if err != nil {
		return "", err
	}
	rc.state.StillEntitled = ok
	if !ok {
		log.Infof("[Workflow] Run %s: user %s no longer entitled, skipping pre-expiry notice", rc.run.RunID, rc.state.UserID)
		return StepDone, nil
	}
	return StepEmitPreExpiry, nil
}

func (e *Engine) emitPreExpiry(ctx context.Context, rc *runContext) (string, error) {
	err := e.bus.Publish(ctx, billing.EventSubscriptionPreExpiry, PreExpiry{
		UserID:    rc.state.UserID,
		RunAt:     e.now().UnixMilli(),
		PeriodEnd: epochMillis(rc.state.CurrentPeriodEnd),
	})
	if err != nil {
		return "", err
	}
	return StepDone, nil
}
