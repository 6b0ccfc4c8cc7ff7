package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/billing"
	"github.com/ManuelReschke/Vision/internal/pkg/cache"
	"github.com/ManuelReschke/Vision/internal/pkg/eventbus"
	"github.com/ManuelReschke/Vision/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Vision/internal/pkg/testutil"
)

var start = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine *Engine
	svc    *billing.Service
	db     *gorm.DB
	queue  *jobqueue.Queue
	redis  *redis.Client
	events *eventbus.Recorder
	clock  *testClock
}

func newTestEnv(t *testing.T, policy billing.Policy) *testEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	_, client := testutil.NewTestRedis(t)
	clock := &testClock{now: start}

	svc := billing.NewService(billing.NewRepository(db), policy, billing.WithClock(clock.Now))
	queue := jobqueue.NewQueue(client, 1)
	events := eventbus.NewRecorder()
	engine := New(db, svc, events, queue, cache.NewInMemoryLocker(), WithClock(clock.Now))

	queue.Register(jobqueue.JobTypeBillingWebhook, engine.HandleWebhookJob)
	queue.Register(jobqueue.JobTypeWorkflowResume, engine.HandleResumeJob)

	return &testEnv{engine: engine, svc: svc, db: db, queue: queue, redis: client, events: events, clock: clock}
}

func subscriptionEvent(eventID, eventType, status string, periodEnd *time.Time, meta map[string]interface{}) billing.WebhookReceived {
	data := map[string]interface{}{
		"id":          "sub_1",
		"status":      status,
		"customer_id": "cus_1",
		"customer":    map[string]interface{}{"id": "cus_1", "email": "jane@example.com"},
		"product":     map[string]interface{}{"id": "prod_1", "name": "Pro"},
		"prices":      []interface{}{map[string]interface{}{"id": "price_1", "recurring_interval": "month"}},
	}
	if periodEnd != nil {
		data["current_period_end"] = periodEnd.Format(time.RFC3339)
	}
	if meta != nil {
		data["metadata"] = meta
	}
	return billing.WebhookReceived{ID: eventID, Data: billing.ReceivedEvent{Type: eventType, Data: data}}
}

func (env *testEnv) run(t *testing.T, runID string) *models.BillingWorkflowRun {
	t.Helper()
	run, err := env.engine.Store().Load(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func (env *testEnv) ledgerCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.db.Model(&models.CreditLedgerEntry{}).Count(&n).Error)
	return n
}

func TestEndToEnd_SubscriptionCreatedThroughDurableBus(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()

	bus := eventbus.New(env.redis)
	bus.RouteDurable(billing.EventWebhookReceived, env.queue, jobqueue.JobTypeBillingWebhook)

	end := start.Add(30 * 24 * time.Hour)
	received := subscriptionEvent("evt_1", "subscription.created", "active", &end, map[string]interface{}{"userId": "user_1"})

	_, _, err := env.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderPolar,
		ProviderEventID: "evt_1",
		EventType:       "subscription.created",
		PayloadJSON:     `{}`,
		SignatureValid:  true,
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, billing.EventWebhookReceived, received))
	ran, err := env.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	balance, err := env.svc.GetCreditBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)

	granted := env.events.Events(billing.EventCreditsGranted)
	require.Len(t, granted, 1)
	var g CreditsGranted
	require.NoError(t, granted[0].Decode(&g))
	assert.Equal(t, "user_1", g.UserID)
	assert.Equal(t, 10, g.Amount)
	assert.Equal(t, 10, g.Balance)
	require.NotNil(t, g.PeriodEnd)
	assert.Equal(t, end.UnixMilli(), *g.PeriodEnd)

	synced := env.events.Events(billing.EventSubscriptionSynced)
	require.Len(t, synced, 1)
	var s SubscriptionSynced
	require.NoError(t, synced[0].Decode(&s))
	assert.Equal(t, "active", s.Status)
	assert.Equal(t, "sub_1", s.PolarSubscriptionID)

	run := env.run(t, "polar:evt_1")
	assert.Equal(t, models.WorkflowStatusSleeping, run.Status)
	assert.Equal(t, StepCheckEntitlement, run.Step)
	require.NotNil(t, run.WakeAt)
	assert.True(t, run.WakeAt.Equal(end.Add(-72*time.Hour)), "wake at %s", run.WakeAt)

	var inbox models.BillingWebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_1").First(&inbox).Error)
	assert.Equal(t, OutcomeGranted, inbox.Outcome)
	assert.NotNil(t, inbox.ProcessedAt)

	// Not due yet.
	require.NoError(t, env.engine.PollDue(ctx))
	size, _ := env.queue.GetQueueSize(ctx)
	assert.Equal(t, int64(0), size)

	env.clock.Advance(28 * 24 * time.Hour)
	require.NoError(t, env.engine.PollDue(ctx))
	size, _ = env.queue.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)

	ran, err = env.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	pre := env.events.Events(billing.EventSubscriptionPreExpiry)
	require.Len(t, pre, 1)
	var p PreExpiry
	require.NoError(t, pre[0].Decode(&p))
	assert.Equal(t, "user_1", p.UserID)
	assert.Equal(t, env.clock.Now().UnixMilli(), p.RunAt)

	run = env.run(t, "polar:evt_1")
	assert.Equal(t, models.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, StepDone, run.Step)
}

func TestProcessWebhook_RedeliveryIsNoOp(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	received := subscriptionEvent("evt_2", "subscription.created", "active", nil, map[string]interface{}{"userId": "user_1"})

	require.NoError(t, env.engine.ProcessWebhook(ctx, received))
	require.NoError(t, env.engine.ProcessWebhook(ctx, received))

	assert.Equal(t, int64(1), env.ledgerCount(t))
	assert.Len(t, env.events.Events(billing.EventCreditsGranted), 1)
	assert.Len(t, env.events.Events(billing.EventSubscriptionSynced), 1)
	assert.Equal(t, models.WorkflowStatusCompleted, env.run(t, "polar:evt_2").Status)
}

func TestProcessWebhook_EachEventGrantsUnderDefaultPolicy(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_a", "subscription.created", "active", nil, map[string]interface{}{"userId": "user_1"})))
	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_b", "subscription.updated", "active", nil, map[string]interface{}{"userId": "user_1"})))

	balance, err := env.svc.GetCreditBalance(ctx, "user_1")
	require.NoError(t, err)
	// The permissive default grants on every entitled event.
	assert.Equal(t, 20, balance)
	assert.Len(t, env.events.Events(billing.EventSubscriptionSynced), 2)
}

func TestProcessWebhook_HaltsWithoutIdentity(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_3", "subscription.created", "active", nil, nil)))

	run := env.run(t, "polar:evt_3")
	assert.Equal(t, models.WorkflowStatusHalted, run.Status)
	assert.Equal(t, OutcomeNoIdentity, run.Outcome)
	assert.Empty(t, env.events.Events())
	assert.Equal(t, int64(0), env.ledgerCount(t))
}

func TestProcessWebhook_ResolvesIdentityByEmail(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	require.NoError(t, env.db.Create(&models.User{ID: "user_mail", Name: "Jane", Email: "jane@example.com"}).Error)

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_4", "subscription.created", "trialing", nil, nil)))

	sub, err := env.svc.GetSubscriptionForUser(ctx, "user_mail")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub_1", sub.PolarSubscriptionID)
	assert.Equal(t, 10, sub.CreditsBalance)
}

func TestProcessWebhook_HaltsWithoutProjection(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()

	received := billing.WebhookReceived{ID: "evt_5", Data: billing.ReceivedEvent{Type: "checkout.created", Data: map[string]interface{}{"foo": "bar"}}}
	require.NoError(t, env.engine.ProcessWebhook(ctx, received))
	assert.Equal(t, OutcomeNoProjection, env.run(t, "polar:evt_5").Outcome)

	received = billing.WebhookReceived{ID: "evt_6", Data: billing.ReceivedEvent{Type: "order.paid", Data: map[string]interface{}{"id": "ord_1"}}}
	require.NoError(t, env.engine.ProcessWebhook(ctx, received))
	run := env.run(t, "polar:evt_6")
	assert.Equal(t, models.WorkflowStatusHalted, run.Status)
	assert.Equal(t, OutcomeNoSubscriptionID, run.Outcome)
}

func TestProcessWebhook_OrderRenewalGrantsOnStoredSubscription(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_7", "subscription.created", "active", nil, map[string]interface{}{"userId": "user_1"})))

	order := billing.WebhookReceived{ID: "evt_8", Data: billing.ReceivedEvent{Type: "order.paid", Data: map[string]interface{}{
		"id":             "ord_1",
		"billing_reason": "subscription_cycle",
		"subsription_id": "sub_1",
		"metadata":       map[string]interface{}{"userId": "user_1"},
	}}}
	require.NoError(t, env.engine.ProcessWebhook(ctx, order))

	balance, err := env.svc.GetCreditBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 20, balance)
	assert.Equal(t, int64(2), env.ledgerCount(t))
}

func TestProcessWebhook_LifecyclePolicySkipsOtherEvents(t *testing.T) {
	policy := billing.DefaultPolicy()
	policy.GrantMode = billing.GrantModeLifecycle
	env := newTestEnv(t, policy)
	ctx := context.Background()

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_9", "subscription.updated", "active", nil, map[string]interface{}{"userId": "user_1"})))

	run := env.run(t, "polar:evt_9")
	assert.Equal(t, OutcomeNoGrant, run.Outcome)
	assert.Equal(t, int64(0), env.ledgerCount(t))
	assert.Len(t, env.events.Events(billing.EventSubscriptionSynced), 1)
}

func TestProcessWebhook_NotEntitledStatusSkipsGrant(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_10", "subscription.updated", "past_due", nil, map[string]interface{}{"userId": "user_1"})))

	run := env.run(t, "polar:evt_10")
	assert.Equal(t, billing.ReasonNotEntitled, run.Outcome)
	assert.Empty(t, env.events.Events(billing.EventCreditsGranted))
	assert.Len(t, env.events.Events(billing.EventSubscriptionSynced), 1)
}

func TestProcessWebhook_ResumesFromFailedStep(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	received := subscriptionEvent("evt_11", "subscription.created", "active", nil, map[string]interface{}{"userId": "user_1"})

	env.events.Err = errors.New("bus down")
	err := env.engine.ProcessWebhook(ctx, received)
	require.Error(t, err)

	run := env.run(t, "polar:evt_11")
	assert.Equal(t, models.WorkflowStatusRunning, run.Status)
	assert.Equal(t, StepEmitCreditsGranted, run.Step)
	assert.Contains(t, run.LastError, "bus down")
	assert.Equal(t, int64(1), env.ledgerCount(t))

	env.events.Err = nil
	require.NoError(t, env.engine.ProcessWebhook(ctx, received))

	assert.Equal(t, int64(1), env.ledgerCount(t))
	assert.Len(t, env.events.Events(billing.EventCreditsGranted), 1)
	balance, _ := env.svc.GetCreditBalance(ctx, "user_1")
	assert.Equal(t, 10, balance)
	assert.Equal(t, models.WorkflowStatusCompleted, env.run(t, "polar:evt_11").Status)
}

func TestProcessWebhook_RestartsFailedRun(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	received := subscriptionEvent("evt_12", "subscription.created", "active", nil, map[string]interface{}{"userId": "user_1"})

	env.events.Err = errors.New("bus down")
	require.Error(t, env.engine.ProcessWebhook(ctx, received))
	require.NoError(t, env.engine.Store().MarkFailed(ctx, "polar:evt_12", "retries exhausted"))
	assert.Equal(t, models.WorkflowStatusFailed, env.run(t, "polar:evt_12").Status)

	env.events.Err = nil
	require.NoError(t, env.engine.ProcessWebhook(ctx, received))
	assert.Equal(t, models.WorkflowStatusCompleted, env.run(t, "polar:evt_12").Status)
	assert.Equal(t, int64(1), env.ledgerCount(t))
}

func TestResume_CanceledDuringSleepSkipsPreExpiry(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	end := start.Add(10 * 24 * time.Hour)

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_13", "subscription.created", "active", &end, map[string]interface{}{"userId": "user_1"})))
	require.Equal(t, models.WorkflowStatusSleeping, env.run(t, "polar:evt_13").Status)

	require.NoError(t, env.db.Model(&models.BillingSubscription{}).Where("user_id = ?", "user_1").Update("status", "canceled").Error)

	env.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, env.engine.PollDue(ctx))
	ran, err := env.queue.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	assert.Empty(t, env.events.Events(billing.EventSubscriptionPreExpiry))
	run := env.run(t, "polar:evt_13")
	assert.Equal(t, models.WorkflowStatusCompleted, run.Status)
}

func TestSleep_ShortPeriodWakesAfterMinimumDelay(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	end := start.Add(time.Hour)

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_14", "subscription.created", "active", &end, map[string]interface{}{"userId": "user_1"})))

	run := env.run(t, "polar:evt_14")
	require.NotNil(t, run.WakeAt)
	assert.True(t, run.WakeAt.Equal(start.Add(5*time.Second)), "wake at %s", run.WakeAt)
}

func TestPollDue_ReclaimsStaleClaims(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	end := start.Add(10 * 24 * time.Hour)

	require.NoError(t, env.engine.ProcessWebhook(ctx, subscriptionEvent("evt_15", "subscription.created", "active", &end, map[string]interface{}{"userId": "user_1"})))
	env.clock.Advance(8 * 24 * time.Hour)

	claims, err := env.engine.Store().ClaimDue(ctx, env.clock.Now(), claimStaleAfter, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, models.WorkflowStatusQueued, env.run(t, "polar:evt_15").Status)

	// A fresh claim is not handed out twice.
	again, err := env.engine.Store().ClaimDue(ctx, env.clock.Now(), claimStaleAfter, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	env.clock.Advance(claimStaleAfter + time.Minute)
	reclaimed, err := env.engine.Store().ClaimDue(ctx, env.clock.Now(), claimStaleAfter, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.NotEqual(t, claims[0].Token, reclaimed[0].Token)

	// The superseded token no longer resumes the run.
	require.NoError(t, env.engine.ResumeRun(ctx, claims[0].RunID, claims[0].Token))
	assert.Empty(t, env.events.Events(billing.EventSubscriptionPreExpiry))

	require.NoError(t, env.engine.ResumeRun(ctx, reclaimed[0].RunID, reclaimed[0].Token))
	assert.Len(t, env.events.Events(billing.EventSubscriptionPreExpiry), 1)
	assert.Equal(t, models.WorkflowStatusCompleted, env.run(t, "polar:evt_15").Status)
}

func TestFailureHandler_MarksRunFailed(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	received := subscriptionEvent("evt_16", "subscription.created", "active", nil, map[string]interface{}{"userId": "user_1"})

	env.events.Err = errors.New("bus down")
	require.Error(t, env.engine.ProcessWebhook(ctx, received))

	event, err := eventbus.NewEvent(billing.EventWebhookReceived, "bus_1", received, start)
	require.NoError(t, err)
	payload, err := jobqueue.PayloadToMap(event)
	require.NoError(t, err)

	env.engine.onWebhookJobFailed(ctx, &jobqueue.Job{ID: "job_1", Payload: payload}, errors.New("bus down"))
	run := env.run(t, "polar:evt_16")
	assert.Equal(t, models.WorkflowStatusFailed, run.Status)
	assert.Equal(t, "bus down", run.LastError)
}

func TestProcessWebhook_ReEmitsGrantCommittedBeforeCheckpoint(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	received := subscriptionEvent("evt_30", "subscription.created", "active", nil, map[string]interface{}{"userId": "user_1"})

	failed := false
	require.NoError(t, env.db.Callback().Update().Before("gorm:update").Register("test:fail_grant_checkpoint", func(tx *gorm.DB) {
		run, ok := tx.Statement.Dest.(*models.BillingWorkflowRun)
		if ok && run.Step == StepEmitCreditsGranted && !failed {
			failed = true
			_ = tx.AddError(errors.New("store unavailable"))
		}
	}))

	require.Error(t, env.engine.ProcessWebhook(ctx, received))
	require.True(t, failed)
	assert.Equal(t, StepGrant, env.run(t, "polar:evt_30").Step)
	assert.Equal(t, int64(1), env.ledgerCount(t))
	assert.Empty(t, env.events.Events(billing.EventCreditsGranted))

	require.NoError(t, env.engine.ProcessWebhook(ctx, received))

	assert.Equal(t, int64(1), env.ledgerCount(t))
	granted := env.events.Events(billing.EventCreditsGranted)
	require.Len(t, granted, 1)
	var g CreditsGranted
	require.NoError(t, granted[0].Decode(&g))
	assert.Equal(t, 10, g.Amount)
	assert.Equal(t, 10, g.Balance)

	run := env.run(t, "polar:evt_30")
	assert.Equal(t, models.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, OutcomeGranted, run.Outcome)
	balance, err := env.svc.GetCreditBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestProcessWebhook_HaltsOnInvalidSubscriptionInput(t *testing.T) {
	env := newTestEnv(t, billing.DefaultPolicy())
	ctx := context.Background()
	received := subscriptionEvent("evt_31", "subscription.created", "active", nil, map[string]interface{}{"userId": strings.Repeat("u", 200)})

	require.NoError(t, env.engine.ProcessWebhook(ctx, received))

	run := env.run(t, "polar:evt_31")
	assert.Equal(t, models.WorkflowStatusHalted, run.Status)
	assert.Equal(t, OutcomeInvalidPayload, run.Outcome)
	assert.Equal(t, StepUpsertSubscription, run.Step)
	assert.Equal(t, int64(0), env.ledgerCount(t))
	assert.Empty(t, env.events.Events(billing.EventSubscriptionSynced))
}
