// Package workflow runs the durable billing process for each accepted
// webhook: identity resolution, subscription upsert, credit grant, outbound
// events and a persisted sleep until the pre-expiry entitlement check.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Vision/app/models"
	"github.com/ManuelReschke/Vision/internal/pkg/billing"
	"github.com/ManuelReschke/Vision/internal/pkg/cache"
	"github.com/ManuelReschke/Vision/internal/pkg/eventbus"
	"github.com/ManuelReschke/Vision/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Vision/internal/pkg/metrics"
)

const (
	// DefaultWakeSchedule is how often sleeping runs are checked for due wake times.
	DefaultWakeSchedule = "@every 30s"

	claimStaleAfter = 10 * time.Minute
	wakeBatchSize   = 100
	lockTTL         = 30 * time.Second
)

// errSuspend is returned by a step that put the run to sleep.
var errSuspend = errors.New("workflow suspended")

// JobEnqueuer schedules resume jobs.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Engine executes billing runs.
type Engine struct {
	store    *Store
	svc      *billing.Service
	resolver *billing.IdentityResolver
	bus      eventbus.Publisher
	queue    JobEnqueuer
	locker   cache.Locker
	now      func() time.Time
	steps    map[string]stepFunc
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Runs are stored in db, outbound events go to bus and
// resume jobs to queue.
func New(db *gorm.DB, svc *billing.Service, bus eventbus.Publisher, queue JobEnqueuer, locker cache.Locker, opts ...Option) *Engine {
	e := &Engine{
		store:    NewStore(db),
		svc:      svc,
		resolver: billing.NewIdentityResolver(svc.Repository()),
		bus:      bus,
		queue:    queue,
		locker:   locker,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.steps = map[string]stepFunc{
		StepResolveIdentity:    e.resolveIdentity,
		StepUpsertSubscription: e.upsertSubscription,
		StepDecideGrant:        e.decideGrant,
		StepGrant:              e.grant,
		StepEmitCreditsGranted: e.emitCreditsGranted,
		StepEmitSynced:         e.emitSynced,
		StepSleep:              e.sleepUntilPreExpiry,
		StepCheckEntitlement:   e.checkEntitlement,
		StepEmitPreExpiry:      e.emitPreExpiry,
	}
	return e
}

// Store returns the run store.
func (e *Engine) Store() *Store {
	return e.store
}

// Register wires the engine's job handlers into the manager's queue and
// schedules the wake poller.
func (e *Engine) Register(m *jobqueue.Manager, wakeSchedule string) error {
	if wakeSchedule == "" {
		wakeSchedule = DefaultWakeSchedule
	}
	q := m.GetQueue()
	q.Register(jobqueue.JobTypeBillingWebhook, e.HandleWebhookJob)
	q.Register(jobqueue.JobTypeWorkflowResume, e.HandleResumeJob)
	q.RegisterFailureHandler(jobqueue.JobTypeBillingWebhook, e.onWebhookJobFailed)
	q.RegisterFailureHandler(jobqueue.JobTypeWorkflowResume, e.onResumeJobFailed)
	return m.Schedule(wakeSchedule, "workflow-wake", e.PollDue)
}

// RunID is the durable run identifier for a provider event.
func RunID(eventID string) string {
	return "polar:" + eventID
}

// HandleWebhookJob processes a billing.webhook.received event delivered
// through the job queue.
func (e *Engine) HandleWebhookJob(ctx context.Context, job *jobqueue.Job) error {
	event, err := eventbus.EventFromJob(job)
	if err != nil {
		log.Errorf("[Workflow] Dropping job %s: %v", job.ID, err)
		return nil
	}
	var received billing.WebhookReceived
	if err := event.Decode(&received); err != nil {
		log.Errorf("[Workflow] Dropping event %s: invalid payload: %v", event.ID, err)
		return nil
	}
	return e.ProcessWebhook(ctx, received)
}

// HandleResumeJob wakes a claimed sleeping run.
func (e *Engine) HandleResumeJob(ctx context.Context, job *jobqueue.Job) error {
	var p jobqueue.ResumeJobPayload
	if err := job.DecodePayload(&p); err != nil || p.RunID == "" {
		log.Errorf("[Workflow] Dropping resume job %s: invalid payload", job.ID)
		return nil
	}
	return e.ResumeRun(ctx, p.RunID, p.ClaimToken)
}

// ProcessWebhook starts the run for an event, or continues it when the event
// is redelivered. Finished and sleeping runs are left untouched. Only
// transient failures are returned; terminal outcomes halt the run.
func (e *Engine) ProcessWebhook(ctx context.Context, received billing.WebhookReceived) error {
	eventID := strings.TrimSpace(received.ID)
	if eventID == "" {
		log.Warn("[Workflow] Ignoring webhook event without id")
		return nil
	}
	runID := RunID(eventID)

	release, err := e.locker.Acquire(ctx, "run:"+runID, lockTTL)
	if err != nil {
		return err
	}
	defer release()

	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		payload, err := json.Marshal(received.Data)
		if err != nil {
			return err
		}
		run, err = e.store.Create(ctx, &models.BillingWorkflowRun{
			RunID:     runID,
			EventID:   eventID,
			EventType: received.Data.Type,
			Step:      StepResolveIdentity,
			Status:    models.WorkflowStatusRunning,
			Payload:   datatypes.JSON(payload),
			State:     datatypes.JSON(`{}`),
		})
		if err != nil {
			return err
		}
		log.Infof("[Workflow] Started run %s (%s)", runID, received.Data.Type)
	}

	switch run.Status {
	case models.WorkflowStatusCompleted, models.WorkflowStatusHalted:
		log.Debugf("[Workflow] Run %s already %s, ignoring redelivery", runID, run.Status)
		return nil
	case models.WorkflowStatusSleeping, models.WorkflowStatusQueued:
		log.Debugf("[Workflow] Run %s is %s, ignoring redelivery", runID, run.Status)
		return nil
	case models.WorkflowStatusFailed:
		log.Infof("[Workflow] Restarting failed run %s at step %s", runID, run.Step)
		run.Status = models.WorkflowStatusRunning
	}

	run.Attempts++
	rc, err := newRunContext(run)
	if err != nil {
		return err
	}
	return e.execute(ctx, rc)
}

// ResumeRun continues a run claimed by the wake poller.
func (e *Engine) ResumeRun(ctx context.Context, runID, token string) error {
	release, err := e.locker.Acquire(ctx, "run:"+runID, lockTTL)
	if err != nil {
		return err
	}
	defer release()

	run, err := e.store.BeginResume(ctx, runID, token)
	if err != nil {
		return err
	}
	if run == nil {
		log.Debugf("[Workflow] Resume of %s skipped: claim no longer valid", runID)
		return nil
	}
	log.Infof("[Workflow] Resuming run %s at step %s", runID, run.Step)
	rc, err := newRunContext(run)
	if err != nil {
		return err
	}
	return e.execute(ctx, rc)
}

// PollDue claims sleeping runs whose wake time has passed and enqueues a
// resume job for each. Runs whose job was never picked up are re-claimed
// after a timeout.
func (e *Engine) PollDue(ctx context.Context) error {
	claims, err := e.store.ClaimDue(ctx, e.now(), claimStaleAfter, wakeBatchSize)
	if err != nil {
		return err
	}
	for _, c := range claims {
		payload := jobqueue.ResumeJobPayload{RunID: c.RunID, ClaimToken: c.Token}.ToMap()
		if _, err := e.queue.EnqueueJob(ctx, jobqueue.JobTypeWorkflowResume, payload); err != nil {
			log.Errorf("[Workflow] Failed to enqueue resume for %s: %v", c.RunID, err)
			continue
		}
		log.Debugf("[Workflow] Enqueued resume for %s", c.RunID)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, rc *runContext) error {
	for {
		step := rc.run.Step
		if step == StepDone {
			return e.complete(ctx, rc)
		}
		fn, ok := e.steps[step]
		if !ok {
			return e.halt(ctx, rc, fmt.Errorf("unknown step %q", step))
		}

		start := time.Now()
		next, err := fn(ctx, rc)
		metrics.WorkflowStepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())

		switch {
		case errors.Is(err, errSuspend):
			rc.run.Step = next
			return e.suspend(ctx, rc)
		case err != nil && billing.IsTerminal(err):
			return e.halt(ctx, rc, err)
		case err != nil:
			rc.run.LastError = err.Error()
			if saveErr := e.store.Save(ctx, rc.run); saveErr != nil {
				log.Errorf("[Workflow] Failed to record error for %s: %v", rc.run.RunID, saveErr)
			}
			log.Warnf("[Workflow] Run %s failed at step %s: %v", rc.run.RunID, step, err)
			return fmt.Errorf("run %s step %s: %w", rc.run.RunID, step, err)
		}

		rc.run.Step = next
		if err := e.checkpoint(ctx, rc); err != nil {
			return err
		}
	}
}

func (e *Engine) checkpoint(ctx context.Context, rc *runContext) error {
	state, err := json.Marshal(rc.state)
	if err != nil {
		return err
	}
	rc.run.State = datatypes.JSON(state)
	return e.store.Save(ctx, rc.run)
}

func (e *Engine) suspend(ctx context.Context, rc *runContext) error {
	rc.run.Status = models.WorkflowStatusSleeping
	rc.run.ClaimToken = ""
	rc.run.ClaimedAt = nil
	rc.run.LastError = ""
	if err := e.checkpoint(ctx, rc); err != nil {
		return err
	}
	metrics.WorkflowRunsTotal.WithLabelValues(models.WorkflowStatusSleeping).Inc()
	log.Infof("[Workflow] Run %s sleeping until %s", rc.run.RunID, rc.run.WakeAt.Format(time.RFC3339))
	e.markProcessed(ctx, rc, nil)
	return nil
}

func (e *Engine) complete(ctx context.Context, rc *runContext) error {
	rc.run.Status = models.WorkflowStatusCompleted
	rc.run.LastError = ""
	if rc.run.Outcome == "" {
		rc.run.Outcome = OutcomeSynced
	}
	if err := e.checkpoint(ctx, rc); err != nil {
		return err
	}
	metrics.WorkflowRunsTotal.WithLabelValues(models.WorkflowStatusCompleted).Inc()
	log.Infof("[Workflow] Run %s completed (%s)", rc.run.RunID, rc.run.Outcome)
	e.markProcessed(ctx, rc, nil)
	return nil
}

func (e *Engine) halt(ctx context.Context, rc *runContext, cause error) error {
	rc.run.Status = models.WorkflowStatusHalted
	rc.run.Outcome = haltOutcome(cause)
	rc.run.LastError = cause.Error()
	if err := e.checkpoint(ctx, rc); err != nil {
		return err
	}
	metrics.WorkflowRunsTotal.WithLabelValues(models.WorkflowStatusHalted).Inc()
	log.Warnf("[Workflow] Run %s halted at step %s: %v", rc.run.RunID, rc.run.Step, cause)
	e.markProcessed(ctx, rc, cause)
	return nil
}

func (e *Engine) markProcessed(ctx context.Context, rc *runContext, cause error) {
	if err := e.svc.MarkWebhookProcessed(ctx, rc.run.EventID, rc.run.Outcome, cause); err != nil {
		log.Warnf("[Workflow] Failed to mark webhook %s processed: %v", rc.run.EventID, err)
	}
}

func (e *Engine) onWebhookJobFailed(ctx context.Context, job *jobqueue.Job, err error) {
	event, decodeErr := eventbus.EventFromJob(job)
	if decodeErr != nil {
		return
	}
	var received billing.WebhookReceived
	if event.Decode(&received) != nil || received.ID == "" {
		return
	}
	e.fail(ctx, RunID(received.ID), received.ID, err)
}

func (e *Engine) onResumeJobFailed(ctx context.Context, job *jobqueue.Job, err error) {
	var p jobqueue.ResumeJobPayload
	if job.DecodePayload(&p) != nil || p.RunID == "" {
		return
	}
	eventID := strings.TrimPrefix(p.RunID, "polar:")
	e.fail(ctx, p.RunID, eventID, err)
}

func (e *Engine) fail(ctx context.Context, runID, eventID string, cause error) {
	if err := e.store.MarkFailed(ctx, runID, cause.Error()); err != nil {
		log.Errorf("[Workflow] Failed to mark run %s failed: %v", runID, err)
		return
	}
	metrics.WorkflowRunsTotal.WithLabelValues(models.WorkflowStatusFailed).Inc()
	log.Errorf("[Workflow] Run %s failed permanently: %v", runID, cause)
	if err := e.svc.MarkWebhookProcessed(ctx, eventID, OutcomeFailed, cause); err != nil {
		log.Warnf("[Workflow] Failed to mark webhook %s processed: %v", eventID, err)
	}
}

func haltOutcome(err error) string {
	switch {
	case errors.Is(err, billing.ErrNoProjection):
		return OutcomeNoProjection
	case errors.Is(err, billing.ErrNoSubscriptionID):
		return OutcomeNoSubscriptionID
	case errors.Is(err, billing.ErrNoIdentity):
		return OutcomeNoIdentity
	case errors.Is(err, billing.ErrInvalidInput):
		return OutcomeInvalidPayload
	}
	return OutcomeHalted
}
