// Package eventbus carries billing events between the webhook receiver, the
// workflow engine and downstream consumers. Durable events are routed onto
// the Redis job queue; all others are fanned out over Redis Pub/Sub.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Vision/internal/pkg/jobqueue"
)

// Event is the JSON envelope published on every channel.
type Event struct {
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"ts"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher emits named events.
type Publisher interface {
	Publish(ctx context.Context, name string, data interface{}) error
}

// Handler is called for each event received by Subscribe.
type Handler func(ctx context.Context, event Event)

// Enqueuer is the part of the job queue a durable route needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

type durableRoute struct {
	queue   Enqueuer
	jobType jobqueue.JobType
}

// Bus publishes events over Redis.
type Bus struct {
	client  *redis.Client
	mu      sync.RWMutex
	durable map[string]durableRoute
}

// New creates a bus on the given client.
func New(client *redis.Client) *Bus {
	return &Bus{
		client:  client,
		durable: make(map[string]durableRoute),
	}
}

// RouteDurable sends events called name to the job queue as jobType instead
// of Pub/Sub, so they survive restarts and are retried on failure.
func (b *Bus) RouteDurable(name string, queue Enqueuer, jobType jobqueue.JobType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.durable[name] = durableRoute{queue: queue, jobType: jobType}
}

// Publish emits an event with a generated id.
func (b *Bus) Publish(ctx context.Context, name string, data interface{}) error {
	return b.PublishWithID(ctx, name, uuid.New().String(), data)
}

// PublishWithID emits an event with a caller-chosen id.
func (b *Bus) PublishWithID(ctx context.Context, name, id string, data interface{}) error {
	event, err := NewEvent(name, id, data, time.Now())
	if err != nil {
		return err
	}

	b.mu.RLock()
	route, durable := b.durable[name]
	b.mu.RUnlock()

	if durable {
		payload, err := jobqueue.PayloadToMap(event)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", name, err)
		}
		job, err := route.queue.EnqueueJob(ctx, route.jobType, payload)
		if err != nil {
			log.Errorf("[EventBus] Failed to enqueue %s (id=%s): %v", name, id, err)
			return fmt.Errorf("failed to enqueue event %s: %w", name, err)
		}
		log.Debugf("[EventBus] Enqueued %s (id=%s) as job %s", name, id, job.ID)
		return nil
	}

	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", name, err)
	}
	if err := b.client.Publish(ctx, name, msg).Err(); err != nil {
		log.Errorf("[EventBus] Failed to publish %s (id=%s): %v", name, id, err)
		return fmt.Errorf("failed to publish event %s: %w", name, err)
	}
	log.Debugf("[EventBus] Published %s (id=%s)", name, id)
	return nil
}

// Subscribe delivers events on the given channels to handler until ctx is
// done. It returns once the subscription fails or ctx ends.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, names ...string) error {
	pubsub := b.client.Subscribe(ctx, names...)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", names, err)
	}
	log.Infof("[EventBus] Subscribed to %v", names)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				log.Warn("[EventBus] Subscription channel closed")
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warnf("[EventBus] Dropping malformed message on %s: %v", msg.Channel, err)
				continue
			}
			handler(ctx, event)
		}
	}
}

// NewEvent builds an envelope, marshalling data.
func NewEvent(name, id string, data interface{}, at time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s data: %w", name, err)
	}
	return Event{Name: name, ID: id, Data: raw, Timestamp: at.UnixMilli()}, nil
}

// EventFromJob decodes an envelope stored as a job payload by a durable route.
func EventFromJob(job *jobqueue.Job) (Event, error) {
	var event Event
	if err := job.DecodePayload(&event); err != nil {
		return Event{}, fmt.Errorf("job %s does not carry an event: %w", job.ID, err)
	}
	return event, nil
}
