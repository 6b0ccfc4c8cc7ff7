package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/Vision/internal/pkg/cache"
	"github.com/ManuelReschke/Vision/internal/pkg/env"
)

const promoteDelayedSpec = "@every 5s"

// Manager manages the global job queue and scheduled background tasks
type Manager struct {
	queue   *Queue
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	tasks   []string
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := env.GetEnvInt("WORKFLOW_WORKERS", 5)
		globalManager = NewManager(NewQueue(cache.GetClient(), workerCount))
	})
	return globalManager
}

// NewManager wraps a queue with a scheduler. The delayed-retry promoter is
// always scheduled.
func NewManager(queue *Queue) *Manager {
	m := &Manager{
		queue: queue,
		cron:  cron.New(),
	}
	_ = m.Schedule(promoteDelayedSpec, "promote-delayed", func(ctx context.Context) error {
		n, err := queue.PromoteDelayed(ctx, time.Now())
		if n > 0 {
			log.Debugf("[JobQueue Manager] Promoted %d delayed jobs", n)
		}
		return err
	})
	return m
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Schedule registers a periodic task using a cron spec (e.g. "@every 30s").
// Errors returned by fn are logged.
func (m *Manager) Schedule(spec, name string, fn func(ctx context.Context) error) error {
	_, err := m.cron.AddFunc(spec, func() {
		if err := fn(context.Background()); err != nil {
			log.Errorf("[JobQueue Manager] Task %s failed: %v", name, err)
		}
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, name)
	m.mu.Unlock()
	return nil
}

// Tasks returns the names of the scheduled tasks.
func (m *Manager) Tasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tasks...)
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()
	m.cron.Start()

	log.Infof("[JobQueue Manager] Started successfully (%d scheduled tasks)", len(m.tasks))
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	// Wait for running scheduled tasks to finish
	<-m.cron.Stop().Done()
	m.running = false

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
