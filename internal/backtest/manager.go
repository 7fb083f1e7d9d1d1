package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ndrandal/kline-engine/internal/bus"
)

// entry is the manager's private bookkeeping record for one task: the
// public Task snapshot plus its TTL expiry.
type entry struct {
	task      Task
	expiresAt time.Time
}

// Manager runs TaskFuncs under a bounded task table with TTL eviction
// and a concurrency cap, publishing Updates to the bus instead of the
// originating system's per-task WebSocket registry. Two pre-configured
// constructors are exported (NewBacktestManager, NewOptimizationManager)
// rather than a package-level singleton, so call sites construct and
// pass theirs explicitly.
type Manager struct {
	name string
	b    bus.Bus
	sem  *semaphore.Weighted

	mu       sync.Mutex
	tasks    map[string]*entry
	order    []string
	maxTasks int
	ttl      time.Duration

	maxConcurrent int64
	active        int32

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewManager constructs a Manager named name (used only for logging),
// publishing task updates on b, holding at most maxTasks entries for
// ttl each, and running at most maxConcurrent TaskFuncs at a time.
func NewManager(name string, b bus.Bus, maxTasks int, ttl time.Duration, maxConcurrent int64) *Manager {
	return &Manager{
		name:          name,
		b:             b,
		sem:           semaphore.NewWeighted(maxConcurrent),
		tasks:         make(map[string]*entry),
		maxTasks:      maxTasks,
		ttl:           ttl,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// taskSubject is the bus subject a task's Updates are published on.
func taskSubject(id string) string { return fmt.Sprintf("task.%s", id) }

// CreateTask registers a new task and launches fn in the background
// under the manager's concurrency semaphore. It returns an error only
// if id is already in use.
func (m *Manager) CreateTask(ctx context.Context, id string, request interface{}, fn TaskFunc) error {
	m.mu.Lock()
	m.evictLocked()
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("backtest manager %s: task %s already exists", m.name, id)
	}
	if len(m.order) >= m.maxTasks && m.maxTasks > 0 {
		m.evictOldestLocked()
	}
	now := m.now()
	m.tasks[id] = &entry{
		task:      Task{ID: id, Status: StatusPending, Request: request, CreatedAt: now.Unix()},
		expiresAt: now.Add(m.ttl),
	}
	m.order = append(m.order, id)
	m.mu.Unlock()

	log.Printf("backtest manager %s: task %s created", m.name, id)
	go m.runTask(ctx, id, fn)
	return nil
}

func (m *Manager) runTask(ctx context.Context, id string, fn TaskFunc) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.fail(id, fmt.Errorf("acquire concurrency slot: %w", err))
		return
	}
	atomic.AddInt32(&m.active, 1)
	defer func() {
		m.sem.Release(1)
		atomic.AddInt32(&m.active, -1)
	}()

	m.setRunning(id)
	report := func(progress int) { m.UpdateProgress(id, progress) }

	results, err := fn(ctx, report)
	if err != nil {
		m.fail(id, err)
		return
	}
	m.complete(id, results)
}

func (m *Manager) setRunning(id string) {
	now := m.now()
	m.mu.Lock()
	e, ok := m.tasks[id]
	if ok {
		e.task.Status = StatusRunning
		e.task.StartedAt = now.Unix()
	}
	m.mu.Unlock()
	if ok {
		m.publish(e.task)
	}
}

func (m *Manager) complete(id string, results interface{}) {
	now := m.now()
	m.mu.Lock()
	e, ok := m.tasks[id]
	if ok {
		e.task.Status = StatusCompleted
		e.task.Results = results
		e.task.Progress = 100
		e.task.CompletedAt = now.Unix()
	}
	m.mu.Unlock()
	if ok {
		log.Printf("backtest manager %s: task %s completed", m.name, id)
		m.publish(e.task)
	}
}

func (m *Manager) fail(id string, taskErr error) {
	now := m.now()
	m.mu.Lock()
	e, ok := m.tasks[id]
	if ok {
		e.task.Status = StatusFailed
		e.task.Error = taskErr.Error()
		e.task.CompletedAt = now.Unix()
	}
	m.mu.Unlock()
	if ok {
		log.Printf("backtest manager %s: task %s failed: %v", m.name, id, taskErr)
		m.publish(e.task)
	}
}

// UpdateProgress sets a task's progress, publishing an Update only on
// a strict increase over the stored percentage, mirroring the
// originating throttle (a stale or repeated report is a no-op).
func (m *Manager) UpdateProgress(id string, progress int) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok || progress <= e.task.Progress {
		m.mu.Unlock()
		return
	}
	e.task.Progress = progress
	m.mu.Unlock()
	m.publish(e.task)
}

func (m *Manager) publish(task Task) {
	if m.b == nil {
		return
	}
	payload, err := json.Marshal(Update{
		TaskID: task.ID, Status: task.Status, Progress: task.Progress,
		Results: task.Results, Error: task.Error,
	})
	if err != nil {
		log.Printf("backtest manager %s: encode update for %s: %v", m.name, task.ID, err)
		return
	}
	if err := m.b.Publish(context.Background(), taskSubject(task.ID), payload); err != nil {
		log.Printf("backtest manager %s: publish update for %s: %v", m.name, task.ID, err)
	}
}

// Subscribe returns a bus subscription for task id's Updates.
func (m *Manager) Subscribe(ctx context.Context, id string) (bus.Subscription, error) {
	return m.b.Subscribe(ctx, taskSubject(id))
}

// GetTask returns a copy of task id's current snapshot.
func (m *Manager) GetTask(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	e, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// GetAllTasks returns a copy of every non-expired task.
func (m *Manager) GetAllTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	out := make([]Task, 0, len(m.tasks))
	for _, id := range m.order {
		if e, ok := m.tasks[id]; ok {
			out = append(out, e.task)
		}
	}
	return out
}

// Stats is a point-in-time summary of the task table.
type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	ActiveTasks    int `json:"active_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	MaxConcurrent  int `json:"max_concurrent"`
}

// Stats summarizes the task table's current state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	s := Stats{MaxConcurrent: int(m.maxConcurrent), ActiveTasks: int(atomic.LoadInt32(&m.active))}
	for _, e := range m.tasks {
		s.TotalTasks++
		switch e.task.Status {
		case StatusPending:
			s.PendingTasks++
		case StatusRunning:
			s.RunningTasks++
		case StatusCompleted:
			s.CompletedTasks++
		case StatusFailed:
			s.FailedTasks++
		}
	}
	return s
}

// CleanupOlderThan removes completed/failed tasks whose CompletedAt is
// older than maxAge, independent of their TTL expiry, and returns the
// removed tasks so a caller can archive them before they're gone.
// Mirrors the originating system's periodic 10-minute sweep.
func (m *Manager) CleanupOlderThan(maxAge time.Duration) []Task {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Task
	kept := m.order[:0]
	for _, id := range m.order {
		e := m.tasks[id]
		done := e.task.Status == StatusCompleted || e.task.Status == StatusFailed
		if done && e.task.CompletedAt > 0 && now.Sub(time.Unix(e.task.CompletedAt, 0)) > maxAge {
			removed = append(removed, e.task)
			delete(m.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}

// evictLocked drops tasks past their TTL. Must be called with m.mu held.
func (m *Manager) evictLocked() {
	now := m.now()
	kept := m.order[:0]
	for _, id := range m.order {
		e, ok := m.tasks[id]
		if !ok {
			continue
		}
		if now.After(e.expiresAt) {
			delete(m.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// evictOldestLocked drops the single oldest task to make room under
// maxTasks. Must be called with m.mu held.
func (m *Manager) evictOldestLocked() {
	if len(m.order) == 0 {
		return
	}
	oldest := m.order[0]
	delete(m.tasks, oldest)
	m.order = m.order[1:]
}
