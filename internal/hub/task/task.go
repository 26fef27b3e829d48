// Package task implements the durable task queue: assignment with
// generation fencing, retry/dead-letter on failure, worker recovery,
// and orphan reclamation.
package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/classify"
	"github.com/agentcom/agentcom/internal/hub/id"
	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/msgcodec"
	"github.com/agentcom/agentcom/internal/metrics"
)

// Status enumerates the task lifecycle states.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusWorking    Status = "working"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// DefaultMaxRetries is applied when a task is enqueued without one.
const DefaultMaxRetries = 3

var (
	ErrNotFound = errors.New("task: not found")
	// ErrStaleGeneration marks a lifecycle frame whose generation no
	// longer matches; the frame is discarded without state change.
	ErrStaleGeneration = errors.New("task: stale generation")
)

// Task is an executable unit routable to a tier and worker.
// Generation increments on every (re)assignment; completion and
// failure are only accepted at the current generation.
type Task struct {
	ID             string                   `json:"id"`
	GoalID         string                   `json:"goal_id,omitempty"`
	Description    string                   `json:"description"`
	Metadata       map[string]any           `json:"metadata,omitempty"`
	Priority       int                      `json:"priority"`
	Status         Status                   `json:"status"`
	Complexity     *classify.Classification `json:"complexity,omitempty"`
	Generation     uint64                   `json:"generation"`
	AssignedTo     string                   `json:"assigned_to,omitempty"`
	AssignedAtMS   int64                    `json:"assigned_at_ms,omitempty"`
	LastProgressMS int64                    `json:"last_progress_ms,omitempty"`
	Retries        int                      `json:"retries"`
	MaxRetries     int                      `json:"max_retries"`
	Result         map[string]any           `json:"result,omitempty"`
	Error          string                   `json:"error,omitempty"`
	CreatedAtMS    int64                    `json:"created_at_ms"`
}

// FailOutcome distinguishes a retried failure from a dead-lettered
// one.
type FailOutcome string

const (
	Retried    FailOutcome = "retried"
	DeadLetter FailOutcome = "dead_letter"
)

// RecoverOutcome tells a reconnecting worker what to do with a task
// it believes it still owns.
type RecoverOutcome string

const (
	RecoverContinue RecoverOutcome = "continue"
	RecoverReassign RecoverOutcome = "reassign"
)

// Params is the caller-supplied part of an enqueue.
type Params struct {
	GoalID      string                   `json:"goal_id,omitempty"`
	Description string                   `json:"description"`
	Metadata    map[string]any           `json:"metadata,omitempty"`
	Priority    int                      `json:"priority"`
	Complexity  *classify.Classification `json:"complexity,omitempty"`
	MaxRetries  int                      `json:"max_retries,omitempty"`
}

// Queue is the durable task queue over a kv table.
type Queue struct {
	mu     sync.Mutex
	store  *kv.Store
	bus    *bus.Bus
	logger *slog.Logger
	nowMS  func() int64
}

// Open wraps a kv table as the task queue.
func Open(store *kv.Store, b *bus.Bus) *Queue {
	return &Queue{
		store:  store,
		bus:    b,
		logger: slog.With("component", "taskqueue"),
		nowMS:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue persists a new queued task.
func (q *Queue) Enqueue(p Params) (*Task, error) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	t := &Task{
		ID:          id.Task(),
		GoalID:      p.GoalID,
		Description: p.Description,
		Metadata:    p.Metadata,
		Priority:    p.Priority,
		Status:      StatusQueued,
		Complexity:  p.Complexity,
		MaxRetries:  maxRetries,
		CreatedAtMS: q.nowMS(),
	}

	q.mu.Lock()
	err := q.save(t)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.TaskEvents.WithLabelValues("enqueued").Inc()
	q.bus.Publish(bus.TopicTasks, "task_enqueued", t)
	return t, nil
}

// AssignNext hands the highest-priority queued task to agent, bumping
// the generation. Returns nil when nothing is queued. A task whose
// metadata names a required_capability is skipped unless caps carries
// it.
func (q *Queue) AssignNext(agent string, caps []string) (*Task, error) {
	q.mu.Lock()

	queued, err := q.byStatus(StatusQueued)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority < queued[j].Priority
		}
		return queued[i].CreatedAtMS < queued[j].CreatedAtMS
	})

	var picked *Task
	for _, t := range queued {
		if !capableOf(t, caps) {
			continue
		}
		picked = t
		break
	}
	if picked == nil {
		q.mu.Unlock()
		return nil, nil
	}

	now := q.nowMS()
	picked.Generation++
	picked.Status = StatusAssigned
	picked.AssignedTo = agent
	picked.AssignedAtMS = now
	picked.LastProgressMS = now
	if err := q.save(picked); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	metrics.TaskEvents.WithLabelValues("assigned").Inc()
	q.bus.Publish(bus.TopicTasks, "task_assigned", picked)
	return picked, nil
}

// Accept marks an assigned task as working. Generation-fenced.
func (q *Queue) Accept(taskID string, generation uint64) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.fenced(taskID, generation)
	if err != nil {
		return nil, err
	}
	t.Status = StatusWorking
	t.LastProgressMS = q.nowMS()
	if err := q.save(t); err != nil {
		return nil, err
	}
	metrics.TaskEvents.WithLabelValues("accepted").Inc()
	return t, nil
}

// UpdateProgress refreshes last_progress only.
func (q *Queue) UpdateProgress(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.load(taskID)
	if err != nil {
		return err
	}
	t.LastProgressMS = q.nowMS()
	return q.save(t)
}

// Complete finishes the task at the given generation.
func (q *Queue) Complete(taskID string, generation uint64, result map[string]any) (*Task, error) {
	q.mu.Lock()
	t, err := q.fenced(taskID, generation)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	t.Status = StatusComplete
	t.Result = result
	t.LastProgressMS = q.nowMS()
	if err := q.save(t); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	metrics.TaskEvents.WithLabelValues("complete").Inc()
	q.bus.Publish(bus.TopicTasks, "task_complete", t)
	return t, nil
}

// Fail records a failure at the given generation. Below the retry
// limit the task re-queues; at the limit it dead-letters.
func (q *Queue) Fail(taskID string, generation uint64, taskErr string) (*Task, FailOutcome, error) {
	q.mu.Lock()
	t, err := q.fenced(taskID, generation)
	if err != nil {
		q.mu.Unlock()
		return nil, "", err
	}

	t.Error = taskErr
	t.LastProgressMS = q.nowMS()

	var outcome FailOutcome
	if t.Retries < t.MaxRetries {
		t.Retries++
		t.Status = StatusQueued
		t.AssignedTo = ""
		outcome = Retried
	} else {
		t.Status = StatusDeadLetter
		outcome = DeadLetter
	}
	if err := q.save(t); err != nil {
		q.mu.Unlock()
		return nil, "", err
	}
	q.mu.Unlock()

	if outcome == Retried {
		metrics.TaskEvents.WithLabelValues("retry").Inc()
		q.bus.Publish(bus.TopicTasks, "task_retry", t)
	} else {
		metrics.TaskEvents.WithLabelValues("dead_letter").Inc()
		q.bus.Publish(bus.TopicTasks, "task_dead_letter", t)
	}
	return t, outcome, nil
}

// Recover resolves a reconnecting worker's claim on a task. Unknown
// tasks and tasks owned by someone else tell the worker to drop and
// ask again; a confirmed claim refreshes progress and returns the
// current generation for the fence.
func (q *Queue) Recover(taskID, caller string) (RecoverOutcome, *Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.load(taskID)
	if errors.Is(err, ErrNotFound) {
		return RecoverReassign, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if t.AssignedTo != caller {
		return RecoverReassign, nil, nil
	}
	t.LastProgressMS = q.nowMS()
	if err := q.save(t); err != nil {
		return "", nil, err
	}
	metrics.TaskEvents.WithLabelValues("recovered").Inc()
	return RecoverContinue, t, nil
}

// ReclaimStale re-queues assigned or working tasks whose worker is
// gone or silent past orphanAge. The generation bump fences out any
// late frames from the old worker.
func (q *Queue) ReclaimStale(online func(agent string) bool, orphanAge time.Duration) (int, error) {
	cutoff := q.nowMS() - orphanAge.Milliseconds()

	q.mu.Lock()
	var reclaimed []*Task
	for _, status := range []Status{StatusAssigned, StatusWorking} {
		tasks, err := q.byStatus(status)
		if err != nil {
			q.mu.Unlock()
			return 0, err
		}
		for _, t := range tasks {
			if online(t.AssignedTo) && t.LastProgressMS >= cutoff {
				continue
			}
			t.Generation++
			t.Status = StatusQueued
			t.AssignedTo = ""
			if err := q.save(t); err != nil {
				q.mu.Unlock()
				return len(reclaimed), err
			}
			reclaimed = append(reclaimed, t)
		}
	}
	q.mu.Unlock()

	for _, t := range reclaimed {
		q.logger.Info("reclaimed orphaned task", "task_id", t.ID, "generation", t.Generation)
		metrics.TaskEvents.WithLabelValues("reclaimed").Inc()
		q.bus.Publish(bus.TopicTasks, "task_reclaim", t)
	}
	return len(reclaimed), nil
}

// Get returns a task by id.
func (q *Queue) Get(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(taskID)
}

// List returns tasks, optionally filtered by status, sorted by
// (priority, created_at).
func (q *Queue) List(status Status) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var tasks []*Task
	err := q.store.ForEach(func(k string, v []byte) error {
		var t Task
		if err := msgcodec.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", k, err)
		}
		if status != "" && t.Status != status {
			return nil
		}
		tasks = append(tasks, &t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].CreatedAtMS < tasks[j].CreatedAtMS
	})
	return tasks, nil
}

// Stats counts tasks by status.
func (q *Queue) Stats() (map[Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[Status]int)
	err := q.store.ForEach(func(k string, v []byte) error {
		var t Task
		if err := msgcodec.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", k, err)
		}
		stats[t.Status]++
		return nil
	})
	return stats, err
}

// fenced loads a task and enforces the generation fence. Callers must
// hold q.mu.
func (q *Queue) fenced(taskID string, generation uint64) (*Task, error) {
	t, err := q.load(taskID)
	if err != nil {
		return nil, err
	}
	if t.Generation != generation {
		q.logger.Warn("dropping stale-generation frame",
			"task_id", taskID, "frame_generation", generation, "current_generation", t.Generation)
		metrics.GenerationFenceDrops.Inc()
		return nil, ErrStaleGeneration
	}
	return t, nil
}

func (q *Queue) byStatus(status Status) ([]*Task, error) {
	var tasks []*Task
	err := q.store.ForEach(func(k string, v []byte) error {
		var t Task
		if err := msgcodec.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", k, err)
		}
		if t.Status == status {
			tasks = append(tasks, &t)
		}
		return nil
	})
	return tasks, err
}

func (q *Queue) load(taskID string) (*Task, error) {
	data, err := q.store.Get(taskID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := msgcodec.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}

func (q *Queue) save(t *Task) error {
	data, err := msgcodec.Marshal(t)
	if err != nil {
		return err
	}
	return q.store.Put(t.ID, data)
}

func capableOf(t *Task, caps []string) bool {
	req, ok := t.Metadata["required_capability"].(string)
	if !ok || req == "" {
		return true
	}
	for _, c := range caps {
		if c == req {
			return true
		}
	}
	return false
}
