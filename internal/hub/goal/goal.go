// Package goal implements the durable goal backlog: a priority queue
// of user goals with a persisted lifecycle state machine.
package goal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/internal/hub/bus"
	"github.com/agentcom/agentcom/internal/hub/id"
	"github.com/agentcom/agentcom/internal/hub/kv"
	"github.com/agentcom/agentcom/internal/hub/msgcodec"
	"github.com/agentcom/agentcom/internal/metrics"
)

// Status enumerates the goal lifecycle states.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusDecomposing Status = "decomposing"
	StatusExecuting   Status = "executing"
	StatusVerifying   Status = "verifying"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// transitions is the allowed edge set of the lifecycle graph.
// Verifying may fall back to executing for a retry round.
var transitions = map[Status][]Status{
	StatusSubmitted:   {StatusDecomposing},
	StatusDecomposing: {StatusExecuting, StatusFailed},
	StatusExecuting:   {StatusVerifying, StatusFailed},
	StatusVerifying:   {StatusComplete, StatusFailed, StatusExecuting},
}

// PriorityNormal is the default priority; 0 is most urgent, 3 least.
const (
	PriorityUrgent = 0
	PriorityNormal = 2
	PriorityMax    = 3
)

// historyMax bounds the per-goal status history.
const historyMax = 50

var ErrNotFound = errors.New("goal: not found")

// InvalidTransitionError reports a rejected lifecycle edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("goal: invalid transition %s -> %s", e.From, e.To)
}

// HistoryEntry is one recorded status change.
type HistoryEntry struct {
	Status Status `json:"status"`
	TsMS   int64  `json:"ts_ms"`
	Reason string `json:"reason,omitempty"`
}

// Goal is a user-level work item that decomposes into tasks.
type Goal struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	Priority        int            `json:"priority"`
	Status          Status         `json:"status"`
	Source          string         `json:"source,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Repo            string         `json:"repo,omitempty"`
	FileHints       []string       `json:"file_hints,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	ChildTaskIDs    []string       `json:"child_task_ids,omitempty"`
	CreatedAtMS     int64          `json:"created_at_ms"`
	UpdatedAtMS     int64          `json:"updated_at_ms"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// Params is the caller-supplied part of a goal submission.
type Params struct {
	Description     string         `json:"description"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	Priority        *int           `json:"priority,omitempty"`
	Source          string         `json:"source,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Repo            string         `json:"repo,omitempty"`
	FileHints       []string       `json:"file_hints,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
}

// Filters narrows List results. Zero values match everything.
type Filters struct {
	Status Status
	Tag    string
}

// Stats is the per-status goal census.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// indexEntry orders submitted goals by (priority, created_at, id).
type indexEntry struct {
	priority  int
	createdAt int64
	id        string
}

// Backlog is the goal store plus the in-memory priority index over
// goals in status submitted. The index is rebuilt from storage on
// open and may briefly reference deleted goals; dequeue skips those.
type Backlog struct {
	mu    sync.Mutex
	store *kv.Store
	bus   *bus.Bus
	index []indexEntry
	nowMS func() int64
}

// Open wraps a kv table as the backlog and rebuilds the index.
func Open(store *kv.Store, b *bus.Bus) (*Backlog, error) {
	bl := &Backlog{
		store: store,
		bus:   b,
		nowMS: func() int64 { return time.Now().UnixMilli() },
	}
	err := store.ForEach(func(k string, v []byte) error {
		var g Goal
		if err := msgcodec.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("decode goal %s: %w", k, err)
		}
		if g.Status == StatusSubmitted {
			bl.index = append(bl.index, indexEntry{g.Priority, g.CreatedAtMS, g.ID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortIndex(bl.index)
	return bl, nil
}

// Submit persists a new goal in status submitted and indexes it.
func (bl *Backlog) Submit(p Params) (*Goal, error) {
	now := bl.nowMS()
	priority := PriorityNormal
	if p.Priority != nil {
		priority = clampPriority(*p.Priority)
	}

	g := &Goal{
		ID:              id.Goal(),
		Description:     p.Description,
		SuccessCriteria: p.SuccessCriteria,
		Priority:        priority,
		Status:          StatusSubmitted,
		Source:          p.Source,
		Tags:            p.Tags,
		Repo:            p.Repo,
		FileHints:       p.FileHints,
		Metadata:        p.Metadata,
		DependsOn:       p.DependsOn,
		CreatedAtMS:     now,
		UpdatedAtMS:     now,
		History:         []HistoryEntry{{Status: StatusSubmitted, TsMS: now}},
	}

	bl.mu.Lock()
	if err := bl.save(g); err != nil {
		bl.mu.Unlock()
		return nil, err
	}
	bl.index = append(bl.index, indexEntry{g.Priority, g.CreatedAtMS, g.ID})
	sortIndex(bl.index)
	bl.mu.Unlock()

	metrics.GoalTransitions.WithLabelValues(string(StatusSubmitted)).Inc()
	bl.bus.Publish(bus.TopicGoals, "goal_submitted", g)
	return g, nil
}

// Transition moves the goal to newStatus if the lifecycle graph
// allows the edge, recording the change in the goal's history.
func (bl *Backlog) Transition(goalID string, newStatus Status, reason string) (*Goal, error) {
	bl.mu.Lock()
	g, err := bl.load(goalID)
	if err != nil {
		bl.mu.Unlock()
		return nil, err
	}
	if err := bl.transitionLocked(g, newStatus, reason); err != nil {
		bl.mu.Unlock()
		return nil, err
	}
	bl.mu.Unlock()

	metrics.GoalTransitions.WithLabelValues(string(newStatus)).Inc()
	bl.bus.Publish(bus.TopicGoals, "goal_"+string(newStatus), g)
	return g, nil
}

// Dequeue atomically moves the highest-priority submitted goal to
// decomposing. Returns nil when the backlog has no submitted goals.
// Index entries whose goal has vanished from storage are skipped.
func (bl *Backlog) Dequeue() (*Goal, error) {
	bl.mu.Lock()

	var picked *Goal
	for len(bl.index) > 0 {
		head := bl.index[0]
		bl.index = bl.index[1:]

		g, err := bl.load(head.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			bl.mu.Unlock()
			return nil, err
		}
		if g.Status != StatusSubmitted {
			continue
		}
		if err := bl.transitionLocked(g, StatusDecomposing, "dequeued"); err != nil {
			bl.mu.Unlock()
			return nil, err
		}
		picked = g
		break
	}
	bl.mu.Unlock()

	if picked == nil {
		return nil, nil
	}
	metrics.GoalTransitions.WithLabelValues(string(StatusDecomposing)).Inc()
	bl.bus.Publish(bus.TopicGoals, "goal_decomposing", picked)
	return picked, nil
}

// Get returns a goal by id.
func (bl *Backlog) Get(goalID string) (*Goal, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.load(goalID)
}

// List returns goals matching the filters, sorted by priority then
// creation time.
func (bl *Backlog) List(f Filters) ([]*Goal, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	var goals []*Goal
	err := bl.store.ForEach(func(k string, v []byte) error {
		var g Goal
		if err := msgcodec.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("decode goal %s: %w", k, err)
		}
		if f.Status != "" && g.Status != f.Status {
			return nil
		}
		if f.Tag != "" && !contains(g.Tags, f.Tag) {
			return nil
		}
		goals = append(goals, &g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(goals, func(i, j int) bool {
		if goals[i].Priority != goals[j].Priority {
			return goals[i].Priority < goals[j].Priority
		}
		return goals[i].CreatedAtMS < goals[j].CreatedAtMS
	})
	return goals, nil
}

// Stats counts goals by status.
func (bl *Backlog) Stats() (Stats, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	s := Stats{ByStatus: make(map[Status]int)}
	err := bl.store.ForEach(func(k string, v []byte) error {
		var g Goal
		if err := msgcodec.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("decode goal %s: %w", k, err)
		}
		s.Total++
		s.ByStatus[g.Status]++
		return nil
	})
	return s, err
}

// Delete removes a goal. The index tolerates the dangling entry.
func (bl *Backlog) Delete(goalID string) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if _, err := bl.load(goalID); err != nil {
		return err
	}
	return bl.store.Delete(goalID)
}

// AttachTask links a task id to its parent goal.
func (bl *Backlog) AttachTask(goalID, taskID string) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	g, err := bl.load(goalID)
	if err != nil {
		return err
	}
	if contains(g.ChildTaskIDs, taskID) {
		return nil
	}
	g.ChildTaskIDs = append(g.ChildTaskIDs, taskID)
	g.UpdatedAtMS = bl.nowMS()
	return bl.save(g)
}

// transitionLocked mutates g in place and persists. Callers must hold
// bl.mu.
func (bl *Backlog) transitionLocked(g *Goal, newStatus Status, reason string) error {
	if !allowed(g.Status, newStatus) {
		return &InvalidTransitionError{From: g.Status, To: newStatus}
	}
	leftSubmitted := g.Status == StatusSubmitted

	now := bl.nowMS()
	g.Status = newStatus
	if now > g.UpdatedAtMS {
		g.UpdatedAtMS = now
	}
	g.History = append(g.History, HistoryEntry{Status: newStatus, TsMS: now, Reason: reason})
	if len(g.History) > historyMax {
		g.History = g.History[len(g.History)-historyMax:]
	}
	if err := bl.save(g); err != nil {
		return err
	}
	if leftSubmitted {
		bl.dropFromIndex(g.ID)
	}
	return nil
}

func (bl *Backlog) dropFromIndex(goalID string) {
	for i, e := range bl.index {
		if e.id == goalID {
			bl.index = append(bl.index[:i], bl.index[i+1:]...)
			return
		}
	}
}

func (bl *Backlog) load(goalID string) (*Goal, error) {
	data, err := bl.store.Get(goalID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g Goal
	if err := msgcodec.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode goal %s: %w", goalID, err)
	}
	return &g, nil
}

func (bl *Backlog) save(g *Goal) error {
	data, err := msgcodec.Marshal(g)
	if err != nil {
		return err
	}
	return bl.store.Put(g.ID, data)
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func sortIndex(idx []indexEntry) {
	sort.Slice(idx, func(i, j int) bool {
		if idx[i].priority != idx[j].priority {
			return idx[i].priority < idx[j].priority
		}
		if idx[i].createdAt != idx[j].createdAt {
			return idx[i].createdAt < idx[j].createdAt
		}
		return idx[i].id < idx[j].id
	})
}

func clampPriority(p int) int {
	if p < PriorityUrgent {
		return PriorityUrgent
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
