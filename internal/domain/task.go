package domain

import "time"

// Priority enumerates task priority levels (§3 Task). Ordered low to high
// so numeric comparison (p >= Normal) matches the §4.F placement rule.
type Priority int

// Supported priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String renders the priority name for logs and traces.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// TaskState enumerates the lifecycle states of a Task (§3).
type TaskState int

// Supported task states.
const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskCompleted
	TaskExpired
	TaskRejected
)

// TaskID is a process-unique, monotonically-assigned task identifier.
type TaskID uint64

// Prompt is the request payload carried by a Task into the Inference
// Orchestrator.
type Prompt struct {
	Text    string
	Runtime *RuntimeParams
}

// Task is one unit of scheduled work (§3). Tasks are created by `compute`
// when capacity is saturated, and destroyed after completion, expiry, or
// rejection.
type Task struct {
	ID        TaskID
	ExecCtx   ExecCtx
	Priority  Priority
	CreatedAt time.Time
	TimeoutAt time.Time
	Prompt    Prompt
	State     TaskState

	// Result is populated by the worker once the task finishes; Done is
	// closed exactly once, after Result/Err are set.
	Done chan struct{}
	Result string
	Err    error
}

// NewTask constructs a Task in the Queued state with timeout_at computed
// from the supplied per-task timeout (§3 invariant: timeout_at = created_at
// + per-task timeout at enqueue time).
func NewTask(id TaskID, execCtx ExecCtx, priority Priority, prompt Prompt, createdAt time.Time, timeout time.Duration) *Task {
	return &Task{
		ID:        id,
		ExecCtx:   execCtx,
		Priority:  priority,
		CreatedAt: createdAt,
		TimeoutAt: createdAt.Add(timeout),
		Prompt:    prompt,
		State:     TaskQueued,
		Done:      make(chan struct{}),
	}
}

// Finish records the task's outcome and unblocks any caller waiting on
// Done. Finish must be called at most once per task.
func (t *Task) Finish(state TaskState, result string, err error) {
	t.State = state
	t.Result = result
	t.Err = err
	close(t.Done)
}
