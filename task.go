package nova

import (
	"time"

	"github.com/google/uuid"
)

// Default task limits.
const (
	DefaultMaxSteps        = 20
	DefaultTokenBudget     = 16000
	DefaultTaskTimeout     = 10 * time.Minute
	DefaultSubTaskTimeout  = 5 * time.Minute
	DefaultParallelWorkers = 4
)

// Status is the terminal (or current) state of a task.
type Status string

const (
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusStuck      Status = "stuck"
	StatusTimeout    Status = "timeout"
	StatusAborted    Status = "aborted"
	StatusDepthLimit Status = "depth_limit"
	StatusError      Status = "error"
)

// Task is a unit of work handed to the orchestrator.
type Task struct {
	// ID is a short unique identifier
	ID string

	// Description is the natural-language goal
	Description string

	// MaxSteps caps loop iterations (model turns)
	MaxSteps int

	// TokenBudget caps the prompt size in estimated tokens
	TokenBudget int

	// Timeout is the wall-clock cap; zero means DefaultTaskTimeout
	Timeout time.Duration

	// Depth is the position in the spawn tree (0 = root)
	Depth int

	// Silent suppresses the ask protocol; reaching Ask becomes Stuck
	Silent bool

	// Memory, when set, is used directly instead of a fresh memory.
	// The spawner uses this to share or isolate between parent and child.
	Memory *Memory

	// Seed is written into memory before the first step
	Seed map[string]any
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithMaxSteps caps the number of model turns.
func WithMaxSteps(n int) TaskOption {
	return func(t *Task) {
		t.MaxSteps = n
	}
}

// WithTokenBudget caps the prompt size in estimated tokens.
func WithTokenBudget(n int) TaskOption {
	return func(t *Task) {
		t.TokenBudget = n
	}
}

// WithTimeout sets the wall-clock cap for the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) {
		t.Timeout = d
	}
}

// WithSilent suppresses operator questions for this task.
func WithSilent() TaskOption {
	return func(t *Task) {
		t.Silent = true
	}
}

// WithMemory runs the task against an existing memory instead of a
// fresh one.
func WithMemory(m *Memory) TaskOption {
	return func(t *Task) {
		t.Memory = m
	}
}

// WithSeed pre-populates working memory before the first step.
func WithSeed(seed map[string]any) TaskOption {
	return func(t *Task) {
		t.Seed = seed
	}
}

// withDepth places the task in the spawn tree.
func withDepth(depth int) TaskOption {
	return func(t *Task) {
		t.Depth = depth
	}
}

// NewTask creates a task with defaults applied.
func NewTask(description string, opts ...TaskOption) *Task {
	t := &Task{
		ID:          uuid.New().String()[:8],
		Description: description,
		MaxSteps:    DefaultMaxSteps,
		TokenBudget: DefaultTokenBudget,
		Timeout:     DefaultTaskTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.MaxSteps < 1 {
		t.MaxSteps = 1
	}
	return t
}

// Metrics aggregates resource usage for one task, children excluded.
type Metrics struct {
	ModelCalls   int     `json:"model_calls"`
	ToolCalls    int     `json:"tool_calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TaskResult is the outcome of a completed task.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	Output      string         `json:"output,omitempty"`
	Steps       []Step         `json:"steps,omitempty"`
	Plan        Plan           `json:"plan,omitempty"`
	Memory      map[string]any `json:"memory,omitempty"`
	Metrics     Metrics        `json:"metrics"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Duration returns the wall-clock time the task ran.
func (r *TaskResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
