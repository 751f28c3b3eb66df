package nova

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everlang/gonova/store"
)

// Session runs a series of tasks against one long-lived working memory,
// so later tasks can build on what earlier ones learned. With a store
// attached, every result is persisted under the session.
type Session struct {
	ID string

	orch   *Orchestrator
	memory *Memory
	st     store.Store

	mu      sync.Mutex
	history []*TaskResult
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithStore persists session results through st. The caller owns the
// store lifecycle.
func WithStore(st store.Store) SessionOption {
	return func(s *Session) {
		s.st = st
	}
}

// WithSessionID resumes a session under an existing identifier.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		s.ID = id
	}
}

// NewSession creates a session on top of an orchestrator.
func NewSession(o *Orchestrator, opts ...SessionOption) *Session {
	s := &Session{
		ID:     uuid.New().String()[:8],
		orch:   o,
		memory: NewMemory(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.st != nil {
		if err := s.st.SaveSession(s.ID, time.Now()); err != nil {
			o.logger.Warn("session not persisted", "session", s.ID, "err", err)
		}
	}

	return s
}

// Run executes one task inside the session. The session memory is
// always used; a WithMemory option passed here is overridden.
func (s *Session) Run(ctx context.Context, description string, opts ...TaskOption) (*TaskResult, error) {
	opts = append(opts, WithMemory(s.memory))
	task := NewTask(description, opts...)

	// A running record goes in first, so an interrupted task still shows
	// up in the history; the final save replaces it.
	s.persistRunning(task)

	result, err := s.orch.RunTask(ctx, task)

	s.mu.Lock()
	s.history = append(s.history, result)
	s.mu.Unlock()

	s.persist(result)
	return result, err
}

// persistRunning records a task as running before it executes.
func (s *Session) persistRunning(task *Task) {
	if s.st == nil {
		return
	}

	rec := store.TaskRecord{
		ID:          task.ID,
		SessionID:   s.ID,
		Description: task.Description,
		Status:      string(StatusRunning),
		StartedAt:   time.Now(),
	}
	if err := s.st.SaveTask(rec); err != nil {
		s.orch.logger.Warn("task not persisted", "task", task.ID, "err", err)
	}
}

// persist writes a result through the store, best effort.
func (s *Session) persist(result *TaskResult) {
	if s.st == nil {
		return
	}

	steps, _ := json.Marshal(result.Steps)
	plan, _ := json.Marshal(result.Plan)

	rec := store.TaskRecord{
		ID:           result.TaskID,
		SessionID:    s.ID,
		Description:  result.Description,
		Status:       string(result.Status),
		Output:       result.Output,
		Steps:        string(steps),
		Plan:         string(plan),
		ModelCalls:   result.Metrics.ModelCalls,
		ToolCalls:    result.Metrics.ToolCalls,
		InputTokens:  result.Metrics.InputTokens,
		OutputTokens: result.Metrics.OutputTokens,
		CostUSD:      result.Metrics.CostUSD,
		StartedAt:    result.StartedAt,
		CompletedAt:  result.CompletedAt,
	}
	if err := s.st.SaveTask(rec); err != nil {
		s.orch.logger.Warn("task not persisted", "task", result.TaskID, "err", err)
	}
}

// History returns the results of this session's tasks in run order.
func (s *Session) History() []*TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TaskResult, len(s.history))
	copy(out, s.history)
	return out
}

// Memory returns the session's long-lived working memory.
func (s *Session) Memory() *Memory {
	return s.memory
}
