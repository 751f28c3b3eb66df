package nova

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/everlang/gonova/llm"
	"github.com/everlang/gonova/tools"
)

// scriptedLLM returns a fixed sequence of replies. The first call per
// task is the planning call; scripts built with script() account for it.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	idx     int
	calls   [][]llm.Message
	delay   time.Duration
}

func (m *scriptedLLM) Generate(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, messages)

	if m.idx >= len(m.replies) {
		return &llm.Response{Content: `{"type":"stuck","reason":"script exhausted"}`, InputTokens: 10, OutputTokens: 5}, nil
	}
	reply := m.replies[m.idx]
	m.idx++
	return &llm.Response{Content: reply, InputTokens: 10, OutputTokens: 5}, nil
}

func (m *scriptedLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// script prepends a plan reply to the loop replies.
func script(replies ...string) *scriptedLLM {
	return &scriptedLLM{replies: append([]string{`["do the work"]`}, replies...)}
}

// flakyLLM fails a number of times before delegating to a scripted reply.
type flakyLLM struct {
	mu        sync.Mutex
	failures  int
	succeeded *scriptedLLM
}

func (m *flakyLLM) Generate(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	m.mu.Lock()
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		return nil, fmt.Errorf("backend unavailable")
	}
	m.mu.Unlock()
	return m.succeeded.Generate(ctx, messages)
}

func newTestOrchestrator(t *testing.T, model llm.LLM, opts ...Option) *Orchestrator {
	t.Helper()
	return New(model, opts...)
}

func TestCalculatorTask(t *testing.T) {
	model := script(
		`{"type":"thought","text":"use the calculator"}`,
		`{"type":"action","tool":"calculator","args":{"expression":"2+2"}}`,
		`{"type":"done","answer":"4"}`,
	)
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("what is 2+2?"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Status != StatusDone {
		t.Fatalf("status = %s, want %s", result.Status, StatusDone)
	}
	if result.Output != "4" {
		t.Errorf("output = %q, want %q", result.Output, "4")
	}
	if result.Metrics.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", result.Metrics.ToolCalls)
	}
	// plan + thought + action + done
	if result.Metrics.ModelCalls != 4 {
		t.Errorf("model calls = %d, want 4", result.Metrics.ModelCalls)
	}

	var obs *Step
	for i := range result.Steps {
		if result.Steps[i].Kind == StepObservation {
			obs = &result.Steps[i]
		}
	}
	if obs == nil {
		t.Fatal("no observation recorded")
	}
	if obs.Text != "4" {
		t.Errorf("observation = %q, want %q", obs.Text, "4")
	}
}

func TestMalformedReplyBecomesObservation(t *testing.T) {
	model := script(
		"I think I should probably use a tool here",
		`{"type":"done","answer":"ok"}`,
	)
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("test"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Status != StatusDone {
		t.Fatalf("status = %s, want %s", result.Status, StatusDone)
	}

	found := false
	for _, s := range result.Steps {
		if s.Kind == StepObservation && strings.Contains(s.Text, "invalid") {
			found = true
		}
	}
	if !found {
		t.Error("malformed reply did not produce a corrective observation")
	}
}

func TestMalformedReplyConsumesStep(t *testing.T) {
	model := script("garbage", "garbage", "garbage")
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("test", WithMaxSteps(3)))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Status != StatusStuck {
		t.Fatalf("status = %s, want %s", result.Status, StatusStuck)
	}
	// plan + 3 loop turns, no more
	if result.Metrics.ModelCalls != 4 {
		t.Errorf("model calls = %d, want 4", result.Metrics.ModelCalls)
	}
}

func TestProviderFailureBecomesStuck(t *testing.T) {
	model := &flakyLLM{failures: 100, succeeded: script()}
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("test"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Status != StatusStuck {
		t.Fatalf("status = %s, want %s", result.Status, StatusStuck)
	}
	if !strings.Contains(result.Output, "model unavailable") {
		t.Errorf("output = %q, want model unavailable", result.Output)
	}
}

func TestProviderRecoversOnRetry(t *testing.T) {
	// Plan call fails (non-fatal), first loop call fails once then the
	// retry succeeds.
	model := &flakyLLM{
		failures:  2,
		succeeded: &scriptedLLM{replies: []string{`{"type":"done","answer":"recovered"}`}},
	}
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("test"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Status != StatusDone {
		t.Fatalf("status = %s, want %s", result.Status, StatusDone)
	}
	if result.Output != "recovered" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestStepBudgetExhausted(t *testing.T) {
	model := script(
		`{"type":"thought","text":"thinking"}`,
		`{"type":"thought","text":"still thinking"}`,
		`{"type":"thought","text":"more thinking"}`,
	)
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("test", WithMaxSteps(3)))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Status != StatusStuck {
		t.Fatalf("status = %s, want %s", result.Status, StatusStuck)
	}
	if result.Output != "step budget exhausted" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestTaskTimeout(t *testing.T) {
	model := script(`{"type":"done","answer":"too late"}`)
	model.delay = 200 * time.Millisecond
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("test", WithTimeout(50*time.Millisecond)))
	if result.Status != StatusTimeout {
		t.Fatalf("status = %s, want %s", result.Status, StatusTimeout)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestAbort(t *testing.T) {
	model := script(`{"type":"done","answer":"too late"}`)
	model.delay = time.Second
	orch := newTestOrchestrator(t, model)

	done := make(chan struct{})
	var result *TaskResult
	var err error
	go func() {
		result, err = orch.RunTask(context.Background(), NewTask("test"))
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	orch.Abort()
	<-done

	if result.Status != StatusAborted {
		t.Fatalf("status = %s, want %s", result.Status, StatusAborted)
	}
	if !errors.Is(err, ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", err)
	}
}

func TestUnknownToolBecomesObservation(t *testing.T) {
	model := script(
		`{"type":"action","tool":"no_such_tool","args":{}}`,
		`{"type":"done","answer":"gave up on that tool"}`,
	)
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(), NewTask("test"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Status != StatusDone {
		t.Fatalf("status = %s, want %s", result.Status, StatusDone)
	}
	found := false
	for _, s := range result.Steps {
		if s.Kind == StepObservation && strings.Contains(s.Text, "ToolNotFound") {
			found = true
		}
	}
	if !found {
		t.Error("unknown tool did not produce a ToolNotFound observation")
	}
}

func TestFlaggedToolDenied(t *testing.T) {
	model := script(
		`{"type":"action","tool":"write_file","args":{"path":"/tmp/x","content":"y"}}`,
		`{"type":"done","answer":"understood"}`,
	)
	deny := ConfirmFunc(func(ctx context.Context, tool string, args map[string]any) (bool, error) {
		return false, nil
	})
	orch := newTestOrchestrator(t, model, WithConfirmer(deny))

	result, err := orch.RunTask(context.Background(), NewTask("test"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if result.Metrics.ToolCalls != 0 {
		t.Errorf("tool calls = %d, want 0 (denied)", result.Metrics.ToolCalls)
	}
	found := false
	for _, s := range result.Steps {
		if s.Kind == StepObservation && strings.Contains(s.Text, "denied by operator") {
			found = true
		}
	}
	if !found {
		t.Error("denial did not produce an observation")
	}
}

func TestLongObservationCompressed(t *testing.T) {
	registry := tools.NewRegistry()
	registry.RegisterBuiltin("firehose", func(ctx context.Context, args map[string]any) (string, error) {
		return strings.Repeat("x", 100000), nil
	}, tools.Meta{Description: "test tool"})

	model := script(
		`{"type":"action","tool":"firehose","args":{}}`,
		`{"type":"done","answer":"ok"}`,
	)
	orch := newTestOrchestrator(t, model, WithRegistry(registry), WithObservationLimit(100))

	result, err := orch.RunTask(context.Background(), NewTask("test"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	for _, s := range result.Steps {
		if s.Kind != StepObservation {
			continue
		}
		if len(s.Text) > 1000 {
			t.Errorf("observation not compressed: %d chars", len(s.Text))
		}
		if !strings.Contains(s.Text, "truncated") {
			t.Error("compressed observation missing truncation marker")
		}
	}
}

func TestTokenBudgetDropsOldestObservation(t *testing.T) {
	registry := tools.NewRegistry()
	registry.RegisterBuiltin("blob", func(ctx context.Context, args map[string]any) (string, error) {
		return strings.Repeat("y", 4000), nil
	}, tools.Meta{Description: "test tool"})

	model := script(
		`{"type":"action","tool":"blob","args":{}}`,
		`{"type":"action","tool":"blob","args":{}}`,
		`{"type":"done","answer":"ok"}`,
	)
	orch := newTestOrchestrator(t, model,
		WithRegistry(registry),
		WithObservationLimit(5000))

	result, err := orch.RunTask(context.Background(),
		NewTask("test", WithTokenBudget(1500)))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if result.Status != StatusDone {
		t.Fatalf("status = %s", result.Status)
	}

	// The final prompt should have had its oldest observation replaced
	// by the drop marker.
	last := model.calls[len(model.calls)-1]
	dropped := false
	for _, msg := range last {
		if strings.Contains(msg.Content, droppedObservation) {
			dropped = true
		}
	}
	if !dropped {
		t.Error("over-budget prompt kept all observations")
	}
}

func TestSeedVisibleToTask(t *testing.T) {
	model := script(
		`{"type":"action","tool":"memory_recall","args":{"key":"city"}}`,
		`{"type":"done","answer":"Lisbon"}`,
	)
	orch := newTestOrchestrator(t, model)

	result, err := orch.RunTask(context.Background(),
		NewTask("test", WithSeed(map[string]any{"city": "Lisbon"})))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	found := false
	for _, s := range result.Steps {
		if s.Kind == StepObservation && s.Text == "Lisbon" {
			found = true
		}
	}
	if !found {
		t.Error("seeded value not recallable")
	}
}

func TestIntrospectionAfterRun(t *testing.T) {
	model := script(
		`{"type":"action","tool":"memory_store","args":{"key":"k","value":"v"}}`,
		`{"type":"done","answer":"ok"}`,
	)
	orch := newTestOrchestrator(t, model)

	if _, err := orch.RunTask(context.Background(), NewTask("test")); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if len(orch.LastTrace()) == 0 {
		t.Error("LastTrace empty after run")
	}
	if len(orch.LastPlan()) == 0 {
		t.Error("LastPlan empty after run")
	}
	if v, ok := orch.LastMemory()["k"]; !ok || v != "v" {
		t.Errorf("LastMemory missing stored value, got %v", orch.LastMemory())
	}
	if orch.AskStatus() != AskIdle {
		t.Errorf("ask status = %s, want %s", orch.AskStatus(), AskIdle)
	}
}

func TestEventsEmitted(t *testing.T) {
	model := script(`{"type":"done","answer":"ok"}`)
	orch := newTestOrchestrator(t, model)

	if _, err := orch.RunTask(context.Background(), NewTask("test")); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	var types []EventType
	for {
		select {
		case ev := <-orch.Events():
			types = append(types, ev.Type)
			continue
		default:
		}
		break
	}

	hasStart, hasDone := false, false
	for _, ty := range types {
		if ty == EventTaskStarted {
			hasStart = true
		}
		if ty == EventTaskCompleted {
			hasDone = true
		}
	}
	if !hasStart || !hasDone {
		t.Errorf("events = %v, want start and completed", types)
	}
}
