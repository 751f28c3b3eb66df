package nova

import "context"

// Asker supplies operator answers when a task raises a question
// mid-run. The call blocks the task until an answer arrives or the
// context is cancelled.
type Asker interface {
	Ask(ctx context.Context, taskID, question string) (string, error)
}

// AskFunc adapts a function to the Asker interface.
type AskFunc func(ctx context.Context, taskID, question string) (string, error)

func (f AskFunc) Ask(ctx context.Context, taskID, question string) (string, error) {
	return f(ctx, taskID, question)
}

// AskState tracks where a task sits in the ask protocol.
type AskState string

const (
	// AskIdle means no task is running
	AskIdle AskState = "idle"

	// AskRunning means the loop is progressing normally
	AskRunning AskState = "running"

	// AskAwaiting means the task is blocked on an operator answer
	AskAwaiting AskState = "awaiting_answer"
)

// Confirmer approves or denies flagged tool calls before dispatch. A
// denial is not fatal: the task sees it as an observation and decides
// what to do next.
type Confirmer interface {
	Confirm(ctx context.Context, tool string, args map[string]any) (bool, error)
}

// ConfirmFunc adapts a function to the Confirmer interface.
type ConfirmFunc func(ctx context.Context, tool string, args map[string]any) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, tool string, args map[string]any) (bool, error) {
	return f(ctx, tool, args)
}
