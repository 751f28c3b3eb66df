package nova

import "errors"

// Standard errors returned by the engine.
var (
	// ErrDepthLimit is returned when a spawn would exceed the maximum recursion depth
	ErrDepthLimit = errors.New("maximum spawn depth reached")

	// ErrAborted is returned when a task is cancelled externally
	ErrAborted = errors.New("task aborted")

	// ErrTimeout is returned when a task exceeds its wall-clock cap
	ErrTimeout = errors.New("task timed out")

	// ErrProviderFailed is returned when the model call fails after retry
	ErrProviderFailed = errors.New("model call failed")

	// ErrNoAsker is returned when Ask is reached with no operator attached
	ErrNoAsker = errors.New("no asker attached")

	// ErrKeyNotFound is returned by Memory.Recall for missing keys
	ErrKeyNotFound = errors.New("memory key not found")
)

// TaskError wraps errors with task context.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return "task " + e.TaskID + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ParseError reports a model reply that violated the step schema. It is
// recovered by the loop: the error text becomes an observation and the
// task continues.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
