package nova

import "time"

// EventType categorizes engine events.
type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventStep          EventType = "step"
	EventAsk           EventType = "ask"
	EventSpawn         EventType = "spawn"
)

// Event is a notification emitted while tasks run. Events are advisory:
// if no consumer drains the channel they are dropped, never blocking
// the loop.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Depth     int       `json:"depth"`
	Step      *Step     `json:"step,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// emit publishes an event, dropping it when the buffer is full.
func (o *Orchestrator) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case o.events <- ev:
	default:
	}
}

// Events returns the engine's event stream. The channel is buffered and
// lossy under backpressure.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}
