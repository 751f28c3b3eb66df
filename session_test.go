package nova

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/everlang/gonova/llm"
	"github.com/everlang/gonova/store"
)

func TestSessionMemoryPersistsAcrossTasks(t *testing.T) {
	model := newRouterLLM()
	model.scripts["remember the city"] = []string{
		`{"type":"action","tool":"memory_store","args":{"key":"city","value":"Porto"}}`,
		`{"type":"done","answer":"noted"}`,
	}
	model.scripts["which city was it"] = []string{
		`{"type":"action","tool":"memory_recall","args":{"key":"city"}}`,
		`{"type":"done","answer":"Porto"}`,
	}

	orch := newTestOrchestrator(t, model)
	sess := NewSession(orch)

	if _, err := sess.Run(context.Background(), "remember the city"); err != nil {
		t.Fatalf("first task: %v", err)
	}

	result, err := sess.Run(context.Background(), "which city was it")
	if err != nil {
		t.Fatalf("second task: %v", err)
	}
	if result.Status != StatusDone || result.Output != "Porto" {
		t.Errorf("status = %s, output = %q", result.Status, result.Output)
	}

	if v, _ := sess.Memory().Recall("city"); v != "Porto" {
		t.Errorf("session memory lost the value: %v", v)
	}
	if len(sess.History()) != 2 {
		t.Errorf("history = %d entries, want 2", len(sess.History()))
	}
}

// storePeekLLM reads the stored task status from inside the model call,
// while the task is still executing.
type storePeekLLM struct {
	st     *store.SQLite
	sessID string
	seen   string
}

func (m *storePeekLLM) Generate(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	if strings.HasPrefix(messages[0].Content, "Break the task") {
		return &llm.Response{Content: "[]"}, nil
	}
	if tasks, err := m.st.ListTasks(m.sessID); err == nil && len(tasks) == 1 {
		m.seen = tasks[0].Status
	}
	return &llm.Response{Content: `{"type":"done","answer":"ok"}`}, nil
}

func TestSessionRecordsRunningTask(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "nova.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	model := &storePeekLLM{st: st}
	orch := newTestOrchestrator(t, model)
	sess := NewSession(orch, WithStore(st))
	model.sessID = sess.ID

	result, err := sess.Run(context.Background(), "quick job")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Mid-task the store held a running record; the final save replaced
	// it with the terminal status.
	if model.seen != string(StatusRunning) {
		t.Errorf("status during run = %q, want %q", model.seen, StatusRunning)
	}
	got, err := st.GetTask(result.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != string(StatusDone) {
		t.Errorf("final status = %q, want %q", got.Status, StatusDone)
	}
}

func TestSessionPersistsResults(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "nova.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	model := script(`{"type":"done","answer":"persisted"}`)
	orch := newTestOrchestrator(t, model)
	sess := NewSession(orch, WithStore(st))

	result, err := sess.Run(context.Background(), "small job")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tasks, err := st.ListTasks(sess.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d stored tasks, want 1", len(tasks))
	}
	if tasks[0].ID != result.TaskID || tasks[0].Status != string(StatusDone) {
		t.Errorf("stored task = %+v", tasks[0])
	}
	if tasks[0].Output != "persisted" {
		t.Errorf("stored output = %q", tasks[0].Output)
	}

	sessions, err := st.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sess.ID {
		t.Errorf("sessions = %+v", sessions)
	}
}
