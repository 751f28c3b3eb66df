package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return st
}

func TestSaveAndListTasks(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	if err := st.SaveSession("sess1", now); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	rec := TaskRecord{
		ID:           "task1",
		SessionID:    "sess1",
		Description:  "count the files",
		Status:       "done",
		Output:       "12 files",
		Steps:        `[{"kind":"done"}]`,
		Plan:         `["look","count"]`,
		ModelCalls:   3,
		ToolCalls:    1,
		InputTokens:  120,
		OutputTokens: 40,
		CostUSD:      0.0012,
		StartedAt:    now,
		CompletedAt:  now.Add(2 * time.Second),
	}
	if err := st.SaveTask(rec); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	tasks, err := st.ListTasks("sess1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}

	got := tasks[0]
	if got.ID != rec.ID || got.Status != rec.Status || got.Output != rec.Output {
		t.Errorf("got %+v", got)
	}
	if got.ModelCalls != 3 || got.ToolCalls != 1 || got.CostUSD != 0.0012 {
		t.Errorf("metrics lost: %+v", got)
	}
}

func TestSaveTaskUpsert(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()

	st.SaveSession("s", now)
	rec := TaskRecord{ID: "t", SessionID: "s", Description: "d", Status: "running", StartedAt: now, CompletedAt: now}
	if err := st.SaveTask(rec); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	rec.Status = "done"
	rec.Output = "finished"
	if err := st.SaveTask(rec); err != nil {
		t.Fatalf("SaveTask again: %v", err)
	}

	got, err := st.GetTask("t")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != "done" || got.Output != "finished" {
		t.Errorf("got %+v", got)
	}
}

func TestGetTaskMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetTask("nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestListSessionsCounts(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()

	st.SaveSession("a", now.Add(-time.Hour))
	st.SaveSession("b", now)
	st.SaveTask(TaskRecord{ID: "t1", SessionID: "b", Description: "x", Status: "done", StartedAt: now, CompletedAt: now})
	st.SaveTask(TaskRecord{ID: "t2", SessionID: "b", Description: "y", Status: "done", StartedAt: now, CompletedAt: now})

	sessions, err := st.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	// Newest first.
	if sessions[0].ID != "b" || sessions[0].Tasks != 2 {
		t.Errorf("sessions[0] = %+v", sessions[0])
	}
	if sessions[1].ID != "a" || sessions[1].Tasks != 0 {
		t.Errorf("sessions[1] = %+v", sessions[1])
	}
}

func TestSaveSessionIdempotent(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()

	if err := st.SaveSession("dup", now); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := st.SaveSession("dup", now.Add(time.Minute)); err != nil {
		t.Fatalf("second SaveSession: %v", err)
	}

	sessions, _ := st.ListSessions()
	if len(sessions) != 1 {
		t.Errorf("got %d sessions, want 1", len(sessions))
	}
}
