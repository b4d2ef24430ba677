package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	reg, err := openRegistry(path, 1, time.Millisecond, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	return reg, path
}

func makeTask(t *testing.T, spec TaskSpec) *Task {
	t.Helper()
	if spec.Cmd == "" {
		spec.Cmd = "codex"
	}
	return newTask(spec)
}

func TestOpenRegistryFreshLeavesNoBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	if _, err := openRegistry(path, 1, time.Millisecond, zap.NewNop().Sugar()); err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	if pathExists(path + ".bak") {
		t.Fatal("fresh database must not be backed up")
	}
}

func TestOpenRegistryKeepsUnreadableFileIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	garbage := []byte("definitely not a database")
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := openRegistry(path, 1, time.Millisecond, zap.NewNop().Sugar()); err == nil {
		t.Fatal("expected open to fail on a corrupt file")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, garbage) {
		t.Fatalf("corrupt file was altered: %q", got)
	}
	if pathExists(path + ".bak") {
		t.Fatal("backup should be cleaned up after the failure")
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	task := makeTask(t, TaskSpec{Agent: "codex", Cwd: "/tmp/work", EnvID: "env-1", UserID: "u-1"})
	if err := reg.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rec, found, err := reg.GetTask(task.ID)
	if err != nil || !found {
		t.Fatalf("GetTask: found=%v err=%v", found, err)
	}
	if rec.Status != string(StatusPending) {
		t.Errorf("expected pending, got %q", rec.Status)
	}
	if rec.WorkingDir != "/tmp/work" || rec.EnvID != "env-1" || rec.UserID != "u-1" {
		t.Errorf("spec fields not persisted: %+v", rec)
	}

	if _, found, _ := reg.GetTask("task-local-nope"); found {
		t.Error("expected missing task to report not found")
	}
}

func TestRegistryFinalizeOnce(t *testing.T) {
	reg, _ := newTestRegistry(t)
	task := makeTask(t, TaskSpec{})
	if err := reg.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	now := time.Now().UTC()

	won, err := reg.FinalizeTask(task.ID, StatusCompleted, TaskResult{Outcome: OutcomeSuccess}, ProgressSnapshot{Terminal: true}, now)
	if err != nil || !won {
		t.Fatalf("first finalize should win: won=%v err=%v", won, err)
	}

	won, err = reg.FinalizeTask(task.ID, StatusCanceled, TaskResult{Outcome: OutcomeCanceled}, ProgressSnapshot{}, now)
	if err != nil {
		t.Fatalf("second finalize errored: %v", err)
	}
	if won {
		t.Fatal("second finalize must lose the race")
	}

	rec, _, _ := reg.GetTask(task.ID)
	if rec.Status != string(StatusCompleted) || rec.Outcome != OutcomeSuccess {
		t.Fatalf("terminal row was overwritten: %+v", rec)
	}
}

func TestRegistryNoWritesAfterTerminal(t *testing.T) {
	reg, _ := newTestRegistry(t)
	task := makeTask(t, TaskSpec{})
	if err := reg.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	now := time.Now().UTC()
	if _, err := reg.FinalizeTask(task.ID, StatusFailed, TaskResult{Outcome: OutcomeNonZeroExit, ExitCode: 2}, ProgressSnapshot{}, now); err != nil {
		t.Fatalf("FinalizeTask: %v", err)
	}

	if err := reg.UpdateProgress(task.ID, ProgressSnapshot{PercentComplete: 0.9}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := reg.SetThreadID(task.ID, "late-thread"); err != nil {
		t.Fatalf("SetThreadID: %v", err)
	}
	if err := reg.MarkWorking(task.ID, now); err != nil {
		t.Fatalf("MarkWorking: %v", err)
	}

	rec, _, _ := reg.GetTask(task.ID)
	if rec.Status != string(StatusFailed) {
		t.Errorf("status changed after terminal: %q", rec.Status)
	}
	if rec.ThreadID == "late-thread" {
		t.Error("thread id written after terminal")
	}
	var snap ProgressSnapshot
	if rec.Progress != "" {
		_ = json.Unmarshal([]byte(rec.Progress), &snap)
	}
	if snap.PercentComplete == 0.9 {
		t.Error("progress written after terminal")
	}
}

func TestRegistryMarkWorkingGuard(t *testing.T) {
	reg, _ := newTestRegistry(t)
	task := makeTask(t, TaskSpec{})
	if err := reg.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	start := time.Now().UTC()
	if err := reg.MarkWorking(task.ID, start); err != nil {
		t.Fatalf("MarkWorking: %v", err)
	}
	rec, _, _ := reg.GetTask(task.ID)
	if rec.Status != string(StatusWorking) {
		t.Fatalf("expected working, got %q", rec.Status)
	}
	if rec.StartedAt == nil {
		t.Fatal("started_at not recorded")
	}
}

func TestRegistryListFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	specs := []TaskSpec{
		{Origin: OriginLocal, Cwd: "/a", EnvID: "e1", UserID: "u1"},
		{Origin: OriginLocal, Cwd: "/b", EnvID: "e1", UserID: "u2"},
		{Origin: OriginCloud, Cwd: "/a", EnvID: "e2", UserID: "u1"},
	}
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		task := makeTask(t, spec)
		if err := reg.CreateTask(task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		ids = append(ids, task.ID)
	}
	if _, err := reg.FinalizeTask(ids[1], StatusCompleted, TaskResult{Outcome: OutcomeSuccess}, ProgressSnapshot{}, time.Now().UTC()); err != nil {
		t.Fatalf("FinalizeTask: %v", err)
	}

	cases := []struct {
		name string
		q    TaskQuery
		want int
	}{
		{"all", TaskQuery{}, 3},
		{"origin_cloud", TaskQuery{Origin: string(OriginCloud)}, 1},
		{"working_dir", TaskQuery{WorkingDir: "/a"}, 2},
		{"env_id", TaskQuery{EnvID: "e1"}, 2},
		{"user_id", TaskQuery{UserID: "u1"}, 2},
		{"status_completed", TaskQuery{Status: string(StatusCompleted)}, 1},
		{"combined", TaskQuery{WorkingDir: "/a", UserID: "u1", Origin: string(OriginLocal)}, 1},
		{"since_future", TaskQuery{Since: time.Now().Add(time.Hour)}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, total, err := reg.ListTasks(tc.q)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(recs) != tc.want || total != int64(tc.want) {
				t.Fatalf("expected %d rows, got %d (total %d)", tc.want, len(recs), total)
			}
		})
	}
}

func TestRegistryListPagination(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		if err := reg.CreateTask(makeTask(t, TaskSpec{})); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	recs, total, err := reg.ListTasks(TaskQuery{Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(recs) != 2 || total != 5 {
		t.Fatalf("expected page of 2 with total 5, got %d/%d", len(recs), total)
	}

	recs, _, err = reg.ListTasks(TaskQuery{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected trailing page of 1, got %d", len(recs))
	}
}

func TestRegistryCountByStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := makeTask(t, TaskSpec{})
	b := makeTask(t, TaskSpec{})
	for _, task := range []*Task{a, b} {
		if err := reg.CreateTask(task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if _, err := reg.FinalizeTask(a.ID, StatusCompleted, TaskResult{Outcome: OutcomeSuccess}, ProgressSnapshot{}, time.Now().UTC()); err != nil {
		t.Fatalf("FinalizeTask: %v", err)
	}

	counts, err := reg.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[string(StatusPending)] != 1 || counts[string(StatusCompleted)] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestRegistryPrune(t *testing.T) {
	reg, _ := newTestRegistry(t)
	old := makeTask(t, TaskSpec{})
	fresh := makeTask(t, TaskSpec{})
	for _, task := range []*Task{old, fresh} {
		if err := reg.CreateTask(task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	longAgo := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := reg.FinalizeTask(old.ID, StatusCompleted, TaskResult{Outcome: OutcomeSuccess}, ProgressSnapshot{}, longAgo); err != nil {
		t.Fatalf("FinalizeTask: %v", err)
	}
	if _, err := reg.FinalizeTask(fresh.ID, StatusCompleted, TaskResult{Outcome: OutcomeSuccess}, ProgressSnapshot{}, time.Now().UTC()); err != nil {
		t.Fatalf("FinalizeTask: %v", err)
	}

	removed, err := reg.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
	if _, found, _ := reg.GetTask(old.ID); found {
		t.Error("old terminal row survived prune")
	}
	if _, found, _ := reg.GetTask(fresh.ID); !found {
		t.Error("fresh row was pruned")
	}
}

func TestRegistryReconcileInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	log := zap.NewNop().Sugar()
	reg, err := openRegistry(path, 1, time.Millisecond, log)
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	pending := makeTask(t, TaskSpec{})
	working := makeTask(t, TaskSpec{})
	finished := makeTask(t, TaskSpec{})
	for _, task := range []*Task{pending, working, finished} {
		if err := reg.CreateTask(task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if err := reg.MarkWorking(working.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkWorking: %v", err)
	}
	if _, err := reg.FinalizeTask(finished.ID, StatusCompleted, TaskResult{Outcome: OutcomeSuccess}, ProgressSnapshot{}, time.Now().UTC()); err != nil {
		t.Fatalf("FinalizeTask: %v", err)
	}

	// Reopening plays the part of a process restart.
	reg2, err := openRegistry(path, 1, time.Millisecond, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, id := range []string{pending.ID, working.ID} {
		rec, _, _ := reg2.GetTask(id)
		if rec.Status != string(StatusUnknown) {
			t.Errorf("expected unknown for %s, got %q", id, rec.Status)
		}
		if rec.Outcome != OutcomeUnknown {
			t.Errorf("expected unknown outcome for %s, got %q", id, rec.Outcome)
		}
	}
	rec, _, _ := reg2.GetTask(finished.ID)
	if rec.Status != string(StatusCompleted) {
		t.Errorf("terminal row touched by reconcile: %q", rec.Status)
	}
}
