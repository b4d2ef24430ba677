package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskOrigin string

const (
	OriginLocal TaskOrigin = "local"
	OriginCloud TaskOrigin = "cloud"
)

type TaskStatus string

const (
	StatusPending               TaskStatus = "pending"
	StatusWorking               TaskStatus = "working"
	StatusCompleted             TaskStatus = "completed"
	StatusCompletedWithWarnings TaskStatus = "completed_with_warnings"
	StatusCompletedWithErrors   TaskStatus = "completed_with_errors"
	StatusFailed                TaskStatus = "failed"
	StatusCanceled              TaskStatus = "canceled"
	StatusUnknown               TaskStatus = "unknown"
)

var terminalStatuses = []TaskStatus{
	StatusCompleted,
	StatusCompletedWithWarnings,
	StatusCompletedWithErrors,
	StatusFailed,
	StatusCanceled,
	StatusUnknown,
}

func isTerminalStatus(s TaskStatus) bool {
	for _, t := range terminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

type SandboxMode string

const (
	ModeReadOnly   SandboxMode = "read-only"
	ModeWrite      SandboxMode = "write"
	ModeFullAccess SandboxMode = "full-access"
)

type EnvPolicy string

const (
	EnvInheritNone EnvPolicy = "inherit-none"
	EnvInheritAll  EnvPolicy = "inherit-all"
	EnvAllowList   EnvPolicy = "allow-list"
)

// Outcome distinguishes why a task reached its terminal status. Callers use
// it to decide whether to retry, extend the budget, or abandon.
const (
	OutcomeSuccess           = "success"
	OutcomeNonZeroExit       = "nonzero_exit"
	OutcomeInactivityTimeout = "inactivity_timeout"
	OutcomeHardTimeout       = "hard_timeout"
	OutcomeCanceled          = "canceled"
	OutcomeSpawnError        = "spawn_error"
	OutcomeUnknown           = "unknown"
)

// TaskSpec describes one delegated unit of work: the exact command vector to
// spawn, its working context, and its supervision budgets. Commands are always
// an explicit argv, never a shell string.
type TaskSpec struct {
	Agent         string
	Prompt        string
	Cmd           string
	Args          []string
	Cwd           string
	Mode          SandboxMode
	Origin        TaskOrigin
	EnvPolicy     EnvPolicy
	EnvAllow      []string
	Env           map[string]string
	EnvID         string
	UserID        string
	ThreadID      string
	IdleTimeoutMs int
	HardTimeoutMs int
}

// TaskResult is write-once at the terminal transition.
type TaskResult struct {
	Outcome      string        `json:"outcome"`
	ExitCode     int           `json:"exit_code"`
	StdoutTail   string        `json:"stdout_tail,omitempty"`
	StderrTail   string        `json:"stderr_tail,omitempty"`
	RecentEvents []StreamEvent `json:"recent_events,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type Task struct {
	ID          string
	Spec        TaskSpec
	Status      TaskStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ThreadID    string
	Progress    ProgressSnapshot
	Result      *TaskResult
}

func newTask(spec TaskSpec) *Task {
	if spec.Origin == "" {
		spec.Origin = OriginLocal
	}
	if spec.Mode == "" {
		spec.Mode = ModeReadOnly
	}
	if spec.EnvPolicy == "" {
		spec.EnvPolicy = EnvInheritNone
	}
	return &Task{
		ID:        newTaskID(spec.Origin),
		Spec:      spec,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		ThreadID:  spec.ThreadID,
	}
}

func newTaskID(origin TaskOrigin) string {
	return fmt.Sprintf("task-%s-%s", origin, uuid.New().String())
}
